package service

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/state"
)

// RepositoryService keeps the canonical record per filesystem path.
type RepositoryService struct {
	st *state.Store
}

func scanRepository(sc scanner) (*core.Repository, error) {
	var r core.Repository
	var name sql.NullString
	if err := sc.Scan(&r.ID, &r.Path, &name, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Name = nullStr(name)
	return &r, nil
}

// Register returns the record for path, creating it on first sight.
// Registration is idempotent: the same path resolves to the same id.
func (s *RepositoryService) Register(ctx context.Context, path, name string) (*core.Repository, error) {
	if path == "" {
		return nil, core.NewToolError(core.CodeMissingRepoPath, "repository path cannot be empty", true)
	}
	path = filepath.Clean(path)

	existing, err := s.GetByPath(ctx, path)
	if err == nil {
		if name != "" && name != existing.Name {
			now := core.NowMillis()
			err := s.st.RetryWrite(ctx, "repository_rename", func() error {
				_, err := s.st.Writer().ExecContext(ctx,
					"UPDATE repositories SET name = ?, updated_at = ? WHERE id = ?",
					name, now, existing.ID)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("renaming repository: %w", err)
			}
			existing.Name = name
			existing.UpdatedAt = now
		}
		return existing, nil
	}
	if !core.IsCode(err, core.CodeRepositoryNotFound) {
		return nil, err
	}

	now := core.NowMillis()
	r := &core.Repository{
		ID:        core.NewID(core.PrefixRepository),
		Path:      path,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.st.RetryWrite(ctx, "repository_register", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			INSERT INTO repositories (id, path, name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(path) DO NOTHING
		`, r.ID, r.Path, state.NullString(r.Name), r.CreatedAt, r.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting repository: %w", err)
	}
	// Re-read: a concurrent registration may have won the insert.
	return s.GetByPath(ctx, path)
}

// Get loads a repository by id.
func (s *RepositoryService) Get(ctx context.Context, id string) (*core.Repository, error) {
	row := s.st.Reader().QueryRowContext(ctx,
		"SELECT id, path, name, created_at, updated_at FROM repositories WHERE id = ?", id)
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeRepositoryNotFound, "repository", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading repository: %w", err)
	}
	return r, nil
}

// GetByPath loads a repository by its cleaned path.
func (s *RepositoryService) GetByPath(ctx context.Context, path string) (*core.Repository, error) {
	row := s.st.Reader().QueryRowContext(ctx,
		"SELECT id, path, name, created_at, updated_at FROM repositories WHERE path = ?",
		filepath.Clean(path))
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeRepositoryNotFound, "repository", path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading repository: %w", err)
	}
	return r, nil
}

// List returns all repositories ordered by path.
func (s *RepositoryService) List(ctx context.Context) ([]*core.Repository, error) {
	rows, err := s.st.Reader().QueryContext(ctx,
		"SELECT id, path, name, created_at, updated_at FROM repositories ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer rows.Close()

	var out []*core.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning repository: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
