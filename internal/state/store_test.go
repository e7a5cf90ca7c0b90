package state

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "caw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenCreatesSchema(t *testing.T) {
	st := openTestStore(t)

	var version int
	err := st.Reader().QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	for _, table := range []string{
		"workflows", "tasks", "task_dependencies", "checkpoints", "messages",
		"agents", "workspaces", "repositories", "workflow_repositories",
		"templates", "sessions", "workflow_locks",
	} {
		var name string
		err := st.Reader().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caw.db")

	st, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := Open(path)
	require.NoError(t, err)
	defer st2.Close()

	var version int
	require.NoError(t, st2.Reader().QueryRow(
		"SELECT version FROM schema_version WHERE id = 1").Scan(&version))
	assert.Equal(t, 1, version)
}

func TestInTxCommitsAndRollsBack(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO repositories (id, path, created_at, updated_at) VALUES ('rp_1', '/a', 1, 1)")
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = st.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO repositories (id, path, created_at, updated_at) VALUES ('rp_2', '/b', 1, 1)")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, st.Reader().QueryRow("SELECT COUNT(*) FROM repositories").Scan(&count))
	assert.Equal(t, 1, count, "rolled-back insert must not persist")
}

func TestConditionalUpdateReportsRowsAffected(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.Writer().ExecContext(ctx, `
		INSERT INTO workflows (id, name, created_at, updated_at) VALUES ('wf_1', 'w', 1, 1)`)
	require.NoError(t, err)
	_, err = st.Writer().ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, name, status, sequence, created_at, updated_at)
		VALUES ('tk_1', 'wf_1', 't', 'pending', 1, 1, 1)`)
	require.NoError(t, err)

	res, err := st.Writer().ExecContext(ctx, `
		UPDATE tasks SET assigned_agent_id = 'ag_1' WHERE id = 'tk_1' AND assigned_agent_id IS NULL`)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	res, err = st.Writer().ExecContext(ctx, `
		UPDATE tasks SET assigned_agent_id = 'ag_2' WHERE id = 'tk_1' AND assigned_agent_id IS NULL`)
	require.NoError(t, err)
	n, err = res.RowsAffected()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "second conditional update must lose")
}

func TestRetryWriteGivesUpOnNonBusyErrors(t *testing.T) {
	st := openTestStore(t)
	calls := 0
	err := st.RetryWrite(context.Background(), "test", func() error {
		calls++
		return errors.New("constraint failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-busy errors must not retry")
}
