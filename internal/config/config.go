// Package config resolves daemon configuration from the environment.
// Variables are consulted once at daemon init.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// Transport selects the RPC transport the daemon serves.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// DBMode selects where the database file lives.
type DBMode string

const (
	// DBModeGlobal uses a single database under the user's home directory.
	DBModeGlobal DBMode = "global"
	// DBModeRepository uses a database scoped to the repository path.
	DBModeRepository DBMode = "repository"
)

// DefaultPort is the HTTP transport port when CAW_PORT is unset.
const DefaultPort = 3100

// Config is the resolved daemon configuration.
type Config struct {
	Transport Transport
	Port      int
	DBMode    DBMode
	RepoPath  string
	DBPath    string
}

// Load reads CAW_* environment variables and resolves the configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAW")
	v.AutomaticEnv()
	v.SetDefault("transport", string(TransportStdio))
	v.SetDefault("port", strconv.Itoa(DefaultPort))
	v.SetDefault("db_mode", string(DBModeRepository))

	transport, err := ParseTransport(v.GetString("transport"))
	if err != nil {
		return nil, err
	}

	port, err := ParsePort(v.GetString("port"))
	if err != nil {
		return nil, err
	}

	mode, err := ParseDBMode(v.GetString("db_mode"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Transport: transport,
		Port:      port,
		DBMode:    mode,
		RepoPath:  v.GetString("repo_path"),
		DBPath:    v.GetString("db_path"),
	}
	if cfg.DBPath == "" {
		cfg.DBPath, err = resolveDBPath(cfg.DBMode, cfg.RepoPath)
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ParsePort validates a port string. The port must be an integer in 1..65535.
func ParsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("Invalid port: '%s'. Must be an integer between 1 and 65535.", s)
	}
	return n, nil
}

// ParseTransport validates a transport name.
func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case TransportStdio, TransportHTTP:
		return Transport(s), nil
	}
	return "", fmt.Errorf("Invalid transport: '%s'. Must be one of: stdio, http.", s)
}

// ParseDBMode validates a database mode name.
func ParseDBMode(s string) (DBMode, error) {
	switch DBMode(s) {
	case DBModeGlobal, DBModeRepository:
		return DBMode(s), nil
	}
	return "", fmt.Errorf("Invalid db mode: '%s'. Must be one of: global, repository.", s)
}

func resolveDBPath(mode DBMode, repoPath string) (string, error) {
	if mode == DBModeGlobal {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, ".caw", "caw.db"), nil
	}
	root := repoPath
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		root = wd
	}
	return filepath.Join(root, ".caw", "caw.db"), nil
}

// LockFilePath returns the daemon lock file path for a database path: a
// sibling file named server.lock.
func LockFilePath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "server.lock")
}
