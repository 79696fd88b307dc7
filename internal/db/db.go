package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	// Dir is the per-workspace state directory.
	Dir           = ".inspectline"
	defaultDBName = "inspectline.db"
)

type Config struct {
	Workspace string
}

func workspaceDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, Dir)
}

// EnsureWorkspace creates the state directory if missing and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	path := workspaceDir(workspace)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the workspace database. Foreign keys are on and WAL lets the
// follow-up scheduler and CLI readers work alongside a running server;
// writers wait up to busy_timeout for the lock.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return filepath.Join(workspaceDir(workspace), defaultDBName)
}
