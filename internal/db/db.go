package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// State lives in <workspace>/.autoflow/autoflow.db. The workspace defaults
// to the current directory so `af` behaves like a per-directory tool.
const (
	workspaceDir = ".autoflow"
	dbFile       = "autoflow.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .autoflow directory under workspace if it is
// missing and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Path returns the database path for a workspace without creating anything.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, dbFile)
}

// Open opens the workspace database. WAL keeps the server's webhook poller
// from blocking writers; busy_timeout covers the brief overlap between the
// CLI and a running server on the same workspace.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		Path(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}
