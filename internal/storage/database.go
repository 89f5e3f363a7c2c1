package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("record already exists")
)

// Database wraps the sqlx.DB connection.
type Database struct {
	*sqlx.DB
}

// schema defines the database tables.
const schema = `
CREATE TABLE IF NOT EXISTS repositories (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    owner TEXT NOT NULL,
    github_id INTEGER NOT NULL,
    webhook_secret TEXT NOT NULL CHECK (webhook_secret <> ''),
    github_app_installation_id INTEGER,
    access_token TEXT,
    linear_team_id TEXT,
    is_active BOOLEAN NOT NULL DEFAULT 1,
    created_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_repositories_active_github
    ON repositories(owner, github_id) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_repositories_github_id ON repositories(github_id);

CREATE TABLE IF NOT EXISTS webhook_events (
    id TEXT PRIMARY KEY,
    repository_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    delivery_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    processed BOOLEAN NOT NULL DEFAULT 0,
    processing_error TEXT,
    report TEXT,
    processed_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME,
    FOREIGN KEY (repository_id) REFERENCES repositories(id)
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_processed ON webhook_events(processed, created_at);

CREATE TABLE IF NOT EXISTS github_linear_mappings (
    id TEXT PRIMARY KEY,
    linear_issue_id TEXT NOT NULL,
    github_issue_id INTEGER NOT NULL,
    repository_id TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(linear_issue_id, repository_id),
    FOREIGN KEY (repository_id) REFERENCES repositories(id)
);

CREATE TABLE IF NOT EXISTS github_pr_mappings (
    id TEXT PRIMARY KEY,
    linear_issue_id TEXT NOT NULL,
    github_pr_id INTEGER NOT NULL,
    repository_id TEXT NOT NULL,
    github_pr_number INTEGER NOT NULL,
    github_pr_url TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed', 'merged')),
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE(repository_id, github_pr_number),
    FOREIGN KEY (repository_id) REFERENCES repositories(id)
);

CREATE INDEX IF NOT EXISTS idx_pr_mappings_issue ON github_pr_mappings(linear_issue_id, repository_id);
CREATE INDEX IF NOT EXISTS idx_pr_mappings_status ON github_pr_mappings(status);
`

// NewDatabase creates a new database connection and initializes the schema.
func NewDatabase(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite3 serializes writers anyway; a single connection avoids SQLITE_BUSY between deliveries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{DB: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.DB.Close()
}
