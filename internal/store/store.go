// Package store persists saved connection configurations and the connection
// event history in SQLite. TLS credential material never touches the
// database; it lives in the OS keyring and is joined back in on read.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"go.olrik.dev/remotehub/internal/session"
)

// Store wraps the SQLite database holding saved configurations and the
// connection event journal.
type Store struct {
	conn  *sql.DB
	path  string
	vault CredentialVault
}

// Open opens or creates the database at path. vault supplies credential
// material for saved configurations; nil disables credential handling
// (tests).
func Open(path string, vault CredentialVault) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// WAL for concurrent readers while a connect is writing
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{conn: conn, path: path, vault: vault}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn != nil {
		s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.conn.Close()
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Connection configurations saved per host (or per IP address)
	CREATE TABLE IF NOT EXISTS saved_configs (
		host TEXT PRIMARY KEY,
		port INTEGER NOT NULL,
		family INTEGER NOT NULL DEFAULT 0,
		cwd TEXT NOT NULL,
		display_title TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		prompt_reconnect INTEGER NOT NULL DEFAULT 1,
		always_shutdown INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Connection lifecycle events
	CREATE TABLE IF NOT EXISTS connection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		host TEXT NOT NULL,
		cwd TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_connection_events_timestamp ON connection_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_connection_events_host ON connection_events(host);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Get returns the configuration saved for host, with credential material
// joined back in from the vault, or (nil, nil) when nothing is saved.
func (s *Store) Get(host string) (*session.Config, error) {
	row := s.conn.QueryRow(
		`SELECT host, port, family, cwd, display_title, version, prompt_reconnect, always_shutdown
		 FROM saved_configs WHERE host = ?`, host)

	var cfg session.Config
	var prompt int
	err := row.Scan(&cfg.Host, &cfg.Port, &cfg.Family, &cfg.Cwd,
		&cfg.DisplayTitle, &cfg.Version, &prompt, &cfg.AlwaysShutdownIfLast)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read saved config for %s: %w", host, err)
	}
	cfg.PromptReconnectOnFailure = session.Bool(prompt != 0)

	if s.vault != nil {
		creds, err := s.vault.Fetch(host)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch credentials for %s: %w", host, err)
		}
		if creds != nil {
			cfg.CACert = creds.CACert
			cfg.ClientCert = creds.ClientCert
			cfg.ClientKey = creds.ClientKey
		}
	}

	return &cfg, nil
}

// Put saves cfg under its host, splitting credential material into the
// vault.
func (s *Store) Put(cfg session.Config) error {
	prompt := 0
	if cfg.PromptReconnect() {
		prompt = 1
	}
	_, err := s.conn.Exec(
		`INSERT INTO saved_configs (host, port, family, cwd, display_title, version, prompt_reconnect, always_shutdown, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET
			port = excluded.port,
			family = excluded.family,
			cwd = excluded.cwd,
			display_title = excluded.display_title,
			version = excluded.version,
			prompt_reconnect = excluded.prompt_reconnect,
			always_shutdown = excluded.always_shutdown,
			updated_at = excluded.updated_at`,
		cfg.Host, cfg.Port, cfg.Family, cfg.Cwd, cfg.DisplayTitle,
		cfg.Version, prompt, cfg.AlwaysShutdownIfLast, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save config for %s: %w", cfg.Host, err)
	}

	if s.vault != nil && (len(cfg.CACert) > 0 || len(cfg.ClientCert) > 0 || len(cfg.ClientKey) > 0) {
		creds := Credentials{
			CACert:     cfg.CACert,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
		}
		if err := s.vault.Store(cfg.Host, creds); err != nil {
			return fmt.Errorf("failed to store credentials for %s: %w", cfg.Host, err)
		}
	}
	return nil
}

// Delete removes the saved configuration and credentials for host.
func (s *Store) Delete(host string) error {
	if _, err := s.conn.Exec(`DELETE FROM saved_configs WHERE host = ?`, host); err != nil {
		return fmt.Errorf("failed to delete saved config for %s: %w", host, err)
	}
	if s.vault != nil {
		if err := s.vault.Delete(host); err != nil {
			return fmt.Errorf("failed to delete credentials for %s: %w", host, err)
		}
	}
	return nil
}

// SavedEntry is one saved configuration row, without credential material.
type SavedEntry struct {
	Host         string
	Port         int
	Cwd          string
	DisplayTitle string
	Version      string
	UpdatedAt    time.Time
}

// List returns all saved configurations, most recently updated first.
func (s *Store) List() ([]SavedEntry, error) {
	rows, err := s.conn.Query(
		`SELECT host, port, cwd, display_title, version, updated_at
		 FROM saved_configs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SavedEntry
	for rows.Next() {
		var e SavedEntry
		if err := rows.Scan(&e.Host, &e.Port, &e.Cwd, &e.DisplayTitle, &e.Version, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
