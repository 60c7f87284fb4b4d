package plansync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteProviderConfig configures the SQLite snapshot provider.
type SQLiteProviderConfig struct {
	// Path to the SQLite database file.
	Path string `json:"path" yaml:"path"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `json:"journal_mode,omitempty" yaml:"journal_mode,omitempty"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"`

	// Priority orders this back-end in the fallback chain; lower is tried
	// first. Default: 20
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// SQLiteProvider stores snapshot blobs in a local SQLite database, one row
// per user identity. This is the durable on-device back-end: it survives
// restarts and works fully offline.
type SQLiteProvider struct {
	config SQLiteProviderConfig
	codec  *SnapshotCodec

	mu     sync.Mutex
	db     *sql.DB
	upsert *sql.Stmt
	load   *sql.Stmt
	closed bool
}

// NewSQLiteProvider creates a SQLite-backed provider. The database is opened
// lazily during Probe.
func NewSQLiteProvider(cfg SQLiteProviderConfig, codec *SnapshotCodec) (*SQLiteProvider, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite provider: path is required")
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	if codec == nil {
		codec = NewSnapshotCodec(true, nil)
	}
	return &SQLiteProvider{config: cfg, codec: codec}, nil
}

func (p *SQLiteProvider) Name() string { return "sqlite" }

// Probe opens the database, applies the schema, and writes the placeholder
// row. Re-probing reuses the open handle.
func (p *SQLiteProvider) Probe(ctx context.Context) error {
	p.mu.Lock()
	err := p.openLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.Save(ctx, probeKey, Snapshot{})
}

func (p *SQLiteProvider) openLocked(ctx context.Context) error {
	if p.closed {
		return errors.New("sqlite provider: closed")
	}
	if p.db != nil {
		return nil
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		p.config.Path, p.config.JournalMode, p.config.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("sqlite provider: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `CREATE TABLE IF NOT EXISTS snapshots (
		user_id    TEXT PRIMARY KEY,
		blob       BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("sqlite provider: create schema: %w", err)
	}

	upsert, err := db.PrepareContext(ctx,
		`INSERT INTO snapshots (user_id, blob, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("sqlite provider: prepare upsert: %w", err)
	}
	load, err := db.PrepareContext(ctx, `SELECT blob FROM snapshots WHERE user_id = ?`)
	if err != nil {
		_ = upsert.Close()
		_ = db.Close()
		return fmt.Errorf("sqlite provider: prepare load: %w", err)
	}

	p.db = db
	p.upsert = upsert
	p.load = load
	return nil
}

func (p *SQLiteProvider) Save(ctx context.Context, userID string, snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openLocked(ctx); err != nil {
		return err
	}
	data, err := p.codec.Encode(snap)
	if err != nil {
		return err
	}
	_, err = p.upsert.ExecContext(ctx, userID, data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite provider: save: %w", err)
	}
	return nil
}

func (p *SQLiteProvider) Load(ctx context.Context, userID string) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openLocked(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := p.load.QueryRowContext(ctx, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite provider: load: %w", err)
	}
	return p.codec.Decode(data)
}

func (p *SQLiteProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.db == nil {
		return nil
	}
	_ = p.upsert.Close()
	_ = p.load.Close()
	return p.db.Close()
}

var _ Provider = (*SQLiteProvider)(nil)
