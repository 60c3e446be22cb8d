// Package sqldb stores the delivery log in SQLite through sqlx.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
)

// Store is a SQL implementation of ports.DeliveryStore.
type Store struct {
	db *sqlx.DB
}

var _ ports.DeliveryStore = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // Only "sqlite" is bundled.
	DSN    string
}

// deliveryRow mirrors the deliveries table. Payloads are TEXT and the
// timestamp is unix nanoseconds so values round-trip exactly.
type deliveryRow struct {
	ID              string         `db:"id"`
	WebhookID       string         `db:"webhook_id"`
	Method          string         `db:"method"`
	RequestID       string         `db:"request_id"`
	CreationPayload sql.NullString `db:"creation_payload"`
	RequestPayload  sql.NullString `db:"request_payload"`
	ReceivedAtNS    int64          `db:"received_at_ns"`
}

// New opens the database and initializes the schema.
func New(cfg Config) (*Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps in-memory
	// databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite opens a SQLite database at path, creating parent directories.
func NewSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}
	return New(Config{Driver: "sqlite", DSN: path})
}

// DB returns the underlying sqlx.DB for advanced operations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL,
			method TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			creation_payload TEXT,
			request_payload TEXT,
			received_at_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON deliveries(webhook_id, received_at_ns)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	row := deliveryRow{
		ID:              rec.ID,
		WebhookID:       string(rec.WebhookID),
		Method:          string(rec.Method),
		RequestID:       rec.RequestID,
		CreationPayload: nullableJSON(rec.CreationPayload),
		RequestPayload:  nullableJSON(rec.RequestPayload),
		ReceivedAtNS:    rec.ReceivedAt.UnixNano(),
	}

	query := `INSERT INTO deliveries (id, webhook_id, method, request_id, creation_payload, request_payload, received_at_ns)
		VALUES (:id, :webhook_id, :method, :request_id, :creation_payload, :request_payload, :received_at_ns)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to record delivery %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, id domain.WebhookID, limit int) ([]*domain.DeliveryRecord, error) {
	query := `SELECT id, webhook_id, method, request_id, creation_payload, request_payload, received_at_ns
		FROM deliveries WHERE webhook_id = ? ORDER BY received_at_ns DESC, rowid DESC`
	args := []any{string(id)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list deliveries for %s: %w", id, err)
	}

	result := make([]*domain.DeliveryRecord, 0, len(rows))
	for _, r := range rows {
		rec := &domain.DeliveryRecord{
			ID:         r.ID,
			WebhookID:  domain.WebhookID(r.WebhookID),
			Method:     domain.Method(r.Method),
			RequestID:  r.RequestID,
			ReceivedAt: time.Unix(0, r.ReceivedAtNS).UTC(),
		}
		if r.CreationPayload.Valid {
			rec.CreationPayload = []byte(r.CreationPayload.String)
		}
		if r.RequestPayload.Valid {
			rec.RequestPayload = []byte(r.RequestPayload.String)
		}
		result = append(result, rec)
	}
	return result, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullableJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
