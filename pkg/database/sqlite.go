package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"lionchief-bridge/pkg/entry"
)

// SQLiteStore implementa entry.Store usando SQLite (padrão para instalações locais).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore abre (ou cria) o banco em path. Use ":memory:" nos testes.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open entry db: %w", err)
	}
	// Uma conexão só: com ":memory:" cada conexão teria um banco diferente.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate entry db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id           TEXT PRIMARY KEY,
			mac_address  TEXT NOT NULL UNIQUE,
			name         TEXT NOT NULL,
			service_uuid TEXT NOT NULL,
			train_model  TEXT NOT NULL DEFAULT '',
			source       TEXT NOT NULL DEFAULT 'user',
			created_at   TEXT NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// createdAtLayout tem largura fixa e é sempre gravado em UTC; ORDER BY created_at segue a ordem cronológica.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

const selectEntry = "SELECT id, mac_address, name, service_uuid, train_model, source, created_at FROM entries"

func (s *SQLiteStore) List(ctx context.Context) ([]entry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+" ORDER BY created_at, mac_address")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entry.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*entry.Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, selectEntry+" WHERE id = ?", id))
}

func (s *SQLiteStore) GetByMAC(ctx context.Context, mac string) (*entry.Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, selectEntry+" WHERE mac_address = ?", entry.NormalizeMAC(mac)))
}

func (s *SQLiteStore) Create(ctx context.Context, e *entry.Entry) error {
	if !entry.ValidMAC(e.MACAddress) {
		return entry.ErrInvalidMAC
	}
	e.MACAddress = entry.NormalizeMAC(e.MACAddress)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO entries (id, mac_address, name, service_uuid, train_model, source, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.MACAddress, e.Name, e.ServiceUUID, e.TrainModel, string(e.Source),
		e.CreatedAt.UTC().Format(createdAtLayout),
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", e.MACAddress, entry.ErrAlreadyConfigured)
	}
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, e *entry.Entry) error {
	current, err := s.Get(ctx, e.ID)
	if err != nil {
		return err
	}
	if entry.NormalizeMAC(e.MACAddress) != current.MACAddress {
		return entry.ErrImmutableMAC
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE entries SET name = ?, service_uuid = ?, train_model = ? WHERE id = ?",
		e.Name, e.ServiceUUID, e.TrainModel, e.ID,
	)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entry.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*entry.Entry, error) {
	var (
		e       entry.Entry
		source  string
		created string
	)
	err := row.Scan(&e.ID, &e.MACAddress, &e.Name, &e.ServiceUUID, &e.TrainModel, &source, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Source = entry.Source(source)
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
