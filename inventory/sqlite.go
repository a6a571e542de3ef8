package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360/sensorlink/errors"
)

// SQLiteStore keeps the inventory in a local SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLiteStore", "OpenSQLite", "open database")
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &SQLiteStore{db: db, logger: logger.With("component", "inventory")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "SQLiteStore", "OpenSQLite", "migrate")
	}
	return s, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS devices (
			address TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			target_state TEXT NOT NULL,
			actual_state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

// Get returns the device for address
func (s *SQLiteStore) Get(ctx context.Context, address string) (Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, name, kind, target_state, actual_state FROM devices WHERE address = ?`,
		NormalizeAddress(address))
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, notFound("get", address)
	}
	if err != nil {
		return Device{}, errors.WrapTransient(err, "SQLiteStore", "Get", "query device")
	}
	return d, nil
}

// Put upserts device
func (s *SQLiteStore) Put(ctx context.Context, device Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	if err := upsert(ctx, s.db, device); err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "Put", "upsert device")
	}
	return nil
}

// Update reads, applies fn and writes back inside one transaction
func (s *SQLiteStore) Update(ctx context.Context, address string, fn func(*Device) error) (Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Device{}, errors.WrapTransient(err, "SQLiteStore", "Update", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanDevice(tx.QueryRowContext(ctx,
		`SELECT address, name, kind, target_state, actual_state FROM devices WHERE address = ?`,
		NormalizeAddress(address)))
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, notFound("update", address)
	}
	if err != nil {
		return Device{}, errors.WrapTransient(err, "SQLiteStore", "Update", "query device")
	}

	next, err := applyUpdate(current, fn)
	if err != nil {
		return Device{}, err
	}
	if err := upsert(ctx, tx, next); err != nil {
		return Device{}, errors.WrapTransient(err, "SQLiteStore", "Update", "write device")
	}
	if err := tx.Commit(); err != nil {
		return Device{}, errors.WrapTransient(err, "SQLiteStore", "Update", "commit")
	}
	return next, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, device Device) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO devices (address, name, kind, target_state, actual_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			target_state = excluded.target_state,
			actual_state = excluded.actual_state,
			updated_at = excluded.updated_at`,
		NormalizeAddress(device.Address), device.Name, string(device.Kind),
		device.TargetState.String(), device.ActualState.String(),
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Delete removes the record for address
func (s *SQLiteStore) Delete(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE address = ?`, NormalizeAddress(address))
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "Delete", "delete device")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("delete", address)
	}
	return nil
}

// List returns every record ordered by address
func (s *SQLiteStore) List(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, name, kind, target_state, actual_state FROM devices ORDER BY address`)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "List", "query devices")
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLiteStore", "List", "scan device")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var (
		d              Device
		kind           string
		target, actual string
	)
	if err := row.Scan(&d.Address, &d.Name, &kind, &target, &actual); err != nil {
		return Device{}, err
	}
	d.Kind = Kind(kind)
	if err := d.TargetState.UnmarshalText([]byte(target)); err != nil {
		return Device{}, err
	}
	if err := d.ActualState.UnmarshalText([]byte(actual)); err != nil {
		return Device{}, err
	}
	return d, nil
}
