package framestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360/sensorlink/errors"
)

// SQLiteStore keeps frames in a local SQLite database in WAL mode
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the frame database at path
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

	s := &SQLiteStore{db: db, logger: logger.With("component", "framestore")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "SQLiteStore", "OpenSQLite", "migrate")
	}

	if n, err := s.count(ctx); err == nil && n > 0 {
		s.logger.Info("durable frames pending replay", "count", n)
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
		`PRAGMA synchronous = NORMAL;`,
		`CREATE TABLE IF NOT EXISTS frames (
			id TEXT PRIMARY KEY,
			header BLOB NOT NULL,
			header_offset INTEGER NOT NULL,
			header_length INTEGER NOT NULL,
			payload BLOB NOT NULL,
			payload_offset INTEGER NOT NULL,
			payload_length INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&n)
	return n, err
}

// Put stores frame, replacing any frame with the same id
func (s *SQLiteStore) Put(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	created := frame.Created
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO frames
			(id, header, header_offset, header_length, payload, payload_offset, payload_length, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		frame.ID, nonNil(frame.Header), frame.HeaderOffset, frame.HeaderLength,
		nonNil(frame.Payload), frame.PayloadOffset, frame.PayloadLength,
		created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "Put", "insert frame")
	}
	return nil
}

// Get returns the frame for id
func (s *SQLiteStore) Get(ctx context.Context, id string) (Frame, error) {
	var (
		f       Frame
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, header, header_offset, header_length, payload, payload_offset, payload_length, created_at
		FROM frames WHERE id = ?`, id).
		Scan(&f.ID, &f.Header, &f.HeaderOffset, &f.HeaderLength,
			&f.Payload, &f.PayloadOffset, &f.PayloadLength, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Frame{}, notFound(id)
	}
	if err != nil {
		return Frame{}, errors.WrapTransient(err, "SQLiteStore", "Get", "query frame")
	}
	if t, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		f.Created = t
	}
	return f, nil
}

// Remove deletes the frame for id
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM frames WHERE id = ?`, id); err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "Remove", "delete frame")
	}
	return nil
}

// Keys returns all ids in ascending order
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM frames ORDER BY id`)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "Keys", "query ids")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WrapTransient(err, "SQLiteStore", "Keys", "scan id")
		}
		keys = append(keys, id)
	}
	return keys, rows.Err()
}

// Clear removes every frame
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM frames`); err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "Clear", "delete frames")
	}
	return nil
}

// Contains reports whether id is stored
func (s *SQLiteStore) Contains(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM frames WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(err, "SQLiteStore", "Contains", "query frame")
	}
	return true, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
