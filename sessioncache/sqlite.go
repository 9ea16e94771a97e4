package sessioncache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	fingerprint TEXT PRIMARY KEY,
	session_url TEXT NOT NULL,
	created_at  INTEGER NOT NULL
)`

// SQLiteStore keeps session URLs in a single SQLite table.
// Handy when several hosts share a cache over a network volume, where one database
// file behaves better than a directory full of small files.
type SQLiteStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger log.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string, ttl time.Duration, logger log.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &SQLiteStore{
		db:     db,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get ...
func (s *SQLiteStore) Get(ctx context.Context, fingerprint string) (string, bool) {
	var sessionURL string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_url, created_at FROM upload_sessions WHERE fingerprint = ?`, fingerprint,
	).Scan(&sessionURL, &createdAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warnf("Failed to query session cache: %s", err)
		}
		return "", false
	}

	if expired(time.Unix(createdAt, 0), s.now(), s.ttl) {
		s.logger.Debugf("Session cache entry %s expired", fingerprint)
		if err := s.Clear(ctx, fingerprint); err != nil {
			s.logger.Warnf("Failed to remove expired session cache entry: %s", err)
		}
		return "", false
	}

	return sessionURL, true
}

// Set ...
func (s *SQLiteStore) Set(ctx context.Context, fingerprint, sessionURL string) error {
	if err := validateFingerprint(fingerprint); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_sessions (fingerprint, session_url, created_at) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET session_url = excluded.session_url, created_at = excluded.created_at`,
		fingerprint, sessionURL, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Clear ...
func (s *SQLiteStore) Clear(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
