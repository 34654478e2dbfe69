// Package history is the durable post-history store backing the per-sender
// rate limit: one SQLite table mapping sender address to the timestamp of
// their most recent accepted post.
//
// The schema matches the store this relay has always used, so existing
// database files keep working:
//
//	CREATE TABLE most_recent_post(recipient TEXT PRIMARY KEY, timestamp REAL)
//
// The rate-limit check and the post-record update are two separate
// statements. Concurrent invocations for the same sender can race between
// them and both be admitted inside the window; that is a known, accepted
// limitation of the design.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS most_recent_post(recipient TEXT PRIMARY KEY, timestamp REAL)`

// Store is a scoped connection to the post-history database. It is opened
// for the duration of one delivery attempt and closed afterward.
type Store struct {
	db     *sql.DB
	window time.Duration

	// now is the clock used for window checks and updates, replaceable in
	// tests.
	now func() time.Time
}

// Open opens (creating if necessary) the post-history database at path and
// ensures the schema exists. window is the minimum interval between two
// accepted posts from the same sender.
func Open(path string, window time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open post-history database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create post-history schema: %w", err)
	}

	return &Store{db: db, window: window, now: time.Now}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsRateLimited reports whether sender posted within the rate window. A
// sender never seen before has a last-post timestamp of zero and is never
// rate limited.
func (s *Store) IsRateLimited(sender string) (bool, error) {
	var last float64
	err := s.db.QueryRow(
		`SELECT timestamp FROM most_recent_post WHERE recipient = ?`, sender,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		last = 0
	} else if err != nil {
		return false, fmt.Errorf("failed to query post history for %s: %w", sender, err)
	}

	nowSecs := float64(s.now().UnixNano()) / float64(time.Second)
	return last+s.window.Seconds() > nowSecs, nil
}

// RecordPost upserts sender's last-post timestamp to the current time. Last
// write wins; records are never deleted.
func (s *Store) RecordPost(sender string) error {
	nowSecs := float64(s.now().UnixNano()) / float64(time.Second)
	_, err := s.db.Exec(
		`REPLACE INTO most_recent_post(recipient, timestamp) VALUES (?, ?)`,
		sender, nowSecs,
	)
	if err != nil {
		return fmt.Errorf("failed to record post for %s: %w", sender, err)
	}
	return nil
}
