// Package history is the durable occupancy log written by the presence
// tracker. It stores one row per snapshot in SQLite (modernc, pure Go) or
// Postgres (pgx through database/sql).
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrUnknownDriver is returned by Open for drivers other than sqlite and postgres.
var ErrUnknownDriver = errors.New("history: unknown driver")

// Snapshot is one occupancy sample of a presence room.
type Snapshot struct {
	ID         string    `json:"id"`
	Room       string    `json:"room"`
	Count      int       `json:"count"`
	Members    []string  `json:"members"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists occupancy snapshots.
type Store interface {
	Migrate(ctx context.Context) error
	// RecentExists reports whether room has a snapshot recorded at or after since.
	RecentExists(ctx context.Context, room string, since time.Time) (bool, error)
	Insert(ctx context.Context, s Snapshot) error
	// List returns up to limit snapshots, newest first. An empty room lists all rooms.
	List(ctx context.Context, room string, limit int) ([]Snapshot, error)
	Close() error
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore is a Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to driver ("sqlite" or "postgres") at dsn. For sqlite the dsn
// is a file path and WAL mode is enabled.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch driver {
	case "sqlite", "":
		d = dialectSQLite
		db, err = sql.Open("sqlite", dsn)
	case "postgres", "pgx":
		d = dialectPostgres
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if d == dialectSQLite {
		// one writer keeps modernc from returning SQLITE_BUSY under the snapshot loop
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach history database: %w", err)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS occupancy_snapshots (
    id TEXT PRIMARY KEY,
    room TEXT NOT NULL,
    member_count INTEGER NOT NULL,
    members TEXT NOT NULL,
    recorded_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_occupancy_room_time ON occupancy_snapshots(room, recorded_at);
`

// Migrate creates the snapshot table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate history schema: %w", err)
		}
	}
	return nil
}

// RecentExists implements Store.
func (s *SQLStore) RecentExists(ctx context.Context, room string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM occupancy_snapshots WHERE room = ? AND recorded_at >= ?`),
		room, since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check recent snapshots: %w", err)
	}
	return n > 0, nil
}

// Insert implements Store. Missing IDs and timestamps are filled in.
func (s *SQLStore) Insert(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = time.Now()
	}
	if snap.Members == nil {
		snap.Members = []string{}
	}
	members, err := json.Marshal(snap.Members)
	if err != nil {
		return fmt.Errorf("failed to encode members: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO occupancy_snapshots (id, room, member_count, members, recorded_at) VALUES (?, ?, ?, ?, ?)`),
		snap.ID, snap.Room, snap.Count, string(members), snap.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, room string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, room, member_count, members, recorded_at FROM occupancy_snapshots`
	args := []any{}
	if room != "" {
		query += ` WHERE room = ?`
		args = append(args, room)
	}
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			members string
			at      int64
		)
		if err := rows.Scan(&snap.ID, &snap.Room, &snap.Count, &members, &at); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(members), &snap.Members); err != nil {
			return nil, fmt.Errorf("failed to decode members: %w", err)
		}
		snap.RecordedAt = time.UnixMilli(at)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
