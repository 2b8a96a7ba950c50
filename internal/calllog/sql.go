package calllog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLArchive keeps summaries in SQLite or PostgreSQL.
type SQLArchive struct {
	db       *sql.DB
	postgres bool
}

// Open connects to driver ("sqlite" or "postgres") and pings it.
func Open(ctx context.Context, driver, dsn string) (*SQLArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQLArchive(db, driver == "postgres"), nil
}

// NewSQLArchive wraps an open database.
func NewSQLArchive(db *sql.DB, postgres bool) *SQLArchive {
	return &SQLArchive{db: db, postgres: postgres}
}

// Migrate creates the schema if it does not exist.
func (a *SQLArchive) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Record upserts s, so a call archived twice keeps its latest summary.
func (a *SQLArchive) Record(ctx context.Context, s Summary) error {
	if s.CallID == "" {
		return fmt.Errorf("call id is required")
	}
	transcript, err := json.Marshal(s.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	_, err = a.db.ExecContext(ctx, a.rebind(`
		INSERT INTO call_summaries (call_id, tenant_id, from_number, to_number, started_at, ended_at, turns, end_reason, transcript)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			turns = excluded.turns,
			end_reason = excluded.end_reason,
			transcript = excluded.transcript`),
		s.CallID,
		s.TenantID,
		s.From,
		s.To,
		s.StartedAt.UnixMilli(),
		s.EndedAt.UnixMilli(),
		s.Turns,
		s.EndReason,
		string(transcript),
	)
	if err != nil {
		return fmt.Errorf("record call %s: %w", s.CallID, err)
	}
	return nil
}

// Get loads one summary.
func (a *SQLArchive) Get(ctx context.Context, callID string) (Summary, error) {
	var (
		s              Summary
		started, ended int64
		transcript     string
	)
	err := a.db.QueryRowContext(ctx, a.rebind(`
		SELECT call_id, tenant_id, from_number, to_number, started_at, ended_at, turns, end_reason, transcript
		FROM call_summaries WHERE call_id = ?`), callID).
		Scan(&s.CallID, &s.TenantID, &s.From, &s.To, &started, &ended, &s.Turns, &s.EndReason, &transcript)
	if err != nil {
		return Summary{}, fmt.Errorf("get call %s: %w", callID, err)
	}
	s.StartedAt = time.UnixMilli(started).UTC()
	s.EndedAt = time.UnixMilli(ended).UTC()
	if err := json.Unmarshal([]byte(transcript), &s.Transcript); err != nil {
		return Summary{}, fmt.Errorf("decode transcript: %w", err)
	}
	return s, nil
}

// Purge deletes calls that ended before the cutoff.
func (a *SQLArchive) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, a.rebind(`DELETE FROM call_summaries WHERE ended_at < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (a *SQLArchive) Close() error { return a.db.Close() }

// rebind turns ? placeholders into $n for PostgreSQL.
func (a *SQLArchive) rebind(query string) string {
	if !a.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
