package calllog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/concierge/internal/sessions"
	"github.com/haasonsaas/concierge/internal/tenant"
)

func sampleSummary() Summary {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return Summary{
		CallID:    "CA1",
		TenantID:  "hotel-lumiere",
		From:      "+33611111111",
		To:        "+33122222222",
		StartedAt: start,
		EndedAt:   start.Add(2 * time.Minute),
		Turns:     3,
		EndReason: "completed",
		Transcript: []Entry{
			{Speaker: "agent", Text: "Bonjour", At: start},
			{Speaker: "caller", Text: "Quels sont vos horaires ?", At: start.Add(5 * time.Second)},
		},
	}
}

func TestSQLArchive_RecordPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	s := sampleSummary()
	mock.ExpectExec(`INSERT INTO call_summaries .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9\)`).
		WithArgs("CA1", "hotel-lumiere", "+33611111111", "+33122222222",
			s.StartedAt.UnixMilli(), s.EndedAt.UnixMilli(), 3, "completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewSQLArchive(db, true).Record(context.Background(), s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLArchive_PurgeSQLite(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM call_summaries WHERE ended_at < \?`).
		WithArgs(cutoff.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := NewSQLArchive(db, false).Purge(context.Background(), cutoff)
	if err != nil || n != 4 {
		t.Fatalf("expected 4 purged, got %d %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLArchive_RecordRequiresCallID(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()
	if err := NewSQLArchive(db, false).Record(context.Background(), Summary{}); err == nil {
		t.Fatal("expected error for missing call id")
	}
}

func TestSQLArchive_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	archive, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer archive.Close()
	if err := archive.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := archive.Migrate(ctx); err != nil {
		t.Fatalf("Migrate twice: %v", err)
	}

	s := sampleSummary()
	if err := archive.Record(ctx, s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	s.Turns = 4
	s.EndReason = "max_turns"
	if err := archive.Record(ctx, s); err != nil {
		t.Fatalf("Record upsert: %v", err)
	}

	got, err := archive.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Turns != 4 || got.EndReason != "max_turns" || len(got.Transcript) != 2 || !got.EndedAt.Equal(s.EndedAt) {
		t.Fatalf("unexpected summary %+v", got)
	}

	n, err := archive.Purge(ctx, s.EndedAt.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("expected one purged row, got %d %v", n, err)
	}
	if _, err := archive.Get(ctx, "CA1"); err == nil {
		t.Fatal("expected purged call to be gone")
	}
}

func TestOpen_Rejects(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "dsn"); err == nil {
		t.Error("expected unsupported driver error")
	}
	if _, err := Open(context.Background(), "sqlite", " "); err == nil {
		t.Error("expected dsn error")
	}
}

func TestSummaryFrom(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := sessions.Session{
		CallID:    "CA1",
		Profile:   tenant.Profile{ID: "hotel-lumiere"},
		TurnIndex: 2,
		StartedAt: start,
		UpdatedAt: start.Add(time.Minute),
	}
	sess.Append(sessions.SpeakerCaller, "Bonjour", start)

	s := SummaryFrom(sess)
	if s.EndReason != "expired" || !s.EndedAt.Equal(start.Add(time.Minute)) || s.TenantID != "hotel-lumiere" {
		t.Fatalf("unexpected summary %+v", s)
	}
	if len(s.Transcript) != 1 || s.Transcript[0].Speaker != "caller" {
		t.Fatalf("unexpected transcript %+v", s.Transcript)
	}
}
