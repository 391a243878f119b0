package risk

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"confluence-trader/internal/config"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDailyTracker_AccumulatesAndHalts(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	tracker, err := NewDailyTracker(openTestDB(t), config.RiskConfig{MaxDailyLossPoints: 30}, loc, nil)
	if err != nil {
		t.Fatalf("NewDailyTracker returned error: %v", err)
	}
	ctx := context.Background()
	day := time.Date(2025, 12, 1, 10, 0, 0, 0, loc)

	status, err := tracker.RecordTrade(ctx, day, -20)
	if err != nil {
		t.Fatalf("RecordTrade returned error: %v", err)
	}
	if status.Trades != 1 || status.RealizedPoints != -20 || status.Halted {
		t.Fatalf("unexpected status %+v", status)
	}

	status, err = tracker.RecordTrade(ctx, day.Add(time.Hour), -11)
	if err != nil {
		t.Fatalf("RecordTrade returned error: %v", err)
	}
	if status.Trades != 2 || !status.Halted {
		t.Fatalf("expected halted after -31 points, got %+v", status)
	}

	next, err := tracker.Status(ctx, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if next.Trades != 0 || next.Halted || next.TradingDate != "2025-12-02" {
		t.Fatalf("expected fresh next day, got %+v", next)
	}

	same, err := tracker.Status(ctx, day)
	if err != nil || !same.Halted {
		t.Fatalf("expected halted status for same day, got %+v (%v)", same, err)
	}
}

func TestDailyTracker_ZeroLimitNeverHalts(t *testing.T) {
	tracker, err := NewDailyTracker(openTestDB(t), config.RiskConfig{}, time.UTC, nil)
	if err != nil {
		t.Fatalf("NewDailyTracker returned error: %v", err)
	}
	status, err := tracker.RecordTrade(context.Background(), time.Now(), -1000)
	if err != nil {
		t.Fatalf("RecordTrade returned error: %v", err)
	}
	if status.Halted {
		t.Fatalf("limit 0 must not halt")
	}
}
