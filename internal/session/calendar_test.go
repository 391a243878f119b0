package session

import (
	"testing"
	"time"

	"confluence-trader/internal/config"
)

func defaultCalendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := NewCalendar(config.SessionConfig{
		Timezone: "Asia/Kolkata",
		Windows: []config.WindowConfig{
			{Start: "09:15", End: "11:00"},
			{Start: "13:00", End: "15:00"},
		},
		SquareOff: "15:15",
	})
	if err != nil {
		t.Fatalf("NewCalendar returned error: %v", err)
	}
	return cal
}

func TestAllowed_Windows(t *testing.T) {
	cal := defaultCalendar(t)
	loc := cal.Location()
	at := func(h, m int) time.Time { return time.Date(2025, 12, 1, h, m, 30, 0, loc) }

	cases := []struct {
		h, m int
		want bool
	}{
		{9, 14, false},
		{9, 15, true},
		{10, 59, true},
		{11, 0, false},
		{12, 30, false},
		{13, 0, true},
		{14, 59, true},
		{15, 0, false},
	}
	for _, c := range cases {
		if got := cal.Allowed(at(c.h, c.m)); got != c.want {
			t.Errorf("%02d:%02d: got %v, want %v", c.h, c.m, got, c.want)
		}
	}
}

func TestAllowed_ConvertsFromUTC(t *testing.T) {
	cal := defaultCalendar(t)
	// 04:00 UTC = 09:30 IST
	if !cal.Allowed(time.Date(2025, 12, 1, 4, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 09:30 IST to be allowed")
	}
}

func TestPastSquareOff(t *testing.T) {
	cal := defaultCalendar(t)
	loc := cal.Location()
	if cal.PastSquareOff(time.Date(2025, 12, 1, 15, 14, 59, 0, loc)) {
		t.Errorf("15:14 should be before square-off")
	}
	if !cal.PastSquareOff(time.Date(2025, 12, 1, 15, 15, 0, 0, loc)) {
		t.Errorf("15:15 should be past square-off")
	}

	noSquare, err := NewCalendar(config.SessionConfig{Timezone: "UTC", Windows: []config.WindowConfig{{Start: "00:00", End: "23:59"}}})
	if err != nil {
		t.Fatalf("NewCalendar returned error: %v", err)
	}
	if noSquare.PastSquareOff(time.Date(2025, 12, 1, 23, 59, 0, 0, time.UTC)) {
		t.Errorf("empty square_off must disable")
	}
}

func TestNewCalendar_RejectsBadInput(t *testing.T) {
	bad := []config.SessionConfig{
		{Timezone: "Nowhere/City", Windows: []config.WindowConfig{{Start: "09:00", End: "10:00"}}},
		{Timezone: "UTC", Windows: []config.WindowConfig{{Start: "9am", End: "10:00"}}},
		{Timezone: "UTC", Windows: []config.WindowConfig{{Start: "10:00", End: "09:00"}}},
		{Timezone: "UTC", SquareOff: "late"},
	}
	for i, cfg := range bad {
		if _, err := NewCalendar(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestNextMinute(t *testing.T) {
	base := time.Date(2025, 12, 1, 9, 15, 42, 0, time.UTC)
	got := NextMinute(base, 2*time.Second)
	want := time.Date(2025, 12, 1, 9, 16, 2, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	onBoundary := time.Date(2025, 12, 1, 9, 16, 0, 0, time.UTC)
	if got := NextMinute(onBoundary, 0); !got.Equal(onBoundary.Add(time.Minute)) {
		t.Fatalf("boundary: got %v", got)
	}
}
