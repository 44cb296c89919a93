package stats

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testLedger(t *testing.T, c *clock) (*Ledger, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	l, err := NewLedger(context.Background(), st, "UTC", c.now, logx.Nop())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l, st
}

func TestRecordIsWriteThrough(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
	l, st := testLedger(t, c)

	l.Record(ctx, store.KindVideo, true)
	l.Record(ctx, store.KindText, false)
	l.RecordCost(120, 0.004)

	// Every mutation lands on disk immediately.
	d, err := st.LoadStats(ctx)
	if err != nil || d == nil {
		t.Fatalf("LoadStats: %v %v", d, err)
	}
	if d.ByKind["video"] != 1 || d.ByKind["text"] != 1 {
		t.Fatalf("unexpected counts: %+v", d.ByKind)
	}
	if d.Morning != 1 || d.Evening != 1 {
		t.Fatalf("unexpected buckets: morning=%d evening=%d", d.Morning, d.Evening)
	}
	if d.Tokens != 120 || d.CostUSD != 0.004 {
		t.Fatalf("unexpected costs: %d %f", d.Tokens, d.CostUSD)
	}
}

func TestCountersResetOnDateChangeOnly(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
	l, _ := testLedger(t, c)

	l.Record(ctx, store.KindVideo, true)

	// Later the same day: counters keep accumulating.
	c.t = c.t.Add(8 * time.Hour)
	l.Record(ctx, store.KindVideo, false)
	if d := l.Snapshot(); d.ByKind["video"] != 2 {
		t.Fatalf("mid-day reset: got %+v", d.ByKind)
	}

	// Past midnight: fresh day.
	c.t = c.t.Add(8 * time.Hour)
	d := l.Snapshot()
	if d.Date != "2026-08-29" {
		t.Fatalf("expected rolled date, got %q", d.Date)
	}
	if len(d.ByKind) != 0 || d.Morning != 0 || d.Evening != 0 {
		t.Fatalf("expected zeroed counters after rollover: %+v", d)
	}
}

func TestLedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	c := &clock{t: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
	l, err := NewLedger(ctx, st, "UTC", c.now, logx.Nop())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	l.Record(ctx, store.KindPhoto, true)
	_ = st.Close()

	st2, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	l2, err := NewLedger(ctx, st2, "UTC", c.now, logx.Nop())
	if err != nil {
		t.Fatalf("new ledger after restart: %v", err)
	}
	if d := l2.Snapshot(); d.ByKind["photo"] != 1 {
		t.Fatalf("counters lost across restart: %+v", d)
	}
}

func TestReportFormat(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
	l, _ := testLedger(t, c)

	report := l.Report()
	if !strings.Contains(report, "no publishes") {
		t.Fatalf("empty day report missing marker: %q", report)
	}

	l.Record(ctx, store.KindVideo, true)
	l.RecordCost(50, 0.001)
	report = l.Report()
	for _, want := range []string{"2026-08-28", "video: 1", "morning: 1", "tokens: 50"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}
