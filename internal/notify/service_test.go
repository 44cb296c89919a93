package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "postpilot/pkg/logx"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendOperator(ctx context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestNotifyDeliversThroughWorkers(t *testing.T) {
	sender := &captureSender{}
	s := New(Config{Enabled: true, RatePerSec: 100}, sender, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Notify(ctx, "one")
	s.Notify(ctx, "two")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	got := sender.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", got)
	}
}

func TestNotifyDisabledIsSilent(t *testing.T) {
	sender := &captureSender{}
	s := New(Config{Enabled: false}, sender, logx.Nop())
	s.Start(context.Background())

	if err := s.enqueue(context.Background(), "dropped"); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestNotifyAfterStopReturnsStopped(t *testing.T) {
	sender := &captureSender{}
	s := New(Config{Enabled: true}, sender, logx.Nop())
	s.Start(context.Background())
	s.Stop(context.Background())

	if err := s.enqueue(context.Background(), "late"); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	s := New(Config{Enabled: true, DedupWindow: time.Minute}, &captureSender{}, logx.Nop())

	key := dedupKey("same notice")
	if !s.dedupAllow(key, time.Minute) {
		t.Fatalf("first notice must pass")
	}
	if s.dedupAllow(key, time.Minute) {
		t.Fatalf("repeat within window must be suppressed")
	}
	if !s.dedupAllow(dedupKey("different notice"), time.Minute) {
		t.Fatalf("distinct notice must pass")
	}
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 500 * time.Millisecond, RetryMaxDelay: 10 * time.Second}
	for attempt := 1; attempt <= 12; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}
