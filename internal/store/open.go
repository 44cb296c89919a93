package store

import (
	"context"
	"errors"
	"strings"

	logx "postpilot/pkg/logx"
)

// Store is the persistence API used by the pipeline loops.
// Implementations are single-writer: only this process mutates the state.
type Store interface {
	LoadQueue(ctx context.Context) ([]Item, error)
	SaveQueue(ctx context.Context, items []Item) error

	// MarkSeen records a fingerprint (and optionally a raw source id) in the
	// dedup sets. Marking happens only after a successful enqueue.
	MarkSeen(ctx context.Context, fingerprint, sourceID string) error
	Seen(ctx context.Context, fingerprint string) (bool, error)
	SeenSource(ctx context.Context, sourceID string) (bool, error)

	LoadSchedule(ctx context.Context) (*ScheduleState, error)
	SaveSchedule(ctx context.Context, st *ScheduleState) error

	LoadStats(ctx context.Context) (*Day, error)
	SaveStats(ctx context.Context, d *Day) error

	AppendHistory(ctx context.Context, rec PublishRecord) error
	// RecentTexts returns the captions of the most recent publishes,
	// newest first, up to n entries.
	RecentTexts(ctx context.Context, n int) ([]string, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
