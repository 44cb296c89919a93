package store

import (
	"errors"
	"time"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Kind classifies a candidate post.
type Kind string

const (
	KindText  Kind = "text"
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

// Origin records how an item entered the queue.
type Origin string

const (
	OriginIngest Origin = "ingest"
	OriginRepost Origin = "repost"
)

// ItemState tracks preparation/publication progress explicitly, instead of
// re-deriving it from directory scans.
type ItemState string

const (
	StateRaw       ItemState = "raw"
	StatePrepared  ItemState = "prepared"
	StateStaged    ItemState = "staged"
	StatePublished ItemState = "published"
)

// Item is one candidate post awaiting preparation or publication.
//
// Fingerprint is unique within the active queue and within the seen-set;
// an item present in the seen-set is never re-enqueued.
type Item struct {
	Fingerprint string    `json:"fingerprint"`
	Kind        Kind      `json:"kind"`
	SourceRef   string    `json:"source_ref"`
	Caption     string    `json:"caption,omitempty"`
	Origin      Origin    `json:"origin,omitempty"`
	State       ItemState `json:"state"`

	// Published flags one entry per destination name.
	Published map[string]bool `json:"published,omitempty"`

	StagedURL     string `json:"staged_url,omitempty"`
	StagedDeleted bool   `json:"staged_deleted,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Window is one platform's resettable daily bucket counters.
// Date is the local date stamp ("2006-01-02") the counters belong to.
type Window struct {
	Date    string `json:"date"`
	Morning int    `json:"morning"`
	Evening int    `json:"evening"`
}

// ScheduleState is the persisted scheduler state: per-platform windows plus
// the shared last-publish clock that gates cooldowns across platforms.
type ScheduleState struct {
	LastPublish time.Time         `json:"last_publish"`
	Windows     map[string]Window `json:"windows,omitempty"`
}

// Day is the stats/cost ledger snapshot for one local date.
type Day struct {
	Date    string         `json:"date"`
	ByKind  map[string]int `json:"by_kind,omitempty"`
	Morning int            `json:"morning"`
	Evening int            `json:"evening"`
	Tokens  int64          `json:"tokens"`
	CostUSD float64        `json:"cost_usd"`
}

// PublishRecord is one confirmed publish, appended to the history log.
type PublishRecord struct {
	At          time.Time `json:"at"`
	Platform    string    `json:"platform"`
	Kind        Kind      `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	Caption     string    `json:"caption,omitempty"`
	RemoteID    string    `json:"remote_id,omitempty"`
}

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (atomic JSON snapshots + journals)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
