package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// Notifier delivers the daily report. Implemented by the notify service.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

type Config struct {
	ReportEnabled bool
	ReportCron    string // default "0 9 * * *"
	Timezone      string
}

// Ledger counts today's publishes and metered collaborator costs. Every
// mutation is persisted write-through; counters reset lazily when the local
// date rolls over, never mid-day.
type Ledger struct {
	st  store.Store
	loc *time.Location
	now func() time.Time
	log logx.Logger

	mu  sync.Mutex
	day *store.Day
}

func NewLedger(ctx context.Context, st store.Store, tz string, now func() time.Time, log logx.Logger) (*Ledger, error) {
	loc := time.Local
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}
	if now == nil {
		now = time.Now
	}
	day, err := st.LoadStats(ctx)
	if err != nil {
		return nil, err
	}
	if day == nil {
		day = &store.Day{Date: now().In(loc).Format("2006-01-02")}
	}
	if day.ByKind == nil {
		day.ByKind = map[string]int{}
	}
	return &Ledger{st: st, loc: loc, now: now, log: log, day: day}, nil
}

// Record counts one confirmed publish. morning reflects which bucket it
// landed in for platforms with split days; other platforms pass the hour as
// is and the ledger buckets on local noon.
func (l *Ledger) Record(ctx context.Context, kind store.Kind, morning bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked()
	l.day.ByKind[string(kind)]++
	if morning {
		l.day.Morning++
	} else {
		l.day.Evening++
	}
	l.persistLocked(ctx)
}

// RecordCost accumulates metered collaborator usage.
func (l *Ledger) RecordCost(tokens int64, usd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked()
	l.day.Tokens += tokens
	l.day.CostUSD += usd
	l.persistLocked(context.Background())
}

// Snapshot returns a copy of today's counters.
func (l *Ledger) Snapshot() store.Day {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked()
	out := *l.day
	out.ByKind = make(map[string]int, len(l.day.ByKind))
	for k, v := range l.day.ByKind {
		out.ByKind[k] = v
	}
	return out
}

func (l *Ledger) rolloverLocked() {
	date := l.now().In(l.loc).Format("2006-01-02")
	if l.day.Date == date {
		return
	}
	l.day = &store.Day{Date: date, ByKind: map[string]int{}}
}

func (l *Ledger) persistLocked(ctx context.Context) {
	if err := l.st.SaveStats(ctx, l.day); err != nil {
		l.log.Error("persist stats failed", logx.Err(err))
	}
}

// Report formats the daily summary.
func (l *Ledger) Report() string {
	d := l.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "daily report %s\n", d.Date)
	if len(d.ByKind) == 0 {
		b.WriteString("no publishes\n")
	}
	for _, k := range []store.Kind{store.KindText, store.KindPhoto, store.KindVideo} {
		if n := d.ByKind[string(k)]; n > 0 {
			fmt.Fprintf(&b, "%s: %d\n", k, n)
		}
	}
	fmt.Fprintf(&b, "morning: %d, evening: %d\n", d.Morning, d.Evening)
	if d.Tokens > 0 || d.CostUSD > 0 {
		fmt.Fprintf(&b, "tokens: %d, cost: $%.4f\n", d.Tokens, d.CostUSD)
	}
	return strings.TrimRight(b.String(), "\n")
}

// StartReporter schedules the daily report cron. Returns a stop function.
func (l *Ledger) StartReporter(cfg Config, notif Notifier) (func(), error) {
	if !cfg.ReportEnabled || notif == nil {
		return func() {}, nil
	}
	spec := cfg.ReportCron
	if strings.TrimSpace(spec) == "" {
		spec = "0 9 * * *"
	}

	c := cron.New(cron.WithLocation(l.loc))
	_, err := c.AddFunc(spec, func() {
		notif.Notify(context.Background(), l.Report())
	})
	if err != nil {
		return nil, fmt.Errorf("report cron %q: %w", spec, err)
	}
	c.Start()
	return func() {
		<-c.Stop().Done()
	}, nil
}
