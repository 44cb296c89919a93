package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// Platform names used as keys in persisted window state.
const (
	PlatformTelegram  = "telegram"
	PlatformInstagram = "instagram"
	PlatformFacebook  = "facebook"
)

type Config struct {
	Timezone string

	// MinInterval is the cooldown between any two publishes on the shared
	// clock (Telegram and Instagram). Values below one hour are raised to it.
	MinInterval time.Duration

	// Instagram posting day, local hours [DayStart, DayEnd).
	DayStart int // default 8
	DayEnd   int // default 21

	// Blackout [BlackoutStart, BlackoutEnd) splits the day into a morning
	// and an evening bucket; nothing is posted inside it.
	BlackoutStart int // default 14
	BlackoutEnd   int // default 16

	MorningCap int // default 3
	EveningCap int // default 6
}

func (c *Config) normalize() {
	if c.MinInterval < time.Hour {
		c.MinInterval = time.Hour
	}
	if c.DayStart == 0 && c.DayEnd == 0 {
		c.DayStart, c.DayEnd = 8, 21
	}
	if c.BlackoutStart == 0 && c.BlackoutEnd == 0 {
		c.BlackoutStart, c.BlackoutEnd = 14, 16
	}
	if c.MorningCap <= 0 {
		c.MorningCap = 3
	}
	if c.EveningCap <= 0 {
		c.EveningCap = 6
	}
}

// Decision is the outcome of a publish-permission check.
type Decision struct {
	Allow  bool
	Reason string
}

func allow() Decision             { return Decision{Allow: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// Scheduler answers "may platform X publish kind K right now" and records
// publishes. Telegram and Instagram share one cooldown clock; Instagram
// additionally enforces day-window and per-bucket caps. Facebook is gated
// only by having credentials configured and neither consults nor advances
// the shared clock. State is persisted write-through so restarts keep the
// cooldown and today's bucket counts.
type Scheduler struct {
	cfg Config
	loc *time.Location
	st  store.Store
	now func() time.Time
	log logx.Logger

	mu    sync.Mutex
	state *store.ScheduleState

	// published reports whether this process has advanced the shared clock.
	// Until it has, the persisted cooldown is not enforced: the first publish
	// after a restart goes out immediately instead of extending the silence
	// the restart interrupted.
	published bool
}

// New loads persisted schedule state. now is injectable for tests; nil means
// time.Now.
func New(ctx context.Context, cfg Config, st store.Store, now func() time.Time, log logx.Logger) (*Scheduler, error) {
	cfg.normalize()
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if now == nil {
		now = time.Now
	}
	state, err := st.LoadSchedule(ctx)
	if err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, loc: loc, st: st, now: now, log: log, state: state}, nil
}

// Reconfigure applies updated tunables. Persisted state is untouched.
func (s *Scheduler) Reconfigure(cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	cfg.Timezone = s.cfg.Timezone
	s.cfg = cfg
	s.mu.Unlock()
}

// CanPublish checks the shared cooldown plus per-platform rules. force
// bypasses everything except the kind restriction.
func (s *Scheduler) CanPublish(platform string, kind store.Kind, force bool) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if platform == PlatformInstagram && kind != store.KindVideo {
		return deny("instagram accepts video only")
	}
	if force {
		return allow()
	}
	if platform == PlatformFacebook {
		return allow()
	}

	now := s.now().In(s.loc)
	if s.published && !s.state.LastPublish.IsZero() && now.Sub(s.state.LastPublish) < s.cfg.MinInterval {
		return deny(fmt.Sprintf("cooldown: %s since last publish, need %s",
			now.Sub(s.state.LastPublish).Truncate(time.Second), s.cfg.MinInterval))
	}

	if platform == PlatformInstagram {
		return s.instagramWindowLocked(now)
	}
	return allow()
}

func (s *Scheduler) instagramWindowLocked(now time.Time) Decision {
	h := now.Hour()
	if h < s.cfg.DayStart || h >= s.cfg.DayEnd {
		return deny(fmt.Sprintf("outside posting day [%02d:00, %02d:00)", s.cfg.DayStart, s.cfg.DayEnd))
	}
	if h >= s.cfg.BlackoutStart && h < s.cfg.BlackoutEnd {
		return deny(fmt.Sprintf("inside blackout [%02d:00, %02d:00)", s.cfg.BlackoutStart, s.cfg.BlackoutEnd))
	}

	w := s.windowLocked(PlatformInstagram, now)
	if h < s.cfg.BlackoutStart {
		if w.Morning >= s.cfg.MorningCap {
			return deny(fmt.Sprintf("morning bucket full (%d/%d)", w.Morning, s.cfg.MorningCap))
		}
	} else {
		if w.Evening >= s.cfg.EveningCap {
			return deny(fmt.Sprintf("evening bucket full (%d/%d)", w.Evening, s.cfg.EveningCap))
		}
	}
	return allow()
}

// windowLocked returns today's window for the platform, lazily resetting
// counts when the stored date has rolled over. Reset happens only on date
// change, never mid-day.
func (s *Scheduler) windowLocked(platform string, now time.Time) store.Window {
	date := now.Format("2006-01-02")
	w := s.state.Windows[platform]
	if w.Date != date {
		w = store.Window{Date: date}
		s.state.Windows[platform] = w
	}
	return w
}

// MarkPublished advances the shared cooldown clock and, for Instagram,
// counts the publish against today's bucket. State is persisted before
// returning. Facebook publishes are not recorded at all.
func (s *Scheduler) MarkPublished(ctx context.Context, platform string, kind store.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if platform == PlatformFacebook {
		return nil
	}

	now := s.now().In(s.loc)
	s.state.LastPublish = now
	s.published = true

	if platform == PlatformInstagram {
		w := s.windowLocked(platform, now)
		if now.Hour() < s.cfg.BlackoutStart {
			w.Morning++
		} else {
			w.Evening++
		}
		s.state.Windows[platform] = w
	}

	if err := s.st.SaveSchedule(ctx, s.state); err != nil {
		return fmt.Errorf("persist schedule state: %w", err)
	}
	return nil
}

// IsMorning reports which daily bucket t falls in.
func (s *Scheduler) IsMorning(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.In(s.loc).Hour() < s.cfg.BlackoutStart
}

// LastPublish reports the shared cooldown clock.
func (s *Scheduler) LastPublish() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastPublish
}

// Snapshot reports today's Instagram bucket counts for status output.
func (s *Scheduler) Snapshot() (last time.Time, morning, evening int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().In(s.loc)
	w := s.windowLocked(PlatformInstagram, now)
	return s.state.LastPublish, w.Morning, w.Evening
}
