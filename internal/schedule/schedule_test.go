package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testScheduler(t *testing.T, cfg Config, c *clock) *Scheduler {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	cfg.Timezone = "UTC"
	s, err := New(context.Background(), cfg, st, c.now, logx.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

// at returns a UTC time on a fixed date at the given hour.
func at(hour int) time.Time {
	return time.Date(2026, 8, 28, hour, 0, 0, 0, time.UTC)
}

func TestCooldownSharedByTelegramAndInstagram(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: at(9)}
	s := testScheduler(t, Config{}, c)

	// First run has never published: allowed immediately.
	if d := s.CanPublish(PlatformTelegram, store.KindText, false); !d.Allow {
		t.Fatalf("first publish denied: %s", d.Reason)
	}
	if err := s.MarkPublished(ctx, PlatformTelegram, store.KindText); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	c.advance(30 * time.Minute)
	if d := s.CanPublish(PlatformTelegram, store.KindText, false); d.Allow {
		t.Fatalf("expected cooldown denial 30m after publish")
	}
	// Instagram rides the same clock: a telegram publish cools it down too.
	if d := s.CanPublish(PlatformInstagram, store.KindVideo, false); d.Allow {
		t.Fatalf("expected shared cooldown to deny instagram too")
	}

	c.advance(31 * time.Minute)
	if d := s.CanPublish(PlatformTelegram, store.KindText, false); !d.Allow {
		t.Fatalf("expected allow after cooldown: %s", d.Reason)
	}
}

func TestFacebookIgnoresSharedCooldown(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: at(9)}
	s := testScheduler(t, Config{}, c)

	if err := s.MarkPublished(ctx, PlatformTelegram, store.KindText); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	c.advance(30 * time.Minute)

	// Facebook is gated by credentials alone, never by the shared clock.
	if d := s.CanPublish(PlatformFacebook, store.KindPhoto, false); !d.Allow {
		t.Fatalf("facebook denied during cooldown: %s", d.Reason)
	}

	// Nor does a facebook publish cool anyone else down.
	if err := s.MarkPublished(ctx, PlatformFacebook, store.KindPhoto); err != nil {
		t.Fatalf("MarkPublished facebook: %v", err)
	}
	c.advance(45 * time.Minute) // 75m since the telegram publish
	if d := s.CanPublish(PlatformTelegram, store.KindText, false); !d.Allow {
		t.Fatalf("facebook publish advanced the shared clock: %s", d.Reason)
	}
}

func TestCooldownFloorIsOneHour(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: at(9)}
	// A configured interval below the floor must be raised to 1h.
	s := testScheduler(t, Config{MinInterval: time.Minute}, c)

	if err := s.MarkPublished(ctx, PlatformTelegram, store.KindText); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	c.advance(10 * time.Minute)
	if d := s.CanPublish(PlatformTelegram, store.KindText, false); d.Allow {
		t.Fatalf("floor not enforced: allowed after 10m")
	}
}

func TestInstagramAcceptsVideoOnly(t *testing.T) {
	c := &clock{t: at(9)}
	s := testScheduler(t, Config{}, c)

	for _, kind := range []store.Kind{store.KindText, store.KindPhoto} {
		if d := s.CanPublish(PlatformInstagram, kind, false); d.Allow {
			t.Fatalf("instagram must deny kind %q", kind)
		}
		// Even force cannot change the kind restriction.
		if d := s.CanPublish(PlatformInstagram, kind, true); d.Allow {
			t.Fatalf("force must not bypass kind restriction for %q", kind)
		}
	}
	if d := s.CanPublish(PlatformInstagram, store.KindVideo, false); !d.Allow {
		t.Fatalf("video denied: %s", d.Reason)
	}
}

func TestInstagramDayWindowAndBlackout(t *testing.T) {
	c := &clock{}
	s := testScheduler(t, Config{}, c)

	cases := []struct {
		hour  int
		allow bool
	}{
		{6, false},  // before day start
		{8, true},   // day start inclusive
		{13, true},  // late morning
		{14, false}, // blackout start
		{15, false}, // inside blackout
		{16, true},  // blackout end exclusive
		{20, true},  // last evening hour
		{21, false}, // day end exclusive
		{23, false},
	}
	for _, tc := range cases {
		c.t = at(tc.hour)
		d := s.CanPublish(PlatformInstagram, store.KindVideo, false)
		if d.Allow != tc.allow {
			t.Fatalf("hour %d: expected allow=%v, got %v (%s)", tc.hour, tc.allow, d.Allow, d.Reason)
		}
	}
}

func TestInstagramBucketCaps(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: at(8)}
	s := testScheduler(t, Config{}, c)

	// Fill the morning bucket (cap 3), spacing publishes past the cooldown.
	for i := 0; i < 3; i++ {
		if d := s.CanPublish(PlatformInstagram, store.KindVideo, false); !d.Allow {
			t.Fatalf("morning publish %d denied: %s", i, d.Reason)
		}
		if err := s.MarkPublished(ctx, PlatformInstagram, store.KindVideo); err != nil {
			t.Fatalf("MarkPublished: %v", err)
		}
		c.advance(61 * time.Minute)
	}
	// Clock is now 11:03; morning bucket full.
	if d := s.CanPublish(PlatformInstagram, store.KindVideo, false); d.Allow {
		t.Fatalf("expected morning bucket full denial")
	}

	// Evening bucket is independent.
	c.t = at(17)
	if d := s.CanPublish(PlatformInstagram, store.KindVideo, false); !d.Allow {
		t.Fatalf("evening publish denied: %s", d.Reason)
	}
}

func TestBucketsResetOnDateChangeOnly(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: at(9)}
	s := testScheduler(t, Config{}, c)

	if err := s.MarkPublished(ctx, PlatformInstagram, store.KindVideo); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	_, morning, _ := s.Snapshot()
	if morning != 1 {
		t.Fatalf("expected morning count 1, got %d", morning)
	}

	// Later same day: counts must persist.
	c.t = at(17)
	_, morning, _ = s.Snapshot()
	if morning != 1 {
		t.Fatalf("mid-day reset: expected morning 1, got %d", morning)
	}

	// Next day: counts reset lazily.
	c.t = at(9).Add(24 * time.Hour)
	_, morning, evening := s.Snapshot()
	if morning != 0 || evening != 0 {
		t.Fatalf("expected reset after date change, got morning=%d evening=%d", morning, evening)
	}
}

func TestForceBypassesScheduleRules(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: at(15)} // inside blackout
	s := testScheduler(t, Config{}, c)

	if err := s.MarkPublished(ctx, PlatformTelegram, store.KindText); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	c.advance(5 * time.Minute) // deep inside cooldown

	if d := s.CanPublish(PlatformTelegram, store.KindText, true); !d.Allow {
		t.Fatalf("force denied on telegram: %s", d.Reason)
	}
	if d := s.CanPublish(PlatformInstagram, store.KindVideo, true); !d.Allow {
		t.Fatalf("force denied on instagram during blackout: %s", d.Reason)
	}
}

func TestScheduleStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	c := &clock{t: at(9)}
	s, err := New(ctx, Config{Timezone: "UTC"}, st, c.now, logx.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := s.MarkPublished(ctx, PlatformInstagram, store.KindVideo); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	_ = st.Close()

	st2, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	c2 := &clock{t: at(9).Add(10 * time.Minute)}
	s2, err := New(ctx, Config{Timezone: "UTC"}, st2, c2.now, logx.Nop())
	if err != nil {
		t.Fatalf("new scheduler after restart: %v", err)
	}

	// Bucket counts and the clock survive the restart.
	last, morning, _ := s2.Snapshot()
	if morning != 1 {
		t.Fatalf("bucket count lost across restart: %d", morning)
	}
	if !last.Equal(at(9)) {
		t.Fatalf("last publish lost across restart: %v", last)
	}

	// The first publish after a restart goes out despite the persisted
	// cooldown, so a restart never extends the silence it interrupted.
	if d := s2.CanPublish(PlatformTelegram, store.KindText, false); !d.Allow {
		t.Fatalf("first publish after restart denied: %s", d.Reason)
	}

	// Once this process has published, the cooldown re-engages.
	if err := s2.MarkPublished(ctx, PlatformTelegram, store.KindText); err != nil {
		t.Fatalf("MarkPublished after restart: %v", err)
	}
	c2.advance(10 * time.Minute)
	if d := s2.CanPublish(PlatformTelegram, store.KindText, false); d.Allow {
		t.Fatalf("cooldown must re-engage after the first publish of the process")
	}
}
