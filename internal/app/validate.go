package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/config"
)

// Validate rejects configs the pipeline cannot run with. Also installed as
// the hot-reload validator, so a bad edit never reaches running components.
func Validate(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Telegram.ChannelID) == "" {
		return errors.New("telegram.channel_id is required")
	}
	if cfg.Telegram.BufferChatID == 0 {
		return errors.New("telegram.buffer_chat_id is required")
	}

	if strings.TrimSpace(cfg.Pipeline.WorkDir) == "" {
		return errors.New("pipeline.work_dir is required")
	}
	if strings.TrimSpace(cfg.Pipeline.PrepareCommand) == "" {
		return errors.New("pipeline.prepare_command is required")
	}

	if err := validateSchedule(cfg.Schedule); err != nil {
		return err
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", d)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	stagingOK := cfg.Staging != nil &&
		cfg.Staging.Bucket != "" && cfg.Staging.AccessKey != "" && cfg.Staging.SecretKey != ""
	if cfg.Instagram != nil {
		if cfg.Instagram.AccountID == "" || cfg.Instagram.AccessToken == "" {
			return errors.New("instagram: account_id and access_token are required")
		}
		if !stagingOK {
			return errors.New("instagram requires a configured staging section")
		}
	}
	if cfg.Facebook != nil {
		if cfg.Facebook.PageID == "" || cfg.Facebook.AccessToken == "" {
			return errors.New("facebook: page_id and access_token are required")
		}
		if !stagingOK {
			return errors.New("facebook requires a configured staging section")
		}
	}
	if cfg.Staging != nil && strings.TrimSpace(cfg.Staging.PublicBaseURL) == "" {
		return errors.New("staging.public_base_url is required")
	}

	// Durations must at least parse; components apply their own defaults.
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"pipeline.poll_interval", cfg.Pipeline.PollInterval},
		{"pipeline.prepare_timeout", cfg.Pipeline.PrepareTimeout},
		{"schedule.min_interval", cfg.Schedule.MinInterval},
		{"schedule.orchestrator_interval", cfg.Schedule.OrchestratorInterval},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if cfg.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	return nil
}

func validateSchedule(c config.ScheduleConfig) error {
	// Zero means "use default"; validate only explicit values.
	hours := []struct {
		name string
		v    int
	}{
		{"schedule.day_start", c.DayStart},
		{"schedule.day_end", c.DayEnd},
		{"schedule.blackout_start", c.BlackoutStart},
		{"schedule.blackout_end", c.BlackoutEnd},
	}
	for _, h := range hours {
		if h.v < 0 || h.v > 24 {
			return fmt.Errorf("%s: hour %d out of range [0,24]", h.name, h.v)
		}
	}
	if c.DayStart != 0 || c.DayEnd != 0 {
		if c.DayStart >= c.DayEnd {
			return errors.New("schedule: day_start must be before day_end")
		}
	}
	if c.BlackoutStart != 0 || c.BlackoutEnd != 0 {
		if c.BlackoutStart >= c.BlackoutEnd {
			return errors.New("schedule: blackout_start must be before blackout_end")
		}
		if c.DayStart != 0 || c.DayEnd != 0 {
			if c.BlackoutStart <= c.DayStart || c.BlackoutEnd >= c.DayEnd {
				return errors.New("schedule: blackout must fall strictly inside the posting day")
			}
		}
	}
	if c.MorningCap < 0 || c.EveningCap < 0 {
		return errors.New("schedule: bucket caps must be >= 0")
	}
	return nil
}
