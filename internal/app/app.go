// Package app assembles the pipeline: config, logging, storage, the
// maintainer and orchestrator loops, the destinations, and the operator
// surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/control"
	"postpilot/internal/ingest"
	"postpilot/internal/inventory"
	"postpilot/internal/notify"
	"postpilot/internal/platform"
	"postpilot/internal/platform/facebook"
	"postpilot/internal/platform/instagram"
	"postpilot/internal/platform/telegram"
	"postpilot/internal/publish"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/schedule"
	"postpilot/internal/staging"
	"postpilot/internal/stats"
	"postpilot/internal/store"
	"postpilot/internal/textproc"
	logx "postpilot/pkg/logx"
)

// Run builds the application from the config file and blocks until the
// context is cancelled or a supervised loop fails. onReady, if non-nil, is
// called once the pipeline is fully started.
func Run(ctx context.Context, configPath string, onReady func()) error {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := Validate(ctx, cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	boot := logx.NewConsole(cfg.Logging.Level)

	pollTimeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		ChannelID:    cfg.Telegram.ChannelID,
		OperatorChat: cfg.Telegram.OperatorChat,
		OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
		PollTimeout:  pollTimeout,
	}, boot)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging), adapter)
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(Validate)

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ledger, err := stats.NewLedger(ctx, st, cfg.Schedule.Timezone, nil,
		log.With(logx.String("comp", "stats")))
	if err != nil {
		return err
	}

	var tp *textproc.Client
	if cfg.TextProc != nil {
		timeout, err := config.ParseDurationField("textproc.timeout", cfg.TextProc.Timeout)
		if err != nil {
			return err
		}
		tp = textproc.New(textproc.Config{
			BaseURL:      cfg.TextProc.BaseURL,
			APIKey:       cfg.TextProc.APIKey,
			Timeout:      timeout,
			Threshold:    cfg.TextProc.SimilarityThreshold,
			HistoryDepth: cfg.TextProc.HistoryDepth,
		}, ledger, log.With(logx.String("comp", "textproc")))
	}

	notifSvc := notify.New(notifyConfig(cfg.Notifier), adapter,
		log.With(logx.String("comp", "notify")))

	gate := ingest.NewGate(st, log.With(logx.String("comp", "ingest")))

	inv, err := inventory.NewInventory(filepath.Join(cfg.Pipeline.WorkDir, "ready"),
		log.With(logx.String("comp", "inventory")))
	if err != nil {
		return err
	}
	prepTimeout, err := config.ParseDurationOrDefault("pipeline.prepare_timeout",
		cfg.Pipeline.PrepareTimeout, 10*time.Minute)
	if err != nil {
		return err
	}
	prep, err := inventory.NewExecPreparer(cfg.Pipeline.PrepareCommand,
		filepath.Join(cfg.Pipeline.WorkDir, "tmp"), prepTimeout,
		log.With(logx.String("comp", "prepare")))
	if err != nil {
		return err
	}
	pollInterval, err := config.ParseDurationOrDefault("pipeline.poll_interval",
		cfg.Pipeline.PollInterval, 30*time.Second)
	if err != nil {
		return err
	}
	var capt inventory.Captioner
	if tp != nil && tp.Enabled() {
		capt = tp
	}
	maintainer := inventory.NewMaintainer(inventory.MaintainerConfig{
		Target:   cfg.Pipeline.TargetReady,
		Interval: pollInterval,
	}, inv, st, prep, capt, notifSvc, log.With(logx.String("comp", "maintainer")))

	schedCfg, err := scheduleConfig(cfg.Schedule)
	if err != nil {
		return err
	}
	sched, err := schedule.New(ctx, schedCfg, st, nil, log.With(logx.String("comp", "schedule")))
	if err != nil {
		return err
	}

	platforms := []platform.Platform{adapter}
	if cfg.Instagram != nil {
		igPoll, err := config.ParseDurationField("instagram.poll_interval", cfg.Instagram.PollInterval)
		if err != nil {
			return err
		}
		igRetry, err := config.ParseDurationField("instagram.retry_delay", cfg.Instagram.RetryDelay)
		if err != nil {
			return err
		}
		ig, err := instagram.New(instagram.Config{
			AccountID:    cfg.Instagram.AccountID,
			AccessToken:  cfg.Instagram.AccessToken,
			APIBase:      cfg.Instagram.APIBase,
			PollMax:      cfg.Instagram.PollMax,
			PollInterval: igPoll,
			RetryDelay:   igRetry,
		}, log.With(logx.String("comp", "instagram")))
		if err != nil {
			return err
		}
		platforms = append(platforms, ig)
	}
	if cfg.Facebook != nil {
		fb, err := facebook.New(facebook.Config{
			PageID:      cfg.Facebook.PageID,
			AccessToken: cfg.Facebook.AccessToken,
			APIBase:     cfg.Facebook.APIBase,
		}, log.With(logx.String("comp", "facebook")))
		if err != nil {
			return err
		}
		platforms = append(platforms, fb)
	}

	var stager publish.Stager
	if cfg.Staging != nil {
		sc, err := staging.New(ctx, staging.Config{
			Endpoint:      cfg.Staging.Endpoint,
			Region:        cfg.Staging.Region,
			Bucket:        cfg.Staging.Bucket,
			AccessKey:     cfg.Staging.AccessKey,
			SecretKey:     cfg.Staging.SecretKey,
			PublicBaseURL: cfg.Staging.PublicBaseURL,
		}, log.With(logx.String("comp", "staging")))
		if err != nil {
			return err
		}
		stager = sc
	}

	orchInterval, err := config.ParseDurationOrDefault("schedule.orchestrator_interval",
		cfg.Schedule.OrchestratorInterval, time.Minute)
	if err != nil {
		return err
	}
	var similar publish.SimilarityChecker
	if tp != nil && tp.Enabled() {
		similar = tp
	}
	orch := publish.New(publish.Config{Interval: orchInterval}, inv, st, sched,
		platforms, stager, ledger, similar, notifSvc,
		log.With(logx.String("comp", "publish")))

	ctrl := control.New(adapter, cfg.Telegram.BufferChatID,
		filepath.Join(cfg.Pipeline.WorkDir, "intake"),
		gate, orch, sched, ledger, inv, st, capt,
		log.With(logx.String("comp", "control")))

	stopReport, err := ledger.StartReporter(stats.Config{
		ReportEnabled: cfg.Stats.ReportEnabled,
		ReportCron:    cfg.Stats.ReportCron,
		Timezone:      cfg.Schedule.Timezone,
	}, notifSvc)
	if err != nil {
		return err
	}
	defer stopReport()

	sup := rtsup.New(ctx,
		rtsup.WithLogger(log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)

	notifSvc.Start(sup.Context())
	ctrl.Register(sup.Context())
	adapter.Start(sup.Context())

	sup.Go("maintainer", maintainer.Run)
	sup.Go("orchestrator", orch.Run)
	sup.Go("config.watch", mgr.Watch)

	updates := mgr.Subscribe(1)
	sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok || next == nil {
					return
				}
				applyRuntime(next, logSvc, sched, notifSvc, log)
			}
		}
	})

	log.Info("pipeline started", logx.String("config", configPath))
	if onReady != nil {
		onReady()
	}

	err = sup.Wait(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	adapter.Stop(shutdownCtx)
	notifSvc.Stop(shutdownCtx)
	mgr.Unsubscribe(updates)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// applyRuntime pushes a validated config update into the hot-swappable
// components. Destinations and storage require a restart.
func applyRuntime(cfg *config.Config, logSvc *logx.Service, sched *schedule.Scheduler,
	notifSvc *notify.Service, log logx.Logger) {
	logSvc.Apply(logxConfig(cfg.Logging))
	if sc, err := scheduleConfig(cfg.Schedule); err == nil {
		sched.Reconfigure(sc)
	}
	notifSvc.Apply(notifyConfig(cfg.Notifier))
	log.Info("runtime config applied")
}

func logxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    c.Operator.Enabled,
			MinLevel:   c.Operator.MinLevel,
			RatePerSec: c.Operator.RatePerSec,
		},
	}
}

func notifyConfig(c *config.NotifierConfig) notify.Config {
	if c == nil {
		return notify.Config{Enabled: true}
	}
	retryBase, _ := config.ParseDurationField("notifier.retry_base", c.RetryBase)
	retryMax, _ := config.ParseDurationField("notifier.retry_max_delay", c.RetryMaxDelay)
	return notify.Config{
		Enabled:       c.Enabled,
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		RatePerSec:    c.RatePerSec,
		RetryMax:      c.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
	}
}

func scheduleConfig(c config.ScheduleConfig) (schedule.Config, error) {
	minInterval, err := config.ParseDurationField("schedule.min_interval", c.MinInterval)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Timezone:      c.Timezone,
		MinInterval:   minInterval,
		DayStart:      c.DayStart,
		DayEnd:        c.DayEnd,
		BlackoutStart: c.BlackoutStart,
		BlackoutEnd:   c.BlackoutEnd,
		MorningCap:    c.MorningCap,
		EveningCap:    c.EveningCap,
	}, nil
}
