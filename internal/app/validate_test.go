package app

import (
	"context"
	"testing"

	"postpilot/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{
			Token:        "123:abc",
			ChannelID:    "@news",
			BufferChatID: -100500,
		},
		Pipeline: config.PipelineConfig{
			WorkDir:        "/tmp/work",
			PrepareCommand: "/usr/local/bin/prep",
		},
		Storage: config.StorageConfig{Driver: "file", Path: "/tmp/state"},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	if err := Validate(context.Background(), validConfig()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestValidateRejectsMissingRequireds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no token", func(c *config.Config) { c.Telegram.Token = "" }},
		{"no channel", func(c *config.Config) { c.Telegram.ChannelID = "" }},
		{"no buffer chat", func(c *config.Config) { c.Telegram.BufferChatID = 0 }},
		{"no work dir", func(c *config.Config) { c.Pipeline.WorkDir = "" }},
		{"no prepare command", func(c *config.Config) { c.Pipeline.PrepareCommand = "" }},
		{"no storage path", func(c *config.Config) { c.Storage.Path = "" }},
		{"bad driver", func(c *config.Config) { c.Storage.Driver = "etcd" }},
		{"bad duration", func(c *config.Config) { c.Schedule.MinInterval = "soon" }},
		{"bad timezone", func(c *config.Config) { c.Schedule.Timezone = "Mars/Olympus" }},
		{"inverted day", func(c *config.Config) { c.Schedule.DayStart, c.Schedule.DayEnd = 20, 8 }},
		{"blackout outside day", func(c *config.Config) {
			c.Schedule.DayStart, c.Schedule.DayEnd = 8, 21
			c.Schedule.BlackoutStart, c.Schedule.BlackoutEnd = 6, 7
		}},
		{"instagram without staging", func(c *config.Config) {
			c.Instagram = &config.InstagramConfig{AccountID: "1", AccessToken: "t"}
		}},
		{"facebook without staging", func(c *config.Config) {
			c.Facebook = &config.FacebookConfig{PageID: "1", AccessToken: "t"}
		}},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		if err := Validate(context.Background(), cfg); err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}
}

func TestValidateAcceptsGraphDestinationsWithStaging(t *testing.T) {
	cfg := validConfig()
	cfg.Staging = &config.StagingConfig{
		Endpoint:      "https://acc.r2.cloudflarestorage.com",
		Bucket:        "media",
		AccessKey:     "ak",
		SecretKey:     "sk",
		PublicBaseURL: "https://cdn.example",
	}
	cfg.Instagram = &config.InstagramConfig{AccountID: "1", AccessToken: "t"}
	cfg.Facebook = &config.FacebookConfig{PageID: "1", AccessToken: "t"}
	if err := Validate(context.Background(), cfg); err != nil {
		t.Fatalf("graph destinations with staging rejected: %v", err)
	}
}
