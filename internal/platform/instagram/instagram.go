// Package instagram publishes short videos through the Graph API container
// flow: create a media container from a public URL, poll it until processed,
// then publish it.
package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"postpilot/internal/platform"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// ErrProcessing is returned when the container never reached FINISHED within
// the polling budget.
var ErrProcessing = errors.New("instagram container still processing")

type Config struct {
	AccountID   string
	AccessToken string
	APIBase     string // default https://graph.instagram.com/v21.0

	PollMax      int           // container status polls per attempt; default 20
	PollInterval time.Duration // default 10s
	RetryDelay   time.Duration // pause before the single container retry; default 30s
}

type Adapter struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if cfg.AccountID == "" || cfg.AccessToken == "" {
		return nil, errors.New("instagram account id and access token are required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://graph.instagram.com/v21.0"
	}
	if cfg.PollMax <= 0 {
		cfg.PollMax = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	return &Adapter{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}, log: log}, nil
}

func (a *Adapter) Name() string { return "instagram" }

func (a *Adapter) Supports(kind store.Kind) bool { return kind == store.KindVideo }

func (a *Adapter) NeedsStaging() bool { return true }

// Publish runs the container flow. A container that errors or exhausts its
// polling budget gets exactly one fresh attempt before the publish fails.
func (a *Adapter) Publish(ctx context.Context, p platform.Post) (string, error) {
	if p.MediaURL == "" {
		return "", errors.New("media url is required")
	}

	id, err := a.attempt(ctx, p)
	if err == nil {
		return id, nil
	}
	a.log.Warn("container attempt failed; retrying once", logx.Err(err))

	select {
	case <-time.After(a.cfg.RetryDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return a.attempt(ctx, p)
}

func (a *Adapter) attempt(ctx context.Context, p platform.Post) (string, error) {
	containerID, err := a.createContainer(ctx, p.MediaURL, p.Caption)
	if err != nil {
		return "", err
	}
	if err := a.waitProcessed(ctx, containerID); err != nil {
		return "", err
	}
	return a.publishContainer(ctx, containerID)
}

func (a *Adapter) createContainer(ctx context.Context, videoURL, caption string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := a.post(ctx, fmt.Sprintf("/%s/media", a.cfg.AccountID), map[string]any{
		"media_type":   "REELS",
		"video_url":    videoURL,
		"caption":      caption,
		"access_token": a.cfg.AccessToken,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("create container: no id returned")
	}
	return out.ID, nil
}

// waitProcessed polls the container status until FINISHED, with a hard cap
// on polls so a stuck container cannot wedge the orchestrator.
func (a *Adapter) waitProcessed(ctx context.Context, containerID string) error {
	for i := 0; i < a.cfg.PollMax; i++ {
		status, err := a.containerStatus(ctx, containerID)
		if err != nil {
			return err
		}
		switch status {
		case "FINISHED":
			return nil
		case "ERROR", "EXPIRED":
			return fmt.Errorf("container %s status %s", containerID, status)
		}

		select {
		case <-time.After(a.cfg.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrProcessing
}

func (a *Adapter) containerStatus(ctx context.Context, containerID string) (string, error) {
	url := fmt.Sprintf("%s/%s?fields=status_code&access_token=%s",
		strings.TrimRight(a.cfg.APIBase, "/"), containerID, a.cfg.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError("container status", resp)
	}
	var out struct {
		StatusCode string `json:"status_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.StatusCode, nil
}

func (a *Adapter) publishContainer(ctx context.Context, containerID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := a.post(ctx, fmt.Sprintf("/%s/media_publish", a.cfg.AccountID), map[string]any{
		"creation_id":  containerID,
		"access_token": a.cfg.AccessToken,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("media_publish: %w", err)
	}
	return out.ID, nil
}

func (a *Adapter) post(ctx context.Context, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimRight(a.cfg.APIBase, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(path, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(b)))
}
