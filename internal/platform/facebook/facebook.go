// Package facebook publishes photos and videos to a page through the Graph
// API by public URL.
package facebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"postpilot/internal/platform"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

type Config struct {
	PageID      string
	AccessToken string
	APIBase     string // default https://graph.facebook.com/v21.0
}

type Adapter struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if cfg.PageID == "" || cfg.AccessToken == "" {
		return nil, errors.New("facebook page id and access token are required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://graph.facebook.com/v21.0"
	}
	return &Adapter{cfg: cfg, http: &http.Client{Timeout: 60 * time.Second}, log: log}, nil
}

func (a *Adapter) Name() string { return "facebook" }

func (a *Adapter) Supports(kind store.Kind) bool {
	return kind == store.KindPhoto || kind == store.KindVideo
}

func (a *Adapter) NeedsStaging() bool { return true }

func (a *Adapter) Publish(ctx context.Context, p platform.Post) (string, error) {
	if p.MediaURL == "" {
		return "", errors.New("media url is required")
	}

	var path string
	form := url.Values{}
	form.Set("access_token", a.cfg.AccessToken)

	switch p.Kind {
	case store.KindPhoto:
		path = fmt.Sprintf("/%s/photos", a.cfg.PageID)
		form.Set("url", p.MediaURL)
		form.Set("caption", p.Caption)
	case store.KindVideo:
		path = fmt.Sprintf("/%s/videos", a.cfg.PageID)
		form.Set("file_url", p.MediaURL)
		form.Set("description", p.Caption)
	default:
		return "", fmt.Errorf("unsupported kind %q", p.Kind)
	}

	reqURL := strings.TrimRight(a.cfg.APIBase, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	a.log.Debug("page post published", logx.String("id", out.ID), logx.String("kind", string(p.Kind)))
	return out.ID, nil
}
