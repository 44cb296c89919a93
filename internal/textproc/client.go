package textproc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	logx "postpilot/pkg/logx"
)

var ErrDisabled = errors.New("textproc disabled")

// CostRecorder receives metered usage from text-processing calls.
// Implemented by the stats ledger.
type CostRecorder interface {
	RecordCost(tokens int64, usd float64)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per-call; default 15s

	// Threshold marks a text as duplicate at or above this similarity score.
	Threshold float64 // default 0.65
	// HistoryDepth caps how many recent published texts are compared (max 20).
	HistoryDepth int // default 20
}

// Client talks to the external text-processing collaborator: translation and
// semantic similarity scoring. Both calls are metered; usage is forwarded to
// the cost recorder.
type Client struct {
	cfg   Config
	http  *http.Client
	costs CostRecorder
	log   logx.Logger
}

func New(cfg Config, costs CostRecorder, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.65
	}
	if cfg.HistoryDepth <= 0 || cfg.HistoryDepth > 20 {
		cfg.HistoryDepth = 20
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		costs: costs,
		log:   log,
	}
}

func (c *Client) Enabled() bool { return strings.TrimSpace(c.cfg.BaseURL) != "" }

// HistoryDepth reports how many recent texts Similarity should be fed.
func (c *Client) HistoryDepth() int { return c.cfg.HistoryDepth }

// Translate returns the translated text.
func (c *Client) Translate(ctx context.Context, text string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	var out struct {
		Text   string  `json:"text"`
		Tokens int64   `json:"tokens"`
		Cost   float64 `json:"cost_usd"`
	}
	err := c.post(ctx, "/v1/translate", map[string]any{"text": text}, &out)
	if err != nil {
		return "", err
	}
	c.meter(out.Tokens, out.Cost)
	return out.Text, nil
}

// Similarity scores text against recent published texts and reports whether
// it crosses the duplicate threshold. recent is truncated to HistoryDepth.
func (c *Client) Similarity(ctx context.Context, text string, recent []string) (bool, float64, error) {
	if !c.Enabled() {
		return false, 0, ErrDisabled
	}
	if len(recent) > c.cfg.HistoryDepth {
		recent = recent[:c.cfg.HistoryDepth]
	}
	var out struct {
		Score  float64 `json:"score"`
		Tokens int64   `json:"tokens"`
		Cost   float64 `json:"cost_usd"`
	}
	err := c.post(ctx, "/v1/similarity", map[string]any{"text": text, "against": recent}, &out)
	if err != nil {
		return false, 0, err
	}
	c.meter(out.Tokens, out.Cost)
	return out.Score >= c.cfg.Threshold, out.Score, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("textproc %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) meter(tokens int64, usd float64) {
	if c.costs == nil || (tokens == 0 && usd == 0) {
		return
	}
	c.costs.RecordCost(tokens, usd)
}
