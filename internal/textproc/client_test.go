package textproc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	logx "postpilot/pkg/logx"
)

type costSink struct {
	mu     sync.Mutex
	tokens int64
	usd    float64
}

func (c *costSink) RecordCost(tokens int64, usd float64) {
	c.mu.Lock()
	c.tokens += tokens
	c.usd += usd
	c.mu.Unlock()
}

func TestDisabledWithoutBaseURL(t *testing.T) {
	c := New(Config{}, nil, logx.Nop())
	if c.Enabled() {
		t.Fatalf("client without base url must be disabled")
	}
	if _, err := c.Translate(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, _, err := c.Similarity(context.Background(), "x", nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestTranslateMetersUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/translate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": "translated", "tokens": 42, "cost_usd": 0.002,
		})
	}))
	defer srv.Close()

	costs := &costSink{}
	c := New(Config{BaseURL: srv.URL, APIKey: "secret"}, costs, logx.Nop())

	out, err := c.Translate(context.Background(), "original")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out != "translated" {
		t.Fatalf("got %q", out)
	}
	if costs.tokens != 42 || costs.usd != 0.002 {
		t.Fatalf("usage not metered: %d %f", costs.tokens, costs.usd)
	}
}

func TestSimilarityThresholdAndDepth(t *testing.T) {
	var gotAgainst []string
	score := 0.7
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Against []string `json:"against"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotAgainst = req.Against
		_ = json.NewEncoder(w).Encode(map[string]any{"score": score})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, HistoryDepth: 2}, nil, logx.Nop())

	recent := []string{"a", "b", "c", "d"}
	dup, got, err := c.Similarity(context.Background(), "text", recent)
	if err != nil {
		t.Fatalf("similarity: %v", err)
	}
	if !dup || got != 0.7 {
		t.Fatalf("expected duplicate at 0.7 with default 0.65 threshold, got %v %f", dup, got)
	}
	if len(gotAgainst) != 2 {
		t.Fatalf("history depth not enforced: sent %v", gotAgainst)
	}

	score = 0.5
	dup, _, err = c.Similarity(context.Background(), "text", recent)
	if err != nil {
		t.Fatalf("similarity: %v", err)
	}
	if dup {
		t.Fatalf("0.5 must be below the duplicate threshold")
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, logx.Nop())
	if _, err := c.Translate(context.Background(), "x"); err == nil {
		t.Fatalf("expected error on 502")
	}
}
