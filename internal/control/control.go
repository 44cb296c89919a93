// Package control wires the operator command surface and the raw-content
// intake onto the Telegram bot.
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"postpilot/internal/ingest"
	"postpilot/internal/inventory"
	"postpilot/internal/platform/telegram"
	"postpilot/internal/publish"
	"postpilot/internal/schedule"
	"postpilot/internal/stats"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// Translator rewrites intake text; nil means pass-through.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

type Controller struct {
	adapter     *telegram.Adapter
	bufferChat  int64
	downloadDir string

	gate   *ingest.Gate
	orch   *publish.Orchestrator
	sched  *schedule.Scheduler
	ledger *stats.Ledger
	inv    *inventory.Inventory
	st     store.Store
	tr     Translator
	log    logx.Logger
}

func New(adapter *telegram.Adapter, bufferChat int64, downloadDir string,
	gate *ingest.Gate, orch *publish.Orchestrator, sched *schedule.Scheduler,
	ledger *stats.Ledger, inv *inventory.Inventory, st store.Store,
	tr Translator, log logx.Logger) *Controller {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		log.Error("create intake dir failed", logx.Err(err))
	}
	return &Controller{
		adapter:     adapter,
		bufferChat:  bufferChat,
		downloadDir: downloadDir,
		gate:        gate,
		orch:        orch,
		sched:       sched,
		ledger:      ledger,
		inv:         inv,
		st:          st,
		tr:          tr,
		log:         log,
	}
}

// Register hangs all handlers off the bot. Call before the adapter starts
// polling.
func (c *Controller) Register(ctx context.Context) {
	bot := c.adapter.Bot()

	bot.Handle("/post_now", c.owned(func(tc tele.Context) error {
		c.orch.ForcePublish()
		return tc.Send("force publish signalled")
	}))
	bot.Handle("/pause", c.owned(func(tc tele.Context) error {
		c.orch.SetPaused(true)
		return tc.Send("publishing paused")
	}))
	bot.Handle("/resume", c.owned(func(tc tele.Context) error {
		c.orch.SetPaused(false)
		return tc.Send("publishing resumed")
	}))
	bot.Handle("/status", c.owned(func(tc tele.Context) error {
		return tc.Send(c.statusText(ctx))
	}))
	bot.Handle("/stats", c.owned(func(tc tele.Context) error {
		return tc.Send(c.ledger.Report())
	}))

	bot.Handle(tele.OnVideo, func(tc tele.Context) error {
		return c.intakeMedia(ctx, tc, store.KindVideo)
	})
	bot.Handle(tele.OnPhoto, func(tc tele.Context) error {
		return c.intakeMedia(ctx, tc, store.KindPhoto)
	})
	bot.Handle(tele.OnText, func(tc tele.Context) error {
		return c.intakeText(ctx, tc)
	})
}

// owned gates a command handler to configured owner accounts.
func (c *Controller) owned(h tele.HandlerFunc) tele.HandlerFunc {
	return func(tc tele.Context) error {
		sender := tc.Sender()
		if sender == nil || !c.adapter.IsOwner(sender.ID) {
			return nil
		}
		return h(tc)
	}
}

func (c *Controller) statusText(ctx context.Context) string {
	var b strings.Builder
	if c.orch.Paused() {
		b.WriteString("state: paused\n")
	} else {
		b.WriteString("state: running\n")
	}

	if items, err := c.st.LoadQueue(ctx); err == nil {
		b.WriteString(fmt.Sprintf("queue: %d\n", len(items)))
	}
	if n, err := c.inv.Count(); err == nil {
		b.WriteString(fmt.Sprintf("ready artifacts: %d\n", n))
	}

	last, morning, evening := c.sched.Snapshot()
	if last.IsZero() {
		b.WriteString("last publish: never\n")
	} else {
		b.WriteString(fmt.Sprintf("last publish: %s ago\n", time.Since(last).Truncate(time.Second)))
	}
	b.WriteString(fmt.Sprintf("today: %d morning, %d evening", morning, evening))
	return b.String()
}

func (c *Controller) fromBuffer(tc tele.Context) bool {
	m := tc.Message()
	return m != nil && m.Chat != nil && m.Chat.ID == c.bufferChat
}

func (c *Controller) intakeMedia(ctx context.Context, tc tele.Context, kind store.Kind) error {
	if !c.fromBuffer(tc) {
		return nil
	}
	m := tc.Message()

	var file *tele.File
	ext := ""
	switch kind {
	case store.KindVideo:
		if m.Video == nil {
			return nil
		}
		file, ext = &m.Video.File, ".mp4"
	case store.KindPhoto:
		if m.Photo == nil {
			return nil
		}
		file, ext = &m.Photo.File, ".jpg"
	default:
		return nil
	}

	// The local copy makes the durable queue self-contained; the buffer
	// message can be discarded once the enqueue commits.
	path := filepath.Join(c.downloadDir, "src-"+uuid.NewString()+ext)
	if err := c.adapter.Bot().Download(file, path); err != nil {
		c.log.Error("intake download failed", logx.Err(err))
		return nil
	}

	cand := ingest.Candidate{
		Kind:      kind,
		SourceRef: path,
		SourceID:  file.UniqueID,
		Caption:   m.Caption,
	}
	c.enqueue(ctx, cand, m, path)
	return nil
}

func (c *Controller) intakeText(ctx context.Context, tc tele.Context) error {
	if !c.fromBuffer(tc) {
		return nil
	}
	m := tc.Message()
	text := strings.TrimSpace(m.Text)
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}

	if c.tr != nil {
		rendered, err := c.tr.Translate(ctx, text)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Warn("intake translate failed; using original", logx.Err(err))
			}
		} else {
			text = rendered
		}
	}

	c.enqueue(ctx, ingest.Candidate{Kind: store.KindText, Text: text}, m, "")
	return nil
}

func (c *Controller) enqueue(ctx context.Context, cand ingest.Candidate, m *tele.Message, localPath string) {
	_, err := c.gate.Enqueue(ctx, cand)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrDuplicateHash), errors.Is(err, ingest.ErrDuplicateSource):
		c.log.Debug("intake rejected as duplicate", logx.String("kind", string(cand.Kind)))
		if localPath != "" {
			_ = os.Remove(localPath)
		}
	default:
		c.log.Error("intake enqueue failed", logx.Err(err))
		if localPath != "" {
			_ = os.Remove(localPath)
		}
		return
	}

	// Buffer message is redundant either way now; drop it best-effort.
	ref := fmt.Sprintf("%d:%d", m.Chat.ID, m.ID)
	if err := c.adapter.Discard(ctx, ref); err != nil {
		c.log.Debug("buffer discard failed", logx.String("ref", ref), logx.Err(err))
	}
}
