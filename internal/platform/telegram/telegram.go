// Package telegram owns the bot connection: channel publishing, operator
// messages, and the update loop the control commands hang off.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"postpilot/internal/platform"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Token string
	// ChannelID is the publish target: "@username" or a numeric chat id.
	ChannelID string
	// OperatorChat receives notices and answers commands.
	OperatorChat int64
	OwnerUserIDs []int64
	PollTimeout  time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Bot exposes the underlying bot so command handlers can be registered
// before Start.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// IsOwner reports whether the user may issue control commands.
func (a *Adapter) IsOwner(userID int64) bool {
	for _, id := range a.cfg.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Start begins long-polling. Non-blocking; idempotent.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop
	}()
}

// Stop halts polling, best-effort within a short grace window so a pending
// long-poll never stalls shutdown.
func (a *Adapter) Stop(ctx context.Context) {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		a.log.Info("polling stopped")
	case <-ctx.Done():
	case <-t.C:
		a.log.Warn("stop grace elapsed; continuing shutdown")
	}
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) Supports(kind store.Kind) bool {
	switch kind {
	case store.KindText, store.KindPhoto, store.KindVideo:
		return true
	}
	return false
}

func (a *Adapter) NeedsStaging() bool { return false }

// Publish sends the post to the configured channel.
func (a *Adapter) Publish(ctx context.Context, p platform.Post) (string, error) {
	to, err := recipient(a.cfg.ChannelID)
	if err != nil {
		return "", err
	}

	var what any
	switch p.Kind {
	case store.KindText:
		what = p.Caption
	case store.KindPhoto:
		what = &tele.Photo{File: tele.FromDisk(p.MediaPath), Caption: p.Caption}
	case store.KindVideo:
		what = &tele.Video{File: tele.FromDisk(p.MediaPath), Caption: p.Caption}
	default:
		return "", fmt.Errorf("unsupported kind %q", p.Kind)
	}

	msg, err := a.bot.Send(to, what)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.ID), nil
}

// SendOperator delivers a message to the operator chat. Used by the notify
// pipeline and the log operator sink.
func (a *Adapter) SendOperator(ctx context.Context, text string) error {
	if a.cfg.OperatorChat == 0 {
		return errors.New("operator chat not configured")
	}
	_, err := a.bot.Send(tele.ChatID(a.cfg.OperatorChat), text)
	return err
}

// Discard deletes a raw source message. sourceRef is "chatID:messageID".
// A message already gone is not an error.
func (a *Adapter) Discard(ctx context.Context, sourceRef string) error {
	chatID, msgID, err := parseSourceRef(sourceRef)
	if err != nil {
		return err
	}
	err = a.bot.Delete(&tele.Message{ID: msgID, Chat: &tele.Chat{ID: chatID}})
	if err != nil && strings.Contains(err.Error(), "message to delete not found") {
		return nil
	}
	return err
}

func recipient(channel string) (tele.Recipient, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("channel id is empty")
	}
	if strings.HasPrefix(channel, "@") {
		return &tele.Chat{Username: channel}, nil
	}
	id, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad channel id %q: %w", channel, err)
	}
	return tele.ChatID(id), nil
}

func parseSourceRef(ref string) (chatID int64, msgID int, err error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad source ref %q", ref)
	}
	chatID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad source ref %q: %w", ref, err)
	}
	msgID, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad source ref %q: %w", ref, err)
	}
	return chatID, msgID, nil
}
