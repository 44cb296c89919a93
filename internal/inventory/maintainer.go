package inventory

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// Notifier delivers operator-facing notices. Implemented by the notify service.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Captioner rewrites a raw caption into its publishable form.
// Implemented by the text-processing client; nil means pass-through.
type Captioner interface {
	Translate(ctx context.Context, caption string) (string, error)
}

type MaintainerConfig struct {
	Target   int           // ready artifacts to keep on hand; default 10
	Interval time.Duration // poll interval; default 30s
}

// Maintainer keeps the ready-artifact inventory topped up. Each poll it
// checks the count against the target and, when below, pops the oldest raw
// video from the durable queue and runs it through the preparer. At most one
// preparation is in flight at a time.
//
// Preparation failure is fail-fast: the item is dropped from the queue and
// the operator is notified. There is no retry and no dead-letter store.
type Maintainer struct {
	cfg   MaintainerConfig
	inv   *Inventory
	st    store.Store
	prep  Preparer
	capt  Captioner
	notif Notifier
	log   logx.Logger

	inFlight atomic.Bool
}

func NewMaintainer(cfg MaintainerConfig, inv *Inventory, st store.Store, prep Preparer, capt Captioner, notif Notifier, log logx.Logger) *Maintainer {
	if cfg.Target <= 0 {
		cfg.Target = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Maintainer{cfg: cfg, inv: inv, st: st, prep: prep, capt: capt, notif: notif, log: log}
}

// Run polls until the context is cancelled.
func (m *Maintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Maintainer) tick(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer m.inFlight.Store(false)

	if err := m.reconcile(ctx); err != nil {
		m.log.Error("queue reconcile failed", logx.Err(err))
		return
	}

	count, err := m.inv.Count()
	if err != nil {
		m.log.Error("inventory scan failed", logx.Err(err))
		return
	}
	if count >= m.cfg.Target {
		return
	}

	item, ok, err := m.nextRawVideo(ctx)
	if err != nil {
		m.log.Error("queue read failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}

	if err := m.prepareOne(ctx, item); err != nil {
		m.log.Error("preparation failed; dropping item",
			logx.String("fp", item.Fingerprint), logx.Err(err))
		if err := m.removeFromQueue(ctx, item.Fingerprint); err != nil {
			m.log.Error("drop failed", logx.String("fp", item.Fingerprint), logx.Err(err))
		}
		m.removeSource(item)
		if m.notif != nil {
			m.notif.Notify(ctx, fmt.Sprintf("preparation failed, item dropped: %v", err))
		}
	}
}

// reconcile resolves items left in the prepared state by a crash between
// storing the artifact and trimming the queue. An item whose artifact made it
// into the inventory just leaves the queue; one whose artifact did not goes
// back to raw and is prepared again. Either way the item is handled exactly
// once.
func (m *Maintainer) reconcile(ctx context.Context) error {
	items, err := m.st.LoadQueue(ctx)
	if err != nil {
		return err
	}
	stuck := false
	for _, it := range items {
		if it.State == store.StatePrepared {
			stuck = true
			break
		}
	}
	if !stuck {
		return nil
	}

	arts, err := m.inv.List()
	if err != nil {
		return err
	}
	ready := make(map[string]bool, len(arts))
	for _, a := range arts {
		ready[a.Meta.Fingerprint] = true
	}

	kept := items[:0]
	for _, it := range items {
		if it.State == store.StatePrepared {
			if ready[it.Fingerprint] {
				m.log.Info("prepared item recovered; artifact already stored",
					logx.String("fp", it.Fingerprint))
				m.removeSource(it)
				continue
			}
			it.State = store.StateRaw
		}
		kept = append(kept, it)
	}
	return m.st.SaveQueue(ctx, kept)
}

func (m *Maintainer) nextRawVideo(ctx context.Context) (store.Item, bool, error) {
	items, err := m.st.LoadQueue(ctx)
	if err != nil {
		return store.Item{}, false, err
	}
	for _, it := range items {
		if it.Kind == store.KindVideo && it.State == store.StateRaw {
			return it, true, nil
		}
	}
	return store.Item{}, false, nil
}

func (m *Maintainer) prepareOne(ctx context.Context, item store.Item) error {
	// Reposts arrive platform-ready from another network; they go straight
	// to the inventory without a transcode pass.
	path := item.SourceRef
	if item.Origin != store.OriginRepost {
		out, err := m.prep.Prepare(ctx, item.SourceRef, item.Caption)
		if err != nil {
			return err
		}
		path = out
	}

	caption := item.Caption
	if m.capt != nil && caption != "" {
		rendered, err := m.capt.Translate(ctx, caption)
		if err != nil {
			m.log.Warn("caption render failed; using original", logx.Err(err))
		} else {
			caption = rendered
		}
	}

	// Marked before the artifact lands so a crash in between cannot store
	// the same item twice; reconcile resolves whichever half survived.
	if err := m.markPrepared(ctx, item.Fingerprint); err != nil {
		return err
	}

	art, err := m.inv.Store(path, Meta{
		Fingerprint: item.Fingerprint,
		Kind:        item.Kind,
		Caption:     caption,
	})
	if err != nil {
		return err
	}

	// The artifact is durable on disk; only now does the item leave the queue.
	if err := m.removeFromQueue(ctx, item.Fingerprint); err != nil {
		return err
	}
	m.removeSource(item)

	m.log.Info("artifact ready",
		logx.String("id", art.Meta.ID),
		logx.String("fp", item.Fingerprint))
	return nil
}

func (m *Maintainer) markPrepared(ctx context.Context, fingerprint string) error {
	items, err := m.st.LoadQueue(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].Fingerprint == fingerprint {
			items[i].State = store.StatePrepared
		}
	}
	return m.st.SaveQueue(ctx, items)
}

// removeSource drops the local raw copy once the item can no longer need it.
func (m *Maintainer) removeSource(item store.Item) {
	if item.SourceRef == "" {
		return
	}
	if err := os.Remove(item.SourceRef); err != nil && !os.IsNotExist(err) {
		m.log.Warn("source cleanup failed", logx.String("path", item.SourceRef), logx.Err(err))
	}
}

func (m *Maintainer) removeFromQueue(ctx context.Context, fingerprint string) error {
	items, err := m.st.LoadQueue(ctx)
	if err != nil {
		return err
	}
	kept := items[:0]
	for _, it := range items {
		if it.Fingerprint != fingerprint {
			kept = append(kept, it)
		}
	}
	return m.st.SaveQueue(ctx, kept)
}
