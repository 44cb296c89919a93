// Package publish drives the cross-destination publish cycle: permission
// checks, staging, independent per-destination attempts, and cleanup.
package publish

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"postpilot/internal/inventory"
	"postpilot/internal/platform"
	"postpilot/internal/schedule"
	"postpilot/internal/staging"
	"postpilot/internal/stats"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// Stager stages media in object storage for URL-fetching destinations.
// Implemented by the staging client; nil disables those destinations.
type Stager interface {
	Upload(ctx context.Context, key, path string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Notifier delivers operator notices.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// SimilarityChecker gates text posts against recently published texts.
type SimilarityChecker interface {
	Enabled() bool
	HistoryDepth() int
	Similarity(ctx context.Context, text string, recent []string) (bool, float64, error)
}

type Config struct {
	Interval time.Duration // cycle ticker; default 1m
	// PublishTimeout bounds one remote publish attempt; default 5m.
	PublishTimeout time.Duration
}

// Orchestrator publishes at most one unit per cycle: the oldest ready
// artifact, or, when the inventory is empty, the oldest text/photo queue
// item. Cycles fire on a ticker or on the 1-buffered force signal.
type Orchestrator struct {
	cfg       Config
	inv       *inventory.Inventory
	st        store.Store
	sched     *schedule.Scheduler
	platforms []platform.Platform
	stager    Stager
	ledger    *stats.Ledger
	similar   SimilarityChecker
	notif     Notifier
	log       logx.Logger

	paused atomic.Bool
	force  chan struct{}
}

func New(cfg Config, inv *inventory.Inventory, st store.Store, sched *schedule.Scheduler,
	platforms []platform.Platform, stager Stager, ledger *stats.Ledger,
	similar SimilarityChecker, notif Notifier, log logx.Logger) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		cfg:       cfg,
		inv:       inv,
		st:        st,
		sched:     sched,
		platforms: platforms,
		stager:    stager,
		ledger:    ledger,
		similar:   similar,
		notif:     notif,
		log:       log,
		force:     make(chan struct{}, 1),
	}
}

// ForcePublish requests an immediate cycle that bypasses schedule rules.
// Non-blocking; a pending signal absorbs further requests.
func (o *Orchestrator) ForcePublish() {
	select {
	case o.force <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) SetPaused(v bool) { o.paused.Store(v) }
func (o *Orchestrator) Paused() bool     { return o.paused.Load() }

// Run cycles until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.cycle(ctx, false)
		case <-o.force:
			o.cycle(ctx, true)
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context, force bool) {
	if o.paused.Load() && !force {
		return
	}

	arts, err := o.inv.List()
	if err != nil {
		o.log.Error("inventory scan failed", logx.Err(err))
		return
	}
	if len(arts) > 0 {
		o.publishArtifact(ctx, arts[0], force)
		return
	}
	o.publishQueued(ctx, force)
}

// unit is one publishable piece of content plus its durable progress flags.
// save writes the flags back to the unit's backing record (artifact sidecar
// or queue item), so a crash between a remote success and cleanup cannot
// replay a destination that already accepted the content.
type unit struct {
	id            string
	fingerprint   string
	post          platform.Post
	published     map[string]bool
	stagedURL     string
	stagedDeleted bool
	save          func(ctx context.Context) error
}

func (o *Orchestrator) persist(ctx context.Context, u *unit) {
	if err := u.save(ctx); err != nil {
		o.log.Error("progress persist failed", logx.String("fp", u.fingerprint), logx.Err(err))
	}
}

func (o *Orchestrator) publishArtifact(ctx context.Context, art inventory.Artifact, force bool) {
	if art.Meta.Published == nil {
		art.Meta.Published = make(map[string]bool)
	}
	u := &unit{
		id:            art.Meta.ID,
		fingerprint:   art.Meta.Fingerprint,
		published:     art.Meta.Published,
		stagedURL:     art.Meta.StagedURL,
		stagedDeleted: art.Meta.StagedDeleted,
		post: platform.Post{
			Kind:      art.Meta.Kind,
			MediaPath: art.MediaPath,
			Caption:   art.Meta.Caption,
		},
	}
	u.save = func(ctx context.Context) error {
		art.Meta.Published = u.published
		art.Meta.StagedURL = u.stagedURL
		art.Meta.StagedDeleted = u.stagedDeleted
		return o.inv.UpdateMeta(art)
	}

	if !o.publishPost(ctx, u, force) {
		// Nothing admitted the post this cycle; the artifact waits.
		return
	}
	if err := o.inv.Remove(art); err != nil {
		o.log.Error("artifact cleanup failed", logx.String("id", art.Meta.ID), logx.Err(err))
	}
}

func (o *Orchestrator) publishQueued(ctx context.Context, force bool) {
	items, err := o.st.LoadQueue(ctx)
	if err != nil {
		o.log.Error("queue read failed", logx.Err(err))
		return
	}

	// Mid-flight states (staged, published) are picked up too: those items
	// are replays of an interrupted cycle and must run to completion.
	var item store.Item
	found := false
	for _, it := range items {
		if it.Kind == store.KindText || it.Kind == store.KindPhoto {
			item, found = it, true
			break
		}
	}
	if !found {
		return
	}

	// The similarity gate applies to fresh items only; a replayed item has
	// already published somewhere and would match its own history entry.
	if item.Kind == store.KindText && len(item.Published) == 0 && o.similar != nil && o.similar.Enabled() {
		dup, score, err := o.checkSimilar(ctx, item.Caption)
		if err != nil {
			o.log.Warn("similarity check failed; publishing anyway", logx.Err(err))
		} else if dup {
			o.log.Info("near-duplicate text dropped",
				logx.String("fp", item.Fingerprint), logx.Float64("score", score))
			o.removeQueued(ctx, item.Fingerprint)
			if o.notif != nil {
				o.notif.Notify(ctx, fmt.Sprintf("near-duplicate text dropped (score %.2f)", score))
			}
			return
		}
	}

	if item.Published == nil {
		item.Published = make(map[string]bool)
	}
	u := &unit{
		id:            item.Fingerprint,
		fingerprint:   item.Fingerprint,
		published:     item.Published,
		stagedURL:     item.StagedURL,
		stagedDeleted: item.StagedDeleted,
		post: platform.Post{
			Kind:      item.Kind,
			MediaPath: item.SourceRef,
			Caption:   item.Caption,
		},
	}
	u.save = func(ctx context.Context) error {
		return o.saveItemProgress(ctx, item.Fingerprint, u)
	}

	if o.publishPost(ctx, u, force) {
		o.removeQueued(ctx, item.Fingerprint)
		if item.Kind == store.KindPhoto && item.SourceRef != "" {
			if err := os.Remove(item.SourceRef); err != nil && !os.IsNotExist(err) {
				o.log.Warn("source cleanup failed", logx.String("path", item.SourceRef), logx.Err(err))
			}
		}
	}
}

// saveItemProgress rewrites the queue snapshot with the unit's current
// progress flags, advancing the item state alongside.
func (o *Orchestrator) saveItemProgress(ctx context.Context, fingerprint string, u *unit) error {
	items, err := o.st.LoadQueue(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].Fingerprint != fingerprint {
			continue
		}
		items[i].Published = u.published
		items[i].StagedURL = u.stagedURL
		items[i].StagedDeleted = u.stagedDeleted
		switch {
		case len(u.published) > 0:
			items[i].State = store.StatePublished
		case u.stagedURL != "":
			items[i].State = store.StateStaged
		}
	}
	return o.st.SaveQueue(ctx, items)
}

func (o *Orchestrator) checkSimilar(ctx context.Context, text string) (bool, float64, error) {
	recent, err := o.st.RecentTexts(ctx, o.similar.HistoryDepth())
	if err != nil {
		return false, 0, err
	}
	if len(recent) == 0 {
		return false, 0, nil
	}
	return o.similar.Similarity(ctx, text, recent)
}

// publishPost runs one cross-destination publish. It reports whether the
// unit resolved; callers keep the unit when it did not.
//
// Permission decisions are snapshotted before the first attempt so a success
// on one destination cannot cool down its siblings within the same cycle.
// Destinations already flagged in the unit's published set are never
// re-attempted.
func (o *Orchestrator) publishPost(ctx context.Context, u *unit, force bool) bool {
	var targets []platform.Platform
	needsStaging := false
	for _, p := range o.platforms {
		if !p.Supports(u.post.Kind) || u.published[p.Name()] {
			continue
		}
		if dec := o.sched.CanPublish(p.Name(), u.post.Kind, force); !dec.Allow {
			o.log.Debug("destination skipped",
				logx.String("platform", p.Name()), logx.String("reason", dec.Reason))
			continue
		}
		if p.NeedsStaging() {
			if o.stager == nil {
				o.log.Debug("destination skipped: staging not configured",
					logx.String("platform", p.Name()))
				continue
			}
			needsStaging = true
		}
		targets = append(targets, p)
	}
	if len(targets) == 0 {
		// A unit that already went out somewhere is finished; it only came
		// back because cleanup was interrupted. Everything else waits.
		if len(u.published) > 0 {
			o.releaseStaged(ctx, u)
			return true
		}
		return false
	}

	if needsStaging {
		if u.stagedURL == "" || u.stagedDeleted {
			key := staging.KeyFor(u.id, u.post.MediaPath)
			url, err := o.stager.Upload(ctx, key, u.post.MediaPath)
			if err != nil {
				// Retain the unit; staging gets another chance next cycle.
				o.log.Error("staging failed; unit retained", logx.Err(err))
				return false
			}
			u.stagedURL = url
			u.stagedDeleted = false
			o.persist(ctx, u)
		}
		u.post.MediaURL = u.stagedURL
	}

	successes := 0
	for _, p := range targets {
		remoteID, err := o.attempt(ctx, p, u.post)
		if err != nil {
			o.log.Error("publish failed",
				logx.String("platform", p.Name()), logx.String("fp", u.fingerprint), logx.Err(err))
			if o.notif != nil {
				o.notif.Notify(ctx, fmt.Sprintf("publish to %s failed: %v", p.Name(), err))
			}
			continue
		}
		successes++
		// Durable before any other bookkeeping, so a crash right here still
		// leaves the destination flagged for the replay.
		u.published[p.Name()] = true
		o.persist(ctx, u)
		o.recordSuccess(ctx, p.Name(), u.post, u.fingerprint, remoteID)
	}

	o.releaseStaged(ctx, u)

	o.log.Info("publish cycle done",
		logx.String("fp", u.fingerprint),
		logx.Int("targets", len(targets)), logx.Int("successes", successes))
	return true
}

// releaseStaged deletes the staged copy exactly once. The deletion flag is
// persisted so a replayed unit neither re-uploads nor re-deletes the object.
func (o *Orchestrator) releaseStaged(ctx context.Context, u *unit) {
	if u.stagedURL == "" || u.stagedDeleted || o.stager == nil {
		return
	}
	key := staging.KeyFor(u.id, u.post.MediaPath)
	if err := o.stager.Delete(ctx, key); err != nil {
		o.log.Warn("staged asset cleanup failed", logx.String("key", key), logx.Err(err))
		return
	}
	u.stagedDeleted = true
	o.persist(ctx, u)
}

// attempt bounds one remote call. The call is never cancelled mid-flight by
// shutdown; an issued publish either completes or times out on its own.
func (o *Orchestrator) attempt(ctx context.Context, p platform.Platform, post platform.Post) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PublishTimeout)
	defer cancel()
	return p.Publish(callCtx, post)
}

func (o *Orchestrator) recordSuccess(ctx context.Context, platformName string, post platform.Post, fingerprint, remoteID string) {
	now := time.Now()
	if err := o.sched.MarkPublished(ctx, platformName, post.Kind); err != nil {
		o.log.Error("schedule update failed", logx.Err(err))
	}
	if o.ledger != nil {
		o.ledger.Record(ctx, post.Kind, o.sched.IsMorning(now))
	}
	caption := ""
	if post.Kind == store.KindText {
		caption = post.Caption
	}
	if err := o.st.AppendHistory(ctx, store.PublishRecord{
		At:          now,
		Platform:    platformName,
		Kind:        post.Kind,
		Fingerprint: fingerprint,
		Caption:     caption,
		RemoteID:    remoteID,
	}); err != nil {
		o.log.Error("history append failed", logx.Err(err))
	}
	o.log.Info("published",
		logx.String("platform", platformName),
		logx.String("kind", string(post.Kind)),
		logx.String("remote_id", remoteID))
}

func (o *Orchestrator) removeQueued(ctx context.Context, fingerprint string) {
	items, err := o.st.LoadQueue(ctx)
	if err != nil {
		o.log.Error("queue read failed", logx.Err(err))
		return
	}
	kept := items[:0]
	for _, it := range items {
		if it.Fingerprint != fingerprint {
			kept = append(kept, it)
		}
	}
	if err := o.st.SaveQueue(ctx, kept); err != nil {
		o.log.Error("queue write failed", logx.Err(err))
	}
}
