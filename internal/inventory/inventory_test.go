package inventory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

func writeMedia(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		t.Fatalf("write media: %v", err)
	}
	return path
}

func TestInventoryListFIFO(t *testing.T) {
	dir := t.TempDir()
	inv, err := NewInventory(filepath.Join(dir, "ready"), logx.Nop())
	if err != nil {
		t.Fatalf("new inventory: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	// Store out of order; List must come back oldest first.
	for i, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		src := writeMedia(t, dir, filepath.Base(t.Name())+string(rune('a'+i))+".mp4")
		_, err := inv.Store(src, Meta{
			Fingerprint: string(rune('a' + i)),
			Kind:        store.KindVideo,
			CreatedAt:   base.Add(offset),
		})
		if err != nil {
			t.Fatalf("store artifact %d: %v", i, err)
		}
	}

	arts, err := inv.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(arts) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(arts))
	}
	want := []string{"b", "c", "a"}
	for i, fp := range want {
		if arts[i].Meta.Fingerprint != fp {
			t.Fatalf("position %d: expected %q, got %q", i, fp, arts[i].Meta.Fingerprint)
		}
	}
}

func TestInventorySkipsUnreadableSidecar(t *testing.T) {
	dir := t.TempDir()
	inv, err := NewInventory(dir, logx.Nop())
	if err != nil {
		t.Fatalf("new inventory: %v", err)
	}

	src := writeMedia(t, t.TempDir(), "ok.mp4")
	if _, err := inv.Store(src, Meta{Fingerprint: "ok", Kind: store.KindVideo}); err != nil {
		t.Fatalf("store: %v", err)
	}

	// Corrupt sidecar next to a media file: skipped, never deleted.
	broken := filepath.Join(dir, "broken.mp4")
	if err := os.WriteFile(broken, []byte("media"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(broken+sidecarSuffix, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	arts, err := inv.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(arts) != 1 || arts[0].Meta.Fingerprint != "ok" {
		t.Fatalf("expected only the readable artifact, got %+v", arts)
	}
	if _, err := os.Stat(broken + sidecarSuffix); err != nil {
		t.Fatalf("broken sidecar must be left in place: %v", err)
	}
}

func TestInventoryRemoveIdempotent(t *testing.T) {
	dir := t.TempDir()
	inv, err := NewInventory(dir, logx.Nop())
	if err != nil {
		t.Fatalf("new inventory: %v", err)
	}
	src := writeMedia(t, t.TempDir(), "x.mp4")
	art, err := inv.Store(src, Meta{Fingerprint: "x", Kind: store.KindVideo})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := inv.Remove(art); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := inv.Remove(art); err != nil {
		t.Fatalf("second remove must be a no-op: %v", err)
	}
}

// ---- maintainer ----

type fakePreparer struct {
	fail  bool
	dir   string
	calls int
}

func (p *fakePreparer) Prepare(ctx context.Context, sourceRef, caption string) (string, error) {
	p.calls++
	if p.fail {
		return "", errors.New("transcode exploded")
	}
	path := filepath.Join(p.dir, "out.mp4")
	if err := os.WriteFile(path, []byte("prepared"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakeNotifier struct{ notes []string }

func (n *fakeNotifier) Notify(ctx context.Context, text string) { n.notes = append(n.notes, text) }

func maintainerFixture(t *testing.T, prep Preparer, notif Notifier, target int) (*Maintainer, *Inventory, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	inv, err := NewInventory(filepath.Join(t.TempDir(), "ready"), logx.Nop())
	if err != nil {
		t.Fatalf("new inventory: %v", err)
	}
	m := NewMaintainer(MaintainerConfig{Target: target, Interval: time.Hour}, inv, st, prep, nil, notif, logx.Nop())
	return m, inv, st
}

func TestMaintainerPreparesOldestRawVideo(t *testing.T) {
	ctx := context.Background()
	prep := &fakePreparer{dir: t.TempDir()}
	m, inv, st := maintainerFixture(t, prep, nil, 10)

	items := []store.Item{
		{Fingerprint: "text1", Kind: store.KindText, State: store.StateRaw},
		{Fingerprint: "vid1", Kind: store.KindVideo, State: store.StateRaw, Caption: "cap"},
		{Fingerprint: "vid2", Kind: store.KindVideo, State: store.StateRaw},
	}
	if err := st.SaveQueue(ctx, items); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	m.tick(ctx)

	arts, err := inv.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(arts) != 1 || arts[0].Meta.Fingerprint != "vid1" {
		t.Fatalf("expected vid1 prepared, got %+v", arts)
	}
	if arts[0].Meta.Caption != "cap" {
		t.Fatalf("caption lost: %+v", arts[0].Meta)
	}

	left, _ := st.LoadQueue(ctx)
	if len(left) != 2 {
		t.Fatalf("expected 2 items left, got %d", len(left))
	}
	for _, it := range left {
		if it.Fingerprint == "vid1" {
			t.Fatalf("prepared item still in queue")
		}
	}
}

func TestMaintainerStopsAtTarget(t *testing.T) {
	ctx := context.Background()
	prep := &fakePreparer{dir: t.TempDir()}
	m, inv, st := maintainerFixture(t, prep, nil, 1)

	if err := st.SaveQueue(ctx, []store.Item{
		{Fingerprint: "v1", Kind: store.KindVideo, State: store.StateRaw},
		{Fingerprint: "v2", Kind: store.KindVideo, State: store.StateRaw},
	}); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	m.tick(ctx)
	m.tick(ctx)

	if prep.calls != 1 {
		t.Fatalf("expected 1 preparation at target, got %d", prep.calls)
	}
	if n, _ := inv.Count(); n != 1 {
		t.Fatalf("expected 1 artifact, got %d", n)
	}
}

func TestMaintainerReconcilesPreparedLeftovers(t *testing.T) {
	ctx := context.Background()
	prep := &fakePreparer{dir: t.TempDir()}
	m, inv, st := maintainerFixture(t, prep, nil, 10)

	// v1's artifact landed before the crash; v2's did not.
	src := writeMedia(t, t.TempDir(), "v1.mp4")
	if _, err := inv.Store(src, Meta{Fingerprint: "v1", Kind: store.KindVideo}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.SaveQueue(ctx, []store.Item{
		{Fingerprint: "v1", Kind: store.KindVideo, State: store.StatePrepared},
		{Fingerprint: "v2", Kind: store.KindVideo, State: store.StatePrepared},
	}); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	m.tick(ctx)

	// v1 just left the queue; v2 went back to raw and was prepared once.
	if prep.calls != 1 {
		t.Fatalf("expected exactly one preparation, got %d", prep.calls)
	}
	left, _ := st.LoadQueue(ctx)
	if len(left) != 0 {
		t.Fatalf("expected empty queue after recovery, got %+v", left)
	}
	if n, _ := inv.Count(); n != 2 {
		t.Fatalf("expected 2 artifacts, got %d", n)
	}
}

func TestMaintainerStoresRepostWithoutPreparing(t *testing.T) {
	ctx := context.Background()
	prep := &fakePreparer{dir: t.TempDir()}
	m, inv, st := maintainerFixture(t, prep, nil, 10)

	src := writeMedia(t, t.TempDir(), "repost.mp4")
	if err := st.SaveQueue(ctx, []store.Item{
		{
			Fingerprint: "r1", Kind: store.KindVideo, State: store.StateRaw,
			Origin: store.OriginRepost, SourceRef: src, Caption: "cross-post",
		},
	}); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	m.tick(ctx)

	if prep.calls != 0 {
		t.Fatalf("repost must skip preparation, got %d calls", prep.calls)
	}
	arts, err := inv.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(arts) != 1 || arts[0].Meta.Fingerprint != "r1" {
		t.Fatalf("expected repost stored as-is, got %+v", arts)
	}
	left, _ := st.LoadQueue(ctx)
	if len(left) != 0 {
		t.Fatalf("expected repost to leave the queue, got %+v", left)
	}
}

func TestMaintainerDropsItemOnFailure(t *testing.T) {
	ctx := context.Background()
	prep := &fakePreparer{dir: t.TempDir(), fail: true}
	notif := &fakeNotifier{}
	m, inv, st := maintainerFixture(t, prep, notif, 10)

	if err := st.SaveQueue(ctx, []store.Item{
		{Fingerprint: "bad", Kind: store.KindVideo, State: store.StateRaw},
	}); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	m.tick(ctx)

	// Fail-fast: no retry, item gone, operator notified.
	left, _ := st.LoadQueue(ctx)
	if len(left) != 0 {
		t.Fatalf("expected failed item dropped, got %+v", left)
	}
	if n, _ := inv.Count(); n != 0 {
		t.Fatalf("expected no artifacts, got %d", n)
	}
	if len(notif.notes) != 1 {
		t.Fatalf("expected one operator notice, got %v", notif.notes)
	}

	m.tick(ctx)
	if prep.calls != 1 {
		t.Fatalf("dropped item must not be retried, calls=%d", prep.calls)
	}
}
