package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

func testGate(t *testing.T) (*Gate, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewGate(st, logx.Nop()), st
}

func TestEnqueueRejectsRepeatedHash(t *testing.T) {
	ctx := context.Background()
	g, _ := testGate(t)

	cand := Candidate{Kind: store.KindText, Text: "breaking news"}
	if _, err := g.Enqueue(ctx, cand); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := g.Enqueue(ctx, cand); !errors.Is(err, ErrDuplicateHash) {
		t.Fatalf("expected ErrDuplicateHash, got %v", err)
	}
}

func TestFingerprintNormalizesText(t *testing.T) {
	a := Fingerprint(Candidate{Kind: store.KindText, Text: "Hello   World"})
	b := Fingerprint(Candidate{Kind: store.KindText, Text: "hello world"})
	if a != b {
		t.Fatalf("expected normalized texts to collide, got %s vs %s", a, b)
	}
	c := Fingerprint(Candidate{Kind: store.KindText, Text: "hello there"})
	if a == c {
		t.Fatalf("distinct texts must not collide")
	}
}

func TestEnqueueRejectsRepeatedSourceID(t *testing.T) {
	ctx := context.Background()
	g, _ := testGate(t)

	first := Candidate{Kind: store.KindVideo, SourceRef: "/tmp/a.mp4", SourceID: "file-123"}
	if _, err := g.Enqueue(ctx, first); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	// Same remote asset re-sent under a different path.
	dup := Candidate{Kind: store.KindVideo, SourceRef: "/tmp/b.mp4", SourceID: "file-123"}
	if _, err := g.Enqueue(ctx, dup); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}
}

func TestEnqueuePersistsItem(t *testing.T) {
	ctx := context.Background()
	g, st := testGate(t)

	item, err := g.Enqueue(ctx, Candidate{Kind: store.KindVideo, SourceRef: "/tmp/a.mp4", Caption: "cap"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.State != store.StateRaw || item.Origin != store.OriginIngest {
		t.Fatalf("unexpected item defaults: %+v", item)
	}

	items, err := st.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(items) != 1 || items[0].Fingerprint != item.Fingerprint {
		t.Fatalf("expected persisted item, got %+v", items)
	}

	seen, err := st.Seen(ctx, item.Fingerprint)
	if err != nil || !seen {
		t.Fatalf("expected fingerprint marked seen, got %v %v", seen, err)
	}
}

func TestAdmitDoesNotMarkSeen(t *testing.T) {
	ctx := context.Background()
	g, st := testGate(t)

	cand := Candidate{Kind: store.KindText, Text: "only admitted"}
	fp, err := g.Admit(ctx, cand)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if seen, _ := st.Seen(ctx, fp); seen {
		t.Fatalf("admit must not mark seen; enqueue is the commit point")
	}
	if _, err := g.Admit(ctx, cand); err != nil {
		t.Fatalf("re-admit after admit-only must pass: %v", err)
	}
}
