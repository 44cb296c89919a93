package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

var (
	ErrDuplicateHash   = errors.New("duplicate content hash")
	ErrDuplicateSource = errors.New("duplicate source id")
)

// Candidate is a raw post pulled from the ingestion buffer, not yet deduplicated.
type Candidate struct {
	Kind      store.Kind
	SourceRef string
	// SourceID is the remote content-identity token of the raw asset
	// (e.g. a file id). Optional for text posts.
	SourceID string
	Caption  string
	// Text is the primary payload for text posts.
	Text   string
	Origin store.Origin
}

// Gate fingerprints incoming candidates and rejects items already seen.
//
// Admit does not mark the candidate seen; marking happens only after a
// successful enqueue, so a failed enqueue never loses the item for good.
type Gate struct {
	st  store.Store
	log logx.Logger
}

func NewGate(st store.Store, log logx.Logger) *Gate {
	return &Gate{st: st, log: log}
}

// Fingerprint computes the content hash of a candidate.
// Text posts hash on normalized text; media posts on source ref + caption.
func Fingerprint(c Candidate) string {
	h := sha256.New()
	h.Write([]byte(c.Kind))
	h.Write([]byte{0})
	if c.Kind == store.KindText {
		h.Write([]byte(normalizeText(c.Text)))
	} else {
		h.Write([]byte(strings.TrimSpace(c.SourceRef)))
	}
	h.Write([]byte{0})
	h.Write([]byte(normalizeText(c.Caption)))
	return hex.EncodeToString(h.Sum(nil))
}

// Admit checks the candidate against the seen sets and returns its
// fingerprint, or a sentinel rejection error.
func (g *Gate) Admit(ctx context.Context, c Candidate) (string, error) {
	fp := Fingerprint(c)

	seen, err := g.st.Seen(ctx, fp)
	if err != nil {
		return "", err
	}
	if seen {
		return fp, ErrDuplicateHash
	}
	if c.SourceID != "" {
		seen, err := g.st.SeenSource(ctx, c.SourceID)
		if err != nil {
			return "", err
		}
		if seen {
			return fp, ErrDuplicateSource
		}
	}
	return fp, nil
}

// Enqueue admits the candidate, appends it to the durable queue, and only
// then marks it seen. The queue snapshot write is the commit point.
func (g *Gate) Enqueue(ctx context.Context, c Candidate) (store.Item, error) {
	fp, err := g.Admit(ctx, c)
	if err != nil {
		return store.Item{}, err
	}

	items, err := g.st.LoadQueue(ctx)
	if err != nil {
		return store.Item{}, err
	}
	// Fingerprint must also be unique within the active queue.
	for _, it := range items {
		if it.Fingerprint == fp {
			return store.Item{}, ErrDuplicateHash
		}
	}

	origin := c.Origin
	if origin == "" {
		origin = store.OriginIngest
	}
	item := store.Item{
		Fingerprint: fp,
		Kind:        c.Kind,
		SourceRef:   c.SourceRef,
		Caption:     c.Caption,
		Origin:      origin,
		State:       store.StateRaw,
		EnqueuedAt:  time.Now(),
	}
	if c.Kind == store.KindText {
		item.Caption = c.Text
	}

	if err := g.st.SaveQueue(ctx, append(items, item)); err != nil {
		return store.Item{}, err
	}
	if err := g.st.MarkSeen(ctx, fp, c.SourceID); err != nil {
		// The item is enqueued; a failed seen-write only risks a duplicate
		// admit later, which the in-queue check above still catches.
		g.log.Warn("mark seen failed", logx.Err(err), logx.String("fp", fp))
	}

	g.log.Debug("candidate enqueued",
		logx.String("fp", fp), logx.String("kind", string(c.Kind)), logx.String("origin", string(origin)))
	return item, nil
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
