package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

const sidecarSuffix = ".meta.json"

// Meta is the sidecar metadata persisted next to every ready artifact.
type Meta struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	Kind        store.Kind `json:"kind"`
	Caption     string     `json:"caption,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Size        int64      `json:"size"`

	// Publication progress, mutated in place between attempts. A replay
	// after a crash skips destinations that already accepted the artifact
	// and never re-deletes a released staged copy.
	Published     map[string]bool `json:"published,omitempty"`
	StagedURL     string          `json:"staged_url,omitempty"`
	StagedDeleted bool            `json:"staged_deleted,omitempty"`
}

// Artifact is a fully prepared, immediately publishable unit.
type Artifact struct {
	MediaPath string
	Meta      Meta
}

// Inventory owns the ready-artifact directory. It is written only by the
// maintainer and read/deleted only by the publish orchestrator.
type Inventory struct {
	dir string
	log logx.Logger
}

func NewInventory(dir string, log logx.Logger) (*Inventory, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("inventory dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Inventory{dir: dir, log: log}, nil
}

// List returns ready artifacts ordered oldest first (FIFO by creation time).
// An artifact with an unreadable sidecar is skipped, not deleted; recovery
// is left to the operator.
func (inv *Inventory) List() ([]Artifact, error) {
	entries, err := os.ReadDir(inv.dir)
	if err != nil {
		return nil, err
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sidecarSuffix) {
			continue
		}
		sidecar := filepath.Join(inv.dir, e.Name())
		var meta Meta
		if err := readJSONFile(sidecar, &meta); err != nil {
			inv.log.Warn("unreadable sidecar; skipping artifact", logx.String("path", sidecar), logx.Err(err))
			continue
		}
		media := strings.TrimSuffix(sidecar, sidecarSuffix)
		if _, err := os.Stat(media); err != nil {
			inv.log.Warn("sidecar without media; skipping", logx.String("path", media))
			continue
		}
		out = append(out, Artifact{MediaPath: media, Meta: meta})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta.CreatedAt.Before(out[j].Meta.CreatedAt)
	})
	return out, nil
}

func (inv *Inventory) Count() (int, error) {
	arts, err := inv.List()
	if err != nil {
		return 0, err
	}
	return len(arts), nil
}

// Store moves a prepared media file into the inventory and persists its
// sidecar atomically: the media rename lands first, the sidecar last, so a
// crash in between leaves a media file without metadata (skipped, never
// published) rather than metadata pointing at nothing.
func (inv *Inventory) Store(preparedPath string, meta Meta) (Artifact, error) {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	if fi, err := os.Stat(preparedPath); err == nil {
		meta.Size = fi.Size()
	}

	media := filepath.Join(inv.dir, meta.ID+filepath.Ext(preparedPath))
	if err := os.Rename(preparedPath, media); err != nil {
		// Cross-device fallback.
		if err := copyFile(preparedPath, media); err != nil {
			return Artifact{}, err
		}
		_ = os.Remove(preparedPath)
	}

	sidecar := media + sidecarSuffix
	if err := writeJSONFileAtomic(sidecar, meta); err != nil {
		_ = os.Remove(media)
		return Artifact{}, err
	}
	return Artifact{MediaPath: media, Meta: meta}, nil
}

// UpdateMeta rewrites an artifact's sidecar in place.
func (inv *Inventory) UpdateMeta(a Artifact) error {
	return writeJSONFileAtomic(a.MediaPath+sidecarSuffix, a.Meta)
}

// Remove deletes the artifact's media and sidecar.
func (inv *Inventory) Remove(a Artifact) error {
	err1 := os.Remove(a.MediaPath)
	err2 := os.Remove(a.MediaPath + sidecarSuffix)
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return nil
}

func readJSONFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o644)
}
