package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "postpilot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files (under <prefix>):
//   - <prefix>.queue.json          (queue snapshot, tmp-write + rename)
//   - <prefix>.schedule.json       (scheduler windows + last-publish clock)
//   - <prefix>.stats.json          (daily ledger snapshot)
//   - <prefix>.seen.snapshot.json  (dedup sets, periodic snapshot)
//   - <prefix>.seen.journal.jsonl  (append-only dedup journal)
//   - <prefix>.history.jsonl       (append-only publish history)
//
// The journal is periodically compacted into the snapshot. A write failure
// leaves the in-memory state authoritative; the next successful write
// resynchronizes the file.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	queuePath    string
	schedulePath string
	statsPath    string

	seenSnapshotPath string
	seenJournalFile  *os.File
	historyFile      *os.File

	seen    map[string]struct{}
	sources map[string]struct{}

	// recentTexts is newest-first, capped at recentTextsMax.
	recentTexts []string

	seenWrites int
}

const (
	compactEvery   = 512
	recentTextsMax = 50
)

type seenRecord struct {
	Key    string `json:"key,omitempty"`
	Source string `json:"source,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:              log,
		queuePath:        prefix + ".queue.json",
		schedulePath:     prefix + ".schedule.json",
		statsPath:        prefix + ".stats.json",
		seenSnapshotPath: prefix + ".seen.snapshot.json",
		seen:             map[string]struct{}{},
		sources:          map[string]struct{}{},
	}

	journalPath := prefix + ".seen.journal.jsonl"
	historyPath := prefix + ".history.jsonl"

	// Load dedup sets from snapshot + journal.
	_ = s.loadSeenSnapshot()
	_ = replaySeenJournal(journalPath, s.seen, s.sources)
	_ = s.loadRecentTexts(historyPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.seenJournalFile = jf
	s.historyFile = hf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.seenJournalFile != nil {
		err1 = s.seenJournalFile.Close()
		s.seenJournalFile = nil
	}
	if s.historyFile != nil {
		err2 = s.historyFile.Close()
		s.historyFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// ---- queue / schedule / stats snapshots ----

func (s *fileStore) LoadQueue(ctx context.Context) ([]Item, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []Item
	if err := readJSON(s.queuePath, &items); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return items, nil
}

func (s *fileStore) SaveQueue(ctx context.Context, items []Item) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if items == nil {
		items = []Item{}
	}
	return writeJSONAtomic(s.queuePath, items)
}

func (s *fileStore) LoadSchedule(ctx context.Context) (*ScheduleState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var st ScheduleState
	if err := readJSON(s.schedulePath, &st); err != nil {
		if os.IsNotExist(err) {
			return &ScheduleState{Windows: map[string]Window{}}, nil
		}
		return nil, err
	}
	if st.Windows == nil {
		st.Windows = map[string]Window{}
	}
	return &st, nil
}

func (s *fileStore) SaveSchedule(ctx context.Context, st *ScheduleState) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.schedulePath, st)
}

func (s *fileStore) LoadStats(ctx context.Context) (*Day, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var d Day
	if err := readJSON(s.statsPath, &d); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (s *fileStore) SaveStats(ctx context.Context, d *Day) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.statsPath, d)
}

// ---- dedup sets ----

func (s *fileStore) MarkSeen(ctx context.Context, fingerprint, sourceID string) error {
	_ = ctx
	fingerprint = strings.TrimSpace(fingerprint)
	sourceID = strings.TrimSpace(sourceID)
	if fingerprint == "" && sourceID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenJournalFile == nil {
		return errors.New("seen journal closed")
	}
	if fingerprint != "" {
		s.seen[fingerprint] = struct{}{}
	}
	if sourceID != "" {
		s.sources[sourceID] = struct{}{}
	}

	enc := json.NewEncoder(s.seenJournalFile)
	if err := enc.Encode(seenRecord{Key: fingerprint, Source: sourceID}); err != nil {
		return err
	}
	s.seenWrites++
	if s.seenWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactSeenLocked(); err != nil {
			s.log.Debug("seen compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Seen(ctx context.Context, fingerprint string) (bool, error) {
	_ = ctx
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[fingerprint]
	return ok, nil
}

func (s *fileStore) SeenSource(ctx context.Context, sourceID string) (bool, error) {
	_ = ctx
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sources[sourceID]
	return ok, nil
}

// ---- publish history ----

func (s *fileStore) AppendHistory(ctx context.Context, rec PublishRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("history file closed")
	}
	if err := json.NewEncoder(s.historyFile).Encode(rec); err != nil {
		return err
	}
	if txt := strings.TrimSpace(rec.Caption); txt != "" {
		s.recentTexts = append([]string{txt}, s.recentTexts...)
		if len(s.recentTexts) > recentTextsMax {
			s.recentTexts = s.recentTexts[:recentTextsMax]
		}
	}
	return nil
}

func (s *fileStore) RecentTexts(ctx context.Context, n int) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recentTexts) {
		n = len(s.recentTexts)
	}
	return append([]string(nil), s.recentTexts[:n]...), nil
}

// ---- internals ----

type seenSnapshot struct {
	Seen    []string `json:"seen"`
	Sources []string `json:"sources"`
}

func (s *fileStore) loadSeenSnapshot() error {
	var snap seenSnapshot
	if err := readJSON(s.seenSnapshotPath, &snap); err != nil {
		return err
	}
	for _, k := range snap.Seen {
		s.seen[k] = struct{}{}
	}
	for _, id := range snap.Sources {
		s.sources[id] = struct{}{}
	}
	return nil
}

func (s *fileStore) compactSeenLocked() error {
	snap := seenSnapshot{
		Seen:    make([]string, 0, len(s.seen)),
		Sources: make([]string, 0, len(s.sources)),
	}
	for k := range s.seen {
		snap.Seen = append(snap.Seen, k)
	}
	for id := range s.sources {
		snap.Sources = append(snap.Sources, id)
	}
	if err := writeJSONAtomic(s.seenSnapshotPath, snap); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.seenJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.seenJournalFile.Seek(0, 2)
	return err
}

func replaySeenJournal(path string, seen, sources map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r seenRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key != "" {
			seen[r.Key] = struct{}{}
		}
		if r.Source != "" {
			sources[r.Source] = struct{}{}
		}
	}
	return sc.Err()
}

func (s *fileStore) loadRecentTexts(historyPath string) error {
	f, err := os.Open(historyPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var texts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec PublishRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if txt := strings.TrimSpace(rec.Caption); txt != "" {
			texts = append(texts, txt)
		}
	}
	// File order is oldest-first; keep the newest entries, newest first.
	if len(texts) > recentTextsMax {
		texts = texts[len(texts)-recentTextsMax:]
	}
	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
	s.recentTexts = texts
	return sc.Err()
}

func readJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONAtomic(path string, v any) error {
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
