package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadQueue(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM queue ORDER BY enqueued_at, fingerprint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var it Item
		if err := json.Unmarshal([]byte(doc), &it); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *sqliteStore) SaveQueue(ctx context.Context, items []Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue`); err != nil {
		return err
	}
	for _, it := range items {
		doc, err := json.Marshal(it)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO queue(fingerprint, doc, enqueued_at) VALUES(?,?,?)`,
			it.Fingerprint, string(doc), it.EnqueuedAt.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkSeen(ctx context.Context, fingerprint, sourceID string) error {
	fingerprint = strings.TrimSpace(fingerprint)
	sourceID = strings.TrimSpace(sourceID)
	if fingerprint == "" && sourceID == "" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if fingerprint != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO seen(key) VALUES(?) ON CONFLICT(key) DO NOTHING`, fingerprint); err != nil {
			return err
		}
	}
	if sourceID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_ids(id) VALUES(?) ON CONFLICT(id) DO NOTHING`, sourceID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Seen(ctx context.Context, fingerprint string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM seen WHERE key = ?`, strings.TrimSpace(fingerprint))
}

func (s *sqliteStore) SeenSource(ctx context.Context, sourceID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM source_ids WHERE id = ?`, strings.TrimSpace(sourceID))
}

func (s *sqliteStore) exists(ctx context.Context, query, arg string) (bool, error) {
	if arg == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) LoadSchedule(ctx context.Context) (*ScheduleState, error) {
	st := &ScheduleState{Windows: map[string]Window{}}
	ok, err := s.loadSnapshot(ctx, "schedule", st)
	if err != nil {
		return nil, err
	}
	if !ok || st.Windows == nil {
		st.Windows = map[string]Window{}
	}
	return st, nil
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, st *ScheduleState) error {
	return s.saveSnapshot(ctx, "schedule", st)
}

func (s *sqliteStore) LoadStats(ctx context.Context) (*Day, error) {
	var d Day
	ok, err := s.loadSnapshot(ctx, "stats", &d)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

func (s *sqliteStore) SaveStats(ctx context.Context, d *Day) error {
	return s.saveSnapshot(ctx, "stats", d)
}

func (s *sqliteStore) loadSnapshot(ctx context.Context, name string, out any) (bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM snapshots WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) saveSnapshot(ctx context.Context, name string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(name, doc) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET doc=excluded.doc`,
		name, string(doc))
	return err
}

func (s *sqliteStore) AppendHistory(ctx context.Context, rec PublishRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(at, platform, kind, fingerprint, caption, remote_id)
		 VALUES(?,?,?,?,?,?)`,
		rec.At.Format(time.RFC3339Nano), rec.Platform, string(rec.Kind),
		rec.Fingerprint, nullStr(rec.Caption), nullStr(rec.RemoteID))
	return err
}

func (s *sqliteStore) RecentTexts(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = recentTextsMax
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT caption FROM history
		 WHERE caption IS NOT NULL AND caption != ''
		 ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		texts = append(texts, t)
	}
	return texts, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
