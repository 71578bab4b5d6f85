package storage

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
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"nudge/internal/module"
	logx "nudge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// scanTimeLayout is fixed-width so started_at sorts lexicographically.
const scanTimeLayout = "2006-01-02T15:04:05.000000000Z"

// keepScans bounds the scan table; older rows are pruned opportunistically.
const keepScans = 1000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required when storage.driver=sqlite")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The scan driver is the only writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 100}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
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

func (s *sqliteStore) GetState(ctx context.Context, id string) (module.State, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM module_state WHERE module_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return module.State{}, false, nil
	}
	if err != nil {
		return module.State{}, false, err
	}
	var st module.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return module.State{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return st, true, nil
}

func (s *sqliteStore) PutState(ctx context.Context, id string, st module.State) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO module_state(module_id, state, updated_at) VALUES(?,?,?)
		 ON CONFLICT(module_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		id, string(b), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteState(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM module_state WHERE module_id = ?`, id)
	return err
}

func (s *sqliteStore) ListStates(ctx context.Context) (map[string]module.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT module_id, state FROM module_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]module.State{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var st module.State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.log.Debug("skipping corrupt state row", logx.String("module", id), logx.Err(err))
			continue
		}
		out[id] = st
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendScan(ctx context.Context, r ScanRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan(id, started_at, took_ms, total, presented, errors, skipped, failed, reason)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.StartedAt.UTC().Format(scanTimeLayout), r.Took.Milliseconds(),
		r.Total, r.Presented, r.Errors, r.Skipped, r.Failed, nullStr(r.Trigger),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = s.pruneScans(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentScans(ctx context.Context, limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, took_ms, total, presented, errors, skipped, failed, COALESCE(reason, '')
		 FROM scan ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScanRecord
	for rows.Next() {
		var (
			r       ScanRecord
			started string
			tookMS  int64
		)
		if err := rows.Scan(&r.ID, &started, &tookMS, &r.Total, &r.Presented, &r.Errors, &r.Skipped, &r.Failed, &r.Trigger); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(scanTimeLayout, started)
		r.Took = time.Duration(tookMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneScans(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scan WHERE id NOT IN (SELECT id FROM scan ORDER BY started_at DESC LIMIT ?)`, keepScans)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
