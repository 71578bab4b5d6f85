package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"nudge/internal/module"
	logx "nudge/pkg/logx"
)

// compactEvery is the number of journal appends between snapshot compactions.
const compactEvery = 500

// fileStore keeps module state in memory and persists it as:
//   - <prefix>.states.snapshot.json (periodic snapshot)
//   - <prefix>.states.journal.jsonl (append-only journal)
//   - <prefix>.scans.jsonl          (append-only scan summaries)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	scans        *os.File
	scansPath    string

	states map[string]module.State
	writes int
}

type journalRecord struct {
	ID      string        `json:"id"`
	State   *module.State `json:"state,omitempty"`
	Deleted bool          `json:"deleted,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".states.snapshot.json"
	journalPath := prefix + ".states.journal.jsonl"
	scansPath := prefix + ".scans.jsonl"

	states := map[string]module.State{}
	if err := loadSnapshot(snapPath, states); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A corrupt snapshot degrades to the journal alone.
		log.Warn("state snapshot unreadable; replaying journal only", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	sf, err := os.OpenFile(scansPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		scans:        sf,
		scansPath:    scansPath,
		states:       states,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	// Leave a compact snapshot behind so the next start replays nothing.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("state compact on close failed", logx.Err(err))
	}
	err1 := s.journal.Close()
	err2 := s.scans.Close()
	s.journal, s.scans = nil, nil
	return errors.Join(err1, err2)
}

func (s *fileStore) GetState(_ context.Context, id string) (module.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return module.State{}, false, ErrClosed
	}
	st, ok := s.states[id]
	return st, ok, nil
}

func (s *fileStore) ListStates(context.Context) (map[string]module.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make(map[string]module.State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) PutState(_ context.Context, id string, st module.State) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.states[id] = st
	return s.appendLocked(journalRecord{ID: id, State: &st})
}

func (s *fileStore) DeleteState(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.states[id]; !ok {
		return nil
	}
	delete(s.states, id)
	return s.appendLocked(journalRecord{ID: id, Deleted: true})
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendScan(_ context.Context, r ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scans == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.scans).Encode(r)
}

// RecentScans reads the whole scans log; it is meant for the CLI, not the hot path.
func (s *fileStore) RecentScans(_ context.Context, limit int) ([]ScanRecord, error) {
	s.mu.Lock()
	path := s.scansPath
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var all []ScanRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r ScanRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		all = append(all, r)
	}
	return newestFirst(all, limit), sc.Err()
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.states); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]module.State) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]module.State
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]module.State) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn trailing write; later lines still apply.
			continue
		}
		if r.ID == "" {
			continue
		}
		if r.Deleted || r.State == nil {
			delete(out, r.ID)
			continue
		}
		out[r.ID] = *r.State
	}
	return sc.Err()
}
