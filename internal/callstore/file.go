package callstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"callbridge/internal/calls"
)

// FileStore keeps call state under a single directory:
//
//	<dir>/active/<call_id>.json   one snapshot file per active call
//	<dir>/history.jsonl           append-only log of finished calls
//	<dir>/events.log              applied event ids, one per line
//
// Snapshot writes go through a temp file + rename so a crash mid-write never
// leaves a torn snapshot behind.
type FileStore struct {
	dir string

	mu          sync.Mutex
	historyFile *os.File
	eventsFile  *os.File
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.dir, "active"), 0o755); err != nil {
		return fmt.Errorf("callstore: create store dir: %w", err)
	}

	var err error
	s.historyFile, err = os.OpenFile(filepath.Join(s.dir, "history.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("callstore: open history log: %w", err)
	}
	s.eventsFile, err = os.OpenFile(filepath.Join(s.dir, "events.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("callstore: open events log: %w", err)
	}
	return nil
}

func (s *FileStore) SaveCall(ctx context.Context, rec calls.CallRecord) error {
	if rec.CallID == "" {
		return fmt.Errorf("callstore: call id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.snapshotPath(rec.CallID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("callstore: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("callstore: commit snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) RemoveCall(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.snapshotPath(callID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("callstore: remove snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) AppendHistory(ctx context.Context, rec calls.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.historyFile == nil {
		return fmt.Errorf("callstore: store not initialized")
	}
	if _, err := s.historyFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("callstore: append history: %w", err)
	}
	return s.historyFile.Sync()
}

func (s *FileStore) MarkEventProcessed(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eventsFile == nil {
		return fmt.Errorf("callstore: store not initialized")
	}
	if _, err := s.eventsFile.WriteString(eventID + "\n"); err != nil {
		return fmt.Errorf("callstore: append event id: %w", err)
	}
	return nil
}

func (s *FileStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot

	entries, err := os.ReadDir(filepath.Join(s.dir, "active"))
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return snap, fmt.Errorf("callstore: read active dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, "active", e.Name()))
		if err != nil {
			return snap, err
		}
		var rec calls.CallRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// A torn snapshot should never happen given the rename dance;
			// skip rather than refuse to start.
			continue
		}
		snap.ActiveCalls = append(snap.ActiveCalls, rec)
	}

	ids, err := readLines(filepath.Join(s.dir, "events.log"))
	if err != nil {
		return snap, err
	}
	snap.ProcessedEventIDs = ids
	return snap, nil
}

func (s *FileStore) History(ctx context.Context, limit int) ([]calls.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := readLines(filepath.Join(s.dir, "history.jsonl"))
	if err != nil {
		return nil, err
	}

	// Most recent first.
	var out []calls.CallRecord
	for i := len(lines) - 1; i >= 0; i-- {
		var rec calls.CallRecord
		if err := json.Unmarshal([]byte(lines[i]), &rec); err != nil {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	if s.historyFile != nil {
		if err := s.historyFile.Close(); err != nil {
			first = err
		}
		s.historyFile = nil
	}
	if s.eventsFile != nil {
		if err := s.eventsFile.Close(); err != nil && first == nil {
			first = err
		}
		s.eventsFile = nil
	}
	return first
}

func (s *FileStore) snapshotPath(callID string) string {
	return filepath.Join(s.dir, "active", callID+".json")
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
