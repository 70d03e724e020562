// Package usage persists per-user AI token usage and answers monthly budget
// queries. Entries append to a JSON-lines file; the file is periodically
// compacted down to the current-month window.
package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drape-ai/drape/internal/logging"
	"github.com/drape-ai/drape/pkg/types"
)

// Store is the append-only usage log.
type Store struct {
	mu   sync.Mutex
	path string
}

// New opens (or creates) the store at path.
func New(path string) *Store {
	return &Store{path: path}
}

// Append records one usage entry. Failures are logged, not fatal: losing a
// usage record must never fail a model call that already happened.
func (s *Store) Append(entry types.AIUsageEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		logging.Error().Err(err).Msg("usage store mkdir failed")
		return
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.Error().Err(err).Msg("usage store open failed")
		return
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		logging.Error().Err(err).Msg("usage entry marshal failed")
		return
	}
	f.Write(append(data, '\n'))
}

// MonthStart is the first of the current month at local midnight.
func MonthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}

// MonthlyCostEur sums a user's costEur since the start of the current month.
func (s *Store) MonthlyCostEur(userID string) float64 {
	since := MonthStart(time.Now())

	var total float64
	s.scan(func(e types.AIUsageEntry) {
		if e.UserID == userID && !e.Timestamp.Before(since) {
			total += e.CostEur
		}
	})
	return total
}

// MonthlyEntries returns a user's entries since the start of the month.
func (s *Store) MonthlyEntries(userID string) []types.AIUsageEntry {
	since := MonthStart(time.Now())

	var out []types.AIUsageEntry
	s.scan(func(e types.AIUsageEntry) {
		if e.UserID == userID && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	})
	return out
}

// Compact rewrites the file keeping only current-month entries.
func (s *Store) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := MonthStart(time.Now())

	var kept []types.AIUsageEntry
	s.scanLocked(func(e types.AIUsageEntry) {
		if !e.Timestamp.Before(since) {
			kept = append(kept, e)
		}
	})

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		logging.Error().Err(err).Msg("usage compaction failed")
		return
	}
	w := bufio.NewWriter(f)
	for _, e := range kept {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(append(data, '\n'))
	}
	w.Flush()
	f.Close()

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		logging.Error().Err(err).Msg("usage compaction rename failed")
	}
}

func (s *Store) scan(fn func(types.AIUsageEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanLocked(fn)
}

func (s *Store) scanLocked(fn func(types.AIUsageEntry)) {
	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e types.AIUsageEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		fn(e)
	}
}
