// Package progress implements the install progress signal: a single
// mutable record a streaming writer updates and any number of readers poll,
// both synchronized through the signal's own mutex (separate from the
// service lock), held only for the copy or update itself.
package progress

import (
	"sync"

	"github.com/dsiproject/dsi"
)

// Record is the progress snapshot exposed to callers of get_install_progress.
type Record struct {
	Step      string
	Status    dsi.ProgressStatus
	Processed uint64
	Total     uint64
}

// Signal holds the live Record behind its own mutex, independent of any
// session-wide lock, so polling it never contends with a long commit_chunk.
type Signal struct {
	mu     sync.Mutex
	record Record
}

// New returns a Signal in the NO_OPERATION state.
func New() *Signal {
	return &Signal{record: Record{Status: dsi.ProgressNoOperation}}
}

// Start resets the record to WORKING with processed=0 and the given step
// label and total.
func (s *Signal) Start(step string, total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = Record{Step: step, Status: dsi.ProgressWorking, Processed: 0, Total: total}
}

// Advance sets processed, leaving step/total/status untouched. The session
// writer calls it once after every committed chunk (not per byte); updates
// are not throttled to per-mille bucket crossings.
func (s *Signal) Advance(processed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Processed = processed
}

// Complete marks the record COMPLETE with processed set to total.
func (s *Signal) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Status = dsi.ProgressComplete
	s.record.Processed = s.record.Total
}

// Reset returns the record to NO_OPERATION, used when a session aborts or a
// new one opens.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = Record{Status: dsi.ProgressNoOperation}
}

// Snapshot copies the record out under the lock.
func (s *Signal) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}
