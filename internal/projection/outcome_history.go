package projection

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/pipeline"
	"sync"

	"github.com/google/uuid"
)

// OutcomeHistory keeps the most recent terminal outcomes in memory for
// queries when no database is configured.
type OutcomeHistory struct {
	mu       sync.RWMutex
	capacity int
	entries  []pipeline.Outcome // ring buffer
	next     int
	full     bool
	byRun    map[uuid.UUID]int
}

func NewOutcomeHistory(capacity int) *OutcomeHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutcomeHistory{
		capacity: capacity,
		entries:  make([]pipeline.Outcome, capacity),
		byRun:    make(map[uuid.UUID]int, capacity),
	}
}

// Record stores an outcome, evicting the oldest when full.
func (h *OutcomeHistory) Record(o pipeline.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.full {
		delete(h.byRun, h.entries[h.next].RunID)
	}
	o.Err = nil
	h.entries[h.next] = o
	h.byRun[o.RunID] = h.next
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.full = true
	}
}

// Get returns the outcome of a run if it is still held.
func (h *OutcomeHistory) Get(runID uuid.UUID) (pipeline.Outcome, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i, ok := h.byRun[runID]
	if !ok {
		return pipeline.Outcome{}, false
	}
	return h.entries[i], true
}

// QueryByDepositor returns up to limit outcomes for depositor, newest first.
func (h *OutcomeHistory) QueryByDepositor(depositor ledger.AccountID, limit int) []pipeline.Outcome {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]pipeline.Outcome, 0)
	n := h.next
	if h.full {
		n = h.capacity
	}
	for k := 0; k < n && len(result) < limit; k++ {
		i := (h.next - 1 - k + h.capacity) % h.capacity
		if h.entries[i].Depositor == depositor {
			result = append(result, h.entries[i])
		}
	}
	return result
}

// Len reports how many outcomes are held.
func (h *OutcomeHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return h.capacity
	}
	return h.next
}
