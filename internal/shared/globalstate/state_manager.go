package globalstate

import (
	"fmt"
	"sync"
	"time"
)

// Phase is the coarse state of the scan pipeline.
type Phase string

const (
	PhaseIdle     Phase = "Idle"
	PhaseFetching Phase = "Fetching"
	PhaseTesting  Phase = "Testing"
)

// Progress is a point-in-time copy of the scan progress, shaped for the
// status surface.
type Progress struct {
	Status       string    `json:"status"`
	Phase        Phase     `json:"phase"`
	CurrentProxy *string   `json:"current_proxy"`
	CurrentIndex int       `json:"current_index"`
	Completed    int       `json:"completed"`
	Total        int       `json:"total"`
	ScanID       string    `json:"scan_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// StatusManager holds the process-wide scan progress. There is a single
// writer (the active scan) and any number of readers; a RWMutex keeps reads
// consistent without blocking the scan for long.
type StatusManager struct {
	mu        sync.RWMutex
	phase     Phase
	current   string
	index     int
	completed int
	total     int
	scanID    string
	startedAt time.Time
}

// NewStatusManager returns a tracker in the Idle phase.
func NewStatusManager() *StatusManager {
	return &StatusManager{phase: PhaseIdle}
}

// BeginFetch marks the start of the source-fetch phase.
func (sm *StatusManager) BeginFetch(scanID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.phase = PhaseFetching
	sm.current = ""
	sm.index, sm.completed, sm.total = 0, 0, 0
	sm.scanID = scanID
	sm.startedAt = time.Now()
}

// BeginTesting moves to the testing phase with the number of endpoints queued.
func (sm *StatusManager) BeginTesting(scanID string, total int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.scanID != scanID || sm.startedAt.IsZero() {
		sm.startedAt = time.Now()
	}
	sm.phase = PhaseTesting
	sm.current = ""
	sm.index, sm.completed = 0, 0
	sm.total = total
	sm.scanID = scanID
}

// Dispatch records the endpoint a worker is about to probe and returns its
// 1-based dispatch index. Across workers this is best-effort ordering only.
func (sm *StatusManager) Dispatch(endpoint string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.index++
	sm.current = endpoint
	return sm.index
}

// Complete bumps the completion counter. It never decreases during a scan.
func (sm *StatusManager) Complete() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.completed < sm.total {
		sm.completed++
	}
}

// Reset returns the tracker to Idle in one step.
func (sm *StatusManager) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.phase = PhaseIdle
	sm.current = ""
	sm.index, sm.completed, sm.total = 0, 0, 0
	sm.scanID = ""
	sm.startedAt = time.Time{}
}

// Phase returns the current phase.
func (sm *StatusManager) Phase() Phase {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.phase
}

// Get returns the human readable status line.
func (sm *StatusManager) Get() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.statusLocked()
}

func (sm *StatusManager) statusLocked() string {
	switch sm.phase {
	case PhaseFetching:
		return "Fetching proxies..."
	case PhaseTesting:
		if sm.current == "" {
			return "Testing proxies..."
		}
		return fmt.Sprintf("Testing proxy %d of %d: %s", sm.index, sm.total, sm.current)
	default:
		return string(PhaseIdle)
	}
}

// Snapshot returns the progress. When idle, total falls back to poolSize so
// the front-end can still show the size of the pool.
func (sm *StatusManager) Snapshot(poolSize int) Progress {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	p := Progress{
		Status:       sm.statusLocked(),
		Phase:        sm.phase,
		CurrentIndex: sm.index,
		Completed:    sm.completed,
		Total:        sm.total,
		ScanID:       sm.scanID,
		StartedAt:    sm.startedAt,
	}
	if sm.current != "" {
		cur := sm.current
		p.CurrentProxy = &cur
	}
	if p.Total == 0 {
		p.Total = poolSize
	}
	return p
}
