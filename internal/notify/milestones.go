package notify

import (
	"sort"
	"sync"
)

// DefaultThresholds is the milestone set used when none is configured.
var DefaultThresholds = []int{25, 50, 75}

// Milestones tracks per-device progress and decides when a threshold
// crossing should fire. At most one milestone fires per check: the
// lowest threshold crossed since the last observed progress. The
// tracked progress always advances to the new value, so a jump past
// several thresholds fires once and never re-fires the skipped ones.
type Milestones struct {
	thresholds []int

	mu   sync.Mutex
	last map[string]int
}

// NewMilestones creates a tracker with the given thresholds, kept in
// ascending order. A nil or empty list falls back to DefaultThresholds.
func NewMilestones(thresholds []int) *Milestones {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	sorted := make([]int, len(thresholds))
	copy(sorted, thresholds)
	sort.Ints(sorted)

	return &Milestones{
		thresholds: sorted,
		last:       make(map[string]int),
	}
}

// Cross records a progress update for the device and returns the
// milestone to fire, if any.
func (m *Milestones) Cross(prefix string, progress int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.last[prefix]
	m.last[prefix] = progress

	for _, threshold := range m.thresholds {
		if last < threshold && threshold <= progress {
			return threshold, true
		}
	}
	return 0, false
}

// Reset clears the tracked progress for a device. Must be called when a
// new job starts so milestones for the next job are not suppressed.
func (m *Milestones) Reset(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[prefix] = 0
}
