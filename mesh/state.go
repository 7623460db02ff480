package mesh

import (
	"sync"
	"time"
)

// StateTracker holds the most recent refinement outcome for HTTP endpoints
// and the MQTT publisher.
type StateTracker struct {
	mu        sync.RWMutex
	poses     []Pose
	report    *Report
	running   bool
	updatedAt time.Time
}

// NewStateTracker creates an empty state tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// Update stores a copy of poses along with their report.
func (st *StateTracker) Update(poses []Pose, report *Report) {
	cp := make([]Pose, len(poses))
	copy(cp, poses)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.poses = cp
	st.report = report
	st.updatedAt = time.Now()
}

// SetRunning records whether a refinement is in progress.
func (st *StateTracker) SetRunning(running bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.running = running
}

// Running reports whether a refinement is in progress.
func (st *StateTracker) Running() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.running
}

// GetPoses returns a copy of the last refined trajectory.
func (st *StateTracker) GetPoses() []Pose {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make([]Pose, len(st.poses))
	copy(result, st.poses)
	return result
}

// GetReport returns a copy of the last report, or nil.
func (st *StateTracker) GetReport() *Report {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.report == nil {
		return nil
	}
	r := *st.report
	r.Rounds = append([]RoundReport(nil), st.report.Rounds...)
	return &r
}

// UpdatedAt returns when Update was last called; zero if never.
func (st *StateTracker) UpdatedAt() time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.updatedAt
}

// HasResult returns true once a trajectory has been stored.
func (st *StateTracker) HasResult() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.poses) > 0
}
