// Package retry keeps per-task validation attempt bookkeeping.
//
// The auto-fix loop records every validation attempt here: how many were
// made against the limit, the last error, and how many files each fix
// attempt changed. The manager is safe for concurrent use by the workers of
// one batch.
package retry

import (
	"sort"
	"sync"
)

// Key identifies a task within a ticket.
func Key(ticketID, taskID string) string {
	if taskID == "" {
		return ticketID
	}
	return ticketID + "/" + taskID
}

// TaskState tracks validation attempts for one task.
type TaskState struct {
	Key          string `json:"key"`
	Attempts     int    `json:"attempts"`
	MaxAttempts  int    `json:"max_attempts"`
	LastError    string `json:"last_error,omitempty"`
	FilesChanged []int  `json:"files_changed,omitempty"` // Files changed per fix attempt
	Succeeded    bool   `json:"succeeded,omitempty"`
}

// Remaining returns how many attempts are left.
func (s TaskState) Remaining() int {
	if s.Succeeded || s.Attempts >= s.MaxAttempts {
		return 0
	}
	return s.MaxAttempts - s.Attempts
}

// Manager tracks attempt state for tasks.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*TaskState
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]*TaskState),
	}
}

// Begin registers a task with its attempt limit. Attempts already made in
// an earlier run are carried over through prior, so a resumed task never
// gets more than maxAttempts in total. Calling Begin again for a known key
// keeps the existing state.
func (m *Manager) Begin(key string, maxAttempts, prior int) TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[key]
	if !exists {
		state = &TaskState{
			Key:         key,
			Attempts:    prior,
			MaxAttempts: maxAttempts,
		}
		m.states[key] = state
	}
	return state.copy()
}

// Get returns a copy of the state for key and whether it exists.
func (m *Manager) Get(key string) (TaskState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return TaskState{}, false
	}
	return state.copy(), true
}

// CanAttempt reports whether another validation attempt is allowed.
func (m *Manager) CanAttempt(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[key]
	if !exists {
		return false
	}
	return state.Attempts < state.MaxAttempts && !state.Succeeded
}

// RecordAttempt counts one validation attempt and returns its number.
// A failed attempt stores errMsg as the last error.
func (m *Manager) RecordAttempt(key string, success bool, errMsg string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[key]
	if !exists {
		return 0
	}
	state.Attempts++
	if success {
		state.Succeeded = true
	} else {
		state.LastError = errMsg
	}
	return state.Attempts
}

// RecordFilesChanged records how many files a fix attempt touched.
func (m *Manager) RecordFilesChanged(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, exists := m.states[key]; exists {
		state.FilesChanged = append(state.FilesChanged, n)
	}
}

// Exhausted returns the keys of tasks that used every attempt without
// succeeding, sorted.
func (m *Manager) Exhausted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for key, state := range m.states {
		if !state.Succeeded && state.Attempts >= state.MaxAttempts {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Reset forgets a task, e.g. after a checkpoint restore returned it to
// UNPROCESSED.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, key)
}

// Snapshot returns copies of every state.
func (m *Manager) Snapshot() map[string]TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]TaskState, len(m.states))
	for k, v := range m.states {
		result[k] = v.copy()
	}
	return result
}

func (s *TaskState) copy() TaskState {
	c := *s
	if s.FilesChanged != nil {
		c.FilesChanged = append([]int(nil), s.FilesChanged...)
	}
	return c
}
