package ticket

import (
	"slices"
	"sort"
)

// HasTasks reports whether the ticket declares tasks.
func (t *Ticket) HasTasks() bool {
	return len(t.Tasks) > 0
}

// HasComponents reports whether the ticket declares components.
func (t *Ticket) HasComponents() bool {
	return len(t.Components) > 0
}

// HasValidation reports whether the ticket carries a validation config.
func (t *Ticket) HasValidation() bool {
	return t.Validation != nil
}

// Task returns the task with the given id, or nil.
func (t *Ticket) Task(id string) *Task {
	for i := range t.Tasks {
		if t.Tasks[i].ID == id {
			return &t.Tasks[i]
		}
	}
	return nil
}

// Component returns the named component, or nil.
func (t *Ticket) Component(name string) *Component {
	for i := range t.Components {
		if t.Components[i].Name == name {
			return &t.Components[i]
		}
	}
	return nil
}

// ComponentOf returns the component that lists taskID, or nil.
func (t *Ticket) ComponentOf(taskID string) *Component {
	for i := range t.Components {
		if slices.Contains(t.Components[i].TaskIDs, taskID) {
			return &t.Components[i]
		}
	}
	return nil
}

// ComponentClosed reports whether every member task of c is COMPLETED.
func (t *Ticket) ComponentClosed(c *Component) bool {
	if c == nil || len(c.TaskIDs) == 0 {
		return false
	}
	for _, id := range c.TaskIDs {
		task := t.Task(id)
		if task == nil || task.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Files returns the sorted union of every component's file set.
func (t *Ticket) Files() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range t.Components {
		for _, f := range c.Files {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

// DeferredTasks returns the tasks currently DEFERRED.
func (t *Ticket) DeferredTasks() []*Task {
	var out []*Task
	for i := range t.Tasks {
		if t.Tasks[i].Status == TaskDeferred {
			out = append(out, &t.Tasks[i])
		}
	}
	return out
}

// AutoFixEnabled resolves the task's auto-fix flag, falling back to def.
func (task *Task) AutoFixEnabled(def bool) bool {
	if task.AutoFix != nil {
		return *task.AutoFix
	}
	return def
}

// RetryLimit resolves the task's max retries, falling back to def.
func (task *Task) RetryLimit(def int) int {
	if task.MaxRetries > 0 {
		return task.MaxRetries
	}
	return def
}

// Bool returns a pointer to b, for optional flags.
func Bool(b bool) *bool {
	return &b
}

// String returns a pointer to s, for optional ids.
func String(s string) *string {
	return &s
}
