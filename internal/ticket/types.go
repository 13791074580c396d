package ticket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle state of a ticket.
type State string

const (
	// StateUnprocessed is the initial state of every ticket.
	StateUnprocessed State = "UNPROCESSED"

	// StateInProgress indicates a worker owns the ticket.
	StateInProgress State = "IN_PROGRESS"

	// StateCompleted is terminal: validated and accepted.
	StateCompleted State = "COMPLETED"

	// StateDeferred parks the ticket until its blocking condition clears.
	StateDeferred State = "DEFERRED"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StateUnprocessed, StateInProgress, StateCompleted, StateDeferred:
		return true
	}
	return false
}

// ParseState parses a state name case-insensitively.
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown ticket state %q", s)
	}
	return st, nil
}

// Kind classifies a ticket.
type Kind string

const (
	KindEpic        Kind = "epic"
	KindStory       Kind = "story"
	KindSubtask     Kind = "subtask"
	KindLightweight Kind = "lightweight"
	KindLegacy      Kind = "legacy"
)

// Valid reports whether k is a known ticket kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEpic, KindStory, KindSubtask, KindLightweight, KindLegacy:
		return true
	}
	return false
}

// Priority is an ordinal from P0 (highest) to P4 (lowest).
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
	P4
)

// String renders the priority as "P<n>".
func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Valid reports whether p is in P0..P4.
func (p Priority) Valid() bool {
	return p >= P0 && p <= P4
}

// ParsePriority accepts "P2", "p2" or "2".
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "P")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	p := Priority(n)
	if !p.Valid() {
		return 0, fmt.Errorf("priority %s out of range P0..P4", p)
	}
	return p, nil
}

// MarshalJSON encodes the priority as "P<n>".
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either "P<n>" or a bare integer.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string or integer: %w", err)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TaskStatus is the status of a task or component.
type TaskStatus string

const (
	TaskUnprocessed TaskStatus = "UNPROCESSED"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskDeferred    TaskStatus = "DEFERRED"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskUnprocessed, TaskCompleted, TaskDeferred:
		return true
	}
	return false
}

// ValidatorKind selects a validation strategy.
type ValidatorKind string

const (
	ValidatorGeneric     ValidatorKind = "generic"
	ValidatorStateFlow   ValidatorKind = "stateflow"
	ValidatorContent     ValidatorKind = "content"
	ValidatorInteractive ValidatorKind = "interactive"
	ValidatorIntegration ValidatorKind = "integration"
)

// ValidatorKinds lists every known validator kind.
func ValidatorKinds() []ValidatorKind {
	return []ValidatorKind{ValidatorGeneric, ValidatorStateFlow, ValidatorContent, ValidatorInteractive, ValidatorIntegration}
}

// Valid reports whether k is a known validator kind.
func (k ValidatorKind) Valid() bool {
	for _, v := range ValidatorKinds() {
		if k == v {
			return true
		}
	}
	return false
}

// DeferCategory explains why a ticket or task was parked.
type DeferCategory string

const (
	DeferMissingDependencies   DeferCategory = "missing_dependencies"
	DeferPersistentTestFailure DeferCategory = "persistent_test_failure"
	DeferValidationScriptError DeferCategory = "validation_script_error"
	DeferExternalBlocker       DeferCategory = "external_blocker"
	DeferUserRejected          DeferCategory = "user_rejected"
)

// FailureAction is what happens when a verification step fails.
type FailureAction string

const (
	OnFailureAutoFix FailureAction = "auto_fix"
	OnFailureDefer   FailureAction = "defer"
	OnFailureFail    FailureAction = "fail"
)

// Ticket is a unit of work tracked through the state machine.
type Ticket struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Kind         Kind              `json:"kind"`
	Priority     Priority          `json:"priority"`
	State        State             `json:"state"`
	Dependencies []string          `json:"dependencies"`
	Children     []string          `json:"children"`
	Tasks        []Task            `json:"tasks,omitempty"`
	Components   []Component       `json:"components,omitempty"`
	Validation   *ValidationConfig `json:"validationConfig,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	CommitRefs   []string          `json:"commitRefs,omitempty"`
	Defer        *DeferRecord      `json:"defer,omitempty"`
	CreatedAt    time.Time         `json:"created"`
	UpdatedAt    time.Time         `json:"updated"`
	StateHistory []HistoryEntry    `json:"stateHistory"`
}

// Task is a sequentially processed sub-unit of a ticket.
type Task struct {
	ID             string        `json:"id"`
	Validator      ValidatorKind `json:"validator"`
	Description    string        `json:"description"`
	Status         TaskStatus    `json:"status"`
	Check          *Check        `json:"check,omitempty"`
	AutoFix        *bool         `json:"autoFix,omitempty"`
	MaxRetries     int           `json:"maxRetries,omitempty"`
	AttemptCount   int           `json:"attemptCount"`
	LastDiagnostic string        `json:"lastDiagnostic,omitempty"`
	Defer          *DeferRecord  `json:"defer,omitempty"`
}

// Component groups tasks into a checkpoint/rollback unit.
type Component struct {
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	CheckpointID *string    `json:"checkpointId"`
	Status       TaskStatus `json:"status"`
	TaskIDs      []string   `json:"tasks"`
	// Files is the file set the component touches.
	Files []string `json:"files,omitempty"`
}

// ValidationConfig applies to an untasked ticket as a whole and supplies
// defaults for its tasks.
type ValidationConfig struct {
	Validator  ValidatorKind      `json:"validator"`
	AutoFix    *bool              `json:"autoFix,omitempty"`
	MaxRetries int                `json:"maxRetries,omitempty"`
	Steps      []VerificationStep `json:"steps,omitempty"`
	Check      *Check             `json:"check,omitempty"`
}

// VerificationStep is one ordered check of a generic validation.
type VerificationStep struct {
	Name string `json:"name"`
	// Check is a shell command.
	Check string `json:"check"`
	// Success is a predicate over the command result: "exit_zero" (default),
	// "contains:<text>" or "matches:<regex>".
	Success   string        `json:"success,omitempty"`
	OnFailure FailureAction `json:"onFailure,omitempty"`
}

// Check is a tagged union: exactly one member is set and it must match the
// owning task's validator kind.
type Check struct {
	Generic     *GenericCheck     `json:"generic,omitempty"`
	StateFlow   *StateFlowCheck   `json:"stateflow,omitempty"`
	Content     *ContentCheck     `json:"content,omitempty"`
	Interactive *InteractiveCheck `json:"interactive,omitempty"`
	Integration *IntegrationCheck `json:"integration,omitempty"`
}

// Kind returns the validator kind of the set member, or "" when the union
// is empty or ambiguous.
func (c *Check) Kind() ValidatorKind {
	if c == nil {
		return ""
	}
	var kinds []ValidatorKind
	if c.Generic != nil {
		kinds = append(kinds, ValidatorGeneric)
	}
	if c.StateFlow != nil {
		kinds = append(kinds, ValidatorStateFlow)
	}
	if c.Content != nil {
		kinds = append(kinds, ValidatorContent)
	}
	if c.Interactive != nil {
		kinds = append(kinds, ValidatorInteractive)
	}
	if c.Integration != nil {
		kinds = append(kinds, ValidatorIntegration)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// GenericCheck runs ordered verification steps.
type GenericCheck struct {
	Steps []VerificationStep `json:"steps"`
}

// StateFlowCheck executes a transition and checks its downstream effects.
type StateFlowCheck struct {
	// Transition is the command that drives the state transition.
	Transition string   `json:"transition"`
	Effects    []Effect `json:"effects"`
}

// Effect is one expected downstream consequence of a state transition.
type Effect struct {
	// Kind is "visibility", "route" or "cache".
	Kind string `json:"kind"`
	// Pattern is a regular expression that must match (or, with Absent, must not).
	Pattern string `json:"pattern"`
	// File is inspected instead of the transition output when set.
	File   string `json:"file,omitempty"`
	Absent bool   `json:"absent,omitempty"`
}

// ContentCheck re-derives a formula and compares it to rendered output.
type ContentCheck struct {
	Formula   string             `json:"formula"`
	Variables map[string]float64 `json:"variables"`
	// Render prints the rendered value; variables are passed as environment.
	Render    string     `json:"render"`
	Tolerance float64    `json:"tolerance,omitempty"`
	EdgeCases []EdgeCase `json:"edgeCases,omitempty"`
}

// EdgeCase re-renders with overridden variables and expects guarded output.
type EdgeCase struct {
	Name      string             `json:"name"`
	Overrides map[string]float64 `json:"overrides"`
	Expect    string             `json:"expect"`
}

// InteractiveCheck confirms a UI element is wired to real artifacts.
type InteractiveCheck struct {
	Element    string `json:"element"`
	Handler    string `json:"handler"`
	Navigation string `json:"navigation,omitempty"`
	// Files are glob patterns relative to the project root.
	Files []string `json:"files"`
}

// IntegrationCheck confirms external dependencies and error handling.
type IntegrationCheck struct {
	Dependencies []Dependency `json:"dependencies"`
	// Strategies are required error-handling strategies: backoff,
	// auth_failure, timeout.
	Strategies []string `json:"strategies,omitempty"`
	Files      []string `json:"files,omitempty"`
}

// Dependency is an external endpoint an integration relies on.
type Dependency struct {
	Name string `json:"name"`
	// Kind is "http", "tcp" or "command".
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

// DeferRecord explains a deferral.
type DeferRecord struct {
	Category     DeferCategory `json:"category"`
	Message      string        `json:"message"`
	Diagnostic   string        `json:"diagnostic,omitempty"`
	AttemptCount int           `json:"attemptCount"`
	LastError    string        `json:"lastError,omitempty"`
	ManualRetry  bool          `json:"manualRetry,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// HistoryEntry records one state change.
type HistoryEntry struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}
