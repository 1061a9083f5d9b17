package goals

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a goal.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// allStatuses is used for validation and for zeroing status gauges.
var allStatuses = []Status{
	StatusProposed,
	StatusActive,
	StatusBlocked,
	StatusCompleted,
	StatusAbandoned,
}

// Terminal reports whether no further transitions are legal from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Open is the complement of Terminal: the goal still counts for
// duplicate detection and orchestrator selection.
func (s Status) Open() bool {
	return !s.Terminal() && s.valid()
}

func (s Status) valid() bool {
	switch s {
	case StatusProposed, StatusActive, StatusBlocked, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

// allowedTransitions encodes the legal status transitions. Absence
// means the transition is rejected. Terminal states have no entries.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusProposed: {
		StatusActive:    {},
		StatusAbandoned: {},
	},
	StatusActive: {
		StatusBlocked:   {},
		StatusCompleted: {},
		StatusAbandoned: {},
	},
	StatusBlocked: {
		StatusActive:    {}, // Explicit resume.
		StatusAbandoned: {},
	},
}

// CanTransition reports whether a goal may move from one status to
// another. Completion additionally requires all subtasks resolved and
// the gate merged, which UpdateStatus enforces.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Source identifies where a goal originated.
type Source string

const (
	SourceUser       Source = "user"
	SourceHealthScan Source = "health-scan"
	SourceSelf       Source = "self"
)

func (s Source) valid() bool {
	switch s {
	case SourceUser, SourceHealthScan, SourceSelf:
		return true
	}
	return false
}

// SubtaskStatus is the lifecycle state of a single subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in-progress"
	SubtaskDone       SubtaskStatus = "done"
	SubtaskSkipped    SubtaskStatus = "skipped"
)

// resolved reports whether the subtask needs no further work.
func (s SubtaskStatus) resolved() bool {
	return s == SubtaskDone || s == SubtaskSkipped
}

// Subtask is one ordered step within a goal. Subtasks execute in
// order; the first unresolved subtask is the active one.
type Subtask struct {
	Description string        `json:"description"`
	Status      SubtaskStatus `json:"status"`
}

// GateState tracks the branch/PR/CI progression of a goal. It is
// mutated only through SetGate, which the gate owns.
type GateState string

const (
	GateNoBranch      GateState = "no_branch"
	GateBranchCreated GateState = "branch_created"
	GatePROpen        GateState = "pr_open"
	GateCIPending     GateState = "ci_pending"
	GateCIGreen       GateState = "ci_green"
	GateCIRed         GateState = "ci_red"
	GateMerged        GateState = "merged"
	GateClosed        GateState = "closed"
)

func (g GateState) valid() bool {
	switch g {
	case GateNoBranch, GateBranchCreated, GatePROpen, GateCIPending,
		GateCIGreen, GateCIRed, GateMerged, GateClosed:
		return true
	}
	return false
}

// Goal is the unit of work the orchestrator drives from proposal to a
// merged pull request. At most one branch/PR is in flight per goal.
//
// GreenStreak, RedRetries and PermanentFailures are durable counters:
// the gate's merge debounce and retry budgets must survive a restart,
// so they live on the record rather than in gate memory.
type Goal struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Status            Status    `json:"status"`
	Source            Source    `json:"source"`
	Priority          int       `json:"priority"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
	Subtasks          []Subtask `json:"subtasks,omitempty"`
	Branch            string    `json:"branch,omitempty"`
	PRID              int64     `json:"pr_id,omitempty"`
	Gate              GateState `json:"gate"`
	GreenStreak       int       `json:"ci_green_streak,omitempty"`
	RedRetries        int       `json:"ci_red_retries,omitempty"`
	PermanentFailures int       `json:"permanent_failures,omitempty"`
	BlockedReason     string    `json:"blocked_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	// extra holds fields written by a newer schema version so they
	// survive a load/save round-trip.
	extra map[string]json.RawMessage
}

// knownGoalFields mirrors the JSON tags above. Anything else found in
// a persisted record is carried in extra.
var knownGoalFields = []string{
	"id", "title", "status", "source", "priority", "idempotency_key",
	"subtasks", "branch", "pr_id", "gate", "ci_green_streak",
	"ci_red_retries", "permanent_failures", "blocked_reason",
	"created_at", "updated_at",
}

// UnmarshalJSON decodes a goal and retains unknown fields.
func (g *Goal) UnmarshalJSON(data []byte) error {
	type alias Goal
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownGoalFields {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}
	a.extra = raw
	*g = Goal(a)
	return nil
}

// MarshalJSON encodes a goal, overlaying any retained unknown fields
// that do not collide with known ones.
func (g Goal) MarshalJSON() ([]byte, error) {
	type alias Goal
	base, err := json.Marshal(alias(g))
	if err != nil {
		return nil, err
	}
	if len(g.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range g.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// SubtasksResolved reports whether every subtask is done or skipped.
// Skipped counts: a goal with a deliberately skipped step can still
// merge and complete.
func (g *Goal) SubtasksResolved() bool {
	for _, st := range g.Subtasks {
		if !st.Status.resolved() {
			return false
		}
	}
	return true
}

// NextSubtask returns the index of the first unresolved subtask, or
// false when all are resolved.
func (g *Goal) NextSubtask() (int, bool) {
	for i, st := range g.Subtasks {
		if !st.Status.resolved() {
			return i, true
		}
	}
	return 0, false
}

// CanComplete reports whether the completion requirements hold: every
// subtask resolved and the gate merged.
func (g *Goal) CanComplete() bool {
	return g.SubtasksResolved() && g.Gate == GateMerged
}

// Clone returns a deep copy. Store methods hand out clones so callers
// can never mutate shared state behind the store's back.
func (g *Goal) Clone() *Goal {
	if g == nil {
		return nil
	}
	out := *g
	if g.Subtasks != nil {
		out.Subtasks = make([]Subtask, len(g.Subtasks))
		copy(out.Subtasks, g.Subtasks)
	}
	if g.extra != nil {
		out.extra = make(map[string]json.RawMessage, len(g.extra))
		for k, v := range g.extra {
			out.extra[k] = v
		}
	}
	return &out
}
