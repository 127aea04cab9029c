// Package task defines the unit of work dispatched to agents and its
// lifecycle state machine.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/registry"
)

// Kind identifies the type of work a task carries.
type Kind string

const (
	KindGenerate   Kind = "generate"
	KindReflect    Kind = "reflect"
	KindRank       Kind = "rank"
	KindEvolve     Kind = "evolve"
	KindProximity  Kind = "analyze_proximity"
	KindMetaReview Kind = "meta_review"
	KindCompare    Kind = "compare"
)

// Valid reports whether the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case KindGenerate, KindReflect, KindRank, KindEvolve, KindProximity, KindMetaReview, KindCompare:
		return true
	default:
		return false
	}
}

// Role returns the agent role that services this kind. Compare tasks are
// handled by the ranking role.
func (k Kind) Role() registry.Role {
	switch k {
	case KindGenerate:
		return registry.RoleGeneration
	case KindReflect:
		return registry.RoleReflection
	case KindRank, KindCompare:
		return registry.RoleRanking
	case KindEvolve:
		return registry.RoleEvolution
	case KindProximity:
		return registry.RoleProximity
	case KindMetaReview:
		return registry.RoleMetaReview
	default:
		return ""
	}
}

// State is the lifecycle state of a task.
// Transitions: pending -> assigned -> running -> completed | failed.
// A retried task returns from running to pending.
type State string

const (
	StatePending   State = "pending"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Payload carries the role-specific parameters of a task. Unused fields
// stay empty for other kinds.
type Payload struct {
	ResearchGoal  string `json:"research_goal,omitempty"`
	Strategy      string `json:"strategy,omitempty"`       // generate
	ReviewType    string `json:"review_type,omitempty"`    // reflect
	EvolutionType string `json:"evolution_type,omitempty"` // evolve
	Guidance      string `json:"guidance,omitempty"`       // evolve: feedback to fold in
	Criteria      string `json:"criteria,omitempty"`       // rank
}

// Task is a unit of work. The scheduler exclusively owns Task entities;
// everything else references them by id.
type Task struct {
	ID        string   `json:"id"`
	Kind      Kind     `json:"kind"`
	TargetIDs []string `json:"target_ids,omitempty"`
	Payload   Payload  `json:"payload"`
	// Captured holds the target hypotheses' content as of submission.
	// Execution reads this snapshot, so a target retired after submission
	// still runs against its last known content.
	Captured []hypothesis.Content `json:"captured,omitempty"`

	State    State  `json:"state"`
	AgentID  string `json:"agent_id,omitempty"`
	Attempts int    `json:"attempts"`
	Output   string `json:"output,omitempty"` // analysis text for rank/proximity/meta_review
	Error    string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	NotBefore   time.Time `json:"not_before,omitempty"` // backoff re-eligibility
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// New creates a pending task.
func New(kind Kind, targets []string, p Payload) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		TargetIDs: targets,
		Payload:   p,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a copy safe to hand outside the scheduler.
func (t *Task) Clone() *Task {
	out := *t
	if t.TargetIDs != nil {
		out.TargetIDs = append([]string(nil), t.TargetIDs...)
	}
	if t.Captured != nil {
		out.Captured = append([]hypothesis.Content(nil), t.Captured...)
	}
	return &out
}
