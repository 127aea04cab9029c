// Package registry tracks the pool of worker agents, their lifecycle state
// and cumulative statistics. It is the single source of truth for what each
// agent has done.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAgentNotFound is returned for references to unknown agents.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrConcurrencyViolation indicates an agent was marked busy twice.
	// This is a scheduler bug and is never silently ignored.
	ErrConcurrencyViolation = errors.New("concurrency violation: agent already busy")
)

// Role is the category of work an agent performs.
type Role string

const (
	RoleGeneration Role = "generate"
	RoleReflection Role = "reflect"
	RoleRanking    Role = "rank"
	RoleEvolution  Role = "evolve"
	RoleProximity  Role = "analyze_proximity"
	RoleMetaReview Role = "meta_review"
)

// Roles lists every known role in a fixed order.
func Roles() []Role {
	return []Role{RoleGeneration, RoleReflection, RoleRanking, RoleEvolution, RoleProximity, RoleMetaReview}
}

// Valid reports whether the role is a known value.
func (r Role) Valid() bool {
	switch r {
	case RoleGeneration, RoleReflection, RoleRanking, RoleEvolution, RoleProximity, RoleMetaReview:
		return true
	default:
		return false
	}
}

// State is the lifecycle state of an agent.
type State string

const (
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateDisabled State = "disabled"
)

// Stats holds cumulative per-agent counters. Role-specific counters stay
// zero for agents of other roles.
type Stats struct {
	TasksCompleted       int `json:"tasks_completed"`
	TasksFailed          int `json:"tasks_failed"`
	HypothesesGenerated  int `json:"hypotheses_generated,omitempty"`
	ReviewsCompleted     int `json:"reviews_completed,omitempty"`
	RankingsCompleted    int `json:"rankings_completed,omitempty"`
	EvolutionsCompleted  int `json:"evolutions_completed,omitempty"`
	AnalysesCompleted    int `json:"analyses_completed,omitempty"`
	MetaReviewsCompleted int `json:"meta_reviews_completed,omitempty"`
	CallsMade            int `json:"calls_made"`
	TokensIn             int `json:"tokens_in"`
	TokensOut            int `json:"tokens_out"`
}

// Add merges a delta into the stats.
func (s *Stats) Add(d Stats) {
	s.TasksCompleted += d.TasksCompleted
	s.TasksFailed += d.TasksFailed
	s.HypothesesGenerated += d.HypothesesGenerated
	s.ReviewsCompleted += d.ReviewsCompleted
	s.RankingsCompleted += d.RankingsCompleted
	s.EvolutionsCompleted += d.EvolutionsCompleted
	s.AnalysesCompleted += d.AnalysesCompleted
	s.MetaReviewsCompleted += d.MetaReviewsCompleted
	s.CallsMade += d.CallsMade
	s.TokensIn += d.TokensIn
	s.TokensOut += d.TokensOut
}

// Agent is one worker in the pool. Agents are created at pool
// initialization and never destroyed during a session.
type Agent struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	State        State     `json:"state"`
	Stats        Stats     `json:"stats"`
	CurrentTask  string    `json:"current_task,omitempty"`
	Failures     int       `json:"failures,omitempty"` // consecutive failures
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Registry owns every Agent entity. Cross-references are by id only.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	byRole map[Role][]string
	counts map[Role]int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		byRole: make(map[Role][]string),
		counts: make(map[Role]int),
	}
}

// Register creates a new idle agent for the role and returns its id.
// Agent ids follow the <role>-<n> convention.
func (r *Registry) Register(role Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.counts[role]
	r.counts[role] = n + 1
	now := time.Now().UTC()
	a := &Agent{
		ID:           fmt.Sprintf("%s-%d", role, n),
		Role:         role,
		State:        StateIdle,
		LastActivity: now,
		CreatedAt:    now,
	}
	r.agents[a.ID] = a
	r.byRole[role] = append(r.byRole[role], a.ID)
	slog.Debug("Agent registered", "agent", a.ID, "role", role)
	return a.ID, nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	cp := *a
	return &cp, nil
}

// AcquireIdle claims the first idle agent of the role, marking it busy for
// the task. Returns empty when no agent of the role is available.
func (r *Registry) AcquireIdle(role Role, taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byRole[role] {
		a := r.agents[id]
		if a.State == StateIdle {
			a.State = StateBusy
			a.CurrentTask = taskID
			a.LastActivity = time.Now().UTC()
			return id, true
		}
	}
	return "", false
}

// MarkBusy transitions an idle agent to busy for the task. An agent that is
// already busy is a concurrency violation.
func (r *Registry) MarkBusy(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if a.State == StateBusy {
		return fmt.Errorf("%w: %s (task %s)", ErrConcurrencyViolation, id, a.CurrentTask)
	}
	if a.State == StateDisabled {
		return fmt.Errorf("agent %s is disabled", id)
	}
	a.State = StateBusy
	a.CurrentTask = taskID
	a.LastActivity = time.Now().UTC()
	return nil
}

// MarkIdle returns a busy agent to the idle state and merges the outcome
// stats delta. succeeded resets or advances the consecutive-failure count.
func (r *Registry) MarkIdle(id string, delta Stats, succeeded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Stats.Add(delta)
	a.CurrentTask = ""
	a.LastActivity = time.Now().UTC()
	if succeeded {
		a.Failures = 0
	} else {
		a.Failures++
	}
	if a.State != StateDisabled {
		a.State = StateIdle
	}
	return nil
}

// Disable takes an agent out of rotation after repeated failure.
func (r *Registry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.State = StateDisabled
	a.CurrentTask = ""
	slog.Warn("Agent disabled after repeated failure", "agent", id, "failures", a.Failures)
	return nil
}

// Failures returns the consecutive-failure count for an agent.
func (r *Registry) Failures(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[id]; ok {
		return a.Failures
	}
	return 0
}

// CountByRole returns the number of non-disabled agents per role.
func (r *Registry) CountByRole() map[Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Role]int)
	for role, ids := range r.byRole {
		for _, id := range ids {
			if r.agents[id].State != StateDisabled {
				out[role]++
			}
		}
	}
	return out
}

// Snapshot returns copies of every agent, sorted by id for deterministic
// persistence.
func (r *Registry) Snapshot() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the registry contents with a previously snapshotted set.
// Busy agents are restored as idle: in-flight work does not survive a
// process restart.
func (r *Registry) Restore(list []*Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*Agent, len(list))
	r.byRole = make(map[Role][]string)
	r.counts = make(map[Role]int)
	sorted := make([]*Agent, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, a := range sorted {
		cp := *a
		if cp.State == StateBusy {
			cp.State = StateIdle
			cp.CurrentTask = ""
		}
		r.agents[cp.ID] = &cp
		r.byRole[cp.Role] = append(r.byRole[cp.Role], cp.ID)
		r.counts[cp.Role]++
	}
}
