// Package scheduler decouples task submission from execution. It fans work
// out to a bounded pool of agents per role, invokes the abstract capability
// with a deadline, and applies results back to the hypothesis store and the
// agent registry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hypatia-ai/hypatia/internal/bus"
	"github.com/hypatia-ai/hypatia/internal/capability"
	"github.com/hypatia-ai/hypatia/internal/config"
	"github.com/hypatia-ai/hypatia/internal/elo"
	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/registry"
	"github.com/hypatia-ai/hypatia/internal/task"
)

var (
	// ErrInvalidTask is returned for malformed submissions. Fatal to that
	// submission only.
	ErrInvalidTask = errors.New("invalid task")
	// ErrTaskNotFound is returned for references to unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDrainDeadline is returned when Drain gives up before all work
	// reached a terminal state.
	ErrDrainDeadline = errors.New("drain deadline exceeded")
)

// Failure summarizes one permanently failed task for session-end reporting.
type Failure struct {
	TaskID   string    `json:"task_id"`
	Kind     task.Kind `json:"kind"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
}

// Scheduler owns every Task entity. One scheduler serves one session.
type Scheduler struct {
	cfg   config.SchedulerConfig
	store *hypothesis.Store
	reg   *registry.Registry
	cap   capability.Capability
	bus   *bus.Bus

	mu       sync.Mutex
	tasks    map[string]*task.Task
	queues   map[registry.Role][]string
	sems     map[registry.Role]*Semaphore
	failures []Failure
	inflight sync.WaitGroup
}

// New creates a scheduler bound to the given store, registry and capability.
func New(cfg config.SchedulerConfig, store *hypothesis.Store, reg *registry.Registry, cap capability.Capability, b *bus.Bus) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.MaxConcPerRole <= 0 {
		cfg.MaxConcPerRole = 4
	}
	if cfg.RetryCeiling < 0 {
		cfg.RetryCeiling = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Minute
	}
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		reg:    reg,
		cap:    cap,
		bus:    b,
		tasks:  make(map[string]*task.Task),
		queues: make(map[registry.Role][]string),
		sems:   make(map[registry.Role]*Semaphore),
	}
	for _, role := range registry.Roles() {
		s.sems[role] = NewSemaphore(cfg.MaxConcPerRole)
	}
	return s
}

// Submit validates and enqueues a task, returning its id. Target
// hypotheses must exist and not be retired at submission time; their
// content is captured so later retirement does not cancel the work.
func (s *Scheduler) Submit(t *task.Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	if !t.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, t.Kind)
	}
	if t.Kind == task.KindCompare && len(t.TargetIDs) != 2 {
		return "", fmt.Errorf("%w: compare needs exactly two targets, got %d", ErrInvalidTask, len(t.TargetIDs))
	}
	captured := make([]hypothesis.Content, 0, len(t.TargetIDs))
	for _, id := range t.TargetIDs {
		h, err := s.store.Get(id)
		if err != nil {
			return "", fmt.Errorf("%w: target %s: %v", ErrInvalidTask, id, err)
		}
		captured = append(captured, h.Content)
	}
	t.Captured = captured
	t.State = task.StatePending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	role := t.Kind.Role()
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.queues[role] = append(s.queues[role], t.ID)
	s.mu.Unlock()

	s.publish(t, "")
	return t.ID, nil
}

// Run drives the scheduling loop until ctx is cancelled. Each tick matches
// idle agents to the oldest ready pending task of their role; the queues
// are independent per role so no role starves another.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch matches ready tasks to idle agents, FIFO per role.
func (s *Scheduler) dispatch(ctx context.Context) {
	now := time.Now().UTC()
	for _, role := range registry.Roles() {
		for {
			t, agentID, ok := s.claim(role, now)
			if !ok {
				break
			}
			s.inflight.Add(1)
			go s.execute(ctx, t, agentID, s.sems[role])
		}
	}
}

// claim pops the oldest ready pending task of the role and pairs it with an
// idle agent and a concurrency slot. All three or nothing.
func (s *Scheduler) claim(role registry.Role, now time.Time) (*task.Task, string, bool) {
	sem := s.sems[role]
	if !sem.TryAcquire() {
		return nil, "", false
	}

	s.mu.Lock()
	q := s.queues[role]
	idx := -1
	for i, id := range q {
		t := s.tasks[id]
		if t.NotBefore.IsZero() || !t.NotBefore.After(now) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		sem.Release()
		return nil, "", false
	}
	t := s.tasks[q[idx]]
	agentID, ok := s.reg.AcquireIdle(role, t.ID)
	if !ok {
		s.mu.Unlock()
		sem.Release()
		return nil, "", false
	}
	s.queues[role] = append(q[:idx:idx], q[idx+1:]...)
	t.State = task.StateAssigned
	t.AgentID = agentID
	s.mu.Unlock()

	s.publish(t, agentID)
	return t, agentID, true
}

// execute runs one capability invocation for a claimed task and applies the
// outcome. The agent always returns to idle; the task either completes,
// re-enters the queue with backoff, or fails permanently.
func (s *Scheduler) execute(ctx context.Context, t *task.Task, agentID string, sem *Semaphore) {
	defer s.inflight.Done()
	defer sem.Release()

	s.transition(t, task.StateRunning, agentID)

	timeout := s.cfg.CapabilityTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := capability.Request{
		Role:    t.Kind.Role(),
		Kind:    t.Kind,
		Payload: t.Payload,
		Targets: t.Captured,
	}
	res, err := s.cap.Invoke(cctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", capability.ErrTimeout, err)
	}
	if err == nil {
		err = s.apply(t, agentID, res)
		if err != nil && errors.Is(err, hypothesis.ErrNotFound) {
			// A target retired while the task was in flight. The work ran
			// against the captured content; the result is dropped, not
			// treated as a failure.
			slog.Info("Task result dropped, target retired", "task", t.ID, "kind", t.Kind)
			err = nil
		}
	}

	if err != nil {
		s.handleFailure(t, agentID, err)
		return
	}

	s.mu.Lock()
	t.State = task.StateCompleted
	t.CompletedAt = time.Now().UTC()
	t.Error = ""
	s.mu.Unlock()

	delta := statsDelta(t.Kind)
	delta.CallsMade = 1
	if res != nil {
		delta.TokensIn = res.Usage.TokensIn
		delta.TokensOut = res.Usage.TokensOut
	}
	if err := s.reg.MarkIdle(agentID, delta, true); err != nil {
		slog.Error("MarkIdle failed", "agent", agentID, "error", err)
	}
	s.publish(t, agentID)
}

// handleFailure increments the attempt count and either requeues the task
// with exponential backoff or fails it permanently. Failures are reported,
// never silently dropped, and never abort the scheduling loop.
func (s *Scheduler) handleFailure(t *task.Task, agentID string, cause error) {
	s.mu.Lock()
	t.Attempts++
	attempts := t.Attempts
	retry := attempts-1 < s.cfg.RetryCeiling
	if retry {
		t.State = task.StatePending
		t.AgentID = ""
		t.NotBefore = time.Now().UTC().Add(s.backoff(attempts))
		t.Error = cause.Error()
		s.queues[t.Kind.Role()] = append(s.queues[t.Kind.Role()], t.ID)
	} else {
		t.State = task.StateFailed
		t.CompletedAt = time.Now().UTC()
		t.Error = cause.Error()
		s.failures = append(s.failures, Failure{
			TaskID:   t.ID,
			Kind:     t.Kind,
			Attempts: attempts,
			Reason:   cause.Error(),
		})
	}
	s.mu.Unlock()

	delta := registry.Stats{CallsMade: 1}
	if !retry {
		delta.TasksFailed = 1
	}
	if err := s.reg.MarkIdle(agentID, delta, false); err != nil {
		slog.Error("MarkIdle failed", "agent", agentID, "error", err)
	}
	if s.cfg.AgentFailureLimit > 0 && s.reg.Failures(agentID) >= s.cfg.AgentFailureLimit {
		if err := s.reg.Disable(agentID); err != nil {
			slog.Error("Disable failed", "agent", agentID, "error", err)
		}
	}

	if retry {
		slog.Warn("Task attempt failed, retrying",
			"task", t.ID, "kind", t.Kind, "attempt", attempts, "error", cause)
	} else {
		slog.Warn("Task failed permanently",
			"task", t.ID, "kind", t.Kind, "attempts", attempts, "error", cause)
	}
	s.publish(t, agentID)
}

// backoff returns the delay before the given attempt may run again:
// base doubled per prior attempt, capped.
func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.BackoffBase
	if attempts > 1 {
		d = s.cfg.BackoffBase << (attempts - 1)
	}
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	return d
}

// apply folds a successful capability result into the hypothesis store.
// A failed apply leaves no partial update: every store operation here is
// atomic per entity.
func (s *Scheduler) apply(t *task.Task, agentID string, res *capability.Result) error {
	if res == nil {
		return fmt.Errorf("capability returned no result")
	}
	switch t.Kind {
	case task.KindGenerate:
		if res.Hypothesis == nil {
			return fmt.Errorf("generate returned no hypothesis")
		}
		id, err := s.store.Create(*res.Hypothesis, hypothesis.Provenance{
			AgentID:      agentID,
			Role:         string(t.Kind.Role()),
			Strategy:     t.Payload.Strategy,
			ResearchGoal: t.Payload.ResearchGoal,
		})
		if err != nil {
			return fmt.Errorf("create hypothesis: %w", err)
		}
		s.setOutput(t, id)
	case task.KindReflect:
		if len(t.TargetIDs) == 0 {
			return fmt.Errorf("reflect task has no target")
		}
		if err := s.store.AppendFeedback(t.TargetIDs[0], res.Review, agentID); err != nil {
			return fmt.Errorf("append feedback: %w", err)
		}
	case task.KindEvolve:
		if res.Hypothesis == nil {
			return fmt.Errorf("evolve returned no hypothesis")
		}
		// Combination and out-of-box evolution produce a new hypothesis
		// instead of a new version of an existing one.
		if t.Payload.EvolutionType == "combine" || len(t.TargetIDs) == 0 {
			id, err := s.store.Create(*res.Hypothesis, hypothesis.Provenance{
				AgentID:  agentID,
				Role:     string(t.Kind.Role()),
				Strategy: t.Payload.EvolutionType,
			})
			if err != nil {
				return fmt.Errorf("create combined hypothesis: %w", err)
			}
			s.setOutput(t, id)
			return nil
		}
		if err := s.store.AppendVersion(t.TargetIDs[0], *res.Hypothesis, t.ID, agentID); err != nil {
			return fmt.Errorf("append version: %w", err)
		}
	case task.KindCompare:
		out, err := decisionOutcome(res.Decision)
		if err != nil {
			return err
		}
		if err := s.store.RecordMatch(t.TargetIDs[0], t.TargetIDs[1], out); err != nil {
			return fmt.Errorf("record match: %w", err)
		}
	case task.KindRank, task.KindProximity, task.KindMetaReview:
		s.setOutput(t, res.Analysis)
	}
	return nil
}

func (s *Scheduler) setOutput(t *task.Task, out string) {
	s.mu.Lock()
	t.Output = out
	s.mu.Unlock()
}

func decisionOutcome(d capability.Decision) (elo.Outcome, error) {
	switch d {
	case capability.DecisionA:
		return elo.WinA, nil
	case capability.DecisionB:
		return elo.WinB, nil
	case capability.DecisionDraw:
		return elo.Draw, nil
	default:
		return elo.Draw, fmt.Errorf("unknown comparison decision %q", d)
	}
}

// transition moves a task to the given state and publishes the event.
func (s *Scheduler) transition(t *task.Task, st task.State, agentID string) {
	s.mu.Lock()
	t.State = st
	s.mu.Unlock()
	s.publish(t, agentID)
}

func (s *Scheduler) publish(t *task.Task, agentID string) {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	evt := bus.TaskEvent{
		TaskID:  t.ID,
		Kind:    string(t.Kind),
		State:   string(t.State),
		AgentID: agentID,
		Attempt: t.Attempts,
		Error:   t.Error,
	}
	s.mu.Unlock()
	s.bus.Publish(evt)
}

// Task returns a copy of the task.
func (s *Scheduler) Task(id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Unresolved returns copies of all tasks not yet in a terminal state,
// oldest first. Used for crash-recovery persistence.
func (s *Scheduler) Unresolved() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if !t.State.Terminal() {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out
}

// Failures returns the permanent failure report, oldest first.
func (s *Scheduler) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Failure, len(s.failures))
	copy(out, s.failures)
	return out
}

// Outstanding returns the number of tasks not in a terminal state.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.State.Terminal() {
			n++
		}
	}
	return n
}

// Drain waits for all submitted tasks to reach a terminal state, or for
// the deadline. In-flight capability calls finish or time out on their own
// schedule; Drain only cancels the waiting caller.
func (s *Scheduler) Drain(ctx context.Context, deadline time.Time) error {
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if s.Outstanding() == 0 {
			return nil
		}
		select {
		case <-dctx.Done():
			if errors.Is(dctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %d tasks outstanding", ErrDrainDeadline, s.Outstanding())
			}
			return dctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitTasks blocks until every listed task reaches a terminal state or the
// context is done.
func (s *Scheduler) WaitTasks(ctx context.Context, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error { return s.waitTask(gctx, id) })
	}
	return g.Wait()
}

func (s *Scheduler) waitTask(ctx context.Context, id string) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		t, err := s.Task(id)
		if err != nil {
			return err
		}
		if t.State.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Restore re-enqueues unresolved tasks from a loaded session document.
func (s *Scheduler) Restore(tasks []*task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		c := t.Clone()
		c.State = task.StatePending
		c.AgentID = ""
		s.tasks[c.ID] = c
		role := c.Kind.Role()
		s.queues[role] = append(s.queues[role], c.ID)
	}
}

func sortTasks(list []*task.Task) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// statsDelta maps a completed task kind to the role-specific counter it
// advances.
func statsDelta(k task.Kind) registry.Stats {
	d := registry.Stats{TasksCompleted: 1}
	switch k {
	case task.KindGenerate:
		d.HypothesesGenerated = 1
	case task.KindReflect:
		d.ReviewsCompleted = 1
	case task.KindRank, task.KindCompare:
		d.RankingsCompleted = 1
	case task.KindEvolve:
		d.EvolutionsCompleted = 1
	case task.KindProximity:
		d.AnalysesCompleted = 1
	case task.KindMetaReview:
		d.MetaReviewsCompleted = 1
	}
	return d
}
