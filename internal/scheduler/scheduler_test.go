package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hypatia-ai/hypatia/internal/capability"
	"github.com/hypatia-ai/hypatia/internal/config"
	"github.com/hypatia-ai/hypatia/internal/elo"
	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/registry"
	"github.com/hypatia-ai/hypatia/internal/task"
)

// capFunc adapts a plain function to the Capability interface for tests.
type capFunc func(ctx context.Context, req capability.Request) (*capability.Result, error)

func (f capFunc) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	return f(ctx, req)
}

func testCfg() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickInterval:      2 * time.Millisecond,
		MaxConcPerRole:    4,
		CapabilityTimeout: 200 * time.Millisecond,
		RetryCeiling:      2,
		BackoffBase:       time.Millisecond,
		BackoffCap:        5 * time.Millisecond,
	}
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Drain(context.Background(), time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func seedHypothesis(t *testing.T, store *hypothesis.Store, title string) string {
	t.Helper()
	id, err := store.Create(hypothesis.Content{Title: title, Text: "body of " + title}, hypothesis.Provenance{AgentID: "seed"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestSubmitRejectsMalformedTasks(t *testing.T) {
	store := hypothesis.NewStore(elo.DefaultConfig())
	s := New(testCfg(), store, registry.New(), capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{}, nil
	}), nil)

	if _, err := s.Submit(task.New("daydream", nil, task.Payload{})); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("unknown kind: got %v, want ErrInvalidTask", err)
	}
	id := seedHypothesis(t, store, "alpha")
	if _, err := s.Submit(task.New(task.KindCompare, []string{id}, task.Payload{})); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("compare with one target: got %v, want ErrInvalidTask", err)
	}
	if _, err := s.Submit(task.New(task.KindReflect, []string{"nope"}, task.Payload{})); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("missing target: got %v, want ErrInvalidTask", err)
	}
	if err := store.Retire(id); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if _, err := s.Submit(task.New(task.KindReflect, []string{id}, task.Payload{})); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("retired target: got %v, want ErrInvalidTask", err)
	}
}

func TestTasksWaitForAnIdleAgent(t *testing.T) {
	store := hypothesis.NewStore(elo.DefaultConfig())
	reg := registry.New()
	var running, peak int64
	release := make(chan struct{})
	cap := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		n := atomic.AddInt64(&running, 1)
		defer atomic.AddInt64(&running, -1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		<-release
		return &capability.Result{Hypothesis: &hypothesis.Content{Title: "h", Text: "t"}}, nil
	})
	s := New(testCfg(), store, reg, cap, nil)
	startScheduler(t, s)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.Submit(task.New(task.KindGenerate, nil, task.Payload{ResearchGoal: "g"}))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	// No agents registered yet: nothing may leave pending.
	time.Sleep(30 * time.Millisecond)
	for _, id := range ids {
		got, err := s.Task(id)
		if err != nil {
			t.Fatalf("Task: %v", err)
		}
		if got.State != task.StatePending {
			t.Fatalf("task %s state = %q before any agent exists", id, got.State)
		}
	}

	if _, err := reg.Register(registry.RoleGeneration); err != nil {
		t.Fatalf("Register: %v", err)
	}
	close(release)
	drain(t, s)

	if p := atomic.LoadInt64(&peak); p != 1 {
		t.Errorf("peak concurrency = %d, want 1 (single agent)", p)
	}
	for _, id := range ids {
		got, _ := s.Task(id)
		if got.State != task.StateCompleted {
			t.Errorf("task %s state = %q, want completed", id, got.State)
		}
	}
	if store.Len() != 3 {
		t.Errorf("store has %d hypotheses, want 3", store.Len())
	}
}

func TestGenerateRecordsProvenanceAndStats(t *testing.T) {
	store := hypothesis.NewStore(elo.DefaultConfig())
	reg := registry.New()
	agentID, err := reg.Register(registry.RoleGeneration)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	cap := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{
			Hypothesis: &hypothesis.Content{Title: "ion channels", Text: "..."},
			Usage:      capability.Usage{TokensIn: 10, TokensOut: 20},
		}, nil
	})
	s := New(testCfg(), store, reg, cap, nil)
	startScheduler(t, s)

	taskID, err := s.Submit(task.New(task.KindGenerate, nil, task.Payload{
		ResearchGoal: "ALS mechanisms",
		Strategy:     "literature_exploration",
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(t, s)

	done, _ := s.Task(taskID)
	if done.State != task.StateCompleted {
		t.Fatalf("state = %q, want completed", done.State)
	}
	h, err := store.Get(done.Output)
	if err != nil {
		t.Fatalf("Get(%q): %v", done.Output, err)
	}
	if h.Provenance.AgentID != agentID {
		t.Errorf("provenance agent = %q, want %q", h.Provenance.AgentID, agentID)
	}
	if h.Provenance.Strategy != "literature_exploration" {
		t.Errorf("provenance strategy = %q", h.Provenance.Strategy)
	}
	ag, _ := reg.Get(agentID)
	if ag.Stats.HypothesesGenerated != 1 || ag.Stats.TokensIn != 10 || ag.Stats.TokensOut != 20 {
		t.Errorf("stats = %+v", ag.Stats)
	}
	if ag.State != registry.StateIdle {
		t.Errorf("agent state = %q, want idle", ag.State)
	}
}

func TestCompareAppliesEloUpdate(t *testing.T) {
	store := hypothesis.NewStore(elo.DefaultConfig())
	reg := registry.New()
	if _, err := reg.Register(registry.RoleRanking); err != nil {
		t.Fatalf("Register: %v", err)
	}
	a := seedHypothesis(t, store, "alpha")
	b := seedHypothesis(t, store, "beta")

	cap := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if len(req.Targets) != 2 {
			return nil, fmt.Errorf("expected two captured targets, got %d", len(req.Targets))
		}
		return &capability.Result{Decision: capability.DecisionA}, nil
	})
	s := New(testCfg(), store, reg, cap, nil)
	startScheduler(t, s)

	if _, err := s.Submit(task.New(task.KindCompare, []string{a, b}, task.Payload{})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(t, s)

	ha, _ := store.Get(a)
	hb, _ := store.Get(b)
	if ha.Record.Rating != 1516 || hb.Record.Rating != 1484 {
		t.Errorf("ratings = %.0f / %.0f, want 1516 / 1484", ha.Record.Rating, hb.Record.Rating)
	}
	if ha.Record.Wins != 1 || hb.Record.Losses != 1 {
		t.Errorf("records = %+v / %+v", ha.Record, hb.Record)
	}
}

func TestTimeoutRetriedUpToCeilingThenFailed(t *testing.T) {
	cfg := testCfg()
	cfg.CapabilityTimeout = 10 * time.Millisecond
	cfg.RetryCeiling = 2

	store := hypothesis.NewStore(elo.DefaultConfig())
	reg := registry.New()
	if _, err := reg.Register(registry.RoleRanking); err != nil {
		t.Fatalf("Register: %v", err)
	}
	a := seedHypothesis(t, store, "alpha")
	b := seedHypothesis(t, store, "beta")

	var calls int64
	cap := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		atomic.AddInt64(&calls, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := New(cfg, store, reg, cap, nil)
	startScheduler(t, s)

	taskID, err := s.Submit(task.New(task.KindCompare, []string{a, b}, task.Payload{}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(t, s)

	done, _ := s.Task(taskID)
	if done.State != task.StateFailed {
		t.Fatalf("state = %q, want failed", done.State)
	}
	// Initial attempt plus RetryCeiling retries.
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Errorf("capability invoked %d times, want 3", got)
	}
	fails := s.Failures()
	if len(fails) != 1 || fails[0].TaskID != taskID || fails[0].Attempts != 3 {
		t.Errorf("failures = %+v", fails)
	}
	ha, _ := store.Get(a)
	hb, _ := store.Get(b)
	if ha.Record.Rating != elo.Seed || hb.Record.Rating != elo.Seed {
		t.Errorf("ratings changed on failed compare: %.0f / %.0f", ha.Record.Rating, hb.Record.Rating)
	}
	if ha.Record.Matches != 0 || hb.Record.Matches != 0 {
		t.Errorf("match counters advanced on failed compare")
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	store := hypothesis.NewStore(elo.DefaultConfig())
	reg := registry.New()
	if _, err := reg.Register(registry.RoleGeneration); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var calls int64
	cap := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return nil, errors.New("transient upstream error")
		}
		return &capability.Result{Hypothesis: &hypothesis.Content{Title: "h", Text: "t"}}, nil
	})
	s := New(testCfg(), store, reg, cap, nil)
	startScheduler(t, s)

	taskID, err := s.Submit(task.New(task.KindGenerate, nil, task.Payload{}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(t, s)

	done, _ := s.Task(taskID)
	if done.State != task.StateCompleted {
		t.Fatalf("state = %q, want completed", done.State)
	}
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 failed attempt before success", done.Attempts)
	}
	if len(s.Failures()) != 0 {
		t.Errorf("transient failure reported as permanent: %+v", s.Failures())
	}
}

func TestRetireAfterSubmissionDoesNotFailTask(t *testing.T) {
	store := hypothesis.NewStore(elo.DefaultConfig())
	reg := registry.New()
	if _, err := reg.Register(registry.RoleReflection); err != nil {
		t.Fatalf("Register: %v", err)
	}
	id := seedHypothesis(t, store, "alpha")

	started := make(chan struct{})
	release := make(chan struct{})
	cap := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		close(started)
		<-release
		return &capability.Result{Review: "looks plausible"}, nil
	})
	s := New(testCfg(), store, reg, cap, nil)
	startScheduler(t, s)

	taskID, err := s.Submit(task.New(task.KindReflect, []string{id}, task.Payload{ReviewType: "initial_review"}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if err := store.Retire(id); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	close(release)
	drain(t, s)

	done, _ := s.Task(taskID)
	if done.State != task.StateCompleted {
		t.Errorf("state = %q, want completed (result dropped, not failed)", done.State)
	}
	h, err := store.Peek(id)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(h.Feedback) != 0 {
		t.Errorf("retired hypothesis gained feedback: %+v", h.Feedback)
	}
}

func TestAgentDisabledAfterFailureLimit(t *testing.T) {
	cfg := testCfg()
	cfg.RetryCeiling = 0
	cfg.AgentFailureLimit = 2

	store := hypothesis.NewStore(elo.DefaultConfig())
	reg := registry.New()
	agentID, err := reg.Register(registry.RoleGeneration)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	cap := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return nil, errors.New("model unavailable")
	})
	s := New(cfg, store, reg, cap, nil)
	startScheduler(t, s)

	for i := 0; i < 3; i++ {
		if _, err := s.Submit(task.New(task.KindGenerate, nil, task.Payload{})); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Failures()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the loop a few ticks to prove it will not dispatch the third task.
	time.Sleep(30 * time.Millisecond)

	ag, _ := reg.Get(agentID)
	if ag.State != registry.StateDisabled {
		t.Fatalf("agent state = %q, want disabled after %d failures", ag.State, cfg.AgentFailureLimit)
	}
	if got := len(s.Failures()); got != 2 {
		t.Errorf("permanent failures = %d, want 2", got)
	}
	if got := s.Outstanding(); got != 1 {
		t.Errorf("outstanding = %d, want 1 task stranded without agents", got)
	}
}

func TestDrainDeadline(t *testing.T) {
	cfg := testCfg()
	cfg.CapabilityTimeout = 5 * time.Second

	store := hypothesis.NewStore(elo.DefaultConfig())
	reg := registry.New()
	if _, err := reg.Register(registry.RoleGeneration); err != nil {
		t.Fatalf("Register: %v", err)
	}
	release := make(chan struct{})
	defer close(release)
	cap := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &capability.Result{Hypothesis: &hypothesis.Content{Title: "h", Text: "t"}}, nil
	})
	s := New(cfg, store, reg, cap, nil)
	startScheduler(t, s)

	if _, err := s.Submit(task.New(task.KindGenerate, nil, task.Payload{})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := s.Drain(context.Background(), time.Now().Add(50*time.Millisecond))
	if !errors.Is(err, ErrDrainDeadline) {
		t.Fatalf("Drain = %v, want ErrDrainDeadline", err)
	}
}

func TestUnresolvedOrderedForRestore(t *testing.T) {
	store := hypothesis.NewStore(elo.DefaultConfig())
	s := New(testCfg(), store, registry.New(), capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{}, nil
	}), nil)

	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 4; i++ {
		tk := task.New(task.KindGenerate, nil, task.Payload{})
		tk.CreatedAt = base.Add(time.Duration(i) * time.Second)
		id, err := s.Submit(tk)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	got := s.Unresolved()
	if len(got) != 4 {
		t.Fatalf("unresolved = %d, want 4", len(got))
	}
	for i, tk := range got {
		if tk.ID != ids[i] {
			t.Errorf("position %d: got %s, want %s", i, tk.ID, ids[i])
		}
	}

	// A fresh scheduler restores them as pending with no assigned agent.
	s2 := New(testCfg(), store, registry.New(), capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{}, nil
	}), nil)
	s2.Restore(got)
	for _, id := range ids {
		tk, err := s2.Task(id)
		if err != nil {
			t.Fatalf("Task after restore: %v", err)
		}
		if tk.State != task.StatePending || tk.AgentID != "" {
			t.Errorf("restored task %s: state=%q agent=%q", id, tk.State, tk.AgentID)
		}
	}
}
