package tournament

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hypatia-ai/hypatia/internal/capability"
	"github.com/hypatia-ai/hypatia/internal/config"
	"github.com/hypatia-ai/hypatia/internal/elo"
	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/registry"
	"github.com/hypatia-ai/hypatia/internal/scheduler"
)

type capFunc func(ctx context.Context, req capability.Request) (*capability.Result, error)

func (f capFunc) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	return f(ctx, req)
}

func testSchedCfg() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickInterval:      2 * time.Millisecond,
		MaxConcPerRole:    4,
		CapabilityTimeout: 200 * time.Millisecond,
		RetryCeiling:      0,
		BackoffBase:       time.Millisecond,
		BackoffCap:        5 * time.Millisecond,
	}
}

// harness wires a store, a ranking pool and a scheduler around the given
// comparison capability.
func harness(t *testing.T, n int, fn capFunc) (*hypothesis.Store, *scheduler.Scheduler, []string) {
	t.Helper()
	store := hypothesis.NewStore(elo.DefaultConfig())
	reg := registry.New()
	for i := 0; i < 2; i++ {
		if _, err := reg.Register(registry.RoleRanking); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	sched := scheduler.New(testSchedCfg(), store, reg, fn, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := store.Create(hypothesis.Content{
			Title: string(rune('a' + i)),
			Text:  "candidate " + string(rune('a'+i)),
		}, hypothesis.Provenance{AgentID: "seed"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}
	return store, sched, ids
}

func TestRunStopsWithinBudget(t *testing.T) {
	var calls int64
	fn := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		atomic.AddInt64(&calls, 1)
		return &capability.Result{Decision: capability.DecisionA}, nil
	})
	store, sched, _ := harness(t, 10, fn)

	cfg := config.TournamentConfig{
		MatchBudget:    20,
		PairsPerRound:  4,
		CooldownRounds: 2,
		RoundTimeout:   5 * time.Second,
	}
	e := New(cfg, store, sched)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := atomic.LoadInt64(&calls); got > 20 {
		t.Errorf("capability invoked %d times, budget is 20", got)
	}
	if e.Remaining() < 0 {
		t.Errorf("budget overspent: remaining = %d", e.Remaining())
	}
	if e.Played() == 0 {
		t.Errorf("no matches played")
	}
	total := 0
	for _, h := range store.ListActive() {
		total += h.Record.Matches
	}
	// Each completed comparison counts one match on each side.
	if total != 2*e.Played() {
		t.Errorf("match count total = %d, want %d", total, 2*e.Played())
	}
}

func TestSpreadPrefersFewestMatches(t *testing.T) {
	fn := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{Decision: capability.DecisionDraw}, nil
	})
	store, sched, _ := harness(t, 6, fn)

	cfg := config.TournamentConfig{
		MatchBudget:    3,
		PairsPerRound:  3,
		CooldownRounds: 1,
		RoundTimeout:   5 * time.Second,
	}
	e := New(cfg, store, sched)
	if _, err := e.RunRound(context.Background()); err != nil {
		t.Fatalf("RunRound: %v", err)
	}

	// One round of three pairs over six candidates: everyone plays exactly
	// once before anyone plays twice.
	for _, h := range store.ListActive() {
		if h.Record.Matches != 1 {
			t.Errorf("hypothesis %s played %d matches, want 1", h.ID, h.Record.Matches)
		}
	}
}

func TestCooldownBlocksImmediateRematch(t *testing.T) {
	fn := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{Decision: capability.DecisionDraw}, nil
	})
	store, sched, ids := harness(t, 2, fn)

	cfg := config.TournamentConfig{
		MatchBudget:    10,
		PairsPerRound:  1,
		CooldownRounds: 3,
		RoundTimeout:   5 * time.Second,
	}
	e := New(cfg, store, sched)
	if n, err := e.RunRound(context.Background()); err != nil || n != 1 {
		t.Fatalf("first round: n=%d err=%v", n, err)
	}
	// The only possible pair is cooling down; the next round selects nothing.
	if n, err := e.RunRound(context.Background()); err != nil || n != 0 {
		t.Fatalf("second round: n=%d err=%v, want an idle round", n, err)
	}
	h, _ := store.Get(ids[0])
	if h.Record.Matches != 1 {
		t.Errorf("matches = %d after cooldown round, want 1", h.Record.Matches)
	}
}

func TestRunTerminatesWhenOnlyPairCoolsDown(t *testing.T) {
	fn := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{Decision: capability.DecisionA}, nil
	})
	store, sched, _ := harness(t, 2, fn)

	cfg := config.TournamentConfig{
		MatchBudget:    50,
		PairsPerRound:  1,
		CooldownRounds: 5,
		RoundTimeout:   5 * time.Second,
	}
	e := New(cfg, store, sched)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not terminate with every pair in cooldown")
	}
	if e.Remaining() <= 0 {
		t.Errorf("expected leftover budget, remaining = %d", e.Remaining())
	}
}

func TestFailedComparisonsSpendBudgetButSkipRatings(t *testing.T) {
	fn := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return nil, errors.New("judge unavailable")
	})
	store, sched, ids := harness(t, 2, fn)

	cfg := config.TournamentConfig{
		MatchBudget:    4,
		PairsPerRound:  1,
		CooldownRounds: 0,
		RoundTimeout:   5 * time.Second,
	}
	e := New(cfg, store, sched)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if e.Remaining() != 0 {
		t.Errorf("remaining budget = %d, want 0", e.Remaining())
	}
	if e.Played() != 0 {
		t.Errorf("played = %d, want 0 when every comparison fails", e.Played())
	}
	for _, id := range ids {
		h, _ := store.Get(id)
		if h.Record.Rating != elo.Seed || h.Record.Matches != 0 {
			t.Errorf("hypothesis %s mutated by failed compares: %+v", id, h.Record)
		}
	}
}

func TestRunNeedsTwoActive(t *testing.T) {
	fn := capFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{Decision: capability.DecisionDraw}, nil
	})
	store, sched, _ := harness(t, 1, fn)

	e := New(config.TournamentConfig{MatchBudget: 5, PairsPerRound: 1, RoundTimeout: time.Second}, store, sched)
	if err := e.Run(context.Background()); !errors.Is(err, ErrNotEnough) {
		t.Fatalf("Run = %v, want ErrNotEnough", err)
	}
}

func TestRankingsDeterministicOrder(t *testing.T) {
	store := hypothesis.NewStore(elo.DefaultConfig())
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Create(hypothesis.Content{Title: "h", Text: "same rating"}, hypothesis.Provenance{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}

	got := Rankings(store)
	if len(got) != 3 {
		t.Fatalf("standings = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].ID >= got[i].ID {
			t.Errorf("equal ratings not ordered by id: %s before %s", got[i-1].ID, got[i].ID)
		}
	}
	if got[0].Rank != 1 || got[2].Rank != 3 {
		t.Errorf("ranks = %d..%d, want 1..3", got[0].Rank, got[2].Rank)
	}

	if err := store.RecordMatch(ids[2], ids[0], elo.WinA); err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}
	got = Rankings(store)
	if got[0].ID != ids[2] {
		t.Errorf("winner not ranked first: got %s", got[0].ID)
	}
	if got[0].Rating != 1516 {
		t.Errorf("winner rating = %.0f, want 1516", got[0].Rating)
	}
}
