// Package tournament ranks active hypotheses through a bounded series of
// pairwise comparisons, folding outcomes into Elo ratings.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hypatia-ai/hypatia/internal/config"
	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/scheduler"
	"github.com/hypatia-ai/hypatia/internal/task"
)

// ErrNotEnough is returned when fewer than two active hypotheses exist.
var ErrNotEnough = errors.New("tournament needs at least two active hypotheses")

// Standing is one row of the ranking projection.
type Standing struct {
	Rank    int     `json:"rank"`
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Rating  float64 `json:"rating"`
	Matches int     `json:"matches"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	Draws   int     `json:"draws"`
}

type pairKey struct{ a, b string }

func keyFor(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Engine drives the tournament. One engine serves one session; pair
// selection state (cool-down bookkeeping) lives here, ratings live in the
// hypothesis store.
type Engine struct {
	cfg   config.TournamentConfig
	store *hypothesis.Store
	sched *scheduler.Scheduler

	round      int
	budget     int
	played     int
	lastPaired map[pairKey]int
	topHistory [][]string
}

// New creates an engine with the full match budget available.
func New(cfg config.TournamentConfig, store *hypothesis.Store, sched *scheduler.Scheduler) *Engine {
	if cfg.PairsPerRound <= 0 {
		cfg.PairsPerRound = 4
	}
	if cfg.MatchBudget <= 0 {
		cfg.MatchBudget = 25
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 5 * time.Minute
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		sched:      sched,
		budget:     cfg.MatchBudget,
		lastPaired: make(map[pairKey]int),
	}
}

// Played returns the number of comparisons that completed and counted.
func (e *Engine) Played() int { return e.played }

// Remaining returns the unspent match budget.
func (e *Engine) Remaining() int { return e.budget }

// Run executes rounds until the match budget is exhausted, the top-N
// ordering has been stable for the configured number of rounds, or the
// context is done. Permanently failed comparisons update no ratings.
func (e *Engine) Run(ctx context.Context) error {
	idleRounds := 0
	for e.budget > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.RunRound(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			// Every remaining pair is inside the cool-down window. The
			// window ages by round, so give it a chance to clear before
			// giving up.
			idleRounds++
			if idleRounds > e.cfg.CooldownRounds {
				slog.Info("No eligible pairs left, stopping", "rounds", e.round, "played", e.played)
				return nil
			}
			continue
		}
		idleRounds = 0
		if e.stable() {
			slog.Info("Tournament ranking stable, stopping early",
				"rounds", e.round, "played", e.played, "budget_left", e.budget)
			return nil
		}
	}
	slog.Info("Tournament budget exhausted", "rounds", e.round, "played", e.played)
	return nil
}

// RunRound selects one batch of pairs, submits compare tasks and waits for
// them to reach a terminal state. Returns the number of pairs submitted.
func (e *Engine) RunRound(ctx context.Context) (int, error) {
	e.round++
	k := e.cfg.PairsPerRound
	if k > e.budget {
		k = e.budget
	}
	pairs, err := e.selectPairs(k)
	if err != nil {
		return 0, err
	}
	if len(pairs) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(pairs))
	for _, p := range pairs {
		t := task.New(task.KindCompare, []string{p.a, p.b}, task.Payload{})
		id, err := e.sched.Submit(t)
		if err != nil {
			// A pair member may have been retired since selection. Skip the
			// pair, not the round.
			slog.Warn("Compare submission rejected", "a", p.a, "b", p.b, "error", err)
			continue
		}
		ids = append(ids, id)
		e.lastPaired[p] = e.round
	}
	// Submitted pairs spend budget whether or not they complete, so a
	// persistently failing capability cannot run the engine forever.
	e.budget -= len(ids)

	wctx, cancel := context.WithTimeout(ctx, e.cfg.RoundTimeout)
	defer cancel()
	if err := e.sched.WaitTasks(wctx, ids); err != nil && !errors.Is(err, context.Canceled) {
		return len(ids), fmt.Errorf("wait for round %d: %w", e.round, err)
	}

	for _, id := range ids {
		t, err := e.sched.Task(id)
		if err == nil && t.State == task.StateCompleted {
			e.played++
		}
	}
	e.recordTop()
	return len(ids), nil
}

// selectPairs prefers hypotheses with the fewest matches played so
// comparisons spread across the population. A pair compared within the
// cool-down window is not immediately re-paired.
func (e *Engine) selectPairs(k int) ([]pairKey, error) {
	active := e.store.ListActive()
	if len(active) < 2 {
		return nil, ErrNotEnough
	}
	cands := make([]*hypothesis.Hypothesis, len(active))
	copy(cands, active)
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Record.Matches != b.Record.Matches {
			return a.Record.Matches < b.Record.Matches
		}
		if !a.Record.LastMatchAt.Equal(b.Record.LastMatchAt) {
			return a.Record.LastMatchAt.Before(b.Record.LastMatchAt)
		}
		return a.ID < b.ID
	})

	used := make(map[string]bool)
	var pairs []pairKey
	for i := 0; i < len(cands) && len(pairs) < k; i++ {
		if used[cands[i].ID] {
			continue
		}
		for j := i + 1; j < len(cands); j++ {
			if used[cands[j].ID] {
				continue
			}
			key := keyFor(cands[i].ID, cands[j].ID)
			if last, ok := e.lastPaired[key]; ok && e.round-last <= e.cfg.CooldownRounds {
				continue
			}
			used[cands[i].ID] = true
			used[cands[j].ID] = true
			pairs = append(pairs, key)
			break
		}
	}
	return pairs, nil
}

// stable reports whether the top-N ordering has been unchanged across the
// configured number of consecutive rounds.
func (e *Engine) stable() bool {
	if e.cfg.StableRounds <= 0 || e.cfg.StableTopN <= 0 {
		return false
	}
	if len(e.topHistory) < e.cfg.StableRounds+1 {
		return false
	}
	ref := e.topHistory[len(e.topHistory)-1]
	for i := 2; i <= e.cfg.StableRounds+1; i++ {
		if !equalIDs(ref, e.topHistory[len(e.topHistory)-i]) {
			return false
		}
	}
	return true
}

func (e *Engine) recordTop() {
	standings := Rankings(e.store)
	n := e.cfg.StableTopN
	if n <= 0 || n > len(standings) {
		n = len(standings)
	}
	top := make([]string, n)
	for i := 0; i < n; i++ {
		top[i] = standings[i].ID
	}
	e.topHistory = append(e.topHistory, top)
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Rankings projects the current total order: rating descending, then
// matches played descending, then id ascending for determinism.
func Rankings(store *hypothesis.Store) []Standing {
	active := store.ListActive()
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.Record.Rating != b.Record.Rating {
			return a.Record.Rating > b.Record.Rating
		}
		if a.Record.Matches != b.Record.Matches {
			return a.Record.Matches > b.Record.Matches
		}
		return a.ID < b.ID
	})
	out := make([]Standing, len(active))
	for i, h := range active {
		out[i] = Standing{
			Rank:    i + 1,
			ID:      h.ID,
			Title:   h.Content.Title,
			Rating:  h.Record.Rating,
			Matches: h.Record.Matches,
			Wins:    h.Record.Wins,
			Losses:  h.Record.Losses,
			Draws:   h.Record.Draws,
		}
	}
	return out
}
