// Package lab assembles the orchestration core for one research session:
// hypothesis store, agent registry, scheduler, tournament and persistence,
// explicitly constructed and owned here rather than living in globals.
package lab

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hypatia-ai/hypatia/internal/archive"
	"github.com/hypatia-ai/hypatia/internal/bus"
	"github.com/hypatia-ai/hypatia/internal/capability"
	"github.com/hypatia-ai/hypatia/internal/config"
	"github.com/hypatia-ai/hypatia/internal/elo"
	"github.com/hypatia-ai/hypatia/internal/events"
	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/registry"
	"github.com/hypatia-ai/hypatia/internal/scheduler"
	"github.com/hypatia-ai/hypatia/internal/session"
	"github.com/hypatia-ai/hypatia/internal/task"
	"github.com/hypatia-ai/hypatia/internal/tournament"
	"github.com/hypatia-ai/hypatia/internal/verify"
)

// Generation strategies cycled across generate tasks.
var GenerationStrategies = []string{
	"literature_exploration",
	"scientific_debate",
	"assumptions_identification",
	"research_expansion",
}

// Review types a reflection agent can run. The default schedule covers the
// two lighter types.
var ReviewTypes = []string{
	"initial_review",
	"full_review",
	"deep_verification",
	"observation_review",
	"simulation_review",
}

// DefaultReviewTypes is the schedule used when none are requested.
var DefaultReviewTypes = []string{"initial_review", "full_review"}

// Evolution types. Combine and out_of_box create new hypotheses; the
// others append a version to an existing one.
var EvolutionTypes = []string{
	"improve",
	"combine",
	"simplify",
	"out_of_box",
}

// Lab owns every shared structure of a session.
type Lab struct {
	cfg       config.Config
	store     *hypothesis.Store
	reg       *registry.Registry
	bus       *bus.Bus
	sched     *scheduler.Scheduler
	archive   *archive.Service
	publisher *events.Publisher
	annotator verify.Annotator

	mu           sync.Mutex
	researchGoal string
	researchPlan map[string]string
	createdAt    time.Time
	insights     []string

	cancel context.CancelFunc
}

// Option customizes a Lab at construction.
type Option func(*Lab)

// WithAnnotator attaches the optional verification collaborator.
func WithAnnotator(a verify.Annotator) Option {
	return func(l *Lab) { l.annotator = a }
}

// New builds a session around the given capability, creating the agent
// pools configured per role.
func New(cfg config.Config, cap capability.Capability, opts ...Option) (*Lab, error) {
	l := &Lab{
		cfg:          cfg,
		store:        hypothesis.NewStore(cfg.Elo),
		reg:          registry.New(),
		bus:          bus.New(),
		researchPlan: map[string]string{},
		createdAt:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.sched = scheduler.New(cfg.Scheduler, l.store, l.reg, cap, l.bus)

	if cfg.Archive.Enabled {
		svc, err := archive.New(cfg.Paths.ArchiveDB)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		l.archive = svc
		l.bus.Subscribe(svc.RecordTaskEvent)
		l.store.SetMatchHook(func(a, b string, out elo.Outcome, ra, rb float64) {
			svc.RecordMatch(a, b, out.String(), ra, rb)
		})
	}
	if cfg.Events.Enabled {
		l.publisher = events.NewPublisher(cfg.Events)
		l.bus.Subscribe(l.publisher.Publish)
	}

	if err := l.spawnAgents(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Lab) spawnAgents() error {
	pools := []struct {
		role  registry.Role
		count int
	}{
		{registry.RoleGeneration, l.cfg.Pools.Generation},
		{registry.RoleReflection, l.cfg.Pools.Reflection},
		{registry.RoleRanking, l.cfg.Pools.Ranking},
		{registry.RoleEvolution, l.cfg.Pools.Evolution},
		{registry.RoleProximity, l.cfg.Pools.Proximity},
		{registry.RoleMetaReview, l.cfg.Pools.MetaReview},
	}
	for _, p := range pools {
		for i := 0; i < p.count; i++ {
			if _, err := l.reg.Register(p.role); err != nil {
				return fmt.Errorf("register %s agent: %w", p.role, err)
			}
		}
	}
	return nil
}

// Start launches the scheduling loop and event dispatcher.
func (l *Lab) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go func() {
		if err := l.bus.Dispatch(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Event dispatcher stopped", "error", err)
		}
	}()
	go func() {
		if err := l.sched.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Scheduler stopped", "error", err)
		}
	}()
	slog.Info("Session started", "agents", len(l.reg.Snapshot()))
}

// Stop cancels the scheduling loop and releases collaborators.
func (l *Lab) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if err := l.publisher.Close(); err != nil {
		slog.Warn("Event publisher close failed", "error", err)
	}
	if err := l.archive.Close(); err != nil {
		slog.Warn("Archive close failed", "error", err)
	}
}

// Store exposes the hypothesis store.
func (l *Lab) Store() *hypothesis.Store { return l.store }

// Registry exposes the agent registry.
func (l *Lab) Registry() *registry.Registry { return l.reg }

// Scheduler exposes the task scheduler.
func (l *Lab) Scheduler() *scheduler.Scheduler { return l.sched }

// SetResearchGoal stores the goal and a naive parsed plan in session
// metadata. Parsing the goal with the capability itself is a prompt
// concern that lives outside the core.
func (l *Lab) SetResearchGoal(goal string) map[string]string {
	plan := parsePlan(goal)
	l.mu.Lock()
	l.researchGoal = goal
	l.researchPlan = plan
	l.mu.Unlock()
	slog.Info("Research goal set", "goal", truncate(goal, 100))
	return plan
}

// ResearchGoal returns the current goal.
func (l *Lab) ResearchGoal() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.researchGoal
}

func parsePlan(goal string) map[string]string {
	plan := map[string]string{"goal": goal}
	fields := strings.Fields(goal)
	var keywords []string
	for _, f := range fields {
		if len(f) >= 8 {
			keywords = append(keywords, strings.ToLower(strings.Trim(f, ".,;:")))
		}
	}
	if len(keywords) > 6 {
		keywords = keywords[:6]
	}
	if len(keywords) > 0 {
		plan["keywords"] = strings.Join(keywords, ",")
	}
	return plan
}

// GenerateHypotheses schedules count generation tasks, cycling through the
// given strategies (all of them when none are passed). Returns the task ids.
func (l *Lab) GenerateHypotheses(count int, strategies []string) ([]string, error) {
	goal := l.ResearchGoal()
	if goal == "" {
		return nil, fmt.Errorf("research goal must be set before generating hypotheses")
	}
	if len(strategies) == 0 {
		strategies = GenerationStrategies
	}
	for _, s := range strategies {
		if !contains(GenerationStrategies, s) {
			return nil, fmt.Errorf("unknown strategy %q", s)
		}
	}
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		t := task.New(task.KindGenerate, nil, task.Payload{
			ResearchGoal: goal,
			Strategy:     strategies[i%len(strategies)],
		})
		id, err := l.sched.Submit(t)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReviewHypotheses schedules reflection tasks for the given hypotheses
// (all active ones when nil) and review types (the default schedule when
// nil). Returns the task ids.
func (l *Lab) ReviewHypotheses(hypothesisIDs, reviewTypes []string) ([]string, error) {
	if len(reviewTypes) == 0 {
		reviewTypes = DefaultReviewTypes
	}
	for _, rt := range reviewTypes {
		if !contains(ReviewTypes, rt) {
			return nil, fmt.Errorf("unknown review type %q", rt)
		}
	}
	if len(hypothesisIDs) == 0 {
		for _, h := range l.store.ListActive() {
			hypothesisIDs = append(hypothesisIDs, h.ID)
		}
	}
	var ids []string
	for _, hid := range hypothesisIDs {
		for _, rt := range reviewTypes {
			t := task.New(task.KindReflect, []string{hid}, task.Payload{ReviewType: rt})
			id, err := l.sched.Submit(t)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// EvolveHypotheses schedules count evolution tasks per type over the top-k
// hypotheses by rating. Returns the task ids.
func (l *Lab) EvolveHypotheses(count int, evolutionTypes []string, topK int) ([]string, error) {
	if len(evolutionTypes) == 0 {
		evolutionTypes = EvolutionTypes
	}
	for _, et := range evolutionTypes {
		if !contains(EvolutionTypes, et) {
			return nil, fmt.Errorf("unknown evolution type %q", et)
		}
	}
	top := l.topByRating(topK)
	if len(top) == 0 {
		return nil, fmt.Errorf("no hypotheses available for evolution")
	}
	var ids []string
	next := 0
	for _, et := range evolutionTypes {
		for i := 0; i < count; i++ {
			var targets []string
			switch et {
			case "combine":
				n := 2
				if len(top) > 2 && i%2 == 1 {
					n = 3
				}
				if n > len(top) {
					n = len(top)
				}
				for j := 0; j < n; j++ {
					targets = append(targets, top[(next+j)%len(top)].ID)
				}
				next++
			case "out_of_box":
				// no target: the result is a fresh hypothesis
			default:
				targets = []string{top[next%len(top)].ID}
				next++
			}
			t := task.New(task.KindEvolve, targets, task.Payload{
				EvolutionType: et,
				ResearchGoal:  l.ResearchGoal(),
			})
			id, err := l.sched.Submit(t)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (l *Lab) topByRating(k int) []*hypothesis.Hypothesis {
	active := l.store.ListActive()
	sort.Slice(active, func(i, j int) bool {
		if active[i].Record.Rating != active[j].Record.Rating {
			return active[i].Record.Rating > active[j].Record.Rating
		}
		return active[i].ID < active[j].ID
	})
	if k > 0 && k < len(active) {
		active = active[:k]
	}
	return active
}

// RunTournament builds a tournament engine and runs it to completion.
func (l *Lab) RunTournament(ctx context.Context) (*tournament.Engine, error) {
	eng := tournament.New(l.cfg.Tournament, l.store, l.sched)
	if err := eng.Run(ctx); err != nil {
		return eng, err
	}
	return eng, nil
}

// TopHypotheses returns the first k rows of the ranking projection.
func (l *Lab) TopHypotheses(k int) []tournament.Standing {
	standings := tournament.Rankings(l.store)
	if k > 0 && k < len(standings) {
		standings = standings[:k]
	}
	return standings
}

// Insights schedules a meta-review and a proximity analysis over the
// current population, waits for both, and returns the collected outputs.
func (l *Lab) Insights(ctx context.Context) ([]string, error) {
	active := l.store.ListActive()
	var targets []string
	for _, h := range active {
		targets = append(targets, h.ID)
	}
	var ids []string
	for _, k := range []task.Kind{task.KindMetaReview, task.KindProximity} {
		t := task.New(k, targets, task.Payload{ResearchGoal: l.ResearchGoal()})
		id, err := l.sched.Submit(t)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := l.sched.WaitTasks(ctx, ids); err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		t, err := l.sched.Task(id)
		if err == nil && t.Output != "" {
			out = append(out, t.Output)
		}
	}
	l.mu.Lock()
	l.insights = append(l.insights, out...)
	l.mu.Unlock()
	return out, nil
}

// Verify runs the optional annotator over all active hypotheses.
func (l *Lab) Verify(ctx context.Context) (int, error) {
	return verify.Run(ctx, l.annotator, l.store, l.ResearchGoal())
}

// Drain waits for all outstanding tasks up to the deadline.
func (l *Lab) Drain(ctx context.Context, deadline time.Time) error {
	return l.sched.Drain(ctx, deadline)
}

// FailureSummary formats the permanent task failures for session-end
// reporting. Empty when everything succeeded.
func (l *Lab) FailureSummary() string {
	failures := l.sched.Failures()
	if len(failures) == 0 {
		return ""
	}
	byKind := map[task.Kind]int{}
	for _, f := range failures {
		byKind[f.Kind]++
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks failed permanently:", len(failures))
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, " %s=%d", k, byKind[task.Kind(k)])
	}
	return b.String()
}

// Save snapshots the session to the given path (the configured session
// file when empty), draining is the caller's responsibility.
func (l *Lab) Save(path string) error {
	if path == "" {
		path = l.cfg.Paths.SessionFile
	}
	l.mu.Lock()
	doc := &session.Document{
		SchemaVersion: session.SchemaVersion,
		ResearchGoal:  l.researchGoal,
		ResearchPlan:  l.researchPlan,
		CreatedAt:     l.createdAt,
		Insights:      append([]string(nil), l.insights...),
	}
	l.mu.Unlock()
	doc.Hypotheses = l.store.Snapshot()
	doc.Agents = l.reg.Snapshot()
	doc.Tasks = l.sched.Unresolved()
	return session.Save(path, doc)
}

// Load restores a previously saved session into this lab, replacing the
// store, registry and unresolved task queue contents.
func (l *Lab) Load(path string) error {
	if path == "" {
		path = l.cfg.Paths.SessionFile
	}
	doc, err := session.Load(path)
	if err != nil {
		return err
	}
	l.store.Restore(doc.Hypotheses)
	l.reg.Restore(doc.Agents)
	l.sched.Restore(doc.Tasks)
	l.mu.Lock()
	l.researchGoal = doc.ResearchGoal
	l.researchPlan = doc.ResearchPlan
	if l.researchPlan == nil {
		l.researchPlan = map[string]string{}
	}
	l.createdAt = doc.CreatedAt
	l.insights = append([]string(nil), doc.Insights...)
	l.mu.Unlock()
	slog.Info("Session loaded", "path", path, "hypotheses", len(doc.Hypotheses), "agents", len(doc.Agents))
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
