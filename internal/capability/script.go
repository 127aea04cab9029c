package capability

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/task"
)

// Script is a deterministic in-process capability used by tests and the
// demo command. It fabricates plausible-looking results without any
// external call. Decisions are derived from a seeded source so runs are
// reproducible.
type Script struct {
	mu      sync.Mutex
	rng     *rand.Rand
	Latency time.Duration // optional simulated call latency
	counter int
}

// NewScript creates a scripted capability with the given seed.
func NewScript(seed int64) *Script {
	return &Script{rng: rand.New(rand.NewSource(seed))}
}

// Invoke services the request locally.
func (s *Script) Invoke(ctx context.Context, req Request) (*Result, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	n := s.counter

	res := &Result{Usage: Usage{TokensIn: 200 + s.rng.Intn(400), TokensOut: 100 + s.rng.Intn(300)}}
	switch req.Kind {
	case task.KindGenerate:
		res.Hypothesis = &hypothesis.Content{
			Title:     fmt.Sprintf("Candidate mechanism %d", n),
			Text:      fmt.Sprintf("Hypothesis %d derived via %s for goal: %s", n, req.Payload.Strategy, req.Payload.ResearchGoal),
			Rationale: fmt.Sprintf("Scripted rationale (%s)", req.Payload.Strategy),
		}
	case task.KindEvolve:
		base := hypothesis.Content{}
		if len(req.Targets) > 0 {
			base = req.Targets[0]
		}
		res.Hypothesis = &hypothesis.Content{
			Title:     base.Title,
			Text:      fmt.Sprintf("%s [refined:%s #%d]", base.Text, req.Payload.EvolutionType, n),
			Rationale: base.Rationale,
		}
	case task.KindReflect:
		res.Review = fmt.Sprintf("%s: scripted review #%d", req.Payload.ReviewType, n)
	case task.KindCompare:
		res.Decision = s.decide(req.Targets)
	case task.KindRank:
		res.Analysis = fmt.Sprintf("ranked %d hypotheses by %s", len(req.Targets), req.Payload.Criteria)
	case task.KindProximity:
		res.Analysis = fmt.Sprintf("proximity analysis over %d hypotheses", len(req.Targets))
	case task.KindMetaReview:
		res.Analysis = fmt.Sprintf("meta-review #%d of the current hypothesis population", n)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrUnavailable, req.Kind)
	}
	return res, nil
}

// decide picks a winner from the content hashes so identical inputs yield
// identical outcomes across runs.
func (s *Script) decide(targets []hypothesis.Content) Decision {
	if len(targets) < 2 {
		return DecisionDraw
	}
	ha := contentHash(targets[0])
	hb := contentHash(targets[1])
	switch {
	case ha == hb:
		return DecisionDraw
	case ha > hb:
		return DecisionA
	default:
		return DecisionB
	}
}

func contentHash(c hypothesis.Content) uint32 {
	h := fnv.New32a()
	h.Write([]byte(c.Title))
	h.Write([]byte(c.Text))
	return h.Sum32()
}
