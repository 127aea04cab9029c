package hypothesis

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hypatia-ai/hypatia/internal/elo"
)

var (
	// ErrNotFound is returned for references to unknown or retired hypotheses.
	ErrNotFound = errors.New("hypothesis not found")
	// ErrInvalidContent is returned when a create or version payload is empty.
	ErrInvalidContent = errors.New("invalid hypothesis content")
)

// Store owns the canonical set of hypothesis entities. All mutations to a
// single entity are serialized behind a per-id lock; rating updates for a
// match acquire both per-id locks in ascending id order.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]*Hypothesis
	order []string
	locks map[string]*sync.Mutex
	elo   elo.Config
	seq   int

	onMatch func(idA, idB string, out elo.Outcome, ratingA, ratingB float64)
}

// SetMatchHook installs an observer invoked after every recorded match.
// The hook runs with the pair's locks held and must not call back into the
// store.
func (s *Store) SetMatchHook(fn func(idA, idB string, out elo.Outcome, ratingA, ratingB float64)) {
	s.onMatch = fn
}

// NewStore creates an empty store with the given Elo configuration.
func NewStore(eloCfg elo.Config) *Store {
	return &Store{
		byID:  make(map[string]*Hypothesis),
		locks: make(map[string]*sync.Mutex),
		elo:   eloCfg,
	}
}

// Create adds a new hypothesis and returns its id.
func (s *Store) Create(content Content, prov Provenance) (string, error) {
	if content.Empty() {
		return "", ErrInvalidContent
	}
	now := time.Now().UTC()
	h := &Hypothesis{
		ID:         uuid.NewString(),
		Content:    content.clone(),
		Provenance: prov,
		Record:     Record{Rating: elo.Seed},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.seq++
	h.Seq = s.seq
	s.byID[h.ID] = h
	s.order = append(s.order, h.ID)
	s.locks[h.ID] = &sync.Mutex{}
	s.mu.Unlock()

	slog.Debug("Hypothesis created", "id", h.ID, "title", content.Title, "agent", prov.AgentID)
	return h.ID, nil
}

// Get returns a copy of the hypothesis. Retired entities are reported as
// not found.
func (s *Store) Get(id string) (*Hypothesis, error) {
	s.mu.RLock()
	h, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	if h.Retired {
		return nil, fmt.Errorf("%w: %s (retired)", ErrNotFound, id)
	}
	return h.Clone(), nil
}

// Peek returns a copy of the hypothesis even if it is retired. In-flight
// tasks that captured a reference before retirement read through Peek.
func (s *Store) Peek(id string) (*Hypothesis, error) {
	s.mu.RLock()
	h, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return h.Clone(), nil
}

// Exists reports whether the id references a known, non-retired hypothesis.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	h, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return !h.Retired
}

// AppendVersion archives the current content as a version entry and
// replaces the current content. Prior versions are never removed.
func (s *Store) AppendVersion(id string, content Content, producedBy, agentID string) error {
	if content.Empty() {
		return ErrInvalidContent
	}
	h, lock, err := s.entity(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	if h.Retired {
		return fmt.Errorf("%w: %s (retired)", ErrNotFound, id)
	}
	now := time.Now().UTC()
	h.Versions = append(h.Versions, Version{
		Content:    h.Content,
		ProducedBy: producedBy,
		AgentID:    agentID,
		CreatedAt:  now,
	})
	h.Content = content.clone()
	h.UpdatedAt = now
	return nil
}

// AppendFeedback adds a free-text annotation.
func (s *Store) AppendFeedback(id, text, source string) error {
	h, lock, err := s.entity(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	if h.Retired {
		return fmt.Errorf("%w: %s (retired)", ErrNotFound, id)
	}
	now := time.Now().UTC()
	h.Feedback = append(h.Feedback, Feedback{Text: text, Source: source, CreatedAt: now})
	h.UpdatedAt = now
	return nil
}

// AppendVerification records one round of external annotation.
func (s *Store) AppendVerification(id string, v Verification) error {
	h, lock, err := s.entity(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	if v.AnnotatedAt.IsZero() {
		v.AnnotatedAt = time.Now().UTC()
	}
	h.Verifications = append(h.Verifications, v)
	h.UpdatedAt = v.AnnotatedAt
	return nil
}

// RecordMatch atomically applies an Elo update to both sides of a
// comparison. The two per-id locks are taken in ascending id order so two
// concurrent matches over the same pair cannot deadlock.
func (s *Store) RecordMatch(idA, idB string, out elo.Outcome) error {
	if idA == idB {
		return fmt.Errorf("self match: %s", idA)
	}
	ha, la, err := s.entity(idA)
	if err != nil {
		return err
	}
	hb, lb, err := s.entity(idB)
	if err != nil {
		return err
	}

	first, second := la, lb
	if idB < idA {
		first, second = lb, la
	}
	first.Lock()
	defer first.Unlock()
	second.Lock()
	defer second.Unlock()

	ka := s.elo.KFor(ha.Record.Matches)
	kb := s.elo.KFor(hb.Record.Matches)
	ra, rb := elo.Update(ha.Record.Rating, hb.Record.Rating, out, ka, kb)

	now := time.Now().UTC()
	ha.Record.Rating = ra
	hb.Record.Rating = rb
	ha.Record.Matches++
	hb.Record.Matches++
	switch out {
	case elo.WinA:
		ha.Record.Wins++
		hb.Record.Losses++
	case elo.WinB:
		ha.Record.Losses++
		hb.Record.Wins++
	case elo.Draw:
		ha.Record.Draws++
		hb.Record.Draws++
	}
	ha.Record.LastMatchAt = now
	hb.Record.LastMatchAt = now
	ha.UpdatedAt = now
	hb.UpdatedAt = now

	slog.Debug("Match recorded", "a", idA, "b", idB, "outcome", out.String(),
		"rating_a", ra, "rating_b", rb)
	if s.onMatch != nil {
		s.onMatch(idA, idB, out, ra, rb)
	}
	return nil
}

// Retire marks a hypothesis as superseded. It stops appearing in Get and
// ListActive but is retained for history and persistence.
func (s *Store) Retire(id string) error {
	h, lock, err := s.entity(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	h.Retired = true
	h.UpdatedAt = time.Now().UTC()
	return nil
}

// ListActive returns copies of all non-retired hypotheses in creation order.
func (s *Store) ListActive() []*Hypothesis {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	out := make([]*Hypothesis, 0, len(ids))
	for _, id := range ids {
		h, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Len returns the number of entities, retired included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Snapshot returns copies of every entity, retired included, in creation
// order. Used by session persistence.
func (s *Store) Snapshot() []*Hypothesis {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	out := make([]*Hypothesis, 0, len(ids))
	for _, id := range ids {
		h, err := s.Peek(id)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Restore replaces the store contents with a previously snapshotted set.
func (s *Store) Restore(list []*Hypothesis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*Hypothesis, len(list))
	s.locks = make(map[string]*sync.Mutex, len(list))
	s.order = s.order[:0]
	sorted := make([]*Hypothesis, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	maxSeq := 0
	for _, h := range sorted {
		c := h.Clone()
		s.byID[c.ID] = c
		s.order = append(s.order, c.ID)
		s.locks[c.ID] = &sync.Mutex{}
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
	}
	s.seq = maxSeq
}

func (s *Store) entity(id string) (*Hypothesis, *sync.Mutex, error) {
	s.mu.RLock()
	h, ok := s.byID[id]
	lock := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h, lock, nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locks[id]
}
