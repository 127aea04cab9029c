// Package verify integrates an optional external annotator that scores
// hypotheses for plausibility. Absence of an annotator is not an error:
// verification fields simply stay empty.
package verify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hypatia-ai/hypatia/internal/hypothesis"
)

// Annotation is the annotator's verdict on one hypothesis.
type Annotation struct {
	Plausible             bool
	Plausibility          float64
	EvidenceStrength      string
	SupportingEvidence    []string
	ContradictingEvidence []string
	SuggestedExperiments  []string
}

// Annotator is the external verification collaborator.
type Annotator interface {
	Annotate(ctx context.Context, content hypothesis.Content, researchGoal string) (*Annotation, error)
}

// Run annotates every active hypothesis and appends the results to the
// store. Returns the number annotated; individual annotation failures are
// logged and skipped.
func Run(ctx context.Context, ann Annotator, store *hypothesis.Store, researchGoal string) (int, error) {
	if ann == nil {
		return 0, nil
	}
	n := 0
	for _, h := range store.ListActive() {
		a, err := ann.Annotate(ctx, h.Content, researchGoal)
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			slog.Warn("Annotation failed", "hypothesis", h.ID, "error", err)
			continue
		}
		v := hypothesis.Verification{
			Plausible:             a.Plausible,
			Plausibility:          a.Plausibility,
			EvidenceStrength:      a.EvidenceStrength,
			SupportingEvidence:    a.SupportingEvidence,
			ContradictingEvidence: a.ContradictingEvidence,
			SuggestedExperiments:  a.SuggestedExperiments,
		}
		if err := store.AppendVerification(h.ID, v); err != nil {
			return n, fmt.Errorf("append verification for %s: %w", h.ID, err)
		}
		n++
	}
	return n, nil
}
