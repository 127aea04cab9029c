// Package hypothesis provides the unified hypothesis data model and the
// canonical in-memory store that owns every hypothesis entity.
package hypothesis

import (
	"time"
)

// Content is the current body of a hypothesis.
type Content struct {
	Title                  string      `json:"title"`
	Text                   string      `json:"text"`
	Rationale              string      `json:"rationale,omitempty"`
	ExperimentalValidation string      `json:"experimental_validation,omitempty"`
	References             []Reference `json:"references,omitempty"`
}

// Reference is a scientific citation attached to a hypothesis.
type Reference struct {
	Citation   string  `json:"citation"`
	Annotation string  `json:"annotation,omitempty"`
	URL        string  `json:"url,omitempty"`
	DOI        string  `json:"doi,omitempty"`
	Relevance  float64 `json:"relevance,omitempty"`
}

// Provenance records where a hypothesis came from.
type Provenance struct {
	AgentID      string `json:"agent_id"`
	Role         string `json:"role"`
	Strategy     string `json:"strategy,omitempty"`
	ResearchGoal string `json:"research_goal,omitempty"`
}

// Version is a prior content snapshot. The version history is append-only.
type Version struct {
	Content    Content   `json:"content"`
	ProducedBy string    `json:"produced_by"` // task id
	AgentID    string    `json:"agent_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Feedback is a free-text annotation. Feedback entries are never deleted.
type Feedback struct {
	Text      string    `json:"text"`
	Source    string    `json:"source"` // "user", "agent", "system"
	CreatedAt time.Time `json:"created_at"`
}

// Record tracks tournament performance.
// Invariant: Wins+Losses+Draws == Matches.
type Record struct {
	Rating      float64   `json:"rating"`
	Matches     int       `json:"matches"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	Draws       int       `json:"draws"`
	LastMatchAt time.Time `json:"last_match_at,omitempty"`
}

// Verification is one round of external annotation. Write-once per round,
// additive across rounds.
type Verification struct {
	Plausible             bool      `json:"plausible"`
	Plausibility          float64   `json:"plausibility"` // 0.0 to 1.0
	EvidenceStrength      string    `json:"evidence_strength,omitempty"`
	SupportingEvidence    []string  `json:"supporting_evidence,omitempty"`
	ContradictingEvidence []string  `json:"contradicting_evidence,omitempty"`
	SuggestedExperiments  []string  `json:"suggested_experiments,omitempty"`
	AnnotatedAt           time.Time `json:"annotated_at"`
}

// Hypothesis is a versioned unit of candidate research content with a
// tournament rating. Entities are never physically deleted, only retired.
type Hypothesis struct {
	ID            string         `json:"id"`
	Seq           int            `json:"seq"` // creation order, for stable listing
	Content       Content        `json:"content"`
	Versions      []Version      `json:"versions,omitempty"`
	Feedback      []Feedback     `json:"feedback,omitempty"`
	Provenance    Provenance     `json:"provenance"`
	Record        Record         `json:"record"`
	Verifications []Verification `json:"verifications,omitempty"`
	Retired       bool           `json:"retired,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (h *Hypothesis) Clone() *Hypothesis {
	out := *h
	if h.Versions != nil {
		out.Versions = make([]Version, len(h.Versions))
		copy(out.Versions, h.Versions)
	}
	if h.Feedback != nil {
		out.Feedback = make([]Feedback, len(h.Feedback))
		copy(out.Feedback, h.Feedback)
	}
	if h.Verifications != nil {
		out.Verifications = make([]Verification, len(h.Verifications))
		copy(out.Verifications, h.Verifications)
	}
	out.Content = h.Content.clone()
	return &out
}

func (c Content) clone() Content {
	if c.References != nil {
		refs := make([]Reference, len(c.References))
		copy(refs, c.References)
		c.References = refs
	}
	return c
}

// Empty reports whether the content carries neither a title nor text.
func (c Content) Empty() bool {
	return c.Title == "" && c.Text == ""
}
