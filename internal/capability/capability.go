// Package capability abstracts the external operation that turns a task's
// payload into a result. The concrete implementation is an LLM call made
// elsewhere; the core never inspects provider request or response formats.
package capability

import (
	"context"
	"errors"

	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/registry"
	"github.com/hypatia-ai/hypatia/internal/task"
)

var (
	// ErrUnavailable indicates the external capability could not service
	// the call. It is retryable up to the scheduler's retry ceiling.
	ErrUnavailable = errors.New("capability unavailable")
	// ErrTimeout marks an invocation that exceeded its deadline. Retryable
	// like ErrUnavailable.
	ErrTimeout = errors.New("capability timeout")
)

// Decision is the outcome of a pairwise comparison.
type Decision string

const (
	DecisionA    Decision = "a"
	DecisionB    Decision = "b"
	DecisionDraw Decision = "draw"
)

// Usage reports token accounting for one call.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Request is one capability invocation. Targets carries the content
// snapshots captured at task submission.
type Request struct {
	Role    registry.Role
	Kind    task.Kind
	Payload task.Payload
	Targets []hypothesis.Content
}

// Result is the typed outcome of a capability call. Exactly the fields
// relevant to the request's kind are populated.
type Result struct {
	Hypothesis *hypothesis.Content `json:"hypothesis,omitempty"` // generate, evolve
	Review     string              `json:"review,omitempty"`     // reflect
	Decision   Decision            `json:"decision,omitempty"`   // compare
	Analysis   string              `json:"analysis,omitempty"`   // rank, analyze_proximity, meta_review
	Usage      Usage               `json:"usage"`
}

// Capability is the single abstract interface to the external brain. Every
// invocation carries a deadline through ctx; expiry surfaces as an error,
// never as a silent hang.
type Capability interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}
