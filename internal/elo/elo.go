// Package elo implements the Elo rating update used by the tournament.
package elo

import "math"

// Seed is the rating every hypothesis starts from.
const Seed = 1500.0

// Outcome of a pairwise comparison, from A's point of view.
type Outcome int

const (
	WinA Outcome = iota
	WinB
	Draw
)

// Score returns A's actual score for the outcome: 1 for a win, 0 for a
// loss, 0.5 for a draw.
func (o Outcome) Score() float64 {
	switch o {
	case WinA:
		return 1
	case WinB:
		return 0
	default:
		return 0.5
	}
}

func (o Outcome) String() string {
	switch o {
	case WinA:
		return "win_a"
	case WinB:
		return "win_b"
	default:
		return "draw"
	}
}

// AnnealPolicy controls how K decays as a hypothesis accumulates matches.
type AnnealPolicy string

const (
	// AnnealNone keeps K constant.
	AnnealNone AnnealPolicy = "none"
	// AnnealStep halves K once a hypothesis has played AnnealAfter matches.
	AnnealStep AnnealPolicy = "step"
)

// Config holds the Elo update parameters.
type Config struct {
	K           float64      `json:"k" envconfig:"ELO_K"`
	Anneal      AnnealPolicy `json:"anneal" envconfig:"ELO_ANNEAL"`
	AnnealAfter int          `json:"annealAfter" envconfig:"ELO_ANNEAL_AFTER"`
}

// DefaultConfig returns the standard K=32 constant-K configuration.
func DefaultConfig() Config {
	return Config{K: 32, Anneal: AnnealNone, AnnealAfter: 30}
}

// KFor returns the K factor for a hypothesis that has played the given
// number of matches.
func (c Config) KFor(matches int) float64 {
	k := c.K
	if k <= 0 {
		k = 32
	}
	if c.Anneal == AnnealStep && c.AnnealAfter > 0 && matches >= c.AnnealAfter {
		k /= 2
	}
	return k
}

// Expected returns A's expected score against B.
func Expected(ra, rb float64) float64 {
	return 1 / (1 + math.Pow(10, (rb-ra)/400))
}

// Update returns the new ratings for A and B after a match. ka and kb are
// the K factors for each side, which may differ under an anneal policy.
func Update(ra, rb float64, out Outcome, ka, kb float64) (float64, float64) {
	ea := Expected(ra, rb)
	eb := 1 - ea
	sa := out.Score()
	sb := 1 - sa
	return ra + ka*(sa-ea), rb + kb*(sb-eb)
}
