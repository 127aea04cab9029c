package elo

import (
	"math"
	"testing"
)

func TestExpectedEqualRatings(t *testing.T) {
	if e := Expected(1500, 1500); math.Abs(e-0.5) > 1e-9 {
		t.Errorf("expected 0.5 for equal ratings, got %f", e)
	}
}

func TestUpdateWin(t *testing.T) {
	ra, rb := Update(1500, 1500, WinA, 32, 32)
	if math.Abs(ra-1516) > 1e-6 {
		t.Errorf("expected Ra'=1516, got %f", ra)
	}
	if math.Abs(rb-1484) > 1e-6 {
		t.Errorf("expected Rb'=1484, got %f", rb)
	}
}

func TestUpdateDrawEqualRatingsUnchanged(t *testing.T) {
	ra, rb := Update(1500, 1500, Draw, 32, 32)
	if math.Abs(ra-1500) > 1e-9 || math.Abs(rb-1500) > 1e-9 {
		t.Errorf("draw between equal ratings should not move them, got %f / %f", ra, rb)
	}
}

func TestUpdateZeroSum(t *testing.T) {
	ra, rb := Update(1600, 1400, WinB, 32, 32)
	if math.Abs((ra-1600)+(rb-1400)) > 1e-9 {
		t.Errorf("equal-K update must be zero-sum, deltas %f and %f", ra-1600, rb-1400)
	}
	if rb <= 1400 {
		t.Errorf("underdog win should raise Rb, got %f", rb)
	}
}

func TestKForAnnealStep(t *testing.T) {
	cfg := Config{K: 32, Anneal: AnnealStep, AnnealAfter: 10}
	if k := cfg.KFor(5); k != 32 {
		t.Errorf("before anneal threshold K should be 32, got %f", k)
	}
	if k := cfg.KFor(10); k != 16 {
		t.Errorf("after anneal threshold K should halve to 16, got %f", k)
	}
}

func TestKForAnnealNone(t *testing.T) {
	cfg := Config{K: 24, Anneal: AnnealNone, AnnealAfter: 1}
	if k := cfg.KFor(100); k != 24 {
		t.Errorf("anneal none should keep K constant, got %f", k)
	}
}

func TestOutcomeScore(t *testing.T) {
	if WinA.Score() != 1 || WinB.Score() != 0 || Draw.Score() != 0.5 {
		t.Error("outcome scores must be 1 / 0 / 0.5")
	}
}
