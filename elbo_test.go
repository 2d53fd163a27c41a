package atlas

import (
	"math"
	"testing"
)

func TestELBOSetAndCurrent(t *testing.T) {
	e := NewELBO()
	e.Set(CompMatch, -10)
	e.Set(CompKLLatent, -2)
	if got := e.Current(); got != -12 {
		t.Errorf("Current() = %g, want -12", got)
	}
	e.Set(CompMatch, -8)
	if got := e.Current(); got != -10 {
		t.Errorf("Current() after update = %g, want -10", got)
	}
}

// A non-finite component value keeps the previous value rather than
// poisoning the total.
func TestELBOSetNonFinite(t *testing.T) {
	e := NewELBO()
	e.Set(CompMatch, math.NaN())
	if got := e.Current(); got != 0 {
		t.Errorf("Current() with NaN and no history = %g, want 0", got)
	}
	e.Set(CompMatch, -5)
	e.Set(CompMatch, math.Inf(-1))
	if got := e.Current(); got != -5 {
		t.Errorf("Current() after Inf = %g, want -5 (previous value kept)", got)
	}
}

func TestELBOCommitHistory(t *testing.T) {
	e := NewELBO()
	e.Set(CompMatch, -10)
	if got := e.Commit(); got != -10 {
		t.Errorf("Commit() = %g, want -10", got)
	}
	e.Set(CompMatch, -7)
	e.Commit()
	if e.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", e.Len())
	}
	if got := e.Diff(); got != 3 {
		t.Errorf("Diff() = %g, want 3", got)
	}
	if len(e.Parts[CompMatch]) != 2 {
		t.Errorf("Parts[%q] has %d entries, want 2", CompMatch, len(e.Parts[CompMatch]))
	}
}

func TestELBOGain(t *testing.T) {
	e := NewELBO()
	if got := e.Gain(); !math.IsInf(got, 1) {
		t.Errorf("Gain() with no history = %g, want +Inf", got)
	}

	e.Set(CompMatch, -10)
	e.Checkpoint()
	e.Commit()
	if got := e.Gain(); !math.IsInf(got, 1) {
		t.Errorf("Gain() with one checkpoint = %g, want +Inf", got)
	}

	e.Set(CompMatch, -6)
	e.Checkpoint()
	e.Commit()
	// Loop diff = 4, spread of totals = 4.
	if got := e.Gain(); math.Abs(got-1) > 1e-12 {
		t.Errorf("Gain() = %g, want 1", got)
	}
}

func TestELBOGainZeroSpread(t *testing.T) {
	e := NewELBO()
	e.Set(CompMatch, -3)
	e.Checkpoint()
	e.Commit()
	e.Checkpoint()
	e.Commit()
	if got := e.Gain(); got != 0 {
		t.Errorf("Gain() with flat history = %g, want 0", got)
	}
}
