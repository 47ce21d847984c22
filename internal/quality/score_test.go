package quality

import (
	"math"
	"testing"
)

func TestScoreRange(t *testing.T) {
	inputs := []float64{
		math.Inf(-1), -1e9, -1, 0, 0.5, 20, 150, 499, 500, 501, 1e9, math.Inf(1), math.NaN(),
	}
	for _, rtt := range inputs {
		for _, jitter := range inputs {
			for _, loss := range inputs {
				mos := Score(rtt, jitter, loss)
				if math.IsNaN(mos) || mos < MinMOS || mos > MaxMOS {
					t.Fatalf("Score(%v, %v, %v) = %v out of range", rtt, jitter, loss, mos)
				}
			}
		}
	}
}

func TestScoreDeterministic(t *testing.T) {
	a := Score(37.25, 4.5, 1.2)
	b := Score(37.25, 4.5, 1.2)
	if math.Float64bits(a) != math.Float64bits(b) {
		t.Fatalf("Score not bit-identical: %v vs %v", a, b)
	}
}

func TestScoreFullLoss(t *testing.T) {
	// r = 93.2 - 250 = -156.8 clamps to the floor.
	if got := Score(0, 0, 100); got != 1.0 {
		t.Fatalf("Score(0,0,100) = %v, want 1.0", got)
	}
}

func TestScoreClampsInputs(t *testing.T) {
	if Score(10000, 0, 0) != Score(500, 0, 0) {
		t.Fatalf("rtt not clamped at 500")
	}
	if Score(0, 1000, 0) != Score(0, 100, 0) {
		t.Fatalf("jitter not clamped at 100")
	}
	if Score(-50, -5, -3) != Score(0, 0, 0) {
		t.Fatalf("negative inputs not clamped to 0")
	}
}

func TestScorePerfectLink(t *testing.T) {
	want := 1 + (93.2-6)*(4.0/94.0)
	if got := Score(0, 0, 0); math.Abs(got-want) > 1e-12 {
		t.Fatalf("Score(0,0,0) = %v, want %v", got, want)
	}
}
