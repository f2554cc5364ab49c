package timeline

import (
	"math"
	"testing"

	"github.com/phil-mansfield/tickstep/cosmo"
)

func testTimeline() *Timeline {
	c := &cosmo.Cosmology{Omega0: 0.3, OmegaLambda: 0.7, H0: 1.0, G: 1.0}
	return New(c, 5.0/3.0, 0.01, 1.0, 29)
}

func TestDtiDlogaRoundTrip(t *testing.T) {
	tl := testTimeline()
	table := []Ti{1, 2, 3, 1000, 1 << 10, 1 << 20, tl.Timebase() - 1, tl.Timebase()}
	for _, n := range table {
		dloga := tl.DlogaFromDti(n)
		got, err := tl.DtiFromDloga(dloga)
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", n, err)
		}
		if got != n {
			t.Errorf("round trip for n=%d: got %d", n, got)
		}
	}
}

func TestGetKickTi(t *testing.T) {
	table := []struct {
		start, step, want Ti
	}{
		{0, 32, 16},
		{100, 8, 104},
		{0, 0, 0},
	}
	for _, row := range table {
		got := GetKickTi(row.start, row.step)
		if got != row.want {
			t.Errorf("GetKickTi(%d,%d) = %d, want %d", row.start, row.step, got, row.want)
		}
	}
}

func TestGetDlogaForBin(t *testing.T) {
	tl := testTimeline()
	if tl.GetDlogaForBin(0) != 0 {
		t.Errorf("bin 0 should have zero dloga")
	}
	for b := 1; b < 10; b++ {
		want := tl.DlogaFromDti(Ti(1) << uint(b))
		if got := tl.GetDlogaForBin(b); got != want {
			t.Errorf("bin %d: got %g want %g", b, got, want)
		}
	}
}

func TestKickFactorMemoization(t *testing.T) {
	tl := testTimeline()
	a := tl.GetGravKickFactor(0, 1000)
	if len(tl.gravCache) != 1 {
		t.Fatalf("expected one cache entry, got %d", len(tl.gravCache))
	}
	b := tl.GetGravKickFactor(0, 1000)
	if a != b {
		t.Errorf("memoized value changed: %g != %g", a, b)
	}
	if len(tl.gravCache) != 1 {
		t.Errorf("second identical call grew the cache to %d entries", len(tl.gravCache))
	}
}

func TestKickFactorMonotoneInInterval(t *testing.T) {
	tl := testTimeline()
	// Growing the interval should grow the (positive) kick factor.
	short := tl.GetGravKickFactor(0, 1000)
	long := tl.GetGravKickFactor(0, 2000)
	if !(long > short) {
		t.Errorf("expected longer interval to give a larger kick factor: %g vs %g", long, short)
	}
}

func TestKickFactorSplitMatchesWholeInterval(t *testing.T) {
	// A half-kick up to a snapshot point followed by the opening half-kick
	// of the next step must sum to the same kick factor a single
	// uninterrupted kick over the whole interval would have produced,
	// since both are integrals of the same integrand over contiguous
	// sub-ranges.
	tl := testTimeline()
	whole := tl.GetGravKickFactor(0, 2000)
	split := tl.GetGravKickFactor(0, 1200) + tl.GetGravKickFactor(1200, 2000)
	if math.Abs(whole-split) > 1e-9*math.Abs(whole) {
		t.Errorf("split kick factor %g does not match whole-interval factor %g", split, whole)
	}
}

func TestResetCaches(t *testing.T) {
	tl := testTimeline()
	tl.GetGravKickFactor(0, 100)
	tl.GetHydroKickFactor(0, 100)
	tl.ResetCaches()
	if len(tl.gravCache) != 0 || len(tl.hydroCache) != 0 {
		t.Errorf("ResetCaches did not clear the memo tables")
	}
}

func TestConversionOverflow(t *testing.T) {
	tl := testTimeline()
	_, err := tl.DtiFromDloga(tl.dlogaTotal() * 2)
	if err == nil {
		t.Fatal("expected an overflow error")
	}
}
