// Package timeline implements the Integer Timeline: pure conversions
// between integer ticks on [0, TIMEBASE] and the logarithmic scale factor,
// plus the memoized kick-factor integrals the kick engine depends on.
package timeline

import (
	"fmt"
	"math"

	"github.com/phil-mansfield/tickstep/cosmo"
)

// Ti is a tick count: an unsigned offset into the discrete global clock.
// The upper bits above TIMEBASE may encode a snapshot counter;
// Timeline itself only ever deals in the lower bits.
type Ti = uint32

// Timeline maps ticks to log(a) over a fixed interval [log(aBegin),
// log(aEnd)] and memoizes the gravity/hydro kick-factor integrals by
// endpoint pair, since the predictor functions in the kick engine call them
// repeatedly with the same (t0, t1).
type Timeline struct {
	Cosmo *cosmo.Cosmology

	// Gamma is the adiabatic index used by the hydro kick factor.
	Gamma float64

	logABegin, logAEnd float64
	timebase           uint32

	gravCache  map[[2]Ti]float64
	hydroCache map[[2]Ti]float64
}

// New builds a Timeline over [aBegin, aEnd] with the given TIMEBASE = 2^T.
func New(c *cosmo.Cosmology, gamma float64, aBegin, aEnd float64, timebaseExp uint) *Timeline {
	return &Timeline{
		Cosmo:      c,
		Gamma:      gamma,
		logABegin:  math.Log(aBegin),
		logAEnd:    math.Log(aEnd),
		timebase:   1 << timebaseExp,
		gravCache:  make(map[[2]Ti]float64),
		hydroCache: make(map[[2]Ti]float64),
	}
}

// Timebase returns TIMEBASE = 2^T.
func (tl *Timeline) Timebase() uint32 { return tl.timebase }

func (tl *Timeline) dlogaTotal() float64 { return tl.logAEnd - tl.logABegin }

// DtiFromDloga converts a logarithmic scale-factor step to a tick count.
// Errors (via ErrConversionOverflow) if the result would not fit in the
// timeline's tick range.
func (tl *Timeline) DtiFromDloga(dloga float64) (Ti, error) {
	total := tl.dlogaTotal()
	if total == 0 {
		return 0, fmt.Errorf("%w: zero-width timeline", ErrConversionOverflow)
	}
	f := dloga / total * float64(tl.timebase)
	// Snap values within floating-point round-off of an integer, so that the
	// truncation below does not turn DlogaFromDti(n) into n-1.
	if r := math.Round(f); math.Abs(f-r) <= 1e-9*math.Max(r, 1) {
		f = r
	}
	if f < 0 || f > float64(tl.timebase) || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: dloga=%g maps to tick %g outside [0,%d]", ErrConversionOverflow, dloga, f, tl.timebase)
	}
	return Ti(f), nil
}

// DlogaFromDti converts a tick count back to a logarithmic scale-factor
// step. This is the exact inverse of DtiFromDloga up to the integer
// truncation DtiFromDloga performs, so DtiFromDloga(DlogaFromDti(n)) == n
// for every n in [0, TIMEBASE].
func (tl *Timeline) DlogaFromDti(dti Ti) float64 {
	return tl.dlogaTotal() * float64(dti) / float64(tl.timebase)
}

// GetDlogaForBin returns the dloga spanned by a single step in bin b.
func (tl *Timeline) GetDlogaForBin(bin int) float64 {
	if bin <= 0 {
		return 0
	}
	return tl.DlogaFromDti(Ti(1) << uint(bin))
}

// GetKickTi returns the midpoint of the interval [start, start+step): the
// kick reference time that makes leapfrog second-order accurate.
func GetKickTi(start, step Ti) Ti {
	return start + step/2
}

// GetGravKickFactor returns the memoized integral of da/(a^2 H) over
// [tiA, tiB].
func (tl *Timeline) GetGravKickFactor(tiA, tiB Ti) float64 {
	key := [2]Ti{tiA, tiB}
	if v, ok := tl.gravCache[key]; ok {
		return v
	}
	v := tl.integrate(tiA, tiB, func(a float64) float64 {
		return 1 / (a * a * tl.Cosmo.HubbleFunction(a))
	})
	tl.gravCache[key] = v
	return v
}

// GetHydroKickFactor returns the memoized integral of
// da/(a^(3(gamma-1)+1) H) over [tiA, tiB].
func (tl *Timeline) GetHydroKickFactor(tiA, tiB Ti) float64 {
	key := [2]Ti{tiA, tiB}
	if v, ok := tl.hydroCache[key]; ok {
		return v
	}
	exp := 3*(tl.Gamma-1) + 1
	v := tl.integrate(tiA, tiB, func(a float64) float64 {
		return 1 / (math.Pow(a, exp) * tl.Cosmo.HubbleFunction(a))
	})
	tl.hydroCache[key] = v
	return v
}

// integrate numerically integrates f(a) da over the scale factor range
// corresponding to [tiA, tiB], using Simpson's rule over a fixed number of
// subdivisions. The kick intervals handled by this integrator are always
// small fractions of the total run, so a fixed-resolution Simpson's rule is
// accurate to well beyond the precision the rest of the integrator carries.
func (tl *Timeline) integrate(tiA, tiB Ti, f func(a float64) float64) float64 {
	if tiB == tiA {
		return 0
	}
	sign := 1.0
	if tiB < tiA {
		tiA, tiB = tiB, tiA
		sign = -1.0
	}
	aLo := math.Exp(tl.logABegin + tl.DlogaFromDti(tiA))
	aHi := math.Exp(tl.logABegin + tl.DlogaFromDti(tiB))

	const n = 16 // even, Simpson's rule subdivisions
	h := (aHi - aLo) / n
	sum := f(aLo) + f(aHi)
	for i := 1; i < n; i++ {
		a := aLo + float64(i)*h
		if i%2 == 0 {
			sum += 2 * f(a)
		} else {
			sum += 4 * f(a)
		}
	}
	return sign * sum * h / 3
}

// ResetCaches drops the memoized kick-factor tables. Call after advancing
// the global clock so stale (t0, t1) pairs from a previous sync point are
// not reused.
func (tl *Timeline) ResetCaches() {
	tl.gravCache = make(map[[2]Ti]float64)
	tl.hydroCache = make(map[[2]Ti]float64)
}
