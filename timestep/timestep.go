// Package timestep implements the Timestep Selector: the per-particle
// physical-criteria step estimate and its power-of-two bin rounding, plus
// the long-range (PM) step estimator.
package timestep

import (
	"math"

	"github.com/phil-mansfield/tickstep/comm"
	"github.com/phil-mansfield/tickstep/particle"
	"github.com/phil-mansfield/tickstep/timeline"
)

// Params bundles the configuration options the selector consults.
type Params struct {
	ErrTolIntAccuracy float64 // eta, gravity criterion
	CourantFac        float64
	MaxSizeTimestep   float64
	MinSizeTimestep   float64

	MaxRMSDisplacementFac float64
	Asmth                 float64
	Nmesh                 float64
	BoxSize               float64

	TreeGravOn          bool
	AdaptiveGravSoftGas bool

	StarformationOn  bool
	FastParticleType particle.Type

	Gamma float64

	// Softening is the comoving softening length per type, All.SofteningTable
	// in the reference (already clamped by set_softenings).
	Softening [particle.NumTypes]float64
}

// Selector computes per-particle desired steps and the PM super-step
// estimate. It holds no mutable state of its own beyond a reference to the
// shared Timeline (for conversions and Hubble access).
type Selector struct {
	Params   Params
	Timeline *timeline.Timeline
	Cluster  comm.Cluster

	scaleFactor float64
}

// ErrFastParticleIsBaryon is returned by Params.Validate when
// FastParticleType is configured as the baryon bucket (type 0), which would
// silently exempt the baryon PM criterion from ever constraining the PM
// step.
var ErrFastParticleIsBaryon = errorString("timestep: FastParticleType must not be the baryon type (0)")

type errorString string

func (e errorString) Error() string { return string(e) }

// Validate rejects FastParticleType == 0, which would exclude the baryon
// bucket (gas, and stars/BH when merged in) from the PM rms criterion
// entirely rather than bounding it by a distinct fast-particle species.
func (p *Params) Validate() error {
	if p.FastParticleType == particle.TypeGas {
		return ErrFastParticleIsBaryon
	}
	return nil
}

// New builds a Selector.
func New(p Params, tl *timeline.Timeline, cluster comm.Cluster) *Selector {
	if cluster == nil {
		cluster = comm.Single{}
	}
	return &Selector{Params: p, Timeline: tl, Cluster: cluster}
}

// GetTimestepDloga implements get_timestep_dloga: the physically-motivated
// dloga step for particle p in set, before tick conversion and clamping.
func (s *Selector) GetTimestepDloga(set *particle.Set, p int, a2inv, hubble float64) float64 {
	b := &set.Base[p]

	ax := a2inv * (b.GravAccel[0] + b.GravPM[0])
	ay := a2inv * (b.GravAccel[1] + b.GravPM[1])
	az := a2inv * (b.GravAccel[2] + b.GravPM[2])

	if b.Type == particle.TypeGas {
		sph := set.SPHOf(p)
		fac2 := 1 / math.Pow(s.timeA(), 3*s.Params.Gamma-2)
		ax += fac2 * sph.HydroAccel[0]
		ay += fac2 * sph.HydroAccel[1]
		az += fac2 * sph.HydroAccel[2]
	}

	ac := math.Sqrt(ax*ax + ay*ay + az*az)
	if ac == 0 {
		ac = 1e-30
	}

	a := s.timeA()
	eps := s.Params.Softening[b.Type]
	var sph *particle.SPHSlot
	if b.Type == particle.TypeGas {
		sph = set.SPHOf(p)
		if s.Params.AdaptiveGravSoftGas {
			eps = sph.Hsml / 2.8
		}
	}

	dt := math.Sqrt(2 * s.Params.ErrTolIntAccuracy * a * eps / ac)

	if b.Type == particle.TypeGas {
		fac3 := math.Pow(a, 3*(1-s.Params.Gamma)/2.0)
		dtCourant := 2 * s.Params.CourantFac * a * sph.Hsml / (fac3 * sph.MaxSignalVel)
		if dtCourant < dt {
			dt = dtCourant
		}
	}

	if b.Type == particle.TypeBndry {
		bh := set.BHOf(p)
		if bh.Mdot > 0 && bh.Mass > 0 {
			dtAccr := 0.25 * bh.Mass / bh.Mdot
			if dtAccr < dt {
				dt = dtAccr
			}
		}
		if bh.TimeBinLimit > 0 {
			dtLimiter := s.Timeline.GetDlogaForBin(bh.TimeBinLimit) / hubble
			if dtLimiter < dt {
				dt = dtLimiter
			}
		}
	}

	return dt * hubble
}

// timeA returns the current scale factor (All.Time in the reference).
// GetTimestepTi and GetTimestepDloga receive a2inv and hubble but not a
// itself, so Selector keeps a cached copy set by SetScaleFactor.
func (s *Selector) timeA() float64 { return s.scaleFactor }

// SetScaleFactor records the current scale factor a = All.Time, consulted
// by GetTimestepDloga. The integrator calls this once per set_global_time.
func (s *Selector) SetScaleFactor(a float64) { s.scaleFactor = a }

// GetTimestepTi implements get_timestep_ti: converts the physical dloga
// estimate to ticks, clips to dtiMax, and flags a bad step if the result is
// <=1 or exceeds TIMEBASE.
//
// dtiMax is usually the current PM step. If TreeGravOn is false, dtiMax is
// returned directly.
func (s *Selector) GetTimestepTi(set *particle.Set, p int, dtiMax uint32, a2inv, hubble float64) (dti uint32, bad bool) {
	if dtiMax == 0 {
		return 0, false
	}
	if !s.Params.TreeGravOn {
		return dtiMax, false
	}

	dloga := s.GetTimestepDloga(set, p, a2inv, hubble)
	if dloga < s.Params.MinSizeTimestep {
		dloga = s.Params.MinSizeTimestep
	}

	raw, err := s.Timeline.DtiFromDloga(dloga)
	if err != nil {
		return 0, true
	}
	if raw > dtiMax {
		raw = dtiMax
	}
	if raw <= 1 || raw > s.Timeline.Timebase() {
		return raw, true
	}
	return raw, false
}

// RoundDownPowerOfTwo implements round_down_power_of_two: the largest
// power of two not exceeding x (0 maps to 0). Idempotent:
// RoundDownPowerOfTwo(RoundDownPowerOfTwo(x)) == RoundDownPowerOfTwo(x).
func RoundDownPowerOfTwo(x uint32) uint32 {
	if x == 0 {
		return 0
	}
	b := 0
	for v := x; v > 1; v >>= 1 {
		b++
	}
	return 1 << uint(b)
}

// GetTimestepBin implements get_timestep_bin: dti==0 maps to bin 0, dti==1
// is the illegal/too-small sentinel (bin -1), otherwise returns
// floor(log2(dti)).
func GetTimestepBin(dti uint32) int {
	if dti == 0 {
		return 0
	}
	if dti == 1 {
		return -1
	}
	bin := -1
	for v := dti; v != 0; v >>= 1 {
		bin++
	}
	return bin
}

// TypeSample is one type's aggregated state for the PM rms criterion: the
// count, summed squared velocity, and minimum positive mass across all
// ranks.
type TypeSample struct {
	Count    int64
	VSqSum   float64
	MinMass  float64
}

// GetLongRangeTimestepDloga implements get_long_range_timestep_dloga: the
// coarse PM cadence derived from the rms velocity and mean inter-particle
// spacing of each type, minimized over types (excluding the fast-particle
// type), merging gas+stars(+BH) into the baryon bucket when star formation
// is on.
func (s *Selector) GetLongRangeTimestepDloga(set *particle.Set, omegaBaryon, omegaCDM, rhoCrit, a, hubble float64) float64 {
	var local [particle.NumTypes]TypeSample
	for t := range local {
		local[t].MinMass = 1e30
	}

	for i := range set.Base {
		b := &set.Base[i]
		local[b.Type].Count++
		local[b.Type].VSqSum += b.Vel[0]*b.Vel[0] + b.Vel[1]*b.Vel[1] + b.Vel[2]*b.Vel[2]
		if b.Mass > 0 && b.Mass < local[b.Type].MinMass {
			local[b.Type].MinMass = b.Mass
		}
	}

	globalCount := make([]int64, particle.NumTypes)
	globalV := make([]float64, particle.NumTypes)
	globalMinMass := make([]float64, particle.NumTypes)
	for t := 0; t < particle.NumTypes; t++ {
		globalCount[t] = s.Cluster.AllReduceSumInt64(local[t].Count)
		globalV[t] = s.Cluster.AllReduceSumFloat64(local[t].VSqSum)
		globalMinMass[t] = s.Cluster.AllReduceMinFloat64(local[t].MinMass)
	}

	if s.Params.StarformationOn {
		gas, stars, bh := particle.TypeGas, particle.TypeStars, particle.TypeBndry
		globalV[gas] += globalV[stars]
		globalCount[gas] += globalCount[stars]
		globalV[stars] = globalV[gas]
		globalCount[stars] = globalCount[gas]

		globalV[gas] += globalV[bh]
		globalCount[gas] += globalCount[bh]
		globalV[bh] = globalV[gas]
		globalCount[bh] = globalCount[gas]
		globalMinMass[bh] = globalMinMass[gas]
	}

	dloga := s.Params.MaxSizeTimestep
	asmth := s.Params.Asmth * s.Params.BoxSize / s.Params.Nmesh

	for t := 0; t < particle.NumTypes; t++ {
		if globalCount[t] == 0 {
			continue
		}
		var omega float64
		switch {
		case t == int(particle.TypeGas):
			omega = omegaBaryon
		case t == int(particle.TypeStars) && s.Params.StarformationOn:
			omega = omegaBaryon
		case t == int(particle.TypeBndry) && s.Params.StarformationOn:
			omega = omegaBaryon
		default:
			omega = omegaCDM
		}

		dmean := math.Cbrt(globalMinMass[t] / (omega * rhoCrit))
		rms := math.Sqrt(globalV[t] / float64(globalCount[t]))
		if rms == 0 {
			continue
		}
		dloga1 := s.Params.MaxRMSDisplacementFac * hubble * a * a * math.Min(asmth, dmean) / rms

		if particle.Type(t) != s.Params.FastParticleType && dloga1 < dloga {
			dloga = dloga1
		}
	}

	return dloga
}

// GetLongRangeTimestepTi converts GetLongRangeTimestepDloga's result to
// ticks, rounded down to a power of two.
func (s *Selector) GetLongRangeTimestepTi(set *particle.Set, omegaBaryon, omegaCDM, rhoCrit, a, hubble float64) (uint32, error) {
	dloga := s.GetLongRangeTimestepDloga(set, omegaBaryon, omegaCDM, rhoCrit, a, hubble)
	dti, err := s.Timeline.DtiFromDloga(dloga)
	if err != nil {
		return 0, err
	}
	return RoundDownPowerOfTwo(dti), nil
}
