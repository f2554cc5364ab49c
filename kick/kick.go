// Package kick implements the Kick Engine: the three public entry points
// (AdvanceAndFindTimesteps, ApplyHalfKick, and the short/long-range kick
// bodies) plus the drift-time predictors.
package kick

import (
	"math"
	"runtime"
	stdsync "sync"

	"github.com/phil-mansfield/tickstep/bins"
	"github.com/phil-mansfield/tickstep/comm"
	"github.com/phil-mansfield/tickstep/particle"
	"github.com/phil-mansfield/tickstep/timeline"
	"github.com/phil-mansfield/tickstep/timestep"
)

// FatalError models a terminal, not locally recoverable condition
// discovered mid-kick. The driver is expected to log it and stop.
type FatalError struct {
	Code int
	Msg  string
}

func (e *FatalError) Error() string { return e.Msg }

// PMState is the long-range super-step: the current interval is
// [Start, Start+Step).
type PMState struct {
	Start uint32
	Step  uint32
}

// IsPMTimestep reports whether ti is the PM boundary.
func (pm *PMState) IsPMTimestep(ti uint32) bool { return ti == pm.Start+pm.Step }

// Globals bundles the derived cosmology factors the integrator recomputes
// whenever the global scale factor advances: a2inv, a3inv, fac_egy,
// hubble, hubble_a2.
type Globals struct {
	A         float64
	A2Inv     float64
	A3Inv     float64
	FacEgy    float64
	Hubble    float64
	HubbleA2  float64
}

// Config bundles the kick-engine-specific options not already owned by
// timestep.Params.
type Config struct {
	ForceEqualTimesteps bool
	MakeGlassFile       bool

	MaxGasVel    float64
	MinEgySpec   float64
	Gamma        float64

	// Debug enables the Ti_kick desync self-check from the reference
	// DEBUG build.
	Debug bool

	// Workers bounds the number of goroutines used for the data-parallel
	// particle loops. Zero means runtime.NumCPU().
	Workers int
}

// Engine ties the Bin Registry, Timestep Selector, Timeline, and cluster
// collectives together behind AdvanceAndFindTimesteps and ApplyHalfKick.
// It holds the PM super-step, which is the core's own mutable state.
type Engine struct {
	Config   Config
	Registry *bins.Registry
	Selector *timestep.Selector
	Timeline *timeline.Timeline
	Cluster  comm.Cluster

	PM PMState

	// BadStepSizeCount accumulates locally across a call to
	// AdvanceAndFindTimesteps, then is all-reduced (summed) at the end.
	BadStepSizeCount int

	// a3inv/a3invSqrt cache the current 1/a^3 and its square root, set by
	// SetCosmologyFactors (which AdvanceAndFindTimesteps calls on entry with
	// Globals.A3Inv), consulted by doShortRangeKick's entropy floor and
	// velocity cap.
	a3inv     float64
	a3invSqrt float64
}

// New builds an Engine. If cluster is nil, a single-rank comm.Single is
// used.
func New(cfg Config, reg *bins.Registry, sel *timestep.Selector, tl *timeline.Timeline, cluster comm.Cluster) *Engine {
	if cluster == nil {
		cluster = comm.Single{}
	}
	return &Engine{Config: cfg, Registry: reg, Selector: sel, Timeline: tl, Cluster: cluster}
}

func (e *Engine) workers() int {
	if e.Config.Workers > 0 {
		return e.Config.Workers
	}
	return runtime.NumCPU()
}

// parallelFor splits [0, n) across up to `workers` goroutines: spawn
// workers-1 goroutines, run the last chunk on the calling goroutine, then
// wait for everyone.
// Each worker gets a contiguous [lo, hi) range so per-particle writes never
// alias across goroutines.
func parallelFor(n, workers int, body func(lo, hi int)) {
	if n == 0 {
		return
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		body(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg stdsync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			continue
		}
		if w == workers-1 {
			body(lo, hi)
			continue
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			body(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// AdvanceAndFindTimesteps implements advance_and_find_timesteps. Must be
// called once per sync point, after force kernels have refreshed
// GravAccel/HydroAccel/GravPM for the currently active particles.
//
// omegaBaryon, omegaCDM, rhoCrit feed the PM rms criterion; g holds the
// derived cosmology factors from set_global_time.
func (e *Engine) AdvanceAndFindTimesteps(
	set *particle.Set, tiCurrent uint32, g Globals,
	omegaBaryon, omegaCDM, rhoCrit float64,
	doHalfKick bool,
) error {
	if e.Config.MakeGlassFile {
		return &FatalError{Code: 1, Msg: "glass-file inversion is out of scope for this core"}
	}

	e.SetCosmologyFactors(g.A3Inv)

	newPMStep := e.PM.Step
	if e.PM.IsPMTimestep(tiCurrent) {
		step, err := e.Selector.GetLongRangeTimestepTi(set, omegaBaryon, omegaCDM, rhoCrit, g.A, g.Hubble)
		if err != nil {
			return err
		}
		newPMStep = step
	}

	active := e.Registry.ActiveParticle()
	n := len(active)

	var tiMinGlob uint32 = e.Timeline.Timebase()
	if e.Config.ForceEqualTimesteps && n > 0 {
		var mu stdsync.Mutex
		tiMin := e.Timeline.Timebase()
		parallelFor(n, e.workers(), func(lo, hi int) {
			localMin := e.Timeline.Timebase()
			for _, idx := range active[lo:hi] {
				dti, _ := e.Selector.GetTimestepTi(set, int(idx), newPMStep, g.A2Inv, g.Hubble)
				if dti < localMin {
					localMin = dti
				}
			}
			mu.Lock()
			if localMin < tiMin {
				tiMin = localMin
			}
			mu.Unlock()
		})
		tiMinGlob = uint32(e.Cluster.AllReduceMinInt64(int64(tiMin)))
	}

	badStepSizeCount := 0
	var badMu stdsync.Mutex
	var kickErr error

	parallelFor(n, e.workers(), func(lo, hi int) {
		localBad := 0
		for _, idx32 := range active[lo:hi] {
			i := int(idx32)
			var dti uint32
			if e.Config.ForceEqualTimesteps {
				dti = tiMinGlob
			} else {
				d, bad := e.Selector.GetTimestepTi(set, i, newPMStep, g.A2Inv, g.Hubble)
				dti = d
				if bad {
					localBad++
				}
			}
			dti = timestep.RoundDownPowerOfTwo(dti)
			bin := timestep.GetTimestepBin(dti)
			if bin < 1 {
				localBad++
				if bin < 0 {
					bin = 0
				}
			}

			binOld := set.Base[i].TimeBin

			if bin > binOld {
				// Upward movement guard: never
				// promote a particle into a currently-inactive bin.
				for bin > binOld && !e.Registry.IsTimebinActive(bin) {
					bin--
				}
			}

			if bin != binOld {
				e.Registry.MigrateBin(set.Base[i].Type, binOld, bin)
				set.Base[i].TimeBin = bin
			}

			var dtiNew uint32
			if bin > 0 {
				dtiNew = uint32(1) << uint(bin)
			}
			var dtiOld uint32
			if binOld > 0 {
				dtiOld = uint32(1) << uint(binOld)
			}

			tistart := timeline.GetKickTi(set.Base[i].TiBegstep, dtiOld)
			tiend := timeline.GetKickTi(set.Base[i].TiBegstep+dtiOld, dtiNew)
			if doHalfKick {
				tiend = set.Base[i].TiBegstep + dtiOld
			}

			set.Base[i].TiBegstep += dtiOld

			if err := e.doShortRangeKick(set, i, tistart, tiend); err != nil {
				badMu.Lock()
				if kickErr == nil {
					kickErr = err
				}
				badMu.Unlock()
			}
		}
		badMu.Lock()
		badStepSizeCount += localBad
		badMu.Unlock()
	})

	if kickErr != nil {
		return kickErr
	}

	badGlobal := e.Cluster.AllReduceSumInt64(int64(badStepSizeCount))
	e.BadStepSizeCount = int(badGlobal)
	if badGlobal != 0 {
		return &FatalError{Code: 0, Msg: "bad timestep spotted: terminating and saving snapshot"}
	}

	if e.PM.IsPMTimestep(tiCurrent) {
		tistart := timeline.GetKickTi(e.PM.Start, e.PM.Step)
		tiend := timeline.GetKickTi(e.PM.Start+e.PM.Step, newPMStep)
		if doHalfKick {
			tiend = e.PM.Start + e.PM.Step
		}
		e.DoTheLongRangeKick(set, tistart, tiend)
		e.PM.Start += e.PM.Step
		e.PM.Step = newPMStep
	}

	return nil
}

// ApplyHalfKick implements apply_half_kick: used after writing a snapshot
// that was written with only a half-kick applied. Does not advance
// Ti_begstep or the PM super-step.
func (e *Engine) ApplyHalfKick(set *particle.Set) error {
	active := e.Registry.ActiveParticle()
	var mu stdsync.Mutex
	var kickErr error
	parallelFor(len(active), e.workers(), func(lo, hi int) {
		for _, idx32 := range active[lo:hi] {
			i := int(idx32)
			bin := set.Base[i].TimeBin
			var dti uint32
			if bin > 0 {
				dti = uint32(1) << uint(bin)
			}
			tistart := set.Base[i].TiBegstep
			tiend := timeline.GetKickTi(set.Base[i].TiBegstep, dti)
			if err := e.doShortRangeKick(set, i, tistart, tiend); err != nil {
				mu.Lock()
				if kickErr == nil {
					kickErr = err
				}
				mu.Unlock()
			}
		}
	})
	if kickErr != nil {
		return kickErr
	}

	tistart := e.PM.Start
	tiend := timeline.GetKickTi(e.PM.Start, e.PM.Step)
	e.DoTheLongRangeKick(set, tistart, tiend)
	return nil
}

// DoTheLongRangeKick implements do_the_long_range_kick: every local
// particle (not just active ones) receives Vel += GravPM * Fgravkick.
func (e *Engine) DoTheLongRangeKick(set *particle.Set, tistart, tiend uint32) {
	fgravkick := e.Timeline.GetGravKickFactor(tistart, tiend)
	n := set.Len()
	parallelFor(n, e.workers(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			for j := 0; j < 3; j++ {
				set.Base[i].Vel[j] += set.Base[i].GravPM[j] * fgravkick
			}
		}
	})
}

// doShortRangeKick implements do_the_short_range_kick. Only touches
// particle i, so it is safe to call from many goroutines concurrently as
// long as each i is owned by exactly one goroutine.
func (e *Engine) doShortRangeKick(set *particle.Set, i int, tistart, tiend uint32) error {
	fgravkick := e.Timeline.GetGravKickFactor(tistart, tiend)

	if e.Config.Debug {
		if set.Base[i].TiKick != tistart {
			return &FatalError{Code: 1, Msg: "Ti kick mismatch"}
		}
		set.Base[i].TiKick = tiend
	}

	for j := 0; j < 3; j++ {
		set.Base[i].Vel[j] += set.Base[i].GravAccel[j] * fgravkick
	}

	if set.Base[i].Type != particle.TypeGas {
		return nil
	}

	sph := set.SPHOf(i)
	fhydrokick := e.Timeline.GetHydroKickFactor(tistart, tiend)
	dtEntr := e.Timeline.DlogaFromDti(tiend - tistart)

	for j := 0; j < 3; j++ {
		set.Base[i].Vel[j] += sph.HydroAccel[j] * fhydrokick
	}

	velfac := e.a3invSqrt

	vv := 0.0
	for j := 0; j < 3; j++ {
		vv += set.Base[i].Vel[j] * set.Base[i].Vel[j]
	}
	vv = math.Sqrt(vv)

	if cap := e.Config.MaxGasVel * velfac; vv > cap && vv > 0 {
		for j := 0; j < 3; j++ {
			set.Base[i].Vel[j] *= cap / vv
		}
	}

	if sph.DtEntropy*dtEntr < -0.5*sph.Entropy {
		sph.Entropy *= 0.5
	} else {
		sph.Entropy += sph.DtEntropy * dtEntr
	}

	if e.Config.MinEgySpec != 0 {
		minEntropy := e.Config.MinEgySpec * (e.Config.Gamma - 1) / math.Pow(sph.EOMDensity*e.a3inv, e.Config.Gamma-1)
		if sph.Entropy < minEntropy {
			sph.Entropy = minEntropy
			sph.DtEntropy = 0
		}
	}

	dtEntrNext := e.Timeline.GetDlogaForBin(set.Base[i].TimeBin) / 2
	if sph.DtEntropy*dtEntrNext < -0.5*sph.Entropy {
		sph.DtEntropy = -0.5 * sph.Entropy / dtEntrNext
	}

	return nil
}

// SetCosmologyFactors records a3inv = 1/a^3, consulted by doShortRangeKick
// so Globals doesn't need to be threaded through every kick call.
func (e *Engine) SetCosmologyFactors(a3inv float64) {
	e.a3inv = a3inv
	e.a3invSqrt = math.Sqrt(a3inv)
}

// GetShortKickTime implements get_short_kick_time: the midpoint of
// particle i's current step.
func (e *Engine) GetShortKickTime(set *particle.Set, i int) uint32 {
	bin := set.Base[i].TimeBin
	var dti uint32
	if bin > 0 {
		dti = uint32(1) << uint(bin)
	}
	return timeline.GetKickTi(set.Base[i].TiBegstep, dti)
}

// SphVelPred implements sph_VelPred: the predicted velocity at the drift
// time, accounting for gravity and hydro forces not yet kicked in.
func (e *Engine) SphVelPred(set *particle.Set, i int) particle.Vec3 {
	ti := set.Base[i].TiDrift
	shortKick := e.GetShortKickTime(set, i)
	fgravkick2 := e.Timeline.GetGravKickFactor(ti, shortKick)
	fhydrokick2 := e.Timeline.GetHydroKickFactor(ti, shortKick)
	fgravkickB := e.Timeline.GetGravKickFactor(ti, timeline.GetKickTi(e.PM.Start, e.PM.Step))

	sph := set.SPHOf(i)
	var out particle.Vec3
	for j := 0; j < 3; j++ {
		out[j] = set.Base[i].Vel[j] -
			fgravkick2*set.Base[i].GravAccel[j] -
			set.Base[i].GravPM[j]*fgravkickB -
			fhydrokick2*sph.HydroAccel[j]
	}
	return out
}

// EntropyPred implements EntropyPred for the density-independent-SPH
// predictor.
func (e *Engine) EntropyPred(set *particle.Set, i int) float64 {
	ti := set.Base[i].TiDrift
	fentr := e.Timeline.DlogaFromDti(ti - e.GetShortKickTime(set, i))
	sph := set.SPHOf(i)
	return math.Pow(sph.Entropy+sph.DtEntropy*fentr, 1/e.Config.Gamma)
}

// PressurePred implements PressurePred: the density-independent entropy
// form P = (A + dA*dlogA) * rho_EOM^gamma.
func (e *Engine) PressurePred(set *particle.Set, i int) float64 {
	ti := set.Base[i].TiDrift
	fentr := e.Timeline.DlogaFromDti(ti - e.GetShortKickTime(set, i))
	sph := set.SPHOf(i)
	return (sph.Entropy + sph.DtEntropy*fentr) * math.Pow(sph.EOMDensity, e.Config.Gamma)
}
