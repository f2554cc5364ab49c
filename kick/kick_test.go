package kick

import (
	"math"
	"testing"

	"github.com/phil-mansfield/tickstep/bins"
	"github.com/phil-mansfield/tickstep/cosmo"
	"github.com/phil-mansfield/tickstep/particle"
	"github.com/phil-mansfield/tickstep/timeline"
	"github.com/phil-mansfield/tickstep/timestep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(maxPart int) (*Engine, *bins.Registry, *timeline.Timeline) {
	c := &cosmo.Cosmology{Omega0: 0.3, OmegaBaryon: 0.05, OmegaCDM: 0.25, OmegaLambda: 0.7, H0: 1.0, G: 1.0}
	tl := timeline.New(c, 5.0/3.0, 1e-3, 1.0, 29)
	reg := bins.NewRegistry(maxPart)

	params := timestep.Params{TreeGravOn: true, ErrTolIntAccuracy: 0.025, MaxSizeTimestep: 0.05}
	params.Softening[particle.TypeHalo] = 0.01
	sel := timestep.New(params, tl, nil)
	sel.SetScaleFactor(1.0)

	e := New(Config{Gamma: 5.0 / 3.0, MaxGasVel: 3e5, Workers: 1}, reg, sel, tl, nil)
	e.SetCosmologyFactors(1.0)
	return e, reg, tl
}

func TestScenario5GasVelocityCap(t *testing.T) {
	e, reg, _ := testEngine(10)

	set := &particle.Set{
		Base: []particle.Base{{Type: particle.TypeGas, SlotIndex: 0}},
		SPH:  []particle.SPHSlot{{}},
	}
	set.Base[0].Vel = particle.Vec3{2 * e.Config.MaxGasVel, 0, 0}

	var mask [bins.NumBins]bool
	mask[0] = true
	reg.SetTimebinActive(mask)
	reg.RebuildActiveList(set)

	err := e.ApplyHalfKick(set)
	require.NoError(t, err)

	vv := math.Sqrt(set.Base[0].Vel[0]*set.Base[0].Vel[0] + set.Base[0].Vel[1]*set.Base[0].Vel[1] + set.Base[0].Vel[2]*set.Base[0].Vel[2])
	assert.InDelta(t, e.Config.MaxGasVel, vv, 1e-6)
}

func TestGasEntropyFloorDiscardsRateTerm(t *testing.T) {
	e, reg, _ := testEngine(10)

	set := &particle.Set{
		Base: []particle.Base{{Type: particle.TypeGas, SlotIndex: 0, TimeBin: 3}},
		SPH:  []particle.SPHSlot{{Entropy: 1.0, DtEntropy: -1e8}},
	}

	var mask [bins.NumBins]bool
	mask[3] = true
	reg.SetTimebinActive(mask)
	reg.RebuildActiveList(set)

	err := e.ApplyHalfKick(set)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, set.SPHOf(0).Entropy, 1e-12)
}

func TestScenario6UpwardBinGuard(t *testing.T) {
	e, reg, _ := testEngine(10)
	e.PM.Start = 0
	e.PM.Step = 1 << 20

	var mask [bins.NumBins]bool
	for b := 0; b <= 4; b++ {
		mask[b] = true
	}
	reg.SetTimebinActive(mask)

	// GravAccel is tuned so the real gravity criterion rounds down to bin
	// 6 (dti in [64,127)): with eta=0.025, softening=0.01, a=1, hubble=1,
	// |a|=3e8 gives dloga ~= 1.29e-6, raw dti ~= 100.
	set := &particle.Set{
		Base: []particle.Base{{Type: particle.TypeHalo, TimeBin: 3}},
	}
	set.Base[0].GravAccel = particle.Vec3{3e8, 0, 0}

	reg.RebuildActiveList(set)

	g := Globals{A: 1, A2Inv: 1, A3Inv: 1, Hubble: 1}
	err := e.AdvanceAndFindTimesteps(set, 0, g, 0.05, 0.25, 1.0, false)
	require.NoError(t, err)

	// Only bins 0-4 are active, so the guard must walk the requested bin 6
	// down to 4 rather than promoting the particle into an inactive bin.
	assert.Equal(t, 4, set.Base[0].TimeBin)
}

func TestBadStepTerminatesRun(t *testing.T) {
	e, reg, _ := testEngine(10)

	set := &particle.Set{Base: []particle.Base{{Type: particle.TypeHalo}}}
	set.Base[0].GravAccel = particle.Vec3{1e30, 0, 0}

	var mask [bins.NumBins]bool
	mask[0] = true
	reg.SetTimebinActive(mask)
	reg.RebuildActiveList(set)

	g := Globals{A: 1, A2Inv: 1, A3Inv: 1, Hubble: 1}
	err := e.AdvanceAndFindTimesteps(set, 0, g, 0.05, 0.25, 1.0, false)
	require.Error(t, err)
	var ferr *FatalError
	require.ErrorAs(t, err, &ferr)
}

func TestPMBoundaryCoincidentWithShortRangeKick(t *testing.T) {
	e, reg, _ := testEngine(10)
	e.PM.Start = 0
	e.PM.Step = 1 << 10

	set := &particle.Set{Base: []particle.Base{{Type: particle.TypeHalo, Mass: 1}}}
	set.Base[0].GravAccel = particle.Vec3{0.001, 0, 0}

	var mask [bins.NumBins]bool
	mask[0] = true
	mask[10] = true
	reg.SetTimebinActive(mask)
	reg.RebuildActiveList(set)

	tiCurrent := uint32(1 << 10)
	g := Globals{A: 1, A2Inv: 1, A3Inv: 1, Hubble: 1}

	require.True(t, e.PM.IsPMTimestep(tiCurrent))

	err := e.AdvanceAndFindTimesteps(set, tiCurrent, g, 0.05, 0.25, 1.0, false)
	require.NoError(t, err)

	assert.EqualValues(t, tiCurrent, e.PM.Start)
}

func TestApplyHalfKickDoesNotAdvanceClock(t *testing.T) {
	e, reg, _ := testEngine(10)
	e.PM.Start = 0
	e.PM.Step = 64

	set := &particle.Set{Base: []particle.Base{{Type: particle.TypeHalo, TimeBin: 3}}}
	var mask [bins.NumBins]bool
	mask[3] = true
	reg.SetTimebinActive(mask)
	reg.RebuildActiveList(set)

	beforeBegstep := set.Base[0].TiBegstep
	err := e.ApplyHalfKick(set)
	require.NoError(t, err)

	assert.Equal(t, beforeBegstep, set.Base[0].TiBegstep)
	assert.EqualValues(t, 0, e.PM.Start)
	assert.EqualValues(t, 64, e.PM.Step)
}

func TestDoTheLongRangeKickTouchesAllParticles(t *testing.T) {
	e, _, _ := testEngine(10)
	set := &particle.Set{Base: make([]particle.Base, 5)}
	for i := range set.Base {
		set.Base[i].GravPM = particle.Vec3{1, 2, 3}
	}
	e.DoTheLongRangeKick(set, 0, 100)

	for i := range set.Base {
		assert.NotZero(t, set.Base[i].Vel[0], "particle %d not kicked", i)
	}
}

func TestDebugKickMismatchIsFatal(t *testing.T) {
	e, reg, _ := testEngine(10)
	e.Config.Debug = true

	set := &particle.Set{Base: []particle.Base{{Type: particle.TypeHalo, TiKick: 999}}}
	var mask [bins.NumBins]bool
	mask[0] = true
	reg.SetTimebinActive(mask)
	reg.RebuildActiveList(set)

	err := e.ApplyHalfKick(set)
	require.Error(t, err)
}
