package timestep

import (
	"math"
	"testing"

	"github.com/phil-mansfield/tickstep/cosmo"
	"github.com/phil-mansfield/tickstep/particle"
	"github.com/phil-mansfield/tickstep/timeline"
	"github.com/stretchr/testify/assert"
)

func testSelector() (*Selector, *particle.Set) {
	c := &cosmo.Cosmology{Omega0: 0.3, OmegaBaryon: 0.05, OmegaCDM: 0.25, OmegaLambda: 0.7, H0: 1.0, G: 1.0}
	tl := timeline.New(c, 5.0/3.0, 1e-3, 1.0, 29)
	params := Params{
		ErrTolIntAccuracy: 0.025,
		CourantFac:        0.15,
		MaxSizeTimestep:   0.05,
		MinSizeTimestep:   0,
		TreeGravOn:        true,
	}
	params.Softening[particle.TypeHalo] = 0.01
	sel := New(params, tl, nil)
	sel.SetScaleFactor(1.0)

	set := &particle.Set{Base: make([]particle.Base, 1)}
	set.Base[0].Type = particle.TypeHalo
	set.Base[0].GravAccel = particle.Vec3{1, 0, 0}
	return sel, set
}

func TestScenario1SingleParticleGravityOnly(t *testing.T) {
	sel, set := testSelector()
	dloga := sel.GetTimestepDloga(set, 0, 1.0, 1.0)
	want := math.Sqrt(2 * 0.025 * 1.0 * 0.01 / 1.0)
	assert.InDelta(t, want, dloga, 1e-9)

	dti, bad := sel.GetTimestepTi(set, 0, sel.Timeline.Timebase(), 1.0, 1.0)
	assert.False(t, bad)
	bin := GetTimestepBin(RoundDownPowerOfTwo(dti))

	// Repeated calls with unchanged inputs must be stable.
	dti2, bad2 := sel.GetTimestepTi(set, 0, sel.Timeline.Timebase(), 1.0, 1.0)
	assert.False(t, bad2)
	assert.Equal(t, dti, dti2)
	assert.Equal(t, bin, GetTimestepBin(RoundDownPowerOfTwo(dti2)))
}

func TestRoundDownPowerOfTwoIdempotent(t *testing.T) {
	for _, x := range []uint32{0, 1, 2, 3, 5, 17, 1023, 1024, 1 << 20} {
		once := RoundDownPowerOfTwo(x)
		twice := RoundDownPowerOfTwo(once)
		assert.Equal(t, once, twice, "x=%d", x)
	}
}

func TestGetTimestepBinEdgeCases(t *testing.T) {
	assert.Equal(t, 0, GetTimestepBin(0))
	assert.Equal(t, -1, GetTimestepBin(1))
	for b := 1; b < 20; b++ {
		assert.Equal(t, b, GetTimestepBin(uint32(1)<<uint(b)), "bin %d", b)
	}
}

func TestBadStepDetectedOnHugeAcceleration(t *testing.T) {
	sel, set := testSelector()
	set.Base[0].GravAccel = particle.Vec3{1e30, 0, 0}

	_, bad := sel.GetTimestepTi(set, 0, sel.Timeline.Timebase(), 1.0, 1.0)
	assert.True(t, bad)
}

func TestTreeGravOffReturnsDtiMax(t *testing.T) {
	sel, set := testSelector()
	sel.Params.TreeGravOn = false
	dti, bad := sel.GetTimestepTi(set, 0, 4096, 1.0, 1.0)
	assert.False(t, bad)
	assert.EqualValues(t, 4096, dti)
}

func TestValidateRejectsFastParticleTypeZero(t *testing.T) {
	p := Params{FastParticleType: particle.TypeGas}
	assert.ErrorIs(t, p.Validate(), ErrFastParticleIsBaryon)

	p2 := Params{FastParticleType: particle.TypeHalo}
	assert.NoError(t, p2.Validate())
}
