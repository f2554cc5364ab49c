package bins

import (
	"testing"

	"github.com/phil-mansfield/tickstep/particle"
	"github.com/stretchr/testify/assert"
)

func makeSet(n int, bin int) *particle.Set {
	s := &particle.Set{Base: make([]particle.Base, n)}
	for i := range s.Base {
		s.Base[i].TimeBin = bin
		s.Base[i].Type = particle.TypeHalo
	}
	return s
}

func TestRebuildActiveListAccounting(t *testing.T) {
	r := NewRegistry(100)
	set := makeSet(10, 3)
	for i := 5; i < 10; i++ {
		set.Base[i].TimeBin = 5
	}

	var mask [NumBins]bool
	mask[3] = true
	r.SetTimebinActive(mask)

	r.RebuildActiveList(set)

	assert.EqualValues(t, 5, r.Count(3))
	assert.EqualValues(t, 5, r.Count(5))
	assert.EqualValues(t, 10, r.TotalCount())
	assert.Equal(t, 5, r.NumActiveParticle())

	for _, idx := range r.ActiveParticle() {
		assert.Equal(t, 3, set.Base[idx].TimeBin)
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	r := NewRegistry(100)
	set := makeSet(20, 2)
	var mask [NumBins]bool
	mask[2] = true
	r.SetTimebinActive(mask)

	r.RebuildActiveList(set)
	first := append([]int32(nil), r.ActiveParticle()...)
	r.RebuildActiveList(set)
	second := r.ActiveParticle()

	assert.Equal(t, first, second)
}

func TestUpdateActiveTimebinsAlwaysActivatesBinZero(t *testing.T) {
	r := NewRegistry(10)
	set := makeSet(4, 0)
	r.RebuildActiveList(set)

	r.UpdateActiveTimebins(8)
	assert.True(t, r.IsTimebinActive(0))
}

func TestUpdateActiveTimebinsDivisibility(t *testing.T) {
	r := NewRegistry(10)
	set := makeSet(0, 0)
	r.RebuildActiveList(set)

	r.UpdateActiveTimebins(24) // 24 = 8*3 = 16+8

	assert.True(t, r.IsTimebinActive(0))
	assert.True(t, r.IsTimebinActive(3)) // 2^3=8 divides 24
	assert.False(t, r.IsTimebinActive(4)) // 2^4=16 does not divide 24
}

func TestMigrateBinAtomicBookkeeping(t *testing.T) {
	r := NewRegistry(10)
	set := makeSet(4, 2)
	var mask [NumBins]bool
	mask[2] = true
	r.SetTimebinActive(mask)
	r.RebuildActiveList(set)

	r.MigrateBin(particle.TypeHalo, 2, 4)

	assert.EqualValues(t, 3, r.Count(2))
	assert.EqualValues(t, 1, r.Count(4))
	assert.EqualValues(t, 3, r.CountType(particle.TypeHalo, 2))
	assert.EqualValues(t, 1, r.CountType(particle.TypeHalo, 4))
}

func TestHistogramKeyDeterministic(t *testing.T) {
	a := HistogramKey(1, 5)
	b := HistogramKey(1, 5)
	c := HistogramKey(2, 5)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
