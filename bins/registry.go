// Package bins implements the Bin Registry: bookkeeping of bin
// populations, the active-bin mask, and the flat active-particle list
//.
package bins

import (
	"sync/atomic"

	"github.com/phil-mansfield/tickstep/particle"
)

// NumBins is TIMEBINS, the compile-time bound on bin index.
// 30 matches the reference implementation's TIMEBINS for a 29-bit TIMEBASE.
const NumBins = 30

// Registry holds the per-bin counts, the active mask, and the reusable
// active-particle list. All bin-count mutation goes through atomic
// fetch-add, since it is the one state shared across the thread-parallel
// kick loop.
type Registry struct {
	count     [NumBins]atomic.Int64
	countType [particle.NumTypes][NumBins]atomic.Int64
	active    [NumBins]bool

	activeParticle []int32
	maxPart        int
}

// NewRegistry preallocates the active-particle list to hold up to maxPart
// indices, per "Shared resource policy": allocated once, reused
// across syncs.
func NewRegistry(maxPart int) *Registry {
	return &Registry{
		activeParticle: make([]int32, 0, maxPart),
		maxPart:        maxPart,
	}
}

// Count returns the current population of bin b.
func (r *Registry) Count(b int) int64 { return r.count[b].Load() }

// CountType returns the current population of bin b restricted to type t.
func (r *Registry) CountType(t particle.Type, b int) int64 {
	return r.countType[t][b].Load()
}

// IsTimebinActive reports whether bin b is part of the active mask.
func (r *Registry) IsTimebinActive(b int) bool { return r.active[b] }

// ActiveParticle returns the flat list of currently active particle
// indices. The slice is reused across calls to RebuildActiveList and must
// not be retained past the next rebuild.
func (r *Registry) ActiveParticle() []int32 { return r.activeParticle }

// NumActiveParticle returns len(ActiveParticle()).
func (r *Registry) NumActiveParticle() int { return len(r.activeParticle) }

// SetTimebinActive installs an explicit active mask, used by the driver
// when replaying bin activity from a restart.
func (r *Registry) SetTimebinActive(mask [NumBins]bool) {
	r.active = mask
}

// RebuildActiveList zeroes all bin counts, then for every local particle
// increments TimeBinCount[TimeBin] (and the per-type count) and, if that
// bin is active, appends the particle to ActiveParticle. Idempotent given
// unchanged inputs. Not thread-safe with itself: called once per sync
// point, never concurrently with another RebuildActiveList or with the
// kick engine's bin-migrating loop.
func (r *Registry) RebuildActiveList(set *particle.Set) {
	for b := 0; b < NumBins; b++ {
		r.count[b].Store(0)
		for t := particle.Type(0); t < particle.NumTypes; t++ {
			r.countType[t][b].Store(0)
		}
	}

	r.activeParticle = r.activeParticle[:0]

	for i := range set.Base {
		b := set.Base[i].TimeBin
		if r.active[b] {
			r.activeParticle = append(r.activeParticle, int32(i))
		}
		r.count[b].Add(1)
		r.countType[set.Base[i].Type][b].Add(1)
	}
}

// UpdateActiveTimebins marks bin b active iff nextKickTi is a multiple of
// 2^b. Bin 0 is always active (the short-range "always-on" set). Returns
// the total number of particles that will need a force update, i.e. the
// sum of TimeBinCount over the newly active bins.
func (r *Registry) UpdateActiveTimebins(nextKickTi uint32) int64 {
	r.active[0] = true
	numForceUpdate := r.count[0].Load()

	for b := 1; b < NumBins; b++ {
		dtiBin := uint32(1) << uint(b)
		if nextKickTi%dtiBin == 0 {
			r.active[b] = true
			numForceUpdate += r.count[b].Load()
		} else {
			r.active[b] = false
		}
	}
	return numForceUpdate
}

// MigrateBin atomically moves one particle's bin-count bookkeeping from
// binOld to binNew. Concurrently safe with other MigrateBin calls on
// distinct particles.
func (r *Registry) MigrateBin(t particle.Type, binOld, binNew int) {
	r.count[binOld].Add(-1)
	r.count[binNew].Add(1)
	r.countType[t][binOld].Add(-1)
	r.countType[t][binNew].Add(1)
}

// TotalCount sums TimeBinCount across all bins, for the
// Σ_b TimeBinCount[b] == NumPart invariant.
func (r *Registry) TotalCount() int64 {
	var total int64
	for b := 0; b < NumBins; b++ {
		total += r.count[b].Load()
	}
	return total
}
