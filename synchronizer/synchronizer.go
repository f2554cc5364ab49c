// Package synchronizer implements the Synchronizer: finding the next tick
// at which any nonempty bin fires. Marking the active-bin mask for that
// tick is done by bins.Registry.UpdateActiveTimebins.
package synchronizer

import (
	"github.com/phil-mansfield/tickstep/bins"
	"github.com/phil-mansfield/tickstep/comm"
)

// Synchronizer ties a Registry to a Cluster for the collective min-reduce
// in FindNextKick.
type Synchronizer struct {
	Registry *bins.Registry
	Cluster  comm.Cluster
	Timebase uint32
}

// New builds a Synchronizer. If cluster is nil, comm.Single is used.
func New(reg *bins.Registry, cluster comm.Cluster, timebase uint32) *Synchronizer {
	if cluster == nil {
		cluster = comm.Single{}
	}
	return &Synchronizer{Registry: reg, Cluster: cluster, Timebase: timebase}
}

// FindNextKick implements find_next_kick: the next tick at which any
// nonempty bin fires, all-reduced (min) across the cluster.
//
//  1. Mask off the snapshot bits of tiCurrent (keep the lower log2(TIMEBASE)
//     bits).
//  2. If bin 0 is populated, seed best = tiCurrent (forces an immediate
//     sync, repopulating all bins on the first timestep).
//  3. For each bin n>=1 with a nonzero population, the candidate is
//     (tiCurrent/2^n)*2^n + 2^n; keep the minimum.
//  4. Re-apply the snapshot bits, then all-reduce min across the cluster.
func (s *Synchronizer) FindNextKick(tiCurrent uint32) uint32 {
	snap := tiCurrent &^ (s.Timebase - 1)
	tiCurrent &= s.Timebase - 1

	tiNextKick := s.Timebase
	if s.Registry.Count(0) > 0 {
		tiNextKick = tiCurrent
	}

	for n := 1; n < bins.NumBins; n++ {
		if s.Registry.Count(n) == 0 {
			continue
		}
		dtBin := uint32(1) << uint(n)
		tiNextForBin := (tiCurrent/dtBin)*dtBin + dtBin
		if tiNextForBin < tiNextKick {
			tiNextKick = tiNextForBin
		}
	}

	tiNextKick += snap

	return uint32(s.Cluster.AllReduceMinInt64(int64(tiNextKick)))
}
