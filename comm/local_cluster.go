package comm

import (
	"strconv"
	stdsync "sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// LocalCluster simulates a multi-rank collective over goroutines rather
// than real processes, so the all-reduce and barrier semantics can be
// exercised and tested without an MPI runtime. Each rank is a
// *LocalRank obtained from NewLocalCluster; every *LocalRank implements
// Cluster.
type LocalCluster struct {
	size int

	barrier *cyclicBarrier

	// reduceMu/contrib/arrived/done coordinate one all-reduce call at a
	// time across all ranks; each collective call blocks until every rank
	// has contributed its value.
	reduceMu stdsync.Mutex
	contrib  []float64
	arrived  int
	done     chan struct{}

	owners *rendezvous.Rendezvous
}

// NewLocalCluster builds an n-rank in-process cluster and returns one
// *LocalRank per rank.
func NewLocalCluster(n int) []*LocalRank {
	nodes := make([]string, n)
	for i := range nodes {
		nodes[i] = strconv.Itoa(i)
	}
	lc := &LocalCluster{
		size:    n,
		barrier: newCyclicBarrier(n),
		contrib: make([]float64, n),
		done:    make(chan struct{}),
		owners:  rendezvous.New(nodes, xxhash.Sum64String),
	}
	ranks := make([]*LocalRank, n)
	for i := 0; i < n; i++ {
		ranks[i] = &LocalRank{cluster: lc, rank: i}
	}
	return ranks
}

// LocalRank is one rank's view of a LocalCluster.
type LocalRank struct {
	cluster *LocalCluster
	rank    int
}

var _ Cluster = (*LocalRank)(nil)

func (r *LocalRank) Rank() int { return r.rank }
func (r *LocalRank) Size() int { return r.cluster.size }

func (r *LocalRank) Barrier() { r.cluster.barrier.await() }

func (r *LocalRank) AllReduceMinInt64(v int64) int64 {
	return int64(r.allReduce(float64(v), minOp))
}

func (r *LocalRank) AllReduceSumInt64(v int64) int64 {
	return int64(r.allReduce(float64(v), sumOp))
}

func (r *LocalRank) AllReduceMinFloat64(v float64) float64 {
	return r.allReduce(v, minOp)
}

func (r *LocalRank) AllReduceSumFloat64(v float64) float64 {
	return r.allReduce(v, sumOp)
}

// OwnerOf deterministically assigns a particle index to a rank via
// rendezvous hashing, standing in for the out-of-scope domain
// decomposition collaborator. Re-sharding on rank-count change
// reshuffles only the minimal set of indices that rendezvous hashing
// guarantees.
func (r *LocalRank) OwnerOf(particleIndex int64) int {
	owner := r.cluster.owners.Lookup(strconv.FormatInt(particleIndex, 10))
	n, _ := strconv.Atoi(owner)
	return n
}

type reduceOp int

const (
	minOp reduceOp = iota
	sumOp
)

// allReduce is a generation-counted rendezvous: every rank deposits its
// value, the last arrival computes the reduction and wakes everyone else.
func (r *LocalRank) allReduce(v float64, op reduceOp) float64 {
	lc := r.cluster
	lc.reduceMu.Lock()
	lc.contrib[r.rank] = v
	lc.arrived++
	if lc.arrived < lc.size {
		done := lc.done
		lc.reduceMu.Unlock()
		<-done
		lc.reduceMu.Lock()
		defer lc.reduceMu.Unlock()
		return lc.contrib[0]
	}

	result := lc.contrib[0]
	for _, x := range lc.contrib[1:] {
		switch op {
		case minOp:
			if x < result {
				result = x
			}
		case sumOp:
			result += x
		}
	}
	lc.contrib[0] = result
	lc.arrived = 0
	close(lc.done)
	lc.done = make(chan struct{})
	lc.reduceMu.Unlock()
	return result
}

// cyclicBarrier is a reusable barrier for n parties, rearming after each
// full round so it can be awaited once per sync point.
type cyclicBarrier struct {
	n int

	mu      stdsync.Mutex
	count   int
	release chan struct{}
}

func newCyclicBarrier(n int) *cyclicBarrier {
	return &cyclicBarrier{n: n, release: make(chan struct{})}
}

func (b *cyclicBarrier) await() {
	b.mu.Lock()
	b.count++
	if b.count == b.n {
		b.count = 0
		close(b.release)
		b.release = make(chan struct{})
		b.mu.Unlock()
		return
	}
	ch := b.release
	b.mu.Unlock()
	<-ch
}

