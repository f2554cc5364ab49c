// Package metrics provides optional, nil-safe Prometheus instrumentation
// for the timestep core, mirroring the pack's prom_counters.go pattern of
// a struct of pre-registered collectors (not package-global promauto
// collectors), so that multiple Contexts in the same process (or in
// tests) never collide on metric registration.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles the counters and gauges the kick engine and bin registry
// report to. A nil *Set is valid everywhere it is consulted: every method
// below is a no-op on a nil receiver, so callers never need a feature
// flag to skip instrumentation.
type Set struct {
	BadStepTotal     prometheus.Counter
	ActiveParticles  prometheus.Gauge
	PMStepTicks      prometheus.Gauge
}

// New constructs a Set and registers its collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests, multiple
// Contexts per process) or prometheus.DefaultRegisterer for the global
// one.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		BadStepTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstep_badstep_total",
			Help: "Total particles flagged with an illegal or overflowing desired timestep.",
		}),
		ActiveParticles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstep_active_particles",
			Help: "Number of particles active at the most recent synchronization point.",
		}),
		PMStepTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstep_pm_step_ticks",
			Help: "Current particle-mesh long-range super-step size, in integer ticks.",
		}),
	}
	reg.MustRegister(s.BadStepTotal, s.ActiveParticles, s.PMStepTicks)
	return s
}

// IncBadStep increments BadStepTotal by n. No-op on a nil Set.
func (s *Set) IncBadStep(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.BadStepTotal.Add(float64(n))
}

// SetActiveParticles records the current active-particle count. No-op on
// a nil Set.
func (s *Set) SetActiveParticles(n int) {
	if s == nil {
		return
	}
	s.ActiveParticles.Set(float64(n))
}

// SetPMStepTicks records the current PM super-step size. No-op on a nil
// Set.
func (s *Set) SetPMStepTicks(step uint32) {
	if s == nil {
		return
	}
	s.PMStepTicks.Set(float64(step))
}
