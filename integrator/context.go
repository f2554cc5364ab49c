// Package integrator wires the Integer Timeline, Timestep Selector, Bin
// Registry, Kick Engine, and Synchronizer together behind the entry
// points a driver program calls. The Context value holds all integrator
// state explicitly: configuration is immutable after New, and mutable
// state (Ti_Current, the PM super-step, bin tables) lives only on fields
// touched at well-defined points.
package integrator

import (
	"log"
	"math"

	"github.com/phil-mansfield/tickstep/bins"
	"github.com/phil-mansfield/tickstep/comm"
	"github.com/phil-mansfield/tickstep/cosmo"
	"github.com/phil-mansfield/tickstep/kick"
	"github.com/phil-mansfield/tickstep/metrics"
	"github.com/phil-mansfield/tickstep/particle"
	"github.com/phil-mansfield/tickstep/synchronizer"
	"github.com/phil-mansfield/tickstep/timeline"
	"github.com/phil-mansfield/tickstep/timestep"
)

// defaultGamma is the adiabatic index used when Config.Gamma is left zero.
const defaultGamma = 5.0 / 3.0

// Softening bundles the per-type comoving softening length and its
// physical cap.
type Softening struct {
	Comoving float64
	MaxPhys  float64
}

// Config is the integrator's full immutable parameter set.
type Config struct {
	Cosmo cosmo.Cosmology
	Gamma float64

	ErrTolIntAccuracy float64
	CourantFac        float64
	MaxSizeTimestep   float64
	MinSizeTimestep   float64

	MaxRMSDisplacementFac float64
	Asmth, Nmesh, BoxSize float64

	ForceEqualTimesteps bool
	TreeGravOn          bool
	MakeGlassFile       bool
	AdaptiveGravSoftGas bool

	MaxGasVel            float64
	MinEgySpec           float64
	MinGasHsmlFractional float64

	Softenings [particle.NumTypes]Softening

	StarformationOn  bool
	FastParticleType particle.Type

	TimebaseExp uint // T, so TIMEBASE = 2^T

	// TimeBegin and TimeMax are the scale factors at the start and end of the
	// run, bounding the logarithmic tick mapping.
	TimeBegin, TimeMax float64

	Debug   bool
	Workers int

	// IonizeParams and LightconeSetTime are optional physics collaborators
	// called from SetGlobalTime. Nil-safe no-ops by default.
	IonizeParams     func(a float64)
	LightconeSetTime func(a float64)
}

// Derived holds the per-timestep cosmology factors set_global_time
// computes: a2inv, a3inv, fac_egy, hubble, hubble_a2.
type Derived struct {
	Time      float64
	TimeStep  float64
	A2Inv     float64
	A3Inv     float64
	FacEgy    float64
	Hubble    float64
	HubbleA2  float64
}

// Context is the driver-facing façade. It owns TiCurrent and the
// softening table, the two pieces of truly global mutable state, plus
// the wired-together components.
type Context struct {
	Config Config

	Cluster comm.Cluster

	Timeline     *timeline.Timeline
	Selector     *timestep.Selector
	Registry     *bins.Registry
	Kick         *kick.Engine
	Synchronizer *synchronizer.Synchronizer

	TiCurrent uint32
	Derived   Derived

	// Metrics is an optional Prometheus instrumentation set. Nil by
	// default; SetMetrics installs one.
	Metrics *metrics.Set

	// ForceSoftening[t] = 2.8 * SofteningTable[t]; MinGasHsml =
	// MinGasHsmlFractional * ForceSoftening[0].
	SofteningTable [particle.NumTypes]float64
	ForceSoftening [particle.NumTypes]float64
	MinGasHsml     float64
}

// New builds a Context and its component graph. maxPart bounds the active
// particle list's preallocated capacity. If cluster is nil, a single-rank comm.Single is used.
func New(cfg Config, maxPart int, cluster comm.Cluster) *Context {
	if cfg.Gamma == 0 {
		cfg.Gamma = defaultGamma
	}
	if cfg.TimeBegin == 0 {
		cfg.TimeBegin = 1e-3
	}
	if cfg.TimeMax == 0 {
		cfg.TimeMax = 1.0
	}
	if cluster == nil {
		cluster = comm.Single{}
	}

	tl := timeline.New(&cfg.Cosmo, cfg.Gamma, cfg.TimeBegin, cfg.TimeMax, cfg.TimebaseExp)
	reg := bins.NewRegistry(maxPart)

	tsParams := timestep.Params{
		ErrTolIntAccuracy:     cfg.ErrTolIntAccuracy,
		CourantFac:            cfg.CourantFac,
		MaxSizeTimestep:       cfg.MaxSizeTimestep,
		MinSizeTimestep:       cfg.MinSizeTimestep,
		MaxRMSDisplacementFac: cfg.MaxRMSDisplacementFac,
		Asmth:                 cfg.Asmth,
		Nmesh:                 cfg.Nmesh,
		BoxSize:               cfg.BoxSize,
		TreeGravOn:            cfg.TreeGravOn,
		AdaptiveGravSoftGas:   cfg.AdaptiveGravSoftGas,
		StarformationOn:       cfg.StarformationOn,
		FastParticleType:      cfg.FastParticleType,
		Gamma:                 cfg.Gamma,
	}
	sel := timestep.New(tsParams, tl, cluster)

	ke := kick.New(kick.Config{
		ForceEqualTimesteps: cfg.ForceEqualTimesteps,
		MakeGlassFile:       cfg.MakeGlassFile,
		MaxGasVel:           cfg.MaxGasVel,
		MinEgySpec:          cfg.MinEgySpec,
		Gamma:               cfg.Gamma,
		Debug:               cfg.Debug,
		Workers:             cfg.Workers,
	}, reg, sel, tl, cluster)

	sy := synchronizer.New(reg, cluster, uint32(1)<<cfg.TimebaseExp)

	ctx := &Context{
		Config:       cfg,
		Cluster:      cluster,
		Timeline:     tl,
		Selector:     sel,
		Registry:     reg,
		Kick:         ke,
		Synchronizer: sy,
	}
	return ctx
}

// InitTimebins implements init_timebins: zeroes the PM super-step,
// activates the initial bin mask, and resets TiCurrent to 0.
func (c *Context) InitTimebins() {
	c.Kick.PM = kick.PMState{Start: 0, Step: 0}
	c.Registry.UpdateActiveTimebins(0)
	c.TiCurrent = 0
}

// IsTimebinActive exposes the active mask for replay from restart.
func (c *Context) IsTimebinActive(b int) bool { return c.Registry.IsTimebinActive(b) }

// SetTimebinActive installs an explicit active mask, for restart replay.
func (c *Context) SetTimebinActive(mask [bins.NumBins]bool) { c.Registry.SetTimebinActive(mask) }

// SetSoftenings implements set_softenings: clamps each type's comoving
// softening so the physical softening (comoving * time) never exceeds the
// configured cap, then derives ForceSoftening and MinGasHsml.
func (c *Context) SetSoftenings(time float64) {
	for t := 0; t < particle.NumTypes; t++ {
		s := c.Config.Softenings[t]
		if s.Comoving*time > s.MaxPhys && s.MaxPhys > 0 {
			c.SofteningTable[t] = s.MaxPhys / time
		} else {
			c.SofteningTable[t] = s.Comoving
		}
		c.ForceSoftening[t] = 2.8 * c.SofteningTable[t]
	}
	c.MinGasHsml = c.Config.MinGasHsmlFractional * c.ForceSoftening[0]

	var softArr [particle.NumTypes]float64
	copy(softArr[:], c.SofteningTable[:])
	c.Selector.Params.Softening = softArr
}

// SetGlobalTime implements set_global_time: advances Time/TimeStep and the
// derived cosmology factors, calls the optional IonizeParams/
// LightconeSetTime collaborators, and refreshes the softening table.
func (c *Context) SetGlobalTime(newTime float64) {
	c.Derived.TimeStep = newTime - c.Derived.Time
	c.Derived.Time = newTime

	a := newTime
	c.Derived.A2Inv = 1 / (a * a)
	c.Derived.A3Inv = 1 / (a * a * a)
	c.Derived.FacEgy = math.Pow(a, 3*(c.Config.Gamma-1))
	c.Derived.Hubble = c.Config.Cosmo.HubbleFunction(a)
	c.Derived.HubbleA2 = a * a * c.Derived.Hubble

	if c.Config.LightconeSetTime != nil {
		c.Config.LightconeSetTime(a)
	}
	if c.Config.IonizeParams != nil {
		c.Config.IonizeParams(a)
	}

	c.Selector.SetScaleFactor(a)
	c.SetSoftenings(newTime)
}

// SetMetrics installs an optional Prometheus instrumentation set. Pass
// nil to disable instrumentation again.
func (c *Context) SetMetrics(m *metrics.Set) { c.Metrics = m }

// RebuildActiveList delegates to the Bin Registry.
func (c *Context) RebuildActiveList(set *particle.Set) {
	c.Registry.RebuildActiveList(set)
	c.Metrics.SetActiveParticles(c.Registry.NumActiveParticle())
}

// UpdateActiveTimebins delegates to the Bin Registry.
func (c *Context) UpdateActiveTimebins(nextKick uint32) int64 {
	return c.Registry.UpdateActiveTimebins(nextKick)
}

// FindNextKick delegates to the Synchronizer.
func (c *Context) FindNextKick() uint32 { return c.Synchronizer.FindNextKick(c.TiCurrent) }

// IsPMTimestep delegates to the Kick Engine's PM super-step.
func (c *Context) IsPMTimestep(ti uint32) bool { return c.Kick.PM.IsPMTimestep(ti) }

// GetShortKickTime delegates to the Kick Engine.
func (c *Context) GetShortKickTime(set *particle.Set, i int) uint32 {
	return c.Kick.GetShortKickTime(set, i)
}

// AdvanceAndFindTimesteps kicks all active particles and the PM bucket,
// and assigns new timesteps. On a bad-step error, Snapshot is invoked
// with the diagnostic snapshot id 999999 before the error is returned;
// other fatal errors (glass-file request, debug kick-time desync) are
// returned without a snapshot.
func (c *Context) AdvanceAndFindTimesteps(set *particle.Set, doHalfKick bool, Snapshot func(snapnum int, halfFlag bool)) error {
	g := kick.Globals{
		A: c.Derived.Time, A2Inv: c.Derived.A2Inv, A3Inv: c.Derived.A3Inv,
		FacEgy: c.Derived.FacEgy, Hubble: c.Derived.Hubble, HubbleA2: c.Derived.HubbleA2,
	}
	err := c.Kick.AdvanceAndFindTimesteps(
		set, c.TiCurrent, g,
		c.Config.Cosmo.OmegaBaryon, c.Config.Cosmo.OmegaCDM, c.Config.Cosmo.CriticalDensity(),
		doHalfKick,
	)
	c.Metrics.IncBadStep(c.Kick.BadStepSizeCount)
	c.Metrics.SetPMStepTicks(c.Kick.PM.Step)
	if err != nil {
		var ferr *kick.FatalError
		if isFatal(err, &ferr) && ferr.Code == 0 && Snapshot != nil {
			Snapshot(999999, false)
		}
		return err
	}
	return nil
}

func isFatal(err error, target **kick.FatalError) bool {
	if fe, ok := err.(*kick.FatalError); ok {
		*target = fe
		return true
	}
	return false
}

// ApplyHalfKick delegates to the Kick Engine.
func (c *Context) ApplyHalfKick(set *particle.Set) error { return c.Kick.ApplyHalfKick(set) }

// Message implements the message(level, fmt, ...) diagnostic collaborator
// as a thin wrapper over log.Printf, gated by the verbosity argument:
// messages whose level exceeds verbosity are dropped.
func (c *Context) Message(level int, verbosity int, format string, args ...any) {
	if level > verbosity {
		return
	}
	log.Printf(format, args...)
}
