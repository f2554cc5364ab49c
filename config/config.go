// Package config loads the integrator's run-time parameters from an INI
// file: gcfg.ReadFileInto into a private section struct, followed by a
// CheckInit pass that fills defaults and rejects malformed values.
package config

import (
	"fmt"

	"gopkg.in/gcfg.v1"
	"gopkg.in/warnings.v0"

	"github.com/phil-mansfield/tickstep/cosmo"
	"github.com/phil-mansfield/tickstep/integrator"
	"github.com/phil-mansfield/tickstep/particle"
	"github.com/phil-mansfield/tickstep/timestep"
)

// softeningEntry is one [Softening "<type>"] section.
type softeningEntry struct {
	Comoving float64
	MaxPhys  float64
}

// file mirrors the INI sections this module reads. Field names match the
// keys gcfg expects (case-insensitively) under each section.
type file struct {
	Cosmology struct {
		Omega0      float64
		OmegaBaryon float64
		OmegaCDM    float64
		OmegaLambda float64
		HubbleParam float64
		Gravity     float64
	}

	Timestep struct {
		ErrTolIntAccuracy     float64
		CourantFac            float64
		MaxSizeTimestep       float64
		MinSizeTimestep       float64
		MaxRMSDisplacementFac float64
		Asmth                 float64
		Nmesh                 float64
		BoxSize               float64
		TreeGravOn            bool
		AdaptiveGravSoftGas   bool
		StarformationOn       bool
		FastParticleType      int
		ForceEqualTimesteps   bool
	}

	Run struct {
		TimebaseExp uint
		TimeBegin   float64
		TimeMax     float64
		MaxGasVel   float64
		MinEgySpec  float64
		MakeGlassFile bool
		Debug       bool
		Workers     int
	}

	Softening map[string]*softeningEntry
}

// particleTypeNames maps the INI section name for each [Softening "name"]
// entry to the particle type it configures, matching the GADGET type
// ordering.
var particleTypeNames = map[string]particle.Type{
	"gas":    particle.TypeGas,
	"halo":   particle.TypeHalo,
	"disk":   particle.TypeDisk,
	"bulge":  particle.TypeBulge,
	"stars":  particle.TypeStars,
	"bndry":  particle.TypeBndry,
}

// MinGasHsmlFractional is not read from the INI file in the reference
// parameter set; it is fixed to the reference's compiled-in default.
const defaultMinGasHsmlFractional = 0.1

// Load reads fname and builds an integrator.Config. Fatal parse errors fail
// the load; non-fatal parsing issues (unknown keys, deprecated sections),
// separated out via gopkg.in/warnings.v0 following gcfg's own
// fatal/non-fatal split, are discarded: they are neither returned nor
// logged.
func Load(fname string) (integrator.Config, error) {
	var f file
	err := gcfg.ReadFileInto(&f, fname)
	if err != nil {
		if fatal := warnings.FatalOnly(err); fatal != nil {
			return integrator.Config{}, fmt.Errorf("config: %w", fatal)
		}
		// non-fatal warnings (unknown keys, deprecated aliases): proceed.
	}

	cfg := integrator.Config{
		Cosmo: cosmo.Cosmology{
			Omega0:      f.Cosmology.Omega0,
			OmegaBaryon: f.Cosmology.OmegaBaryon,
			OmegaCDM:    f.Cosmology.OmegaCDM,
			OmegaLambda: f.Cosmology.OmegaLambda,
			H0:          f.Cosmology.HubbleParam,
			G:           f.Cosmology.Gravity,
		},

		ErrTolIntAccuracy:     f.Timestep.ErrTolIntAccuracy,
		CourantFac:            f.Timestep.CourantFac,
		MaxSizeTimestep:       f.Timestep.MaxSizeTimestep,
		MinSizeTimestep:       f.Timestep.MinSizeTimestep,
		MaxRMSDisplacementFac: f.Timestep.MaxRMSDisplacementFac,
		Asmth:                 f.Timestep.Asmth,
		Nmesh:                 f.Timestep.Nmesh,
		BoxSize:               f.Timestep.BoxSize,
		TreeGravOn:            f.Timestep.TreeGravOn,
		AdaptiveGravSoftGas:   f.Timestep.AdaptiveGravSoftGas,
		StarformationOn:       f.Timestep.StarformationOn,
		FastParticleType:      particle.Type(f.Timestep.FastParticleType),
		ForceEqualTimesteps:   f.Timestep.ForceEqualTimesteps,

		TimebaseExp: f.Run.TimebaseExp,
		TimeBegin:   f.Run.TimeBegin,
		TimeMax:     f.Run.TimeMax,
		MaxGasVel:   f.Run.MaxGasVel,
		MinEgySpec:  f.Run.MinEgySpec,
		MakeGlassFile: f.Run.MakeGlassFile,
		Debug:       f.Run.Debug,
		Workers:     f.Run.Workers,

		MinGasHsmlFractional: defaultMinGasHsmlFractional,
	}

	for name, entry := range f.Softening {
		t, ok := particleTypeNames[name]
		if !ok {
			return integrator.Config{}, fmt.Errorf("config: unknown particle type %q in [Softening] section", name)
		}
		cfg.Softenings[t] = integrator.Softening{Comoving: entry.Comoving, MaxPhys: entry.MaxPhys}
	}

	if err := checkInit(&cfg); err != nil {
		return integrator.Config{}, err
	}

	return cfg, nil
}

// checkInit fills remaining defaults and rejects values the rest of the
// integrator cannot tolerate.
func checkInit(cfg *integrator.Config) error {
	if cfg.Gamma == 0 {
		cfg.Gamma = 5.0 / 3.0
	}
	if cfg.TimeBegin <= 0 {
		return fmt.Errorf("config: Run.TimeBegin must be positive, got %g", cfg.TimeBegin)
	}
	if cfg.TimeMax <= cfg.TimeBegin {
		return fmt.Errorf("config: Run.TimeMax (%g) must exceed Run.TimeBegin (%g)", cfg.TimeMax, cfg.TimeBegin)
	}
	if cfg.TimebaseExp == 0 {
		return fmt.Errorf("config: Run.TimebaseExp must be positive")
	}
	if cfg.MaxSizeTimestep <= 0 {
		return fmt.Errorf("config: Timestep.MaxSizeTimestep must be positive")
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("config: Run.Workers must be non-negative")
	}

	if err := (&timestep.Params{FastParticleType: cfg.FastParticleType}).Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.MaxGasVel <= 0 {
		return fmt.Errorf("config: Run.MaxGasVel must be set to a positive value")
	}

	return nil
}
