// Command tickstep-demo drives the timestep core end to end over a small
// synthetic particle set, standing in for the out-of-scope driver program
// that owns forces, domain decomposition, and snapshot I/O. Flag-parsed
// config path, optional CPU profile, log.Fatal on any unrecoverable
// error.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"runtime/pprof"

	"github.com/phil-mansfield/tickstep/bins"
	"github.com/phil-mansfield/tickstep/config"
	"github.com/phil-mansfield/tickstep/integrator"
	"github.com/phil-mansfield/tickstep/particle"
)

func main() {
	var (
		configFile string
		numPart    int
		numSteps   int
		cpuProfile string
	)

	flag.StringVar(&configFile, "Config", "", "Path to the run's INI configuration file.")
	flag.IntVar(&numPart, "NumPart", 1000, "Number of synthetic halo particles to simulate.")
	flag.IntVar(&numSteps, "NumSteps", 20, "Number of synchronization points to advance through.")
	flag.StringVar(&cpuProfile, "CPUProfile", "", "If set, write a CPU profile to this path.")
	flag.Parse()

	if configFile == "" {
		log.Fatal("tickstep-demo: -Config is required")
	}

	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			log.Fatal(err.Error())
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal(err.Error())
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal(err.Error())
	}

	ctx := integrator.New(cfg, numPart, nil)
	ctx.InitTimebins()
	ctx.SetGlobalTime(cfg.TimeBegin)

	set := syntheticParticleSet(numPart)

	var mask [bins.NumBins]bool
	mask[0] = true
	ctx.SetTimebinActive(mask)
	ctx.RebuildActiveList(set)

	for step := 0; step < numSteps; step++ {
		if err := ctx.AdvanceAndFindTimesteps(set, false, snapshot); err != nil {
			log.Fatal(err.Error())
		}

		next := ctx.FindNextKick()
		ctx.UpdateActiveTimebins(next)
		ctx.RebuildActiveList(set)
		ctx.TiCurrent = next

		log.Printf("step %d: Ti_Current=%d active=%d", step, ctx.TiCurrent, ctx.Registry.NumActiveParticle())
	}
}

// snapshot is the driver-side collaborator AdvanceAndFindTimesteps calls
// on a bad-step termination. A real driver would serialize
// particle state here; the demo just logs it.
func snapshot(snapnum int, halfFlag bool) {
	log.Printf("writing diagnostic snapshot %d (half-kick=%v)", snapnum, halfFlag)
}

// syntheticParticleSet builds n halo particles with small random
// accelerations and velocities, enough to exercise the timestep and kick
// machinery without a real force solver.
func syntheticParticleSet(n int) *particle.Set {
	set := &particle.Set{Base: make([]particle.Base, n)}
	for i := range set.Base {
		set.Base[i].Type = particle.TypeHalo
		set.Base[i].Mass = 1.0
		set.Base[i].SlotIndex = -1
		set.Base[i].GravAccel = particle.Vec3{
			(rand.Float64() - 0.5) * 1e-3,
			(rand.Float64() - 0.5) * 1e-3,
			(rand.Float64() - 0.5) * 1e-3,
		}
	}
	return set
}
