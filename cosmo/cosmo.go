// Package cosmo holds the cosmological constants and the Hubble function
// that the rest of the core treats as read-only collaborators.
package cosmo

import "math"

// Cosmology bundles the handful of cosmological globals the timestep and
// kick factor integrals are taken against. All fields are set once at
// startup and never mutated afterwards.
type Cosmology struct {
	// Omega0 is the total matter density parameter.
	Omega0 float64
	// OmegaBaryon and OmegaCDM are the baryonic and cold-dark-matter
	// density parameters used to split the PM rms criterion by type.
	OmegaBaryon float64
	OmegaCDM    float64
	// OmegaLambda is the dark energy density parameter.
	OmegaLambda float64
	// H0 is Hubble's constant in internal units (so that HubbleFunction(1)
	// reduces to H0).
	H0 float64
	// G is Newton's constant in internal units.
	G float64
}

// HubbleFunction returns H(a) for an LCDM cosmology with curvature
// 1 - Omega0 - OmegaLambda (zero for a flat universe). Radiation is
// neglected, matching the reference integrator's assumptions.
func (c *Cosmology) HubbleFunction(a float64) float64 {
	return c.H0 * math.Sqrt(c.Omega0/(a*a*a)+c.OmegaLambda+(1-c.Omega0-c.OmegaLambda)/(a*a))
}

// CriticalDensity returns rho_crit = 3 H0^2 / (8 pi G), the quantity the
// mean inter-particle spacing in the PM rms criterion is measured against.
func (c *Cosmology) CriticalDensity() float64 {
	return 3 * c.H0 * c.H0 / (8 * math.Pi * c.G)
}
