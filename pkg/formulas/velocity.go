// Package formulas holds the small numeric helpers shared by the fitting packages.
package formulas

// SpeedOfLightKMS is the speed of light in km/s.
const SpeedOfLightKMS = 299792.458

// VelocityDiff returns the velocity difference in km/s between redshift z and a
// reference redshift zref: c * (z - zref) / (1 + zref).
func VelocityDiff(z, zref float64) float64 {
	return SpeedOfLightKMS * (z - zref) / (1.0 + zref)
}

// WithinVelocity reports whether z lies closer than maxDV km/s to any of the
// reference redshifts.
func WithinVelocity(z float64, zrefs []float64, maxDV float64) bool {
	for _, zref := range zrefs {
		dv := VelocityDiff(z, zref)
		if dv < 0 {
			dv = -dv
		}
		if dv < maxDV {
			return true
		}
	}
	return false
}
