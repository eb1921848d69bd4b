// Package zwarn defines the bitwise quality-flag word attached to redshift fits.
package zwarn

import "strings"

// Mask is a combination of warning bits; zero means a clean fit.
type Mask int64

const (
	// Sky marks a sky fiber.
	Sky Mask = 1 << iota
	// LittleCoverage marks too little wavelength coverage.
	LittleCoverage
	// SmallDeltaChi2 marks a best fit barely better than the next candidate.
	SmallDeltaChi2
	// NegativeModel marks a model that goes significantly negative.
	NegativeModel
	// ManyOutliers marks fits with many more outliers than expected.
	ManyOutliers
	// ZFitLimit marks a chi2 minimum at or near the edge of the redshift range.
	ZFitLimit
	// NegativeEmission marks a significant negative emission line.
	NegativeEmission
	// Unplugged marks an unplugged or broken fiber.
	Unplugged
	// BadTarget marks a catastrophically bad targeting input.
	BadTarget
	// NoData marks no data for this target.
	NoData
	// BadMinfit marks a failed parabola fit to the chi2 minimum.
	BadMinfit
	// PoorData marks data of poor quality.
	PoorData
)

var names = []struct {
	bit  Mask
	name string
}{
	{Sky, "SKY"},
	{LittleCoverage, "LITTLE_COVERAGE"},
	{SmallDeltaChi2, "SMALL_DELTA_CHI2"},
	{NegativeModel, "NEGATIVE_MODEL"},
	{ManyOutliers, "MANY_OUTLIERS"},
	{ZFitLimit, "Z_FITLIMIT"},
	{NegativeEmission, "NEGATIVE_EMISSION"},
	{Unplugged, "UNPLUGGED"},
	{BadTarget, "BAD_TARGET"},
	{NoData, "NODATA"},
	{BadMinfit, "BAD_MINFIT"},
	{PoorData, "POORDATA"},
}

// Has reports whether every bit of flag is set.
func (m Mask) Has(flag Mask) bool {
	return m&flag == flag
}

// String returns the set flag names joined by "|", or "OK" for a clean mask.
func (m Mask) String() string {
	if m == 0 {
		return "OK"
	}
	var parts []string
	for _, n := range names {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}
