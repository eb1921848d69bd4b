// Package igm models the attenuation of flux by neutral hydrogen in the
// intergalactic medium.
package igm

import "math"

// Line is one absorption line with optical depth tau = A * (1+z)^B
// (Calura et al. 2012, eq. 5).
type Line struct {
	Name string
	Wave float64
	A    float64
	B    float64
}

// LymanSeries lists the lines attenuating flux blueward of them.
var LymanSeries = []Line{
	{Name: "LYA", Wave: 1215.67, A: 0.0023, B: 3.64},
}

// TransmittedFluxFraction returns, for each observed wavelength, the fraction
// of flux emitted by a source at redshift z that reaches the observer. Pixels
// redward of every line are fully transmitted.
func TransmittedFluxFraction(z float64, wave []float64) []float64 {
	out := make([]float64, len(wave))
	for i := range out {
		out[i] = 1
	}
	for _, l := range LymanSeries {
		for i, w := range wave {
			if w/(1+z) >= l.Wave {
				continue
			}
			zpix := w/l.Wave - 1
			out[i] *= math.Exp(-l.A * math.Pow(1+zpix, l.B))
		}
	}
	return out
}
