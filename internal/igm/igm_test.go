package igm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransmittedFluxFraction(t *testing.T) {
	z := 2.0
	wave := []float64{3000, 3600, 3660, 3700, 5000}
	got := TransmittedFluxFraction(z, wave)

	// 3660 / 3 = 1220 is just redward of the line
	assert.Equal(t, 1.0, got[2])
	assert.Equal(t, 1.0, got[3])
	assert.Equal(t, 1.0, got[4])

	want := math.Exp(-0.0023 * math.Pow(3000/1215.67, 3.64))
	assert.InDelta(t, want, got[0], 1e-12)
	// tau rises with wavelength up to the line, so bluer pixels transmit more
	assert.Greater(t, got[0], got[1])
	assert.InDelta(t, math.Exp(-0.0023*math.Pow(3600/1215.67, 3.64)), got[1], 1e-12)
	for _, v := range got {
		assert.True(t, v > 0 && v <= 1)
	}
}

func TestTransmittedFluxFraction_LowRedshift(t *testing.T) {
	// at z=0 nothing in the optical is blueward of Lyman-alpha
	for _, v := range TransmittedFluxFraction(0, []float64{3600, 5000, 9000}) {
		assert.Equal(t, 1.0, v)
	}
}
