package signalproc

import "math"

// biquad is a second-order Butterworth low-pass in direct form II transposed.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
	primed     bool
	bypass     bool
}

// newLowPass designs the filter by bilinear transform. A cutoff at or above
// Nyquist, or a non-positive cutoff or rate, yields a pass-through.
func newLowPass(cutoffHz, sampleRateHz float64) *biquad {
	if cutoffHz <= 0 || sampleRateHz <= 0 || cutoffHz >= sampleRateHz/2 {
		return &biquad{bypass: true}
	}

	k := math.Tan(math.Pi * cutoffHz / sampleRateHz)
	q := 1 / math.Sqrt2
	norm := 1 / (1 + k/q + k*k)

	f := &biquad{}
	f.b0 = k * k * norm
	f.b1 = 2 * f.b0
	f.b2 = f.b0
	f.a1 = 2 * (k*k - 1) * norm
	f.a2 = (1 - k/q + k*k) * norm
	return f
}

// step filters one sample. The state starts at the steady state of the first
// input so a signal resting at a DC level passes without a start-up transient.
func (f *biquad) step(x float64) float64 {
	if f.bypass {
		return x
	}
	if !f.primed {
		f.z2 = (f.b2 - f.a2) * x
		f.z1 = (f.b1-f.a1)*x + f.z2
		f.primed = true
	}
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}
