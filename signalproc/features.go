package signalproc

import (
	"math"
	"math/cmplx"
)

const fallbackWindow = 64

// featureWindow collects the newest filtered samples and recomputes the
// features every hop once the window is full.
type featureWindow struct {
	samples lastN
	rateHz  float64
	hop     float64
	low     float64
	high    float64

	lastAt  float64
	current *Features
}

func newFeatureWindow(rateHz float64, cfg ChannelConfig) *featureWindow {
	n := fallbackWindow
	if rateHz > 0 {
		n = int(math.Ceil(rateHz * cfg.MinWindow.Seconds()))
	}
	if n < 2 {
		n = 2
	}
	return &featureWindow{
		samples: lastN{n: n},
		rateHz:  rateHz,
		hop:     cfg.FeatureHop.Seconds(),
		low:     cfg.BandLow,
		high:    cfg.BandHigh,
	}
}

// observe adds a sample and reports whether the features were recomputed.
func (w *featureWindow) observe(ts float64, t int64, v float64) bool {
	w.samples.push(tv{t: ts, v: v})
	if !w.samples.full() {
		return false
	}
	if w.current != nil && ts-w.lastAt < w.hop {
		return false
	}
	f := computeFeatures(w.samples.view(), w.rateHz, w.low, w.high)
	f.At = t
	w.current = &f
	w.lastAt = ts
	return true
}

func (w *featureWindow) features() *Features {
	if w.current == nil {
		return nil
	}
	f := *w.current
	return &f
}

func computeFeatures(pts []tv, rateHz, low, high float64) Features {
	n := len(pts)
	f := Features{Samples: n}
	if n == 0 {
		return f
	}
	for _, p := range pts {
		f.Mean += p.v
	}
	f.Mean /= float64(n)
	for _, p := range pts {
		d := p.v - f.Mean
		f.Std += d * d
	}
	f.Std = math.Sqrt(f.Std / float64(n))
	f.Slope = linreg(pts)

	fs := rateHz
	if fs <= 0 && n > 1 {
		if span := pts[n-1].t - pts[0].t; span > 0 {
			fs = float64(n-1) / span
		}
	}
	if fs > 0 {
		f.BandPower = bandPower(pts, f.Mean, fs, low, high)
	}
	return f
}

// bandPower sums the one-sided power of the DFT bins whose frequency lies in
// [low, high] after removing the mean. A pure sine of amplitude A on a bin
// yields A²/2.
func bandPower(pts []tv, mean, fs, low, high float64) float64 {
	n := len(pts)
	var total float64
	for k := 1; k <= n/2; k++ {
		freq := float64(k) * fs / float64(n)
		if freq < low || freq > high {
			continue
		}
		var x complex128
		for i, p := range pts {
			angle := -2 * math.Pi * float64(k) * float64(i) / float64(n)
			x += complex(p.v-mean, 0) * cmplx.Exp(complex(0, angle))
		}
		mag := cmplx.Abs(x)
		power := mag * mag / float64(n*n)
		if 2*k != n {
			power *= 2
		}
		total += power
	}
	return total
}
