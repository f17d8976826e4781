package signalproc

import "math"

// Detector state machines. Each observes one sample and returns the severity
// of the artifact it sees at that sample (SeverityNone for clean).

type rateDetector struct {
	limit float64
	prevT float64
	prevX float64
	have  bool
}

func (d *rateDetector) observe(ts, x float64) Severity {
	defer func() { d.prevT, d.prevX, d.have = ts, x, true }()
	if d.limit <= 0 || !d.have {
		return SeverityNone
	}
	dt := ts - d.prevT
	if dt <= 0 {
		return SeverityNone
	}
	return severityFromRatio(math.Abs(x-d.prevX) / dt / d.limit)
}

// hfDetector compares the EWMA energy of the low-pass residual with the
// EWMA variance of the signal.
type hfDetector struct {
	threshold float64
	tau       float64
	warmup    float64

	start  float64
	prevT  float64
	mean   float64
	vari   float64
	resid  float64
	seeded bool
}

func (d *hfDetector) observe(ts, x, filtered float64) Severity {
	if d.threshold <= 0 {
		return SeverityNone
	}
	r := x - filtered
	if !d.seeded {
		d.start, d.prevT, d.mean, d.seeded = ts, ts, x, true
		return SeverityNone
	}
	a := ewmaAlpha(ts-d.prevT, d.tau)
	d.prevT = ts
	diff := x - d.mean
	d.mean += a * diff
	d.vari = (1 - a) * (d.vari + a*diff*diff)
	d.resid += a * (r*r - d.resid)

	if ts-d.start < d.warmup || d.vari <= 0 {
		return SeverityNone
	}
	return severityFromRatio(d.resid / d.vari / d.threshold)
}

// motionDetector correlates absolute signal change with the motion magnitude
// of the same device.
type motionDetector struct {
	threshold   float64
	correlation float64
	pairs       pairWindow
	prevX       float64
	have        bool
}

const minMotionPairs = 8

func (d *motionDetector) observe(ts, x, motion float64, hasMotion bool) Severity {
	if !d.have {
		d.prevX, d.have = x, true
		return SeverityNone
	}
	delta := math.Abs(x - d.prevX)
	d.prevX = x
	if !hasMotion {
		return SeverityNone
	}
	d.pairs.push(ts, delta, motion)
	if motion <= d.threshold || d.pairs.len() < minMotionPairs {
		return SeverityNone
	}
	xs, ys := d.pairs.columns()
	r := pearson(xs, ys)
	switch {
	case r >= 0.9:
		return SeverityCritical
	case r >= 0.8:
		return SeverityHigh
	case r >= 0.7:
		return SeverityMedium
	case r >= d.correlation:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// driftDetector fits a line to the filtered signal over a long window and
// re-evaluates once per hop. The result holds until the next evaluation.
type driftDetector struct {
	limit     float64
	hop       float64
	window    span
	lastEval  float64
	evaluated bool
	current   Severity
}

func (d *driftDetector) observe(ts, filtered float64) Severity {
	if d.limit <= 0 {
		return SeverityNone
	}
	d.window.push(tv{t: ts, v: filtered})
	if d.evaluated && ts-d.lastEval < d.hop {
		return d.current
	}
	pts := d.window.view()
	if len(pts) < 2 || pts[len(pts)-1].t-pts[0].t < d.window.width/2 {
		return SeverityNone
	}
	d.lastEval, d.evaluated = ts, true
	d.current = severityFromRatio(math.Abs(linreg(pts)) / d.limit)
	return d.current
}

func ewmaAlpha(dt, tau float64) float64 {
	if dt <= 0 {
		return 0
	}
	if tau <= 0 {
		return 1
	}
	return 1 - math.Exp(-dt/tau)
}

// runTracker merges consecutive flagged samples of one detector into a record.
type runTracker struct {
	open bool
	rec  ArtifactRecord
}

func (r *runTracker) observe(t int64, sev Severity, template ArtifactRecord) (ArtifactRecord, bool) {
	if sev == SeverityNone {
		return r.close()
	}
	if !r.open {
		r.open = true
		r.rec = template
		r.rec.Start, r.rec.End = t, t
		r.rec.Severity = sev
		r.rec.Samples = 1
		return ArtifactRecord{}, false
	}
	r.rec.End = t
	r.rec.Samples++
	if sev > r.rec.Severity {
		r.rec.Severity = sev
	}
	return ArtifactRecord{}, false
}

func (r *runTracker) close() (ArtifactRecord, bool) {
	if !r.open {
		return ArtifactRecord{}, false
	}
	r.open = false
	return r.rec, true
}
