package signalproc

import "math"

type tv struct {
	t float64 // seconds since the pipeline's first sample
	v float64
}

// span keeps the points no older than width seconds behind the newest one.
type span struct {
	width  float64
	points []tv
	head   int
}

func (s *span) push(p tv) {
	s.points = append(s.points, p)
	for s.head < len(s.points) && p.t-s.points[s.head].t > s.width {
		s.head++
	}
	if s.head > 1024 && s.head*2 > len(s.points) {
		s.points = append(s.points[:0:0], s.points[s.head:]...)
		s.head = 0
	}
}

func (s *span) view() []tv { return s.points[s.head:] }

func (s *span) len() int { return len(s.points) - s.head }

// lastN keeps the newest n points.
type lastN struct {
	n      int
	points []tv
	head   int
}

func (w *lastN) push(p tv) {
	w.points = append(w.points, p)
	if len(w.points)-w.head > w.n {
		w.head++
	}
	if w.head > 1024 && w.head*2 > len(w.points) {
		w.points = append(w.points[:0:0], w.points[w.head:]...)
		w.head = 0
	}
}

func (w *lastN) view() []tv { return w.points[w.head:] }

func (w *lastN) full() bool { return len(w.points)-w.head >= w.n }

// linreg returns the least-squares slope of v against t.
func linreg(points []tv) float64 {
	n := float64(len(points))
	if n < 2 {
		return 0
	}
	var mt, mv float64
	for _, p := range points {
		mt += p.t
		mv += p.v
	}
	mt /= n
	mv /= n
	var stt, stv float64
	for _, p := range points {
		dt := p.t - mt
		stt += dt * dt
		stv += dt * (p.v - mv)
	}
	if stt == 0 {
		return 0
	}
	return stv / stt
}

// pearson returns the correlation of xs and ys, 0 when either is constant.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n < 2 || len(xs) != len(ys) {
		return 0
	}
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= n
	my /= n
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	return sxy / math.Sqrt(sxx*syy)
}

// pairWindow keeps (x, y) pairs no older than width seconds.
type pairWindow struct {
	width float64
	ts    []float64
	xs    []float64
	ys    []float64
}

func (w *pairWindow) push(t, x, y float64) {
	w.ts = append(w.ts, t)
	w.xs = append(w.xs, x)
	w.ys = append(w.ys, y)
	drop := 0
	for drop < len(w.ts) && t-w.ts[drop] > w.width {
		drop++
	}
	if drop > 0 {
		w.ts = append(w.ts[:0], w.ts[drop:]...)
		w.xs = append(w.xs[:0], w.xs[drop:]...)
		w.ys = append(w.ys[:0], w.ys[drop:]...)
	}
}

func (w *pairWindow) len() int { return len(w.ts) }

func (w *pairWindow) columns() ([]float64, []float64) { return w.xs, w.ys }
