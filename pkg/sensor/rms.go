package sensor

import (
	"math"
	"time"
)

const (
	// biasFilterDiv sets how slowly the tracked DC bias follows the signal.
	biasFilterDiv = 1024.0
	// midWindow is how close to the bias a sample must be before counting
	// half-cycles starts.
	midWindow = 0.1
	// midWaitDiv bounds the midpoint wait to a fraction of the timeout.
	midWaitDiv = 4
)

// meter computes the RMS of one AC input over whole half-cycles.
type meter struct {
	channel int
	scale   float64
	offset  float64
	bias    float64
}

// measure samples until halfCycles bias crossings or the timeout, whichever
// comes first; the timeout covers the whole call. The RMS is taken about the
// window mean, so a flat input at any level reads zero.
func (m *meter) measure(s Sampler, halfCycles int, timeout time.Duration) (float64, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	waitUntil := start.Add(timeout / midWaitDiv)

	var first float64
	for {
		v, err := s.Sample(m.channel)
		if err != nil {
			return 0, err
		}
		first = v
		if math.Abs(v-m.bias) < midWindow || time.Now().After(waitUntil) {
			break
		}
	}

	// Welford running mean and sum of squared deviations.
	var mean, m2 float64
	n := 0
	crossings := 0
	lastAbove := first > m.bias
	for crossings < halfCycles && time.Now().Before(deadline) {
		v, err := s.Sample(m.channel)
		if err != nil {
			return 0, err
		}
		n++
		d := v - mean
		mean += d / float64(n)
		m2 += d * (v - mean)

		m.bias += (v - m.bias) / biasFilterDiv
		above := v > m.bias
		if n > 1 && above != lastAbove {
			crossings++
		}
		lastAbove = above
	}
	if n == 0 {
		return m.offset, nil
	}
	return math.Sqrt(m2/float64(n))*m.scale + m.offset, nil
}
