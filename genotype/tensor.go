// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genotype

import (
	"math"
)

// Each tensor cell holds the three genotype posteriors followed by
// the call log-odds.
const cellWidth = NumClasses + 1

// Tensor holds genotype posteriors for every (marker, sample) of a
// run. It is not modified after Call returns it, so it can be shared
// by concurrent readers.
type Tensor struct {
	markers     []string
	samples     []string
	sampleIndex map[string]int
	cells       []float64
}

func newTensor(markers, samples []string) *Tensor {
	t := &Tensor{
		markers:     markers,
		samples:     samples,
		sampleIndex: make(map[string]int, len(samples)),
		cells:       make([]float64, len(markers)*len(samples)*cellWidth),
	}
	for i, id := range samples {
		t.sampleIndex[id] = i
	}
	return t
}

// Markers returns the called markers in tensor order. Callers must
// not modify the returned slice.
func (t *Tensor) Markers() []string { return t.markers }

// Samples returns the sample IDs in tensor order. Callers must not
// modify the returned slice.
func (t *Tensor) Samples() []string { return t.samples }

func (t *Tensor) NumMarkers() int { return len(t.markers) }
func (t *Tensor) NumSamples() int { return len(t.samples) }

func (t *Tensor) SampleIndex(id string) (int, bool) {
	i, ok := t.sampleIndex[id]
	return i, ok
}

func (t *Tensor) cell(marker, sample int) []float64 {
	off := (marker*len(t.samples) + sample) * cellWidth
	return t.cells[off : off+cellWidth]
}

// Defined reports whether the input value was present.
func (t *Tensor) Defined(marker, sample int) bool {
	return !math.IsNaN(t.cell(marker, sample)[0])
}

// Posterior returns P(HomA), P(Het), P(HomB). All three are NaN when
// the input value was missing.
func (t *Tensor) Posterior(marker, sample int) [NumClasses]float64 {
	var p [NumClasses]float64
	copy(p[:], t.cell(marker, sample))
	return p
}

// CallLogOdds returns the natural-log odds of the best-supported
// genotype component against the background component, or NaN.
func (t *Tensor) CallLogOdds(marker, sample int) float64 {
	return t.cell(marker, sample)[NumClasses]
}

// Best returns the most probable class and its posterior, or NoCall
// and NaN.
func (t *Tensor) Best(marker, sample int) (Class, float64) {
	c := t.cell(marker, sample)
	if math.IsNaN(c[0]) {
		return NoCall, math.NaN()
	}
	best := HomA
	for k := Het; k <= HomB; k++ {
		if c[k] > c[best] {
			best = k
		}
	}
	return best, c[best]
}

// Dosage returns the expected number of B alleles (0..2), or NaN.
func (t *Tensor) Dosage(marker, sample int) float64 {
	c := t.cell(marker, sample)
	return c[Het] + 2*c[HomB]
}

// PosteriorArray returns a new markers × samples × 3 array of
// posteriors, suitable for export.
func (t *Tensor) PosteriorArray() []float64 {
	out := make([]float64, 0, len(t.markers)*len(t.samples)*NumClasses)
	for i := 0; i < len(t.cells); i += cellWidth {
		out = append(out, t.cells[i:i+NumClasses]...)
	}
	return out
}
