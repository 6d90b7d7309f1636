// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genotype

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrTooFewValues = errors.New("too few defined values")
	ErrNonFinite    = errors.New("non-finite log-likelihood")
	ErrNotConverged = errors.New("did not converge")
)

const (
	initNoiseWeight = 0.01
	initSD          = 0.05
	kmeansMaxIter   = 20
)

type FitOptions struct {
	MaxIterations   int
	Tolerance       float64
	MinObservations int
}

type FitStats struct {
	Observations  int
	Iterations    int
	LogLikelihood float64 // mean per observation
	Converged     bool
}

// InitialParams seeds a mixture for the given values (NaN values are
// ignored). Cluster centers start at the median of the values in each
// third of [0,1] and are refined by 1-D k-means.
func InitialParams(values []float64) Params {
	xs := definedValues(values)
	centers := [NumClasses]float64{1. / 6, 1. / 2, 5. / 6}
	var thirds [NumClasses][]float64
	for _, x := range xs {
		k := int(x * NumClasses)
		if k >= NumClasses {
			k = NumClasses - 1
		}
		thirds[k] = append(thirds[k], x)
	}
	for k, bucket := range thirds {
		if len(bucket) == 0 {
			continue
		}
		if med, err := stats.Median(bucket); err == nil {
			centers[k] = med
		}
	}

	assign := make([]int, len(xs))
	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false
		for i, x := range xs {
			best := 0
			for k := 1; k < NumClasses; k++ {
				if math.Abs(x-centers[k]) < math.Abs(x-centers[best]) {
					best = k
				}
			}
			if iter == 0 || assign[i] != best {
				changed = true
			}
			assign[i] = best
		}
		if !changed {
			break
		}
		var sum [NumClasses]float64
		var count [NumClasses]int
		for i, x := range xs {
			sum[assign[i]] += x
			count[assign[i]]++
		}
		for k := range centers {
			if count[k] > 0 {
				centers[k] = sum[k] / float64(count[k])
			}
		}
	}

	var p Params
	var ss [NumClasses]float64
	var count [NumClasses]int
	for i, x := range xs {
		d := x - centers[assign[i]]
		ss[assign[i]] += d * d
		count[assign[i]]++
	}
	for k := range p.Components {
		p.Components[k].Mean = centers[k]
		p.Components[k].SD = initSD
		if count[k] > 1 {
			p.Components[k].SD = math.Sqrt(ss[k] / float64(count[k]))
		}
		if len(xs) > 0 {
			p.Components[k].Weight = (1 - initNoiseWeight) * float64(count[k]) / float64(len(xs))
		}
	}
	p.NoiseWeight = initNoiseWeight
	return p.normalized()
}

// FitMarker estimates one marker's mixture by expectation
// maximization, starting from init. NaN values are ignored. All
// iteration state is local to the call.
//
// On ErrNotConverged the last parameters and stats are still
// returned.
func FitMarker(values []float64, init Params, opts FitOptions) (Params, FitStats, error) {
	xs := definedValues(values)
	fs := FitStats{Observations: len(xs), LogLikelihood: math.NaN()}
	if len(xs) == 0 || len(xs) < opts.MinObservations {
		return init, fs, fmt.Errorf("%w: %d < %d", ErrTooFewValues, len(xs), opts.MinObservations)
	}
	n := float64(len(xs))
	p := init.normalized()
	// resp[k][i] is the responsibility of component k (the last one
	// is the background) for xs[i]
	var resp [NumClasses + 1][]float64
	for k := range resp {
		resp[k] = make([]float64, len(xs))
	}
	prevLL := math.Inf(-1)
	for iter := 1; iter <= opts.MaxIterations; iter++ {
		d := newDensity(p)
		ll := 0.0
		for i, x := range xs {
			lj := d.logJoint(x)
			lse := floats.LogSumExp(lj[:])
			ll += lse
			for k, l := range lj {
				resp[k][i] = math.Exp(l - lse)
			}
		}
		ll /= n
		fs.Iterations = iter
		fs.LogLikelihood = ll
		if math.IsNaN(ll) || math.IsInf(ll, 0) {
			return p, fs, ErrNonFinite
		}
		if math.Abs(ll-prevLL) < opts.Tolerance {
			fs.Converged = true
			return p, fs, nil
		}
		prevLL = ll

		next := p
		for k := range next.Components {
			nk := floats.Sum(resp[k])
			next.Components[k].Weight = nk / n
			if nk < 1e-8 {
				// empty component keeps its location
				continue
			}
			mean := stat.Mean(xs, resp[k])
			ss := 0.0
			for i, x := range xs {
				d := x - mean
				ss += resp[k][i] * d * d
			}
			next.Components[k].Mean = mean
			next.Components[k].SD = math.Sqrt(ss / nk)
		}
		next.NoiseWeight = floats.Sum(resp[NumClasses]) / n
		if !next.valid() {
			return p, fs, ErrNonFinite
		}
		p = next.normalized()
	}
	return p, fs, fmt.Errorf("%w within %d iterations", ErrNotConverged, opts.MaxIterations)
}

func definedValues(values []float64) []float64 {
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			xs = append(xs, v)
		}
	}
	return xs
}
