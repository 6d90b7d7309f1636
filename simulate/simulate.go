// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package simulate generates synthetic cohorts with known donor
// structure, genotypes, and sex, for smoke runs and tests.
package simulate

import (
	"fmt"
	"math"

	"github.com/arvados/idqc/controlqc"
	"github.com/arvados/idqc/genotype"
	"github.com/arvados/idqc/qcerr"
	"github.com/arvados/idqc/sexcheck"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Centers are the true mean values of the three genotype classes.
var Centers = [genotype.NumClasses]float64{0.1, 0.5, 0.9}

type Options struct {
	Donors int
	// Replicates is the number of samples drawn from each donor.
	Replicates  int
	Markers     int
	SD          float64
	MissingRate float64
	// NoiseWeight is the fraction of values drawn uniformly from
	// [0,1] instead of from the genotype's cluster.
	NoiseWeight float64
	Seed        uint64
}

func DefaultOptions() Options {
	return Options{
		Donors:      10,
		Replicates:  2,
		Markers:     200,
		SD:          0.03,
		MissingRate: 0.01,
		NoiseWeight: 0.005,
		Seed:        1,
	}
}

// Cohort is a generated dataset. Sample i belongs to donor
// i/Replicates.
type Cohort struct {
	Samples []string
	// Donor label of each sample.
	Donors     []string
	Matrix     genotype.Matrix
	Genotypes  [][]genotype.Class // donor × marker
	AlleleFreq []float64
	Sex        []sexcheck.Label
	Features   []sexcheck.Feature
	// Params holds the generating mixture of each marker.
	Params map[string]genotype.Params
	// Control holds intensities for the probes named by
	// ControlCatalog.
	Control controlqc.Intensities

	rnd *rand.Rand
}

func Generate(opts Options) (*Cohort, error) {
	if opts.Donors < 1 || opts.Replicates < 1 || opts.Markers < 1 {
		return nil, qcerr.Configf("simulation needs at least one donor, replicate, and marker (got %d, %d, %d)", opts.Donors, opts.Replicates, opts.Markers)
	}
	if !(opts.SD > 0) || opts.MissingRate < 0 || opts.MissingRate >= 1 || opts.NoiseWeight < 0 || opts.NoiseWeight >= 1 {
		return nil, qcerr.Configf("invalid simulation options %+v", opts)
	}
	rnd := rand.New(rand.NewSource(opts.Seed))
	nsamples := opts.Donors * opts.Replicates
	c := &Cohort{
		Samples:    make([]string, nsamples),
		Donors:     make([]string, nsamples),
		Genotypes:  make([][]genotype.Class, opts.Donors),
		AlleleFreq: make([]float64, opts.Markers),
		Sex:        make([]sexcheck.Label, nsamples),
		Features:   make([]sexcheck.Feature, nsamples),
		Params:     make(map[string]genotype.Params, opts.Markers),
		rnd:        rnd,
	}
	markers := make([]string, opts.Markers)
	for m := range markers {
		markers[m] = fmt.Sprintf("cg%05d", m)
		p := 0.2 + 0.6*rnd.Float64()
		c.AlleleFreq[m] = p
		weights := [genotype.NumClasses]float64{(1 - p) * (1 - p), 2 * p * (1 - p), p * p}
		var params genotype.Params
		for k := range params.Components {
			params.Components[k] = genotype.Component{
				Mean:   Centers[k],
				SD:     opts.SD,
				Weight: weights[k] * (1 - opts.NoiseWeight),
			}
		}
		params.NoiseWeight = opts.NoiseWeight
		c.Params[markers[m]] = params
	}

	femaleX := distuv.Normal{Mu: 1, Sigma: 0.03, Src: rnd}
	femaleY := distuv.Normal{Mu: 0.1, Sigma: 0.03, Src: rnd}
	maleX := distuv.Normal{Mu: 0.5, Sigma: 0.03, Src: rnd}
	maleY := distuv.Normal{Mu: 0.9, Sigma: 0.03, Src: rnd}
	for d := 0; d < opts.Donors; d++ {
		geno := make([]genotype.Class, opts.Markers)
		for m, p := range c.AlleleFreq {
			for a := 0; a < 2; a++ {
				if rnd.Float64() < p {
					geno[m]++
				}
			}
		}
		c.Genotypes[d] = geno
		sex := sexcheck.Female
		if rnd.Intn(2) == 1 {
			sex = sexcheck.Male
		}
		for r := 0; r < opts.Replicates; r++ {
			i := d*opts.Replicates + r
			c.Samples[i] = fmt.Sprintf("S%03d", i)
			c.Donors[i] = fmt.Sprintf("D%03d", d)
			c.Sex[i] = sex
			f := sexcheck.Feature{Sample: c.Samples[i]}
			if sex == sexcheck.Female {
				f.X, f.Y = femaleX.Rand(), femaleY.Rand()
			} else {
				f.X, f.Y = maleX.Rand(), maleY.Rand()
			}
			c.Features[i] = f
		}
	}

	c.Control = controlqc.Intensities{Samples: append([]string(nil), c.Samples...), Probes: map[string][]float64{}}
	for _, probe := range []struct {
		name      string
		mu, sigma float64
	}{
		{"bisulfite_1", 5000, 300},
		{"bisulfite_2", 4500, 300},
		{"background_1", 1000, 100},
		{"background_2", 900, 100},
	} {
		dist := distuv.Normal{Mu: probe.mu, Sigma: probe.sigma, Src: rnd}
		vals := make([]float64, nsamples)
		for i := range vals {
			vals[i] = math.Max(0, dist.Rand())
		}
		c.Control.Probes[probe.name] = vals
	}

	c.Matrix = genotype.Matrix{
		Markers: markers,
		Samples: append([]string(nil), c.Samples...),
		Values:  make([]float64, opts.Markers*nsamples),
	}
	noise := distuv.Normal{Mu: 0, Sigma: opts.SD, Src: rnd}
	for m := range markers {
		row := c.Matrix.Row(m)
		for i := range row {
			switch {
			case rnd.Float64() < opts.MissingRate:
				row[i] = math.NaN()
			case rnd.Float64() < opts.NoiseWeight:
				row[i] = rnd.Float64()
			default:
				g := c.Genotypes[i/opts.Replicates][m]
				row[i] = clamp(Centers[g] + noise.Rand())
			}
		}
	}
	return c, nil
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ControlCatalog returns the metrics computable from Cohort.Control.
// Simulated samples pass both unless degraded with FailControl.
func ControlCatalog() []controlqc.Metric {
	return []controlqc.Metric{
		{
			Name:        "bisulfite_conversion",
			Numerator:   controlqc.Term{Agg: "min", Probes: []string{"bisulfite_1", "bisulfite_2"}},
			Denominator: &controlqc.Term{Agg: "max", Probes: []string{"background_1", "background_2"}},
			Cutoff:      2,
			Direction:   controlqc.AtLeast,
		},
		{
			Name:      "background",
			Numerator: controlqc.Term{Agg: "mean", Probes: []string{"background_1", "background_2"}},
			Cutoff:    2000,
			Direction: controlqc.AtMost,
		},
	}
}

// FailControl makes sample i fail the bisulfite conversion metric.
func (c *Cohort) FailControl(i int) {
	c.Control.Probes["bisulfite_1"][i] = c.Control.Probes["background_1"][i]
}

// Swap exchanges the measured values of samples i and j, as if their
// labels had been switched. Donor labels and reported sex are
// unchanged.
func (c *Cohort) Swap(i, j int) {
	for m := range c.Matrix.Markers {
		row := c.Matrix.Row(m)
		row[i], row[j] = row[j], row[i]
	}
	c.Features[i].X, c.Features[j].X = c.Features[j].X, c.Features[i].X
	c.Features[i].Y, c.Features[j].Y = c.Features[j].Y, c.Features[i].Y
	for _, vals := range c.Control.Probes {
		vals[i], vals[j] = vals[j], vals[i]
	}
}

// Contaminate mixes fraction of sample j's signal into sample i.
func (c *Cohort) Contaminate(i, j int, fraction float64) {
	for m := range c.Matrix.Markers {
		row := c.Matrix.Row(m)
		if math.IsNaN(row[i]) || math.IsNaN(row[j]) {
			continue
		}
		row[i] = (1-fraction)*row[i] + fraction*row[j]
	}
}

// Degrade adds Gaussian noise with the given SD to sample i's values.
func (c *Cohort) Degrade(i int, sd float64) {
	noise := distuv.Normal{Mu: 0, Sigma: sd, Src: c.rnd}
	for m := range c.Matrix.Markers {
		row := c.Matrix.Row(m)
		if !math.IsNaN(row[i]) {
			row[i] = clamp(row[i] + noise.Rand())
		}
	}
}

// Population returns the generating parameters as a population table.
func (c *Cohort) Population(version string) (*genotype.PopulationTable, error) {
	return genotype.NewTable(version, c.Params)
}
