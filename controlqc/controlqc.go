// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package controlqc evaluates a configurable catalog of control-probe
// metrics for each sample and derives a pass/fail verdict.
package controlqc

import (
	"fmt"
	"math"
	"sort"

	"github.com/arvados/idqc/qcerr"
	"github.com/montanaflynn/stats"
)

type Direction string

const (
	// AtLeast passes values greater than or equal to the cutoff.
	AtLeast Direction = ">="
	// AtMost passes values less than or equal to the cutoff.
	AtMost Direction = "<="
)

func (d Direction) passes(value, cutoff float64) bool {
	if d == AtMost {
		return value <= cutoff
	}
	return value >= cutoff
}

// Term aggregates the intensities of a set of control probes.
type Term struct {
	Agg    string   `toml:"agg"`
	Probes []string `toml:"probes"`
}

var aggregators = map[string]func(stats.Float64Data) (float64, error){
	"mean": stats.Mean,
	"min":  stats.Min,
	"max":  stats.Max,
	"sum":  stats.Sum,
}

// Metric is a named formula with its cutoff. The value is
// Numerator / (Denominator + DenominatorOffset), or Numerator alone
// when Denominator is nil.
type Metric struct {
	Name              string    `toml:"name"`
	Numerator         Term      `toml:"numerator"`
	Denominator       *Term     `toml:"denominator,omitempty"`
	DenominatorOffset float64   `toml:"denominator_offset"`
	Cutoff            float64   `toml:"cutoff"`
	Direction         Direction `toml:"direction"`
}

type Cutoff struct {
	Threshold float64   `toml:"threshold"`
	Direction Direction `toml:"direction"`
}

// Validate checks a catalog for empty or duplicate names, empty
// terms, and unknown aggregations or directions.
func Validate(catalog []Metric) error {
	if len(catalog) == 0 {
		return qcerr.Configf("control metric catalog is empty")
	}
	seen := map[string]bool{}
	var dups, bad []string
	for i, m := range catalog {
		name := m.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			bad = append(bad, name)
		} else if seen[name] {
			dups = append(dups, name)
		}
		seen[name] = true
		if !validTerm(m.Numerator) || (m.Denominator != nil && !validTerm(*m.Denominator)) {
			bad = append(bad, name)
			continue
		}
		if m.Direction != AtLeast && m.Direction != AtMost {
			bad = append(bad, name)
			continue
		}
		if math.IsNaN(m.Cutoff) {
			bad = append(bad, name)
		}
	}
	if len(dups) > 0 {
		return qcerr.Config("duplicate control metric names", dups...)
	}
	if len(bad) > 0 {
		return qcerr.Config("invalid control metric definitions", bad...)
	}
	return nil
}

func validTerm(t Term) bool {
	_, ok := aggregators[t.Agg]
	return ok && len(t.Probes) > 0
}

// ApplyCutoffs returns a copy of catalog with the cutoff and
// direction of each named metric replaced. An empty direction in an
// override keeps the catalog's.
func ApplyCutoffs(catalog []Metric, overrides map[string]Cutoff) ([]Metric, error) {
	out := append([]Metric(nil), catalog...)
	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.Name] = i
	}
	var unknown []string
	for name, co := range overrides {
		i, ok := index[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out[i].Cutoff = co.Threshold
		if co.Direction != "" {
			out[i].Direction = co.Direction
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, qcerr.Config("cutoff override for unknown control metric", unknown...)
	}
	return out, Validate(out)
}

// Intensities holds raw control-probe intensities: Probes maps a
// probe name to one value per sample, in Samples order. NaN means
// the probe was not measured for that sample.
type Intensities struct {
	Samples []string
	Probes  map[string][]float64
}

type Result struct {
	Sample     string  `csv:"SampleID"`
	Metric     string  `csv:"Metric"`
	Value      float64 `csv:"Value"`
	Cutoff     float64 `csv:"Cutoff"`
	Direction  string  `csv:"Direction"`
	Computable bool    `csv:"Computable"`
	Pass       bool    `csv:"Pass"`
}

// Table holds one row of results per sample, with a result per
// catalog metric in catalog order.
type Table struct {
	Samples []string
	Metrics []Metric
	Results [][]Result
	// Pass is false iff a computable metric failed.
	Pass []bool
	// Evaluated counts the computable metrics per sample.
	Evaluated []int
}

// Evaluate computes every metric for every sample. A metric needing
// a probe that is absent or NaN for a sample, or whose denominator
// is zero, is not computable for that sample and does not count
// toward its verdict.
func Evaluate(in Intensities, catalog []Metric) (*Table, error) {
	if err := Validate(catalog); err != nil {
		return nil, err
	}
	if len(in.Samples) == 0 {
		return nil, qcerr.Configf("no samples in control intensities")
	}
	var short []string
	for probe, vals := range in.Probes {
		if len(vals) != len(in.Samples) {
			short = append(short, probe)
		}
	}
	if len(short) > 0 {
		sort.Strings(short)
		return nil, qcerr.Config(fmt.Sprintf("probes without exactly %d values", len(in.Samples)), short...)
	}
	t := &Table{
		Samples:   in.Samples,
		Metrics:   catalog,
		Results:   make([][]Result, len(in.Samples)),
		Pass:      make([]bool, len(in.Samples)),
		Evaluated: make([]int, len(in.Samples)),
	}
	for s, sample := range in.Samples {
		row := make([]Result, len(catalog))
		pass := true
		for mi, m := range catalog {
			r := Result{
				Sample:    sample,
				Metric:    m.Name,
				Cutoff:    m.Cutoff,
				Direction: string(m.Direction),
				Value:     value(in, s, m),
			}
			if !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0) {
				r.Computable = true
				r.Pass = m.Direction.passes(r.Value, m.Cutoff)
				t.Evaluated[s]++
				pass = pass && r.Pass
			} else {
				r.Value = math.NaN()
			}
			row[mi] = r
		}
		t.Results[s] = row
		t.Pass[s] = pass
	}
	return t, nil
}

func value(in Intensities, s int, m Metric) float64 {
	num := aggregate(in, s, m.Numerator)
	if m.Denominator == nil {
		return num
	}
	den := aggregate(in, s, *m.Denominator) + m.DenominatorOffset
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

func aggregate(in Intensities, s int, t Term) float64 {
	data := make(stats.Float64Data, 0, len(t.Probes))
	for _, probe := range t.Probes {
		vals, ok := in.Probes[probe]
		if !ok || math.IsNaN(vals[s]) {
			return math.NaN()
		}
		data = append(data, vals[s])
	}
	v, err := aggregators[t.Agg](data)
	if err != nil {
		return math.NaN()
	}
	return v
}

// Failed returns the names of the computable metrics that failed for
// sample index s.
func (t *Table) Failed(s int) []string {
	var names []string
	for _, r := range t.Results[s] {
		if r.Computable && !r.Pass {
			names = append(names, r.Metric)
		}
	}
	return names
}
