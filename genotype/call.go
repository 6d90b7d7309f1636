// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genotype

import (
	"github.com/arvados/idqc/qcerr"
	"github.com/arvados/idqc/throttle"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// Learn fits each marker's mixture from the data. Otherwise
	// parameters come from Population.
	Learn           bool
	MaxIterations   int
	Tolerance       float64
	MinObservations int
	Threads         int
	Population      *PopulationTable
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:   100,
		Tolerance:       1e-6,
		MinObservations: 10,
	}
}

// Failure records a marker excluded from a run.
type Failure struct {
	Marker string `csv:"Marker"`
	Reason string `csv:"Reason"`
}

type Result struct {
	Tensor *Tensor
	// Params used for each called marker.
	Params map[string]Params
	// Stats for each marker fitted in learn mode.
	Stats    map[string]FitStats
	Failures []Failure
}

type markerOutcome struct {
	params Params
	stats  FitStats
	fitted bool
	cells  []float64
	err    error
}

// Call computes the posterior tensor for m. Markers whose mixture
// cannot be fitted are left out of the tensor and listed in
// Result.Failures.
func Call(m Matrix, cfg Config) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Learn {
		if cfg.Population == nil {
			return nil, qcerr.Configf("fixed-parameter mode requires a population table")
		}
		var missing []string
		for _, marker := range m.Markers {
			if _, ok := cfg.Population.Params[marker]; !ok {
				missing = append(missing, marker)
			}
		}
		if len(missing) > 0 {
			return nil, qcerr.Config("markers missing from population table "+cfg.Population.Version, missing...)
		}
	} else if cfg.MaxIterations < 1 {
		return nil, qcerr.Configf("EM iteration cap must be positive, got %d", cfg.MaxIterations)
	}

	log.WithFields(log.Fields{
		"markers": len(m.Markers),
		"samples": len(m.Samples),
		"learn":   cfg.Learn,
	}).Info("calling genotypes")

	outcomes := make([]markerOutcome, len(m.Markers))
	opts := FitOptions{
		MaxIterations:   cfg.MaxIterations,
		Tolerance:       cfg.Tolerance,
		MinObservations: cfg.MinObservations,
	}
	th := throttle.New(cfg.Threads)
	for i := range m.Markers {
		i := i
		th.Go(func() error {
			outcomes[i] = callMarker(m.Row(i), cfg, opts, m.Markers[i])
			return nil
		})
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Params: make(map[string]Params, len(m.Markers)),
		Stats:  map[string]FitStats{},
	}
	var kept []int
	for i, out := range outcomes {
		marker := m.Markers[i]
		if out.fitted {
			res.Stats[marker] = out.stats
		}
		if out.err != nil {
			res.Failures = append(res.Failures, Failure{Marker: marker, Reason: out.err.Error()})
			log.WithFields(log.Fields{
				"marker":     marker,
				"iterations": out.stats.Iterations,
			}).Warnf("excluding marker: %s", out.err)
			continue
		}
		res.Params[marker] = out.params
		kept = append(kept, i)
	}
	if len(kept) == 0 {
		return nil, qcerr.Configf("none of %d markers could be called", len(m.Markers))
	}

	markers := make([]string, len(kept))
	for ki, i := range kept {
		markers[ki] = m.Markers[i]
	}
	res.Tensor = newTensor(markers, append([]string(nil), m.Samples...))
	stride := len(m.Samples) * cellWidth
	for ki, i := range kept {
		copy(res.Tensor.cells[ki*stride:(ki+1)*stride], outcomes[i].cells)
	}
	log.Infof("called %d markers, %d excluded", len(kept), len(res.Failures))
	return res, nil
}

func callMarker(values []float64, cfg Config, opts FitOptions, marker string) markerOutcome {
	var out markerOutcome
	if cfg.Learn {
		out.fitted = true
		out.params, out.stats, out.err = FitMarker(values, InitialParams(values), opts)
		if out.err != nil {
			return out
		}
	} else {
		out.params = cfg.Population.Params[marker]
	}
	d := newDensity(out.params)
	out.cells = make([]float64, len(values)*cellWidth)
	for j, v := range values {
		d.cell(v, out.cells[j*cellWidth:(j+1)*cellWidth])
	}
	return out
}
