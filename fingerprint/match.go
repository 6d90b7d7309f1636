// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fingerprint

import (
	"math"

	"github.com/arvados/idqc/donor"
	"github.com/arvados/idqc/genotype"
	"github.com/arvados/idqc/qcerr"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Threshold ThresholdConfig
	BlockSize int
	Threads   int
}

func DefaultConfig() Config {
	return Config{Threshold: DefaultThresholdConfig(), BlockSize: DefaultBlockSize}
}

// Conflict is a pair whose observed relationship disagrees with the
// donor grouping. ExpectedSame && !ObservedSame suggests a swap or
// mislabel; !ExpectedSame && ObservedSame suggests a duplicate,
// contamination, or labeling error.
type Conflict struct {
	A            string  `csv:"SampleA"`
	B            string  `csv:"SampleB"`
	IndexA       int     `csv:"IndexA"`
	IndexB       int     `csv:"IndexB"`
	ExpectedSame bool    `csv:"ExpectedSame"`
	ObservedSame bool    `csv:"ObservedSame"`
	Statistic    float64 `csv:"Statistic"`
	Shared       int     `csv:"SharedMarkers"`
}

// Pair identifies two samples by tensor index.
type Pair struct {
	A      string `csv:"SampleA"`
	B      string `csv:"SampleB"`
	IndexA int    `csv:"IndexA"`
	IndexB int    `csv:"IndexB"`
}

type Report struct {
	Pairwise  *Pairwise
	Threshold Threshold
	// Conflicts in (IndexA, IndexB) order.
	Conflicts []Conflict
	// Unresolved lists pairs with no shared defined marker.
	Unresolved []Pair
}

// Match computes pairwise agreement for all samples in t, classifies
// each pair, and compares the result with groups. Sample indices in
// the report refer to tensor order.
func Match(t *genotype.Tensor, groups *donor.Groups, cfg Config) (*Report, error) {
	if err := cfg.Threshold.validate(); err != nil {
		return nil, err
	}
	group, err := alignGroups(t, groups)
	if err != nil {
		return nil, err
	}
	pw, err := ComputePairwise(t, cfg.BlockSize, cfg.Threads)
	if err != nil {
		return nil, err
	}
	th, err := ChooseThreshold(pw.Values(), cfg.Threshold)
	if err != nil {
		return nil, err
	}
	r := &Report{Pairwise: pw, Threshold: th}
	samples := t.Samples()
	for i := 0; i < pw.Len(); i++ {
		for j := i + 1; j < pw.Len(); j++ {
			stat := pw.At(i, j)
			if math.IsNaN(stat) {
				r.Unresolved = append(r.Unresolved, Pair{A: samples[i], B: samples[j], IndexA: i, IndexB: j})
				continue
			}
			expected := group[i] == group[j]
			observed := stat >= th.Value
			if expected == observed {
				continue
			}
			r.Conflicts = append(r.Conflicts, Conflict{
				A:            samples[i],
				B:            samples[j],
				IndexA:       i,
				IndexB:       j,
				ExpectedSame: expected,
				ObservedSame: observed,
				Statistic:    stat,
				Shared:       pw.Shared(i, j),
			})
		}
	}
	log.WithFields(log.Fields{
		"conflicts":  len(r.Conflicts),
		"unresolved": len(r.Unresolved),
		"threshold":  th.Value,
		"source":     th.Source,
	}).Info("fingerprint matching done")
	return r, nil
}

// alignGroups returns the donor group of each tensor sample.
func alignGroups(t *genotype.Tensor, groups *donor.Groups) ([]int, error) {
	group := make([]int, t.NumSamples())
	var missing []string
	for i, id := range t.Samples() {
		g, ok := groups.GroupOf(id)
		if !ok {
			missing = append(missing, id)
		}
		group[i] = g
	}
	if len(missing) > 0 {
		return nil, qcerr.Config("samples missing from donor grouping", missing...)
	}
	var extra []string
	for _, id := range groups.Samples() {
		if _, ok := t.SampleIndex(id); !ok {
			extra = append(extra, id)
		}
	}
	if len(extra) > 0 {
		return nil, qcerr.Config("donor grouping names samples absent from the genotype tensor", extra...)
	}
	return group, nil
}

// Suspicious returns the tensor indices of samples involved in at
// least one conflict, in increasing order.
func (r *Report) Suspicious() []int {
	seen := make([]bool, r.Pairwise.Len())
	for _, c := range r.Conflicts {
		seen[c.IndexA] = true
		seen[c.IndexB] = true
	}
	var out []int
	for i, ok := range seen {
		if ok {
			out = append(out, i)
		}
	}
	return out
}
