// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package outlier scores how well each sample's values fit any clean
// genotype call. Contaminated or degraded samples score low.
package outlier

import (
	"math"

	"github.com/arvados/idqc/genotype"
)

const DefaultCutoff = -4.0

type Score struct {
	Sample string
	// Value is the mean, over markers with a defined posterior, of
	// the log2 odds of the best genotype component against the
	// background component. NaN if no marker is defined.
	Value   float64
	Markers int
}

func (s Score) Computable() bool { return s.Markers > 0 }

// Pass reports whether the score is computable and at least cutoff.
func (s Score) Pass(cutoff float64) bool {
	return s.Computable() && s.Value >= cutoff
}

// ScoreSample computes the score of tensor sample index s.
func ScoreSample(t *genotype.Tensor, s int) Score {
	sum, n := 0.0, 0
	for m := 0; m < t.NumMarkers(); m++ {
		if lo := t.CallLogOdds(m, s); !math.IsNaN(lo) {
			sum += lo
			n++
		}
	}
	sc := Score{Sample: t.Samples()[s], Value: math.NaN(), Markers: n}
	if n > 0 {
		sc.Value = sum / float64(n) / math.Ln2
	}
	return sc
}

// ScoreAll scores every sample, in tensor order.
func ScoreAll(t *genotype.Tensor) []Score {
	scores := make([]Score, t.NumSamples())
	for s := range scores {
		scores[s] = ScoreSample(t, s)
	}
	return scores
}
