// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fingerprint

import (
	"math"
	"sort"

	"github.com/arvados/idqc/qcerr"
	log "github.com/sirupsen/logrus"
)

const (
	ModeFixed    = "fixed"
	ModeAdaptive = "adaptive"
)

type ThresholdConfig struct {
	Mode  string
	Fixed float64
	// MinModeSeparation is the smallest distance between the two
	// mode means for which the adaptive split is trusted.
	MinModeSeparation float64
}

func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		Mode:              ModeAdaptive,
		Fixed:             0.8,
		MinModeSeparation: 0.2,
	}
}

func (cfg ThresholdConfig) validate() error {
	if cfg.Mode != ModeFixed && cfg.Mode != ModeAdaptive {
		return qcerr.Config("unknown fingerprint threshold mode", cfg.Mode)
	}
	if math.IsNaN(cfg.Fixed) {
		return qcerr.Configf("fingerprint threshold is NaN")
	}
	return nil
}

// Threshold is the cutoff separating same-donor from different-donor
// pairs. Source is "fixed", "adaptive", or "fallback" (adaptive mode,
// but the modes were not separated well enough).
type Threshold struct {
	Value    float64
	Source   string
	LowMean  float64
	HighMean float64
}

// ChooseThreshold picks the threshold for a set of pairwise
// statistics. NaN statistics are ignored.
func ChooseThreshold(values []float64, cfg ThresholdConfig) (Threshold, error) {
	if err := cfg.validate(); err != nil {
		return Threshold{}, err
	}
	fixed := Threshold{Value: cfg.Fixed, Source: ModeFixed, LowMean: math.NaN(), HighMean: math.NaN()}
	if cfg.Mode == ModeFixed {
		return fixed, nil
	}
	th, ok := otsu(values)
	if ok && th.HighMean-th.LowMean >= cfg.MinModeSeparation {
		log.WithFields(log.Fields{
			"threshold": th.Value,
			"lowMean":   th.LowMean,
			"highMean":  th.HighMean,
		}).Info("adaptive fingerprint threshold")
		return th, nil
	}
	fixed.Source = "fallback"
	fixed.LowMean, fixed.HighMean = th.LowMean, th.HighMean
	log.WithFields(log.Fields{
		"threshold": fixed.Value,
		"lowMean":   th.LowMean,
		"highMean":  th.HighMean,
	}).Warn("pairwise statistics are not bimodal, using fixed fingerprint threshold")
	return fixed, nil
}

// otsu splits the values into two groups maximizing the between-group
// variance. The threshold is the midpoint of the gap at the split.
func otsu(values []float64) (Threshold, bool) {
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			xs = append(xs, v)
		}
	}
	th := Threshold{Value: math.NaN(), Source: ModeAdaptive, LowMean: math.NaN(), HighMean: math.NaN()}
	if len(xs) < 2 {
		return th, false
	}
	sort.Float64s(xs)
	total := 0.0
	for _, x := range xs {
		total += x
	}
	n := float64(len(xs))
	best := -1.0
	lowSum := 0.0
	for k := 1; k < len(xs); k++ {
		lowSum += xs[k-1]
		if xs[k] == xs[k-1] {
			continue
		}
		w0 := float64(k) / n
		m0 := lowSum / float64(k)
		m1 := (total - lowSum) / (n - float64(k))
		between := w0 * (1 - w0) * (m1 - m0) * (m1 - m0)
		if between > best {
			best = between
			th.Value = (xs[k-1] + xs[k]) / 2
			th.LowMean, th.HighMean = m0, m1
		}
	}
	return th, best >= 0
}
