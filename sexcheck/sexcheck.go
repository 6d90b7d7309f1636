// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sexcheck infers biological sex from normalized X and Y
// chromosome intensities with a nearest-centroid classifier, and
// flags samples whose reported sex disagrees.
package sexcheck

import (
	"fmt"
	"math"
	"strings"

	"github.com/arvados/idqc/qcerr"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type Label int

const (
	Unknown Label = iota
	Female
	Male
)

func (l Label) String() string {
	switch l {
	case Female:
		return "F"
	case Male:
		return "M"
	default:
		return ""
	}
}

func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male":
		return Male, nil
	case "f", "female":
		return Female, nil
	case "", "na", "u", "unknown":
		return Unknown, nil
	}
	return Unknown, qcerr.Config("unrecognized sex label", s)
}

// Feature holds a sample's X and Y intensities, each normalized to
// the autosomal intensity.
type Feature struct {
	Sample string
	X, Y   float64
}

type Centroid struct {
	X, Y float64
	N    int
}

func (c Centroid) dist(f Feature) float64 {
	return math.Hypot(f.X-c.X, f.Y-c.Y)
}

type Model struct {
	Female Centroid
	Male   Centroid
}

// Train computes the per-label centroids of the anchor samples.
// labels[i] is the known label of features[i]; anchors lists the
// indices to train on, or nil for every sample with a known label.
func Train(features []Feature, labels []Label, anchors []int) (*Model, error) {
	if len(labels) != len(features) {
		return nil, qcerr.Configf("%d sex labels for %d samples", len(labels), len(features))
	}
	if anchors == nil {
		for i, l := range labels {
			if l != Unknown {
				anchors = append(anchors, i)
			}
		}
	}
	var xs, ys [3][]float64
	for _, i := range anchors {
		if i < 0 || i >= len(features) {
			return nil, qcerr.Config("anchor index out of range", fmt.Sprint(i))
		}
		f, l := features[i], labels[i]
		if l == Unknown {
			return nil, qcerr.Config("anchor sample has no known sex", f.Sample)
		}
		if math.IsNaN(f.X) || math.IsNaN(f.Y) {
			log.WithField("sample", f.Sample).Warn("skipping anchor with missing intensities")
			continue
		}
		xs[l] = append(xs[l], f.X)
		ys[l] = append(ys[l], f.Y)
	}
	var missing []string
	for _, l := range []Label{Female, Male} {
		if len(xs[l]) == 0 {
			missing = append(missing, l.String())
		}
	}
	if len(missing) > 0 {
		return nil, qcerr.Config("no training anchors for sex label", missing...)
	}
	centroid := func(l Label) Centroid {
		return Centroid{X: stat.Mean(xs[l], nil), Y: stat.Mean(ys[l], nil), N: len(xs[l])}
	}
	return &Model{Female: centroid(Female), Male: centroid(Male)}, nil
}

type Prediction struct {
	Sample     string
	X, Y       float64
	Predicted  Label
	Reported   Label
	DistFemale float64
	DistMale   float64
	Mismatch   bool
}

// Predict assigns the label of the nearer centroid. Equidistant
// samples and samples with missing intensities are Unknown.
func (m *Model) Predict(f Feature) Prediction {
	p := Prediction{
		Sample:     f.Sample,
		X:          f.X,
		Y:          f.Y,
		DistFemale: m.Female.dist(f),
		DistMale:   m.Male.dist(f),
	}
	switch {
	case p.DistMale < p.DistFemale:
		p.Predicted = Male
	case p.DistFemale < p.DistMale:
		p.Predicted = Female
	}
	return p
}

type Report struct {
	Model       *Model
	Predictions []Prediction
}

// Check trains on the anchors and predicts every sample. A sample is
// a mismatch when its reported label is known and differs from the
// prediction.
func Check(features []Feature, reported []Label, anchors []int) (*Report, error) {
	model, err := Train(features, reported, anchors)
	if err != nil {
		return nil, err
	}
	r := &Report{Model: model, Predictions: make([]Prediction, len(features))}
	nmismatch := 0
	for i, f := range features {
		p := model.Predict(f)
		p.Reported = reported[i]
		p.Mismatch = p.Reported != Unknown && p.Predicted != Unknown && p.Predicted != p.Reported
		if p.Mismatch {
			nmismatch++
		}
		r.Predictions[i] = p
	}
	log.WithFields(log.Fields{
		"samples":    len(features),
		"mismatches": nmismatch,
	}).Info("sex check done")
	return r, nil
}

func (r *Report) Mismatches() []Prediction {
	var out []Prediction
	for _, p := range r.Predictions {
		if p.Mismatch {
			out = append(out, p)
		}
	}
	return out
}

// Summarize computes features from per-probe total intensities
// (probes × samples). chrom names each probe's chromosome; X and Y are
// the mean chrX and chrY intensities divided by the mean autosomal
// intensity. NaN intensities are skipped.
func Summarize(samples []string, chrom []string, intensities [][]float64) ([]Feature, error) {
	if len(chrom) != len(intensities) {
		return nil, qcerr.Configf("%d chromosome names for %d probes", len(chrom), len(intensities))
	}
	var xIdx, yIdx, autoIdx []int
	for i, c := range chrom {
		switch strings.TrimPrefix(strings.ToUpper(c), "CHR") {
		case "X":
			xIdx = append(xIdx, i)
		case "Y":
			yIdx = append(yIdx, i)
		case "M", "MT":
		default:
			autoIdx = append(autoIdx, i)
		}
	}
	var missing []string
	for _, group := range []struct {
		name string
		idx  []int
	}{{"chrX", xIdx}, {"chrY", yIdx}, {"autosomes", autoIdx}} {
		if len(group.idx) == 0 {
			missing = append(missing, group.name)
		}
	}
	if len(missing) > 0 {
		return nil, qcerr.Config("no probes on", missing...)
	}
	for i, row := range intensities {
		if len(row) != len(samples) {
			return nil, qcerr.Configf("probe %d has %d intensities for %d samples", i, len(row), len(samples))
		}
	}
	features := make([]Feature, len(samples))
	col := make([]float64, 0, len(intensities))
	mean := func(idx []int, j int) float64 {
		col = col[:0]
		for _, i := range idx {
			if v := intensities[i][j]; !math.IsNaN(v) {
				col = append(col, v)
			}
		}
		if len(col) == 0 {
			return math.NaN()
		}
		return floats.Sum(col) / float64(len(col))
	}
	for j, id := range samples {
		auto := mean(autoIdx, j)
		features[j] = Feature{Sample: id, X: mean(xIdx, j) / auto, Y: mean(yIdx, j) / auto}
	}
	return features, nil
}
