// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package fingerprint compares the genotype calls of every pair of
// samples and reports pairs whose observed relationship contradicts
// the expected donor grouping.
package fingerprint

import (
	"math"

	"github.com/arvados/idqc/genotype"
	"github.com/arvados/idqc/qcerr"
	"github.com/james-bowman/nlp"
	"gonum.org/v1/gonum/mat"
)

// Fingerprint is a sample's expected B-allele dosage (0..2) at each
// tensor marker, NaN where the posterior is undefined.
type Fingerprint struct {
	Sample string
	Dosage []float64
}

func Build(t *genotype.Tensor) []Fingerprint {
	fps := make([]Fingerprint, t.NumSamples())
	for s, id := range t.Samples() {
		dosage := make([]float64, t.NumMarkers())
		for m := range dosage {
			dosage[m] = t.Dosage(m, s)
		}
		fps[s] = Fingerprint{Sample: id, Dosage: dosage}
	}
	return fps
}

// Project returns the first components principal components of the
// dosage matrix as a samples × components matrix. Missing dosages are
// replaced by the marker's mean dosage; markers with no defined
// dosage contribute zeros.
func Project(fps []Fingerprint, components int) (*mat.Dense, error) {
	if len(fps) == 0 {
		return nil, qcerr.Configf("no fingerprints to project")
	}
	nmarkers := len(fps[0].Dosage)
	if components < 1 || components > len(fps) || components > nmarkers {
		return nil, qcerr.Configf("cannot project %d samples × %d markers onto %d components", len(fps), nmarkers, components)
	}
	// nlp expects features in rows, observations in columns.
	data := mat.NewDense(nmarkers, len(fps), nil)
	for m := 0; m < nmarkers; m++ {
		sum, n := 0.0, 0
		for _, fp := range fps {
			if v := fp.Dosage[m]; !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		mean := 0.0
		if n > 0 {
			mean = sum / float64(n)
		}
		for s, fp := range fps {
			v := fp.Dosage[m]
			if math.IsNaN(v) {
				v = mean
			}
			data.Set(m, s, v)
		}
	}
	pca := nlp.NewPCA(components)
	pca.Fit(data)
	projected, err := pca.Transform(data)
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(projected.T()), nil
}
