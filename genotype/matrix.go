// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genotype

import (
	"fmt"
	"math"

	"github.com/arvados/idqc/qcerr"
)

// Matrix holds marker values for every (marker, sample), row-major by
// marker. NaN marks a missing value.
type Matrix struct {
	Markers []string
	Samples []string
	Values  []float64
}

func (m Matrix) At(marker, sample int) float64 {
	return m.Values[marker*len(m.Samples)+sample]
}

// Row returns the values of one marker across all samples. The
// returned slice shares storage with m.
func (m Matrix) Row(marker int) []float64 {
	n := len(m.Samples)
	return m.Values[marker*n : (marker+1)*n]
}

func (m Matrix) Validate() error {
	if len(m.Markers) == 0 {
		return qcerr.Configf("empty marker set")
	}
	if len(m.Samples) == 0 {
		return qcerr.Configf("empty sample set")
	}
	if len(m.Values) != len(m.Markers)*len(m.Samples) {
		return qcerr.Configf("value matrix has %d values, expected %d markers × %d samples", len(m.Values), len(m.Markers), len(m.Samples))
	}
	if dup := duplicates(m.Markers); len(dup) > 0 {
		return qcerr.Config("duplicate marker IDs", dup...)
	}
	if dup := duplicates(m.Samples); len(dup) > 0 {
		return qcerr.Config("duplicate sample IDs", dup...)
	}
	var bad []string
	for i, marker := range m.Markers {
		for j, v := range m.Row(i) {
			if math.IsNaN(v) {
				continue
			}
			if v < 0 || v > 1 || math.IsInf(v, 0) {
				bad = append(bad, fmt.Sprintf("%s/%s=%g", marker, m.Samples[j], v))
			}
		}
	}
	if len(bad) > 0 {
		return qcerr.Config("marker values outside [0,1]", bad...)
	}
	return nil
}

func duplicates(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var dup []string
	for _, id := range ids {
		if seen[id] {
			dup = append(dup, id)
		}
		seen[id] = true
	}
	return dup
}
