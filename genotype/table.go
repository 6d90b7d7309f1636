// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genotype

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"sort"

	"github.com/arvados/idqc/qcerr"
	"github.com/gocarina/gocsv"
	"golang.org/x/crypto/blake2b"
)

// PopulationTable is an externally supplied set of per-marker
// mixture parameters derived from a reference population. Digest
// identifies the exact table contents used by a run.
type PopulationTable struct {
	Version string
	Digest  [blake2b.Size256]byte
	Params  map[string]Params
}

func (pt *PopulationTable) DigestString() string {
	return hex.EncodeToString(pt.Digest[:])
}

type tableRow struct {
	Marker      string  `csv:"Marker"`
	HomAMean    float64 `csv:"HomAMean"`
	HomASD      float64 `csv:"HomASD"`
	HomAWeight  float64 `csv:"HomAWeight"`
	HetMean     float64 `csv:"HetMean"`
	HetSD       float64 `csv:"HetSD"`
	HetWeight   float64 `csv:"HetWeight"`
	HomBMean    float64 `csv:"HomBMean"`
	HomBSD      float64 `csv:"HomBSD"`
	HomBWeight  float64 `csv:"HomBWeight"`
	NoiseWeight float64 `csv:"NoiseWeight"`
}

func (row *tableRow) params() Params {
	return Params{
		Components: [NumClasses]Component{
			{Mean: row.HomAMean, SD: row.HomASD, Weight: row.HomAWeight},
			{Mean: row.HetMean, SD: row.HetSD, Weight: row.HetWeight},
			{Mean: row.HomBMean, SD: row.HomBSD, Weight: row.HomBWeight},
		},
		NoiseWeight: row.NoiseWeight,
	}
}

func newTableRow(marker string, p Params) *tableRow {
	c := p.Components
	return &tableRow{
		Marker:   marker,
		HomAMean: c[HomA].Mean, HomASD: c[HomA].SD, HomAWeight: c[HomA].Weight,
		HetMean: c[Het].Mean, HetSD: c[Het].SD, HetWeight: c[Het].Weight,
		HomBMean: c[HomB].Mean, HomBSD: c[HomB].SD, HomBWeight: c[HomB].Weight,
		NoiseWeight: p.NoiseWeight,
	}
}

// ReadTable reads a population table in the format written by
// WriteTable.
func ReadTable(r io.Reader, version string) (*PopulationTable, error) {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rows []*tableRow
	if err := gocsv.UnmarshalBytes(buf, &rows); err != nil {
		return nil, fmt.Errorf("population table %s: %w", version, err)
	}
	pt := &PopulationTable{
		Version: version,
		Digest:  blake2b.Sum256(buf),
		Params:  make(map[string]Params, len(rows)),
	}
	var dup, invalid []string
	for _, row := range rows {
		if _, ok := pt.Params[row.Marker]; ok {
			dup = append(dup, row.Marker)
			continue
		}
		p := row.params()
		if !p.valid() {
			invalid = append(invalid, row.Marker)
			continue
		}
		pt.Params[row.Marker] = p.normalized()
	}
	if len(dup) > 0 {
		return nil, qcerr.Config("population table "+version+" has duplicate markers", dup...)
	}
	if len(invalid) > 0 {
		return nil, qcerr.Config("population table "+version+" has invalid parameters", invalid...)
	}
	if len(pt.Params) == 0 {
		return nil, qcerr.Configf("population table %s is empty", version)
	}
	return pt, nil
}

// NewTable builds a population table from in-memory parameters, as
// if it had been written with WriteTable and read back.
func NewTable(version string, params map[string]Params) (*PopulationTable, error) {
	markers := make([]string, 0, len(params))
	for marker := range params {
		markers = append(markers, marker)
	}
	sort.Strings(markers)
	var buf bytes.Buffer
	if err := WriteTable(&buf, markers, params); err != nil {
		return nil, err
	}
	return ReadTable(&buf, version)
}

// WriteTable writes params for the given markers, in order.
func WriteTable(w io.Writer, markers []string, params map[string]Params) error {
	rows := make([]*tableRow, 0, len(markers))
	for _, marker := range markers {
		p, ok := params[marker]
		if !ok {
			continue
		}
		rows = append(rows, newTableRow(marker, p))
	}
	return gocsv.Marshal(rows, w)
}
