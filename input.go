// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package idqc

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/arvados/idqc/controlqc"
	"github.com/arvados/idqc/donor"
	"github.com/arvados/idqc/genotype"
	"github.com/arvados/idqc/qcerr"
	"github.com/arvados/idqc/sexcheck"
	"github.com/gocarina/gocsv"
)

// parseValue parses a numeric cell. Empty, "NA", and "NaN" cells are
// missing (NaN).
func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "NA", "NAN":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// readValueMatrix reads a wide CSV table with a "Marker" column
// followed by one column per sample.
func readValueMatrix(r io.Reader) (genotype.Matrix, error) {
	var m genotype.Matrix
	rdr := gocsv.DefaultCSVReader(r)
	header, err := rdr.Read()
	if err == io.EOF {
		return m, qcerr.Configf("value matrix is empty")
	} else if err != nil {
		return m, err
	}
	if len(header) < 2 || strings.TrimSpace(header[0]) != "Marker" {
		return m, qcerr.Configf("value matrix header must be Marker followed by sample IDs, got %q", header)
	}
	for _, id := range header[1:] {
		m.Samples = append(m.Samples, strings.TrimSpace(id))
	}
	for line := 2; ; line++ {
		row, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return m, err
		}
		m.Markers = append(m.Markers, strings.TrimSpace(row[0]))
		for j, cell := range row[1:] {
			v, err := parseValue(cell)
			if err != nil {
				return m, fmt.Errorf("value matrix line %d, sample %s: %w", line, m.Samples[j], err)
			}
			m.Values = append(m.Values, v)
		}
	}
	return m, nil
}

// SampleRow is one row of the sample sheet.
type SampleRow struct {
	SampleID string `csv:"SampleID"`
	// DonorID groups samples from the same individual. Empty means
	// the sample is its own donor.
	DonorID string `csv:"DonorID"`
	// LinkedSampleID names a twin or technical replicate.
	LinkedSampleID string `csv:"LinkedSampleID"`
	ReportedSex    string `csv:"ReportedSex"`
	// SexAnchor marks samples whose reported sex trains the sex
	// classifier.
	SexAnchor string `csv:"SexAnchor"`
	X         string `csv:"X"`
	Y         string `csv:"Y"`
}

func readSampleSheet(r io.Reader) ([]*SampleRow, error) {
	var rows []*SampleRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, qcerr.Configf("sample sheet is empty")
	}
	for _, row := range rows {
		row.SampleID = strings.TrimSpace(row.SampleID)
	}
	return rows, nil
}

// sampleOrder returns the sample sheet rows in the given sample
// order. Samples missing from the sheet, or sheet rows naming
// samples not in samples, are a configuration error.
func sampleOrder(rows []*SampleRow, samples []string) ([]*SampleRow, error) {
	byID := make(map[string]*SampleRow, len(rows))
	var dups []string
	for _, row := range rows {
		if _, ok := byID[row.SampleID]; ok {
			dups = append(dups, row.SampleID)
		}
		byID[row.SampleID] = row
	}
	if len(dups) > 0 {
		return nil, qcerr.Config("duplicate sample sheet rows", dups...)
	}
	out := make([]*SampleRow, len(samples))
	var missing []string
	for i, id := range samples {
		row, ok := byID[id]
		if !ok {
			missing = append(missing, id)
		}
		out[i] = row
		delete(byID, id)
	}
	if len(missing) > 0 {
		return nil, qcerr.Config("samples missing from sample sheet", missing...)
	}
	if len(byID) > 0 {
		var extra []string
		for id := range byID {
			extra = append(extra, id)
		}
		sort.Strings(extra)
		return nil, qcerr.Config("sample sheet names samples absent from the value matrix", extra...)
	}
	return out, nil
}

func buildGroups(rows []*SampleRow) (*donor.Groups, error) {
	samples := make([]string, len(rows))
	for i, row := range rows {
		samples[i] = row.SampleID
	}
	b, err := donor.NewBuilder(samples)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if d := strings.TrimSpace(row.DonorID); d != "" {
			if err := b.Assign(row.SampleID, d); err != nil {
				return nil, err
			}
		}
	}
	for _, row := range rows {
		if l := strings.TrimSpace(row.LinkedSampleID); l != "" {
			if err := b.Link(row.SampleID, l); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}

// sexInputs returns features, reported labels, and anchor indices
// from the sample sheet. ok is false if the sheet has no X/Y
// intensities. If no row is marked as an anchor, anchors is nil, so
// every sample with a reported sex is an anchor.
func sexInputs(rows []*SampleRow) (features []sexcheck.Feature, reported []sexcheck.Label, anchors []int, ok bool, err error) {
	for i, row := range rows {
		f := sexcheck.Feature{Sample: row.SampleID}
		if f.X, err = parseValue(row.X); err != nil {
			return nil, nil, nil, false, fmt.Errorf("sample %s: X: %w", row.SampleID, err)
		}
		if f.Y, err = parseValue(row.Y); err != nil {
			return nil, nil, nil, false, fmt.Errorf("sample %s: Y: %w", row.SampleID, err)
		}
		ok = ok || !math.IsNaN(f.X) || !math.IsNaN(f.Y)
		var label sexcheck.Label
		if label, err = sexcheck.ParseLabel(row.ReportedSex); err != nil {
			return nil, nil, nil, false, fmt.Errorf("sample %s: %w", row.SampleID, err)
		}
		features = append(features, f)
		reported = append(reported, label)
		switch strings.ToLower(strings.TrimSpace(row.SexAnchor)) {
		case "1", "true", "yes", "y":
			anchors = append(anchors, i)
		}
	}
	return features, reported, anchors, ok, nil
}

// readControlIntensities reads a CSV table with a SampleID column and
// one column per control probe.
func readControlIntensities(r io.Reader) (controlqc.Intensities, error) {
	in := controlqc.Intensities{Probes: map[string][]float64{}}
	records, err := gocsv.CSVToMaps(r)
	if err != nil {
		return in, err
	}
	if len(records) == 0 {
		return in, qcerr.Configf("control intensity table is empty")
	}
	if _, ok := records[0]["SampleID"]; !ok {
		return in, qcerr.Configf("control intensity table has no SampleID column")
	}
	for probe := range records[0] {
		if probe != "SampleID" {
			in.Probes[probe] = make([]float64, len(records))
		}
	}
	seen := make(map[string]bool, len(records))
	var dups []string
	for i, rec := range records {
		in.Samples = append(in.Samples, strings.TrimSpace(rec["SampleID"]))
		if id := in.Samples[i]; seen[id] {
			dups = append(dups, id)
		} else {
			seen[id] = true
		}
		for probe, vals := range in.Probes {
			v, err := parseValue(rec[probe])
			if err != nil {
				return in, fmt.Errorf("control intensities, sample %s, probe %s: %w", rec["SampleID"], probe, err)
			}
			vals[i] = v
		}
	}
	if len(dups) > 0 {
		return in, qcerr.Config("duplicate samples in control intensity table", dups...)
	}
	return in, nil
}

// alignControl returns the control table rows in the given sample
// order.
func alignControl(t *controlqc.Table, samples []string) ([][]controlqc.Result, error) {
	idx := make(map[string]int, len(t.Samples))
	for i, id := range t.Samples {
		idx[id] = i
	}
	out := make([][]controlqc.Result, len(samples))
	var missing []string
	for i, id := range samples {
		j, ok := idx[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out[i] = t.Results[j]
	}
	if len(missing) > 0 {
		return nil, qcerr.Config("samples missing from control metric table", missing...)
	}
	return out, nil
}

// checkSampleSet returns a configuration error naming duplicate
// samples in got, samples in want that are absent from got, and
// samples in got that are absent from want.
func checkSampleSet(what string, got, want []string) error {
	seen := make(map[string]bool, len(got))
	var dups []string
	for _, id := range got {
		if seen[id] {
			dups = append(dups, id)
		}
		seen[id] = true
	}
	if len(dups) > 0 {
		return qcerr.Config("duplicate samples in "+what, dups...)
	}
	wanted := make(map[string]bool, len(want))
	var missing []string
	for _, id := range want {
		wanted[id] = true
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return qcerr.Config("samples missing from "+what, missing...)
	}
	var extra []string
	for _, id := range got {
		if !wanted[id] {
			extra = append(extra, id)
		}
	}
	if len(extra) > 0 {
		return qcerr.Config(what+" names unknown samples", extra...)
	}
	return nil
}

// readProbeIntensities reads a wide CSV table of per-probe total
// intensities: Probe and Chrom columns followed by one column per
// sample.
func readProbeIntensities(r io.Reader) (samples, chrom []string, intensities [][]float64, err error) {
	rdr := gocsv.DefaultCSVReader(r)
	header, err := rdr.Read()
	if err == io.EOF {
		return nil, nil, nil, qcerr.Configf("probe intensity table is empty")
	} else if err != nil {
		return nil, nil, nil, err
	}
	if len(header) < 3 || header[0] != "Probe" || header[1] != "Chrom" {
		return nil, nil, nil, qcerr.Configf("probe intensity header must be Probe, Chrom, then sample IDs, got %q", header)
	}
	samples = header[2:]
	for line := 2; ; line++ {
		row, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, nil, nil, err
		}
		vals := make([]float64, len(samples))
		for j, cell := range row[2:] {
			if vals[j], err = parseValue(cell); err != nil {
				return nil, nil, nil, fmt.Errorf("probe intensities line %d, sample %s: %w", line, samples[j], err)
			}
		}
		chrom = append(chrom, row[1])
		intensities = append(intensities, vals)
	}
	return samples, chrom, intensities, nil
}
