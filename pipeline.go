// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package idqc

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/arvados/idqc/controlqc"
	"github.com/arvados/idqc/fingerprint"
	"github.com/arvados/idqc/genotype"
	"github.com/arvados/idqc/outlier"
	"github.com/arvados/idqc/sexcheck"
	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
)

// qcRun holds the inputs and results of one QC run. Each stage reads
// inputs and earlier results, and fills in its own result.
type qcRun struct {
	cfg           Config
	outputDir     string
	pcaComponents int

	matrix  genotype.Matrix
	sheet   []*SampleRow // in matrix sample order
	control *controlqc.Intensities

	population   *genotype.PopulationTable
	genotypes    *genotype.Result
	fingerprints *fingerprint.Report
	projection   []float64
	scores       []outlier.Score
	sex          *sexcheck.Report
	controlTable *controlqc.Table
}

func (r *qcRun) callGenotypes() error {
	gcfg := r.cfg.genotypeConfig()
	if !gcfg.Learn {
		pt, err := r.cfg.loadPopulation()
		if err != nil {
			return err
		}
		r.population = pt
		gcfg.Population = pt
	}
	res, err := genotype.Call(r.matrix, gcfg)
	if err != nil {
		return err
	}
	r.genotypes = res
	return nil
}

func (r *qcRun) writeGenotypes() error {
	t := r.genotypes.Tensor
	err := writeNumpy(r.outputDir, "posteriors.npy", []int{t.NumMarkers(), t.NumSamples(), genotype.NumClasses}, t.PosteriorArray())
	if err != nil {
		return err
	}
	type markerRow struct {
		Index  int    `csv:"Index"`
		Marker string `csv:"Marker"`
	}
	rows := make([]markerRow, t.NumMarkers())
	for i, m := range t.Markers() {
		rows[i] = markerRow{i, m}
	}
	err = writeCSV(r.outputDir, "posterior-markers.csv", rows)
	if err != nil {
		return err
	}
	failures := r.genotypes.Failures
	if failures == nil {
		failures = []genotype.Failure{}
	}
	err = writeCSV(r.outputDir, "genotype-failures.csv", failures)
	if err != nil {
		return err
	}
	if r.cfg.Learn {
		return createOutput(r.outputDir, "fitted-params.csv", func(w io.Writer) error {
			return genotype.WriteTable(w, t.Markers(), r.genotypes.Params)
		})
	}
	return nil
}

func (r *qcRun) matchFingerprints() error {
	groups, err := buildGroups(r.sheet)
	if err != nil {
		return err
	}
	rep, err := fingerprint.Match(r.genotypes.Tensor, groups, r.cfg.fingerprintConfig())
	if err != nil {
		return err
	}
	r.fingerprints = rep
	if r.pcaComponents > 0 {
		fps := fingerprint.Build(r.genotypes.Tensor)
		if r.pcaComponents > len(fps) || r.pcaComponents > r.genotypes.Tensor.NumMarkers() {
			log.Warnf("skipping fingerprint PCA: %d components requested for %d samples × %d markers", r.pcaComponents, len(fps), r.genotypes.Tensor.NumMarkers())
			return nil
		}
		pcs, err := fingerprint.Project(fps, r.pcaComponents)
		if err != nil {
			return err
		}
		r.projection = pcs.RawMatrix().Data
	}
	return nil
}

func (r *qcRun) writeFingerprints() error {
	rep := r.fingerprints
	n := rep.Pairwise.Len()
	err := writeNumpy(r.outputDir, "pairwise.npy", []int{n, n}, rep.Pairwise.Square())
	if err != nil {
		return err
	}
	conflicts := rep.Conflicts
	if conflicts == nil {
		conflicts = []fingerprint.Conflict{}
	}
	err = writeCSV(r.outputDir, "conflicts.csv", conflicts)
	if err != nil {
		return err
	}
	unresolved := rep.Unresolved
	if unresolved == nil {
		unresolved = []fingerprint.Pair{}
	}
	err = writeCSV(r.outputDir, "unresolved-pairs.csv", unresolved)
	if err != nil {
		return err
	}
	if r.projection != nil {
		return writeNumpy(r.outputDir, "fingerprint-pca.npy", []int{n, r.pcaComponents}, r.projection)
	}
	return nil
}

func (r *qcRun) scoreOutliers() {
	r.scores = outlier.ScoreAll(r.genotypes.Tensor)
	nfail := 0
	for _, sc := range r.scores {
		if !sc.Pass(r.cfg.OutlierCutoff) {
			nfail++
		}
	}
	log.WithFields(log.Fields{
		"cutoff": r.cfg.OutlierCutoff,
		"failed": nfail,
	}).Info("outlier scores done")
}

// checkSex runs the sex classifier if the sample sheet has X/Y
// intensities.
func (r *qcRun) checkSex() error {
	features, reported, anchors, ok, err := sexInputs(r.sheet)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("no X/Y intensities in sample sheet, skipping sex check")
		return nil
	}
	r.sex, err = sexcheck.Check(features, reported, anchors)
	return err
}

type sexRow struct {
	SampleID   string  `csv:"SampleID"`
	X          float64 `csv:"X"`
	Y          float64 `csv:"Y"`
	Reported   string  `csv:"ReportedSex"`
	Predicted  string  `csv:"PredictedSex"`
	DistFemale float64 `csv:"DistFemale"`
	DistMale   float64 `csv:"DistMale"`
	Mismatch   bool    `csv:"Mismatch"`
}

type centroidRow struct {
	Sex string  `csv:"Sex"`
	X   float64 `csv:"X"`
	Y   float64 `csv:"Y"`
	N   int     `csv:"Anchors"`
}

func (r *qcRun) writeSex() error {
	rows := make([]sexRow, len(r.sex.Predictions))
	for i, p := range r.sex.Predictions {
		rows[i] = sexRow{
			SampleID:   p.Sample,
			X:          p.X,
			Y:          p.Y,
			Reported:   p.Reported.String(),
			Predicted:  p.Predicted.String(),
			DistFemale: p.DistFemale,
			DistMale:   p.DistMale,
			Mismatch:   p.Mismatch,
		}
	}
	err := writeCSV(r.outputDir, "sex-check.csv", rows)
	if err != nil {
		return err
	}
	m := r.sex.Model
	return writeCSV(r.outputDir, "sex-centroids.csv", []centroidRow{
		{sexcheck.Female.String(), m.Female.X, m.Female.Y, m.Female.N},
		{sexcheck.Male.String(), m.Male.X, m.Male.Y, m.Male.N},
	})
}

// evaluateControls runs control-metric QC if control intensities and
// a metric catalog are both available.
func (r *qcRun) evaluateControls() error {
	catalog, err := r.cfg.controlCatalog()
	if err != nil {
		return err
	}
	if r.control == nil || catalog == nil {
		if r.control != nil {
			log.Warn("control intensities given but no control_metric catalog configured, skipping control QC")
		}
		return nil
	}
	r.controlTable, err = controlqc.Evaluate(*r.control, catalog)
	if err != nil {
		return err
	}
	nfail := 0
	for _, pass := range r.controlTable.Pass {
		if !pass {
			nfail++
		}
	}
	log.WithFields(log.Fields{
		"samples": len(r.controlTable.Samples),
		"metrics": len(catalog),
		"failed":  nfail,
	}).Info("control metric QC done")
	return nil
}

type controlVerdictRow struct {
	SampleID  string `csv:"SampleID"`
	Pass      bool   `csv:"Pass"`
	Evaluated int    `csv:"EvaluatedMetrics"`
	Failed    string `csv:"FailedMetrics"`
}

func (r *qcRun) writeControls() error {
	t := r.controlTable
	var results []controlqc.Result
	verdicts := make([]controlVerdictRow, len(t.Samples))
	for i, row := range t.Results {
		results = append(results, row...)
		verdicts[i] = controlVerdictRow{
			SampleID:  t.Samples[i],
			Pass:      t.Pass[i],
			Evaluated: t.Evaluated[i],
			Failed:    strings.Join(t.Failed(i), ";"),
		}
	}
	err := writeCSV(r.outputDir, "control-metrics.csv", results)
	if err != nil {
		return err
	}
	return writeCSV(r.outputDir, "control-qc.csv", verdicts)
}

// sampleSummary joins every verdict for one sample. Verdict columns
// are "pass", "fail", or empty when not evaluated.
type sampleSummary struct {
	SampleID             string  `csv:"SampleID"`
	DonorID              string  `csv:"DonorID"`
	ControlQC            string  `csv:"ControlQC"`
	FailedControlMetrics string  `csv:"FailedControlMetrics"`
	OutlierScore         float64 `csv:"OutlierScore"`
	OutlierMarkers       int     `csv:"OutlierMarkers"`
	OutlierQC            string  `csv:"OutlierQC"`
	ReportedSex          string  `csv:"ReportedSex"`
	PredictedSex         string  `csv:"PredictedSex"`
	SexQC                string  `csv:"SexQC"`
	FingerprintConflicts int     `csv:"FingerprintConflicts"`
	FingerprintQC        string  `csv:"FingerprintQC"`
	Pass                 bool    `csv:"Pass"`
}

func verdict(pass bool) string {
	if pass {
		return "pass"
	}
	return "fail"
}

func (r *qcRun) summarize() ([]*sampleSummary, error) {
	samples := r.matrix.Samples
	out := make([]*sampleSummary, len(samples))
	var control [][]controlqc.Result
	if r.controlTable != nil {
		var err error
		control, err = alignControl(r.controlTable, samples)
		if err != nil {
			return nil, err
		}
	}
	conflicts := make([]int, len(samples))
	if r.fingerprints != nil {
		for _, c := range r.fingerprints.Conflicts {
			conflicts[c.IndexA]++
			conflicts[c.IndexB]++
		}
	}
	for i, id := range samples {
		s := &sampleSummary{
			SampleID:     id,
			DonorID:      r.sheet[i].DonorID,
			OutlierScore: math.NaN(),
			Pass:         true,
		}
		if control != nil {
			pass := true
			var failed []string
			for _, res := range control[i] {
				if res.Computable && !res.Pass {
					pass = false
					failed = append(failed, res.Metric)
				}
			}
			s.ControlQC = verdict(pass)
			s.FailedControlMetrics = strings.Join(failed, ";")
			s.Pass = s.Pass && pass
		}
		if r.scores != nil {
			sc := r.scores[i]
			s.OutlierScore = sc.Value
			s.OutlierMarkers = sc.Markers
			if sc.Computable() {
				s.OutlierQC = verdict(sc.Pass(r.cfg.OutlierCutoff))
			}
			s.Pass = s.Pass && sc.Pass(r.cfg.OutlierCutoff)
		}
		if r.sex != nil {
			p := r.sex.Predictions[i]
			s.ReportedSex = p.Reported.String()
			s.PredictedSex = p.Predicted.String()
			if p.Reported != sexcheck.Unknown && p.Predicted != sexcheck.Unknown {
				s.SexQC = verdict(!p.Mismatch)
			}
			s.Pass = s.Pass && !p.Mismatch
		}
		if r.fingerprints != nil {
			s.FingerprintConflicts = conflicts[i]
			s.FingerprintQC = verdict(conflicts[i] == 0)
			s.Pass = s.Pass && conflicts[i] == 0
		}
		out[i] = s
	}
	return out, nil
}

// runInfo records the settings that determine a run's results.
func (r *qcRun) runInfo() []*infoRow {
	info := []*infoRow{
		{"learn", fmt.Sprint(r.cfg.Learn)},
		{"samples", fmt.Sprint(len(r.matrix.Samples))},
		{"markers", fmt.Sprint(len(r.matrix.Markers))},
		{"outlier_cutoff", fmt.Sprint(r.cfg.OutlierCutoff)},
	}
	if r.population != nil {
		info = append(info,
			&infoRow{"population_version", r.population.Version},
			&infoRow{"population_digest", r.population.DigestString()})
	}
	if r.genotypes != nil {
		info = append(info,
			&infoRow{"markers_called", fmt.Sprint(r.genotypes.Tensor.NumMarkers())},
			&infoRow{"markers_failed", fmt.Sprint(len(r.genotypes.Failures))})
	}
	if r.fingerprints != nil {
		info = append(info,
			&infoRow{"fingerprint_threshold", fmt.Sprint(r.fingerprints.Threshold.Value)},
			&infoRow{"fingerprint_threshold_source", r.fingerprints.Threshold.Source})
	}
	return info
}

type infoRow struct {
	Key   string `csv:"Key"`
	Value string `csv:"Value"`
}

func (r *qcRun) writeSummary() error {
	summary, err := r.summarize()
	if err != nil {
		return err
	}
	err = writeCSV(r.outputDir, "samples-qc.csv", summary)
	if err != nil {
		return err
	}
	return writeCSV(r.outputDir, "run-info.csv", r.runInfo())
}

// writeValueMatrix writes m in the format read by readValueMatrix.
func writeValueMatrix(w io.Writer, m genotype.Matrix) error {
	cw := gocsv.DefaultCSVWriter(w)
	err := cw.Write(append([]string{"Marker"}, m.Samples...))
	if err != nil {
		return err
	}
	row := make([]string, len(m.Samples)+1)
	for i, marker := range m.Markers {
		row[0] = marker
		for j, v := range m.Row(i) {
			if math.IsNaN(v) {
				row[j+1] = "NA"
			} else {
				row[j+1] = fmt.Sprintf("%.6g", v)
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
