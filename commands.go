// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package idqc

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/arvados/idqc/sexcheck"
	log "github.com/sirupsen/logrus"
)

// qcFlags are the flags shared by the QC commands.
type qcFlags struct {
	pprof      *string
	configFile *string
	outputDir  *string
	learn      *bool
	threads    *int
}

func (qf *qcFlags) register(flags *flag.FlagSet) {
	qf.pprof = flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	qf.configFile = flags.String("config", "", "TOML configuration `file`")
	qf.outputDir = flags.String("output-dir", ".", "output `directory`")
	qf.learn = flags.Bool("learn", false, "fit per-marker mixture parameters from the data instead of using the population table (overrides config)")
	qf.threads = flags.Int("threads", 0, "maximum concurrent workers (overrides config; default GOMAXPROCS)")
}

// parse parses args and returns an exit code >= 0 if the command
// should stop.
func (qf *qcFlags) parse(flags *flag.FlagSet, args []string) (int, error) {
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return 0, nil
	} else if err != nil {
		return 2, err
	} else if flags.NArg() > 0 {
		return 2, fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *qf.pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*qf.pprof, nil))
		}()
	}
	return -1, nil
}

// config loads the config file and applies command line overrides.
func (qf *qcFlags) config(flags *flag.FlagSet) (Config, error) {
	cfg, err := LoadConfig(*qf.configFile)
	if err != nil {
		return cfg, err
	}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "learn":
			cfg.Learn = *qf.learn
		case "threads":
			cfg.Threads = *qf.threads
		}
	})
	return cfg, os.MkdirAll(*qf.outputDir, 0777)
}

// reportError prints err, if any, to stderr when the command returns.
func reportError(stderr io.Writer, err *error) {
	if *err != nil {
		fmt.Fprintf(stderr, "%s\n", *err)
	}
}

type runcmd struct{}

func (cmd *runcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer reportError(stderr, &err)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var qf qcFlags
	qf.register(flags)
	valuesFile := flags.String("values", "", "marker value matrix `file` (csv, optionally .gz)")
	samplesFile := flags.String("samples", "", "sample sheet `file`")
	controlFile := flags.String("control", "", "control probe intensity `file` (optional)")
	pcaComponents := flags.Int("pca-components", 2, "number of fingerprint principal components to export (0 to skip)")
	profileDir := flags.String("profile-dir", "", "write cpu and memory profiles to `directory` every minute")
	if code, perr := qf.parse(flags, args); code >= 0 {
		err = perr
		return code
	}
	if *valuesFile == "" || *samplesFile == "" {
		err = errors.New("-values and -samples are required")
		return 2
	}
	cfg, err := qf.config(flags)
	if err != nil {
		return 1
	}
	if *profileDir != "" {
		done := make(chan struct{})
		defer close(done)
		go writeProfilesPeriodically(*profileDir, time.Minute, done)
	}

	r := &qcRun{cfg: cfg, outputDir: *qf.outputDir, pcaComponents: *pcaComponents}
	err = r.readValues(*valuesFile)
	if err != nil {
		return 1
	}
	err = r.readSamples(*samplesFile)
	if err != nil {
		return 1
	}
	if *controlFile != "" {
		err = r.readControl(*controlFile)
		if err != nil {
			return 1
		}
		err = checkSampleSet("control intensity table", r.control.Samples, r.matrix.Samples)
		if err != nil {
			err = fmt.Errorf("%s: %w", *controlFile, err)
			return 1
		}
	}
	for _, stage := range []func() error{
		r.evaluateControls,
		r.callGenotypes,
		r.matchFingerprints,
		func() error { r.scoreOutliers(); return nil },
		r.checkSex,
		r.writeGenotypes,
		r.writeFingerprints,
		r.writeOutliers,
		func() error {
			if r.sex == nil {
				return nil
			}
			return r.writeSex()
		},
		func() error {
			if r.controlTable == nil {
				return nil
			}
			return r.writeControls()
		},
		r.writeSummary,
	} {
		err = stage()
		if err != nil {
			return 1
		}
	}
	return 0
}

type genotypecmd struct{}

func (cmd *genotypecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer reportError(stderr, &err)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var qf qcFlags
	qf.register(flags)
	valuesFile := flags.String("values", "", "marker value matrix `file` (csv, optionally .gz)")
	if code, perr := qf.parse(flags, args); code >= 0 {
		err = perr
		return code
	}
	if *valuesFile == "" {
		err = errors.New("-values is required")
		return 2
	}
	cfg, err := qf.config(flags)
	if err != nil {
		return 1
	}
	r := &qcRun{cfg: cfg, outputDir: *qf.outputDir}
	err = r.readValues(*valuesFile)
	if err != nil {
		return 1
	}
	err = r.callGenotypes()
	if err != nil {
		return 1
	}
	r.scoreOutliers()
	err = r.writeGenotypes()
	if err != nil {
		return 1
	}
	err = r.writeOutliers()
	if err != nil {
		return 1
	}
	return 0
}

type controlcmd struct{}

func (cmd *controlcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer reportError(stderr, &err)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var qf qcFlags
	qf.register(flags)
	controlFile := flags.String("control", "", "control probe intensity `file`")
	if code, perr := qf.parse(flags, args); code >= 0 {
		err = perr
		return code
	}
	if *controlFile == "" {
		err = errors.New("-control is required")
		return 2
	}
	cfg, err := qf.config(flags)
	if err != nil {
		return 1
	}
	if len(cfg.ControlMetrics) == 0 {
		err = errors.New("config file has no control_metric catalog")
		return 1
	}
	r := &qcRun{cfg: cfg, outputDir: *qf.outputDir}
	err = r.readControl(*controlFile)
	if err != nil {
		return 1
	}
	err = r.evaluateControls()
	if err != nil {
		return 1
	}
	err = r.writeControls()
	if err != nil {
		return 1
	}
	return 0
}

type sexcmd struct{}

func (cmd *sexcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer reportError(stderr, &err)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var qf qcFlags
	qf.register(flags)
	samplesFile := flags.String("samples", "", "sample sheet `file` with ReportedSex, SexAnchor, and (unless -probe-intensities is given) X and Y columns")
	probeFile := flags.String("probe-intensities", "", "per-probe total intensity `file` (Probe, Chrom, then one column per sample) to derive X and Y from")
	if code, perr := qf.parse(flags, args); code >= 0 {
		err = perr
		return code
	}
	if *samplesFile == "" {
		err = errors.New("-samples is required")
		return 2
	}
	cfg, err := qf.config(flags)
	if err != nil {
		return 1
	}
	r := &qcRun{cfg: cfg, outputDir: *qf.outputDir}
	err = r.readSheet(*samplesFile)
	if err != nil {
		return 1
	}
	if *probeFile != "" {
		err = r.summarizeProbes(*probeFile)
		if err != nil {
			return 1
		}
	}
	err = r.checkSex()
	if err != nil {
		return 1
	}
	if r.sex == nil {
		err = errors.New("no X/Y intensities available")
		return 1
	}
	err = r.writeSex()
	if err != nil {
		return 1
	}
	return 0
}

// readValues reads the value matrix.
func (r *qcRun) readValues(fnm string) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	r.matrix, err = readValueMatrix(f)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	log.WithFields(log.Fields{
		"markers": len(r.matrix.Markers),
		"samples": len(r.matrix.Samples),
	}).Info("read value matrix")
	return nil
}

// readSheet reads the sample sheet in file order.
func (r *qcRun) readSheet(fnm string) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	r.sheet, err = readSampleSheet(f)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return nil
}

// readSamples reads the sample sheet and puts it in value matrix
// order.
func (r *qcRun) readSamples(fnm string) error {
	err := r.readSheet(fnm)
	if err != nil {
		return err
	}
	r.sheet, err = sampleOrder(r.sheet, r.matrix.Samples)
	return err
}

func (r *qcRun) readControl(fnm string) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	in, err := readControlIntensities(f)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	r.control = &in
	return nil
}

// summarizeProbes replaces the sample sheet's X and Y with values
// derived from per-probe intensities.
func (r *qcRun) summarizeProbes(fnm string) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	samples, chrom, intensities, err := readProbeIntensities(f)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	sheetIDs := make([]string, len(r.sheet))
	for i, row := range r.sheet {
		sheetIDs[i] = row.SampleID
	}
	err = checkSampleSet("probe intensity table", samples, sheetIDs)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	features, err := sexcheck.Summarize(samples, chrom, intensities)
	if err != nil {
		return err
	}
	byID := make(map[string]int, len(features))
	for i, f := range features {
		byID[f.Sample] = i
	}
	for _, row := range r.sheet {
		i := byID[row.SampleID]
		row.X = fmt.Sprint(features[i].X)
		row.Y = fmt.Sprint(features[i].Y)
	}
	return nil
}

// outlierRow is one row of outlier-scores.csv. QC is empty when the
// score is not computable.
type outlierRow struct {
	SampleID string  `csv:"SampleID"`
	Score    float64 `csv:"Score"`
	Markers  int     `csv:"Markers"`
	QC       string  `csv:"QC"`
}

func (r *qcRun) writeOutliers() error {
	rows := make([]outlierRow, len(r.scores))
	for i, sc := range r.scores {
		rows[i] = outlierRow{SampleID: sc.Sample, Score: sc.Value, Markers: sc.Markers}
		if sc.Computable() {
			rows[i].QC = verdict(sc.Pass(r.cfg.OutlierCutoff))
		}
	}
	return writeCSV(r.outputDir, "outlier-scores.csv", rows)
}
