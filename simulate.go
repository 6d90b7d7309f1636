// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package idqc

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/arvados/idqc/controlqc"
	"github.com/arvados/idqc/genotype"
	"github.com/arvados/idqc/sexcheck"
	"github.com/arvados/idqc/simulate"
	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
)

type simulatecmd struct{}

// pairFlag collects "i,j" sample index pairs.
type pairFlag [][2]int

func (pf *pairFlag) String() string { return fmt.Sprint(*pf) }

func (pf *pairFlag) Set(s string) error {
	var p [2]int
	if _, err := fmt.Sscanf(s, "%d,%d", &p[0], &p[1]); err != nil {
		return fmt.Errorf("expected i,j: %w", err)
	}
	*pf = append(*pf, p)
	return nil
}

// simulatedConfig is the subset of Config written by the simulate
// command.
type simulatedConfig struct {
	Learn             bool               `toml:"learn"`
	PopulationTable   string             `toml:"population_table"`
	PopulationVersion string             `toml:"population_version"`
	ControlMetrics    []controlqc.Metric `toml:"control_metric"`
}

func (cmd *simulatecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer reportError(stderr, &err)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	opts := simulate.DefaultOptions()
	outputDir := flags.String("output-dir", ".", "output `directory`")
	flags.IntVar(&opts.Donors, "donors", opts.Donors, "number of donors")
	flags.IntVar(&opts.Replicates, "replicates", opts.Replicates, "samples per donor")
	flags.IntVar(&opts.Markers, "markers", opts.Markers, "number of genotyping markers")
	flags.Float64Var(&opts.SD, "sd", opts.SD, "spread of values around genotype centers")
	flags.Float64Var(&opts.MissingRate, "missing-rate", opts.MissingRate, "fraction of missing values")
	flags.Uint64Var(&opts.Seed, "seed", opts.Seed, "PRNG seed")
	var swaps, contaminations pairFlag
	flags.Var(&swaps, "swap", "exchange the values of samples `i,j` (repeatable)")
	flags.Var(&contaminations, "contaminate", "mix half of sample j's signal into sample `i,j` (repeatable)")
	var sexErrors intList
	flags.Var(&sexErrors, "flip-sex", "report the wrong sex for sample `i` (repeatable)")
	var controlFailures intList
	flags.Var(&controlFailures, "fail-control", "make sample `i` fail control QC (repeatable)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}

	co, err := simulate.Generate(opts)
	if err != nil {
		return 1
	}
	nsamples := len(co.Samples)
	for _, list := range [][]int{flattenPairs(swaps), flattenPairs(contaminations), sexErrors, controlFailures} {
		for _, i := range list {
			if i < 0 || i >= nsamples {
				err = fmt.Errorf("sample index %d out of range [0,%d)", i, nsamples)
				return 2
			}
		}
	}
	for _, p := range swaps {
		co.Swap(p[0], p[1])
	}
	for _, p := range contaminations {
		co.Contaminate(p[0], p[1], 0.5)
	}
	for _, i := range controlFailures {
		co.FailControl(i)
	}
	reported := append([]sexcheck.Label(nil), co.Sex...)
	for _, i := range sexErrors {
		if reported[i] == sexcheck.Male {
			reported[i] = sexcheck.Female
		} else {
			reported[i] = sexcheck.Male
		}
	}

	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return 1
	}

	err = createOutput(*outputDir, "values.csv", func(w io.Writer) error {
		return writeValueMatrix(w, co.Matrix)
	})
	if err != nil {
		return 1
	}
	rows := make([]*SampleRow, nsamples)
	for i, id := range co.Samples {
		rows[i] = &SampleRow{
			SampleID:    id,
			DonorID:     co.Donors[i],
			ReportedSex: reported[i].String(),
			SexAnchor:   "1",
			X:           fmt.Sprintf("%.4f", co.Features[i].X),
			Y:           fmt.Sprintf("%.4f", co.Features[i].Y),
		}
	}
	err = writeCSV(*outputDir, "samples.csv", rows)
	if err != nil {
		return 1
	}
	err = createOutput(*outputDir, "control.csv", func(w io.Writer) error {
		return writeControlIntensities(w, co.Control)
	})
	if err != nil {
		return 1
	}
	err = createOutput(*outputDir, "population.csv", func(w io.Writer) error {
		return genotype.WriteTable(w, co.Matrix.Markers, co.Params)
	})
	if err != nil {
		return 1
	}
	err = createOutput(*outputDir, "config.toml", func(w io.Writer) error {
		return toml.NewEncoder(w).Encode(simulatedConfig{
			PopulationTable:   "population.csv",
			PopulationVersion: fmt.Sprintf("simulated-seed%d", opts.Seed),
			ControlMetrics:    simulate.ControlCatalog(),
		})
	})
	if err != nil {
		return 1
	}
	log.WithFields(log.Fields{
		"samples": nsamples,
		"markers": opts.Markers,
	}).Info("wrote simulated cohort")
	return 0
}

func flattenPairs(pairs [][2]int) []int {
	var out []int
	for _, p := range pairs {
		out = append(out, p[0], p[1])
	}
	return out
}

type intList []int

func (il *intList) String() string { return fmt.Sprint(*il) }

func (il *intList) Set(s string) error {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return err
	}
	*il = append(*il, i)
	return nil
}

// writeControlIntensities writes in the format read by
// readControlIntensities, with probe columns sorted by name.
func writeControlIntensities(w io.Writer, in controlqc.Intensities) error {
	probes := make([]string, 0, len(in.Probes))
	for probe := range in.Probes {
		probes = append(probes, probe)
	}
	sort.Strings(probes)
	cw := gocsv.DefaultCSVWriter(w)
	err := cw.Write(append([]string{"SampleID"}, probes...))
	if err != nil {
		return err
	}
	row := make([]string, len(probes)+1)
	for i, id := range in.Samples {
		row[0] = id
		for j, probe := range probes {
			row[j+1] = fmt.Sprintf("%.1f", in.Probes[probe][i])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
