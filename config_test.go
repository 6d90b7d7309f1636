// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package idqc

import (
	"errors"
	"io/ioutil"
	"math"
	"path/filepath"
	"strings"

	"github.com/arvados/idqc/controlqc"
	"github.com/arvados/idqc/fingerprint"
	"github.com/arvados/idqc/qcerr"
	"gopkg.in/check.v1"
)

type configSuite struct{}

var _ = check.Suite(&configSuite{})

func (s *configSuite) TestDefaults(c *check.C) {
	cfg, err := LoadConfig("")
	c.Assert(err, check.IsNil)
	c.Check(cfg.Learn, check.Equals, false)
	c.Check(cfg.EMMaxIterations, check.Equals, 100)
	c.Check(cfg.OutlierCutoff, check.Equals, -4.0)
	c.Check(cfg.FingerprintThresholdMode, check.Equals, fingerprint.ModeAdaptive)
	c.Check(cfg.FingerprintThreshold, check.Equals, 0.8)
	catalog, err := cfg.controlCatalog()
	c.Check(err, check.IsNil)
	c.Check(catalog, check.IsNil)
}

func (s *configSuite) TestLoad(c *check.C) {
	dir := c.MkDir()
	fnm := filepath.Join(dir, "qc.toml")
	err := ioutil.WriteFile(fnm, []byte(`
learn = true
em_max_iterations = 50
fingerprint_threshold_mode = "fixed"
fingerprint_threshold = 0.75
population_table = "ref/pop.csv"
no_such_key = 1

[[control_metric]]
name = "bisulfite"
cutoff = 1.0
direction = ">="
  [control_metric.numerator]
  agg = "min"
  probes = ["b1", "b2"]
  [control_metric.denominator]
  agg = "max"
  probes = ["bg"]

[[control_metric]]
name = "background"
cutoff = 300.0
direction = "<="
  [control_metric.numerator]
  agg = "mean"
  probes = ["bg"]

[control_metric_cutoffs]
background = { threshold = 500.0 }
`), 0644)
	c.Assert(err, check.IsNil)
	cfg, err := LoadConfig(fnm)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Learn, check.Equals, true)
	c.Check(cfg.EMMaxIterations, check.Equals, 50)
	c.Check(cfg.EMConvergenceTolerance, check.Equals, 1e-6)
	c.Check(cfg.PopulationTable, check.Equals, filepath.Join(dir, "ref", "pop.csv"))
	fcfg := cfg.fingerprintConfig()
	c.Check(fcfg.Threshold.Mode, check.Equals, fingerprint.ModeFixed)
	c.Check(fcfg.Threshold.Fixed, check.Equals, 0.75)

	catalog, err := cfg.controlCatalog()
	c.Assert(err, check.IsNil)
	c.Assert(catalog, check.HasLen, 2)
	c.Check(catalog[0].Denominator, check.DeepEquals, &controlqc.Term{Agg: "max", Probes: []string{"bg"}})
	c.Check(catalog[1].Denominator, check.IsNil)
	c.Check(catalog[1].Cutoff, check.Equals, 500.0)
	c.Check(catalog[1].Direction, check.Equals, controlqc.AtMost)

	cfg.ControlMetricCutoffs["nonexistent"] = controlqc.Cutoff{Threshold: 1}
	_, err = cfg.controlCatalog()
	c.Check(errors.Is(err, qcerr.ErrConfiguration), check.Equals, true)

	err = ioutil.WriteFile(fnm, []byte("learn = maybe\n"), 0644)
	c.Assert(err, check.IsNil)
	_, err = LoadConfig(fnm)
	c.Check(errors.Is(err, qcerr.ErrConfiguration), check.Equals, true)
}

func (s *configSuite) TestReadValueMatrix(c *check.C) {
	m, err := readValueMatrix(strings.NewReader("Marker,s1,s2,s3\ncg1,0.1,,NA\ncg2, 0.9 ,0.5,NaN\n"))
	c.Assert(err, check.IsNil)
	c.Check(m.Markers, check.DeepEquals, []string{"cg1", "cg2"})
	c.Check(m.Samples, check.DeepEquals, []string{"s1", "s2", "s3"})
	c.Assert(m.Values, check.HasLen, 6)
	c.Check(m.Values[0], check.Equals, 0.1)
	c.Check(math.IsNaN(m.Values[1]), check.Equals, true)
	c.Check(math.IsNaN(m.Values[2]), check.Equals, true)
	c.Check(m.Values[3], check.Equals, 0.9)
	c.Check(m.Validate(), check.IsNil)

	_, err = readValueMatrix(strings.NewReader("Probe,s1\ncg1,0.1\n"))
	c.Check(errors.Is(err, qcerr.ErrConfiguration), check.Equals, true)
	_, err = readValueMatrix(strings.NewReader(""))
	c.Check(errors.Is(err, qcerr.ErrConfiguration), check.Equals, true)
	_, err = readValueMatrix(strings.NewReader("Marker,s1\ncg1,high\n"))
	c.Check(err, check.ErrorMatches, `value matrix line 2, sample s1: .*invalid syntax`)
	_, err = readValueMatrix(strings.NewReader("Marker,s1\ncg1,0.1,0.2\n"))
	c.Check(err, check.NotNil)
}

func (s *configSuite) TestSampleSheet(c *check.C) {
	rows, err := readSampleSheet(strings.NewReader(`SampleID,DonorID,LinkedSampleID,ReportedSex
a,d1,,F
b,d1,,F
c,,d,M
d,,,M
e,d2,,
`))
	c.Assert(err, check.IsNil)
	ordered, err := sampleOrder(rows, []string{"e", "d", "c", "b", "a"})
	c.Assert(err, check.IsNil)
	c.Check(ordered[0].SampleID, check.Equals, "e")
	groups, err := buildGroups(ordered)
	c.Assert(err, check.IsNil)
	c.Check(groups.NumGroups(), check.Equals, 3)
	c.Check(groups.Same(1, 2), check.Equals, true)
	c.Check(groups.Same(3, 4), check.Equals, true)
	c.Check(groups.Same(0, 1), check.Equals, false)

	_, err = sampleOrder(rows, []string{"a", "b", "c", "d", "e", "f"})
	c.Check(err, check.ErrorMatches, `.*samples missing from sample sheet: f`)
	_, err = sampleOrder(rows, []string{"a", "b", "c", "d"})
	c.Check(err, check.ErrorMatches, `.*absent from the value matrix: e`)

	_, _, _, ok, err := sexInputs(ordered)
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	rows[0].LinkedSampleID = "zz"
	_, err = buildGroups(rows)
	c.Check(err, check.ErrorMatches, `.*link to unknown sample: zz`)
}

func (s *configSuite) TestControlIntensities(c *check.C) {
	in, err := readControlIntensities(strings.NewReader("SampleID,b1,bg\ns1,100,NA\ns2,200,10\n"))
	c.Assert(err, check.IsNil)
	c.Check(in.Samples, check.DeepEquals, []string{"s1", "s2"})
	c.Check(in.Probes["b1"], check.DeepEquals, []float64{100, 200})
	c.Check(math.IsNaN(in.Probes["bg"][0]), check.Equals, true)
	c.Check(in.Probes, check.HasLen, 2)

	_, err = readControlIntensities(strings.NewReader("Sample,b1\ns1,100\n"))
	c.Check(err, check.ErrorMatches, `.*no SampleID column`)
}
