// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genotype

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/arvados/idqc/qcerr"
	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type genotypeSuite struct{}

var _ = check.Suite(&genotypeSuite{})

var centers = [NumClasses]float64{0.1, 0.5, 0.9}

// synthMatrix draws genotypes with allele frequency 0.5 and values
// around the canonical cluster centers.
func synthMatrix(markers, samples int, sd, missing float64, seed int64) Matrix {
	rnd := rand.New(rand.NewSource(seed))
	m := Matrix{Values: make([]float64, markers*samples)}
	for i := 0; i < markers; i++ {
		m.Markers = append(m.Markers, fmt.Sprintf("cg%04d", i))
	}
	for j := 0; j < samples; j++ {
		m.Samples = append(m.Samples, fmt.Sprintf("s%03d", j))
	}
	for i := range m.Values {
		if rnd.Float64() < missing {
			m.Values[i] = math.NaN()
			continue
		}
		g := rnd.Intn(2) + rnd.Intn(2)
		v := centers[g] + rnd.NormFloat64()*sd
		m.Values[i] = math.Max(0, math.Min(1, v))
	}
	return m
}

func canonicalParams() Params {
	return Params{
		Components: [NumClasses]Component{
			{Mean: 0.1, SD: 0.03, Weight: 0.25},
			{Mean: 0.5, SD: 0.03, Weight: 0.5},
			{Mean: 0.9, SD: 0.03, Weight: 0.25},
		},
		NoiseWeight: 0.01,
	}
}

func fixedTable(c *check.C, markers []string) *PopulationTable {
	params := map[string]Params{}
	for _, marker := range markers {
		params[marker] = canonicalParams()
	}
	pt, err := NewTable("test-v1", params)
	c.Assert(err, check.IsNil)
	return pt
}

func (s *genotypeSuite) TestPosteriorSumsToOne(c *check.C) {
	m := synthMatrix(40, 120, 0.04, 0.05, 1)
	for _, learn := range []bool{true, false} {
		cfg := DefaultConfig()
		cfg.Learn = learn
		cfg.Threads = 4
		if !learn {
			cfg.Population = fixedTable(c, m.Markers)
		}
		res, err := Call(m, cfg)
		c.Assert(err, check.IsNil)
		c.Check(res.Failures, check.HasLen, 0)
		t := res.Tensor
		c.Assert(t.NumMarkers(), check.Equals, 40)
		undefined := 0
		for i := 0; i < t.NumMarkers(); i++ {
			for j := 0; j < t.NumSamples(); j++ {
				p := t.Posterior(i, j)
				if !t.Defined(i, j) {
					undefined++
					for _, v := range p {
						c.Check(math.IsNaN(v), check.Equals, true)
					}
					c.Check(math.IsNaN(t.CallLogOdds(i, j)), check.Equals, true)
					continue
				}
				sum := p[0] + p[1] + p[2]
				c.Check(math.Abs(sum-1) < 1e-6, check.Equals, true, check.Commentf("learn=%v marker %d sample %d sum %v", learn, i, j, sum))
			}
		}
		c.Check(undefined > 0, check.Equals, true)
	}
}

func (s *genotypeSuite) TestFitRecoversClusters(c *check.C) {
	rnd := rand.New(rand.NewSource(2))
	var values []float64
	for i := 0; i < 800; i++ {
		g := rnd.Intn(2) + rnd.Intn(2)
		values = append(values, centers[g]+rnd.NormFloat64()*0.03)
	}
	p, fs, err := FitMarker(values, InitialParams(values), FitOptions{MaxIterations: 200, Tolerance: 1e-8, MinObservations: 10})
	c.Assert(err, check.IsNil)
	c.Check(fs.Converged, check.Equals, true)
	c.Check(fs.Observations, check.Equals, 800)
	for k, comp := range p.Components {
		c.Check(math.Abs(comp.Mean-centers[k]) < 0.01, check.Equals, true, check.Commentf("class %d mean %v", k, comp.Mean))
		c.Check(math.Abs(comp.SD-0.03) < 0.01, check.Equals, true, check.Commentf("class %d sd %v", k, comp.SD))
	}
	c.Check(math.Abs(p.Components[Het].Weight-0.5) < 0.07, check.Equals, true)
	c.Check(p.NoiseWeight < 0.02, check.Equals, true)
}

func (s *genotypeSuite) TestMonomorphicMarker(c *check.C) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = 0.05
	}
	p, fs, err := FitMarker(values, InitialParams(values), FitOptions{MaxIterations: 100, Tolerance: 1e-6, MinObservations: 10})
	c.Assert(err, check.IsNil)
	c.Check(fs.Converged, check.Equals, true)
	for _, comp := range p.Components {
		c.Check(comp.SD >= MinSD, check.Equals, true)
		c.Check(comp.Weight >= MinWeight*0.99, check.Equals, true)
	}
	c.Check(math.Abs(p.Components[HomA].Mean-0.05) < 1e-9, check.Equals, true)
}

func (s *genotypeSuite) TestInitialParamsOrdered(c *check.C) {
	for seed := int64(0); seed < 5; seed++ {
		m := synthMatrix(1, 300, 0.05, 0.1, seed)
		p := InitialParams(m.Row(0))
		c.Check(p.Components[HomA].Mean < p.Components[Het].Mean, check.Equals, true)
		c.Check(p.Components[Het].Mean < p.Components[HomB].Mean, check.Equals, true)
		sum := p.NoiseWeight
		for _, comp := range p.Components {
			sum += comp.Weight
		}
		c.Check(math.Abs(sum-1) < 1e-9, check.Equals, true)
	}
}

func (s *genotypeSuite) TestFailureExcludesMarker(c *check.C) {
	m := synthMatrix(5, 50, 0.03, 0, 3)
	for j := 0; j < 45; j++ {
		m.Values[2*50+j] = math.NaN()
	}
	cfg := DefaultConfig()
	cfg.Learn = true
	res, err := Call(m, cfg)
	c.Assert(err, check.IsNil)
	c.Assert(res.Failures, check.HasLen, 1)
	c.Check(res.Failures[0].Marker, check.Equals, "cg0002")
	c.Check(res.Failures[0].Reason, check.Matches, `too few defined values.*`)
	c.Check(res.Tensor.Markers(), check.DeepEquals, []string{"cg0000", "cg0001", "cg0003", "cg0004"})
	_, ok := res.Params["cg0002"]
	c.Check(ok, check.Equals, false)
}

func (s *genotypeSuite) TestNotConverged(c *check.C) {
	m := synthMatrix(1, 200, 0.05, 0, 4)
	_, fs, err := FitMarker(m.Row(0), InitialParams(m.Row(0)), FitOptions{MaxIterations: 1, Tolerance: 1e-12, MinObservations: 1})
	c.Check(errors.Is(err, ErrNotConverged), check.Equals, true)
	c.Check(fs.Iterations, check.Equals, 1)
}

func (s *genotypeSuite) TestAllMarkersFail(c *check.C) {
	m := synthMatrix(3, 5, 0.03, 0, 5)
	cfg := DefaultConfig()
	cfg.Learn = true
	_, err := Call(m, cfg)
	c.Check(errors.Is(err, qcerr.ErrConfiguration), check.Equals, true)
}

func (s *genotypeSuite) TestFixedModeMissingMarker(c *check.C) {
	m := synthMatrix(4, 10, 0.03, 0, 6)
	cfg := DefaultConfig()
	cfg.Population = fixedTable(c, m.Markers[:2])
	_, err := Call(m, cfg)
	var cerr *qcerr.ConfigError
	c.Assert(errors.As(err, &cerr), check.Equals, true)
	c.Check(cerr.IDs, check.DeepEquals, []string{"cg0002", "cg0003"})

	cfg.Population = nil
	_, err = Call(m, cfg)
	c.Check(errors.Is(err, qcerr.ErrConfiguration), check.Equals, true)
}

func (s *genotypeSuite) TestValidate(c *check.C) {
	m := synthMatrix(2, 3, 0.03, 0, 7)
	m.Values[4] = 1.5
	var cerr *qcerr.ConfigError
	c.Assert(errors.As(m.Validate(), &cerr), check.Equals, true)
	c.Check(cerr.IDs, check.DeepEquals, []string{"cg0001/s001=1.5"})

	m = synthMatrix(2, 3, 0.03, 0, 7)
	m.Samples[2] = "s000"
	c.Check(m.Validate(), check.ErrorMatches, `.*duplicate sample IDs: s000`)

	c.Check(Matrix{Samples: []string{"a"}}.Validate(), check.ErrorMatches, `.*empty marker set`)
}

func (s *genotypeSuite) TestCalls(c *check.C) {
	m := Matrix{
		Markers: []string{"cg1"},
		Samples: []string{"a", "b", "c", "d", "e"},
		Values:  []float64{0.1, 0.5, 0.9, math.NaN(), 0.3},
	}
	cfg := DefaultConfig()
	cfg.Population = fixedTable(c, m.Markers)
	res, err := Call(m, cfg)
	c.Assert(err, check.IsNil)
	t := res.Tensor
	for j, want := range []Class{HomA, Het, HomB, NoCall} {
		got, p := t.Best(0, j)
		c.Check(got, check.Equals, want)
		if want != NoCall {
			c.Check(p > 0.99, check.Equals, true)
			c.Check(math.Abs(t.Dosage(0, j)-float64(want)) < 0.01, check.Equals, true)
			c.Check(t.CallLogOdds(0, j) > 3, check.Equals, true)
		}
	}
	// halfway between clusters: no component explains it, the
	// background does
	c.Check(t.CallLogOdds(0, 4) < 0, check.Equals, true)
	idx, ok := t.SampleIndex("c")
	c.Check(ok, check.Equals, true)
	c.Check(idx, check.Equals, 2)
	c.Check(t.PosteriorArray(), check.HasLen, 15)
}

func (s *genotypeSuite) TestTable(c *check.C) {
	in := "Marker,HomAMean,HomASD,HomAWeight,HetMean,HetSD,HetWeight,HomBMean,HomBSD,HomBWeight,NoiseWeight\n" +
		"rs1,0.9,0.03,0.25,0.5,0.03,0.5,0.1,0.03,0.25,0\n" +
		"rs2,0.1,0.001,0.2,0.5,0.05,0.4,0.9,0.05,0.4,0.01\n"
	pt, err := ReadTable(strings.NewReader(in), "ref-2021")
	c.Assert(err, check.IsNil)
	c.Check(pt.Params, check.HasLen, 2)
	rs1 := pt.Params["rs1"]
	// sorted by mean, noise weight floored
	c.Check(rs1.Components[HomA].Mean, check.Equals, 0.1)
	c.Check(rs1.NoiseWeight > 0, check.Equals, true)
	c.Check(pt.Params["rs2"].Components[HomA].SD, check.Equals, MinSD)
	c.Check(pt.DigestString(), check.HasLen, 64)

	other, err := ReadTable(strings.NewReader(strings.Replace(in, "0.9,0.03", "0.8,0.03", 1)), "ref-2021")
	c.Assert(err, check.IsNil)
	c.Check(other.Digest == pt.Digest, check.Equals, false)

	var buf bytes.Buffer
	c.Assert(WriteTable(&buf, []string{"rs2", "rs1", "rs404"}, pt.Params), check.IsNil)
	c.Check(strings.Count(buf.String(), "\n"), check.Equals, 3)
	c.Check(buf.String(), check.Matches, `(?s)Marker,HomAMean.*\nrs2,.*\nrs1,.*`)

	_, err = ReadTable(strings.NewReader(in+"rs1,0.1,0.03,0.25,0.5,0.03,0.5,0.9,0.03,0.25,0\n"), "dup")
	c.Check(err, check.ErrorMatches, `.*duplicate markers: rs1`)
	_, err = ReadTable(strings.NewReader(in+"rs3,0.1,-1,0.25,0.5,0.03,0.5,0.9,0.03,0.25,0\n"), "bad")
	c.Check(err, check.ErrorMatches, `.*invalid parameters: rs3`)
}

func BenchmarkCallLearn(b *testing.B) {
	m := synthMatrix(200, 500, 0.04, 0.02, 8)
	cfg := DefaultConfig()
	cfg.Learn = true
	for n := 0; n < b.N; n++ {
		if _, err := Call(m, cfg); err != nil {
			b.Fatal(err)
		}
	}
}
