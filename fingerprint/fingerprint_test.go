// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fingerprint

import (
	"errors"
	"math"
	"testing"

	"github.com/arvados/idqc/donor"
	"github.com/arvados/idqc/genotype"
	"github.com/arvados/idqc/qcerr"
	"github.com/arvados/idqc/simulate"
	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type fingerprintSuite struct{}

var _ = check.Suite(&fingerprintSuite{})

func cohort(donors, replicates, markers int) *simulate.Cohort {
	opts := simulate.DefaultOptions()
	opts.Donors, opts.Replicates, opts.Markers = donors, replicates, markers
	co, err := simulate.Generate(opts)
	if err != nil {
		panic(err)
	}
	return co
}

func callTensor(c *check.C, co *simulate.Cohort) *genotype.Tensor {
	pt, err := co.Population("sim")
	c.Assert(err, check.IsNil)
	cfg := genotype.DefaultConfig()
	cfg.Population = pt
	res, err := genotype.Call(co.Matrix, cfg)
	c.Assert(err, check.IsNil)
	return res.Tensor
}

func donorGroups(c *check.C, co *simulate.Cohort) *donor.Groups {
	b, err := donor.NewBuilder(co.Samples)
	c.Assert(err, check.IsNil)
	for i, id := range co.Samples {
		c.Assert(b.Assign(id, co.Donors[i]), check.IsNil)
	}
	return b.Build()
}

func (s *fingerprintSuite) TestSwapScenario(c *check.C) {
	co := cohort(10, 2, 300)
	co.Swap(0, 2)
	r, err := Match(callTensor(c, co), donorGroups(c, co), DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(r.Threshold.Source, check.Equals, ModeAdaptive)
	c.Check(r.Unresolved, check.HasLen, 0)
	type pair struct {
		a, b     int
		expected bool
	}
	var got []pair
	for _, cf := range r.Conflicts {
		c.Check(cf.ObservedSame, check.Equals, !cf.ExpectedSame)
		c.Check(cf.A, check.Equals, co.Samples[cf.IndexA])
		got = append(got, pair{cf.IndexA, cf.IndexB, cf.ExpectedSame})
	}
	c.Check(got, check.DeepEquals, []pair{
		{0, 1, true},
		{0, 3, false},
		{1, 2, false},
		{2, 3, true},
	})
	c.Check(r.Suspicious(), check.DeepEquals, []int{0, 1, 2, 3})
}

func (s *fingerprintSuite) TestNoSpuriousConflicts(c *check.C) {
	co := cohort(10, 2, 300)
	r, err := Match(callTensor(c, co), donorGroups(c, co), DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(r.Conflicts, check.HasLen, 0)
	for i := 0; i < 18; i += 2 {
		c.Check(r.Pairwise.At(i, i+1) > 0.95, check.Equals, true)
		c.Check(r.Pairwise.At(i, i+2) < 0.7, check.Equals, true)
	}

	// all donors distinct: a single mode, so the fixed cutoff applies
	co = cohort(20, 1, 300)
	r, err = Match(callTensor(c, co), donorGroups(c, co), DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(r.Threshold.Source, check.Equals, "fallback")
	c.Check(r.Threshold.Value, check.Equals, 0.8)
	c.Check(r.Conflicts, check.HasLen, 0)
}

func (s *fingerprintSuite) TestDeterministic(c *check.C) {
	co := cohort(8, 3, 200)
	co.Contaminate(5, 9, 0.5)
	tensor, groups := callTensor(c, co), donorGroups(c, co)
	cfg := DefaultConfig()
	cfg.BlockSize = 5
	cfg.Threads = 4
	r1, err := Match(tensor, groups, cfg)
	c.Assert(err, check.IsNil)
	r2, err := Match(tensor, groups, cfg)
	c.Assert(err, check.IsNil)
	c.Check(r2.Conflicts, check.DeepEquals, r1.Conflicts)
	c.Check(r2.Threshold, check.DeepEquals, r1.Threshold)

	// tiling does not change the statistic beyond rounding
	cfg.BlockSize = 1000
	cfg.Threads = 1
	r3, err := Match(tensor, groups, cfg)
	c.Assert(err, check.IsNil)
	for i := 0; i < tensor.NumSamples(); i++ {
		for j := i + 1; j < tensor.NumSamples(); j++ {
			c.Check(math.Abs(r3.Pairwise.At(i, j)-r1.Pairwise.At(i, j)) < 1e-9, check.Equals, true)
			c.Check(r3.Pairwise.Shared(i, j), check.Equals, r1.Pairwise.Shared(i, j))
		}
	}
}

func (s *fingerprintSuite) TestPairwiseAgainstLoop(c *check.C) {
	co := cohort(4, 2, 60)
	tensor := callTensor(c, co)
	pw, err := ComputePairwise(tensor, 3, 2)
	c.Assert(err, check.IsNil)
	for i := 0; i < tensor.NumSamples(); i++ {
		for j := 0; j < tensor.NumSamples(); j++ {
			if i == j {
				c.Check(math.IsNaN(pw.At(i, j)), check.Equals, true)
				continue
			}
			sum, n := 0.0, 0
			for m := 0; m < tensor.NumMarkers(); m++ {
				if !tensor.Defined(m, i) || !tensor.Defined(m, j) {
					continue
				}
				pi, pj := tensor.Posterior(m, i), tensor.Posterior(m, j)
				for k := range pi {
					sum += pi[k] * pj[k]
				}
				n++
			}
			c.Check(pw.Shared(i, j), check.Equals, n)
			c.Check(math.Abs(pw.At(i, j)-sum/float64(n)) < 1e-12, check.Equals, true)
		}
	}
	sq := pw.Square()
	c.Check(sq, check.HasLen, 64)
	c.Check(sq[0], check.Equals, 1.0)
	c.Check(sq[1*8+6], check.Equals, pw.At(6, 1))
}

func (s *fingerprintSuite) TestUnresolved(c *check.C) {
	co := cohort(5, 2, 100)
	for m := 0; m < 100; m++ {
		row := co.Matrix.Row(m)
		if m < 50 {
			row[1] = math.NaN()
		} else {
			row[0] = math.NaN()
		}
	}
	r, err := Match(callTensor(c, co), donorGroups(c, co), DefaultConfig())
	c.Assert(err, check.IsNil)
	c.Check(math.IsNaN(r.Pairwise.At(0, 1)), check.Equals, true)
	c.Check(r.Pairwise.Shared(0, 1), check.Equals, 0)
	c.Check(r.Unresolved, check.DeepEquals, []Pair{{A: "S000", B: "S001", IndexA: 0, IndexB: 1}})
	c.Check(r.Conflicts, check.HasLen, 0)
}

func (s *fingerprintSuite) TestSampleSetsDiffer(c *check.C) {
	co := cohort(3, 2, 50)
	tensor := callTensor(c, co)
	b, err := donor.NewBuilder([]string{"S000", "S001", "S002", "S003", "S004", "X"})
	c.Assert(err, check.IsNil)
	_, err = Match(tensor, b.Build(), DefaultConfig())
	var cerr *qcerr.ConfigError
	c.Assert(errors.As(err, &cerr), check.Equals, true)
	c.Check(cerr.IDs, check.DeepEquals, []string{"S005"})

	b, err = donor.NewBuilder(append(append([]string(nil), co.Samples...), "extra"))
	c.Assert(err, check.IsNil)
	_, err = Match(tensor, b.Build(), DefaultConfig())
	c.Check(err, check.ErrorMatches, `.*absent from the genotype tensor: extra`)
}

func (s *fingerprintSuite) TestThreshold(c *check.C) {
	values := []float64{0.3, 0.35, 0.4, math.NaN(), 0.42, 0.98, 0.99, 0.97}
	th, err := ChooseThreshold(values, DefaultThresholdConfig())
	c.Assert(err, check.IsNil)
	c.Check(th.Source, check.Equals, ModeAdaptive)
	c.Check(th.Value, check.Equals, (0.42+0.97)/2)
	c.Check(math.Abs(th.HighMean-0.98) < 1e-12, check.Equals, true)

	cfg := DefaultThresholdConfig()
	cfg.Mode = ModeFixed
	cfg.Fixed = 0.9
	th, err = ChooseThreshold(values, cfg)
	c.Assert(err, check.IsNil)
	c.Check(th.Value, check.Equals, 0.9)
	c.Check(th.Source, check.Equals, ModeFixed)

	for _, vs := range [][]float64{{0.4, 0.45, 0.5}, {0.5}, {0.5, 0.5}, nil} {
		th, err = ChooseThreshold(vs, DefaultThresholdConfig())
		c.Assert(err, check.IsNil)
		c.Check(th.Source, check.Equals, "fallback")
		c.Check(th.Value, check.Equals, 0.8)
	}

	cfg.Mode = "bogus"
	_, err = ChooseThreshold(values, cfg)
	c.Check(errors.Is(err, qcerr.ErrConfiguration), check.Equals, true)
}

func (s *fingerprintSuite) TestProject(c *check.C) {
	co := cohort(6, 2, 150)
	fps := Build(callTensor(c, co))
	c.Assert(fps, check.HasLen, 12)
	c.Check(fps[3].Sample, check.Equals, "S003")
	pcs, err := Project(fps, 2)
	c.Assert(err, check.IsNil)
	rows, cols := pcs.Dims()
	c.Check(rows, check.Equals, 12)
	c.Check(cols, check.Equals, 2)
	dist := func(i, j int) float64 {
		return math.Hypot(pcs.At(i, 0)-pcs.At(j, 0), pcs.At(i, 1)-pcs.At(j, 1))
	}
	c.Check(dist(0, 1) < dist(0, 2), check.Equals, true)

	_, err = Project(fps, 13)
	c.Check(errors.Is(err, qcerr.ErrConfiguration), check.Equals, true)
}

func BenchmarkPairwise(b *testing.B) {
	co := cohort(100, 2, 2000)
	pt, err := co.Population("sim")
	if err != nil {
		b.Fatal(err)
	}
	cfg := genotype.DefaultConfig()
	cfg.Population = pt
	res, err := genotype.Call(co.Matrix, cfg)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ComputePairwise(res.Tensor, 64, 0); err != nil {
			b.Fatal(err)
		}
	}
}
