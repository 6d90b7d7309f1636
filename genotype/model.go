// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package genotype converts fractional methylation values at
// genotyping markers into posterior probabilities over the three
// biallelic genotype classes, using a per-marker mixture of three
// Gaussian components and a uniform background component that
// absorbs values consistent with no clean genotype.
package genotype

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

type Class int

const (
	NoCall Class = iota - 1
	HomA
	Het
	HomB
)

const NumClasses = 3

func (c Class) String() string {
	switch c {
	case HomA:
		return "homA"
	case Het:
		return "het"
	case HomB:
		return "homB"
	default:
		return "nocall"
	}
}

const (
	// MinSD is the floor applied to component spreads.
	MinSD = 0.005
	// MinWeight is the floor applied to mixing proportions,
	// including the background component's.
	MinWeight = 1e-4
)

type Component struct {
	Mean   float64
	SD     float64
	Weight float64
}

// Params holds one marker's mixture: a component per genotype class
// (ordered HomA, Het, HomB by increasing mean) and the weight of the
// uniform background on [0,1].
type Params struct {
	Components  [NumClasses]Component
	NoiseWeight float64
}

// normalized returns a copy of p with spreads and weights floored,
// weights summing to 1, and components sorted by mean.
func (p Params) normalized() Params {
	out := p
	sort.SliceStable(out.Components[:], func(i, j int) bool {
		return out.Components[i].Mean < out.Components[j].Mean
	})
	sum := 0.0
	for k := range out.Components {
		comp := &out.Components[k]
		if !(comp.SD >= MinSD) {
			comp.SD = MinSD
		}
		if !(comp.Weight >= MinWeight) {
			comp.Weight = MinWeight
		}
		sum += comp.Weight
	}
	if !(out.NoiseWeight >= MinWeight) {
		out.NoiseWeight = MinWeight
	}
	sum += out.NoiseWeight
	for k := range out.Components {
		out.Components[k].Weight /= sum
	}
	out.NoiseWeight /= sum
	return out
}

func (p Params) valid() bool {
	for _, comp := range p.Components {
		for _, v := range []float64{comp.Mean, comp.SD, comp.Weight} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
		if comp.SD <= 0 || comp.Weight < 0 {
			return false
		}
	}
	return p.NoiseWeight >= 0 && !math.IsInf(p.NoiseWeight, 0)
}

// density evaluates the mixture in log space. Build it from
// normalized params.
type density struct {
	dists    [NumClasses]distuv.Normal
	logW     [NumClasses]float64
	logNoise float64
}

func newDensity(p Params) density {
	var d density
	for k, comp := range p.Components {
		d.dists[k] = distuv.Normal{Mu: comp.Mean, Sigma: comp.SD}
		d.logW[k] = math.Log(comp.Weight)
	}
	// uniform density on [0,1] is 1
	d.logNoise = math.Log(p.NoiseWeight)
	return d
}

// logJoint returns log(weight*density) for the three genotype
// components followed by the background component.
func (d *density) logJoint(x float64) [NumClasses + 1]float64 {
	var lj [NumClasses + 1]float64
	for k := range d.dists {
		lj[k] = d.logW[k] + d.dists[k].LogProb(x)
	}
	lj[NumClasses] = d.logNoise
	return lj
}

// cell fills out with the genotype posterior (conditional on the
// value coming from a genotype component) and the natural-log odds of
// the best genotype component against the background.
func (d *density) cell(x float64, out []float64) {
	if math.IsNaN(x) {
		for i := range out[:cellWidth] {
			out[i] = math.NaN()
		}
		return
	}
	lj := d.logJoint(x)
	geno := lj[:NumClasses]
	lse := floats.LogSumExp(geno)
	for k, l := range geno {
		out[k] = math.Exp(l - lse)
	}
	out[NumClasses] = floats.Max(geno) - lj[NumClasses]
}
