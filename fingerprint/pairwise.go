// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fingerprint

import (
	"math"

	"github.com/arvados/idqc/genotype"
	"github.com/arvados/idqc/qcerr"
	"github.com/arvados/idqc/throttle"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const DefaultBlockSize = 256

// Pairwise holds the agreement statistic and shared-marker count of
// every unordered pair of distinct samples, as a condensed upper
// triangle.
type Pairwise struct {
	n      int
	stat   []float64
	shared []int
}

func newPairwise(n int) *Pairwise {
	npairs := n * (n - 1) / 2
	return &Pairwise{n: n, stat: make([]float64, npairs), shared: make([]int, npairs)}
}

// Len returns the number of samples.
func (p *Pairwise) Len() int { return p.n }

// index of (i,j), i<j, in row-major order of the upper triangle.
func (p *Pairwise) index(i, j int) int {
	if i > j {
		i, j = j, i
	}
	return i*(2*p.n-i-1)/2 + j - i - 1
}

// At returns the statistic for samples i and j: the mean, over
// markers defined in both, of the probability that the two samples
// carry the same genotype. It is NaN when i == j or when no marker is
// shared.
func (p *Pairwise) At(i, j int) float64 {
	if i == j {
		return math.NaN()
	}
	return p.stat[p.index(i, j)]
}

// Shared returns the number of markers defined in both samples.
func (p *Pairwise) Shared(i, j int) int {
	if i == j {
		return 0
	}
	return p.shared[p.index(i, j)]
}

// Values returns the statistics of all pairs in (i, j) order,
// including NaNs. Callers must not modify the returned slice.
func (p *Pairwise) Values() []float64 { return p.stat }

// Square returns the full symmetric samples × samples matrix in
// row-major order, with 1 on the diagonal.
func (p *Pairwise) Square() []float64 {
	out := make([]float64, p.n*p.n)
	for i := 0; i < p.n; i++ {
		out[i*p.n+i] = 1
		for j := i + 1; j < p.n; j++ {
			v := p.stat[p.index(i, j)]
			out[i*p.n+j] = v
			out[j*p.n+i] = v
		}
	}
	return out
}

// ComputePairwise fills in the statistic for all pairs. The
// posteriors are laid out as a samples × (3·markers) matrix P and a
// samples × markers definedness mask D, with zeros for undefined
// values, so that P·Pᵀ holds the summed agreement and D·Dᵀ the shared
// counts. Tiles of blockSize × blockSize samples are multiplied
// concurrently; each tile fills a disjoint set of pairs.
func ComputePairwise(t *genotype.Tensor, blockSize, threads int) (*Pairwise, error) {
	nsamples, nmarkers := t.NumSamples(), t.NumMarkers()
	if nsamples < 2 {
		return nil, qcerr.Configf("pairwise comparison needs at least 2 samples, got %d", nsamples)
	}
	if nmarkers == 0 {
		return nil, qcerr.Configf("no markers to compare")
	}
	if blockSize < 1 {
		blockSize = DefaultBlockSize
	}
	post := mat.NewDense(nsamples, genotype.NumClasses*nmarkers, nil)
	mask := mat.NewDense(nsamples, nmarkers, nil)
	for s := 0; s < nsamples; s++ {
		prow := post.RawRowView(s)
		mrow := mask.RawRowView(s)
		for m := 0; m < nmarkers; m++ {
			if !t.Defined(m, s) {
				continue
			}
			p := t.Posterior(m, s)
			copy(prow[m*genotype.NumClasses:], p[:])
			mrow[m] = 1
		}
	}

	pw := newPairwise(nsamples)
	nblocks := (nsamples + blockSize - 1) / blockSize
	log.WithFields(log.Fields{
		"samples":   nsamples,
		"markers":   nmarkers,
		"blockSize": blockSize,
		"tiles":     nblocks * (nblocks + 1) / 2,
	}).Info("computing pairwise agreement")
	th := throttle.New(threads)
	for bi := 0; bi < nblocks; bi++ {
		for bj := bi; bj < nblocks; bj++ {
			i0, i1 := blockRange(bi, blockSize, nsamples)
			j0, j1 := blockRange(bj, blockSize, nsamples)
			th.Go(func() error {
				var agree, count mat.Dense
				agree.Mul(post.Slice(i0, i1, 0, genotype.NumClasses*nmarkers), post.Slice(j0, j1, 0, genotype.NumClasses*nmarkers).T())
				count.Mul(mask.Slice(i0, i1, 0, nmarkers), mask.Slice(j0, j1, 0, nmarkers).T())
				for i := i0; i < i1; i++ {
					for j := maxInt(j0, i+1); j < j1; j++ {
						idx := pw.index(i, j)
						n := count.At(i-i0, j-j0)
						pw.shared[idx] = int(n)
						if n == 0 {
							pw.stat[idx] = math.NaN()
						} else {
							pw.stat[idx] = agree.At(i-i0, j-j0) / n
						}
					}
				}
				return nil
			})
		}
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}
	return pw, nil
}

func blockRange(b, size, n int) (int, int) {
	start := b * size
	end := start + size
	if end > n {
		end = n
	}
	return start, end
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
