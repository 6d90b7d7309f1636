// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package donor partitions samples into "same biological donor"
// classes. Technical replicates and monozygotic twins are joined into
// one class, since they are indistinguishable at genotyping markers.
package donor

import (
	"github.com/arvados/idqc/qcerr"
	"github.com/theodesp/unionfind"
)

type Builder struct {
	samples []string
	index   map[string]int
	uf      *unionfind.UnionFind
	labels  map[string]int // donor label => first sample assigned to it
}

func NewBuilder(samples []string) (*Builder, error) {
	if len(samples) == 0 {
		return nil, qcerr.Configf("empty sample set")
	}
	b := &Builder{
		samples: append([]string(nil), samples...),
		index:   make(map[string]int, len(samples)),
		uf:      unionfind.New(len(samples)),
		labels:  map[string]int{},
	}
	var dup []string
	for i, id := range samples {
		if _, ok := b.index[id]; ok {
			dup = append(dup, id)
		}
		b.index[id] = i
	}
	if len(dup) > 0 {
		return nil, qcerr.Config("duplicate sample IDs", dup...)
	}
	return b, nil
}

// Assign records that sample comes from the donor with the given
// label. Samples sharing a label end up in the same group. An empty
// label is a no-op.
func (b *Builder) Assign(sample, label string) error {
	i, ok := b.index[sample]
	if !ok {
		return qcerr.Config("donor assignment for unknown sample", sample)
	}
	if label == "" {
		return nil
	}
	if first, ok := b.labels[label]; ok {
		b.uf.Union(first, i)
	} else {
		b.labels[label] = i
	}
	return nil
}

// Link records that two samples come from genetically identical
// donors (replicate, twin).
func (b *Builder) Link(sample, other string) error {
	i, ok := b.index[sample]
	j, ok2 := b.index[other]
	switch {
	case !ok && !ok2:
		return qcerr.Config("link between unknown samples", sample, other)
	case !ok:
		return qcerr.Config("link from unknown sample", sample)
	case !ok2:
		return qcerr.Config("link to unknown sample", other)
	}
	b.uf.Union(i, j)
	return nil
}

// Build returns the resulting partition. Group IDs are dense and
// numbered in order of each group's first sample.
func (b *Builder) Build() *Groups {
	g := &Groups{
		samples: b.samples,
		index:   b.index,
		group:   make([]int, len(b.samples)),
	}
	rootGroup := map[int]int{}
	for i := range b.samples {
		root := b.uf.Root(i)
		gid, ok := rootGroup[root]
		if !ok {
			gid = len(g.members)
			rootGroup[root] = gid
			g.members = append(g.members, nil)
		}
		g.group[i] = gid
		g.members[gid] = append(g.members[gid], i)
	}
	return g
}

// Groups is an immutable partition of a sample set.
type Groups struct {
	samples []string
	index   map[string]int
	group   []int
	members [][]int
}

func (g *Groups) Len() int       { return len(g.samples) }
func (g *Groups) NumGroups() int { return len(g.members) }

// Samples returns the sample IDs in builder order. Callers must not
// modify the returned slice.
func (g *Groups) Samples() []string { return g.samples }

func (g *Groups) Group(i int) int { return g.group[i] }

func (g *Groups) GroupOf(id string) (int, bool) {
	i, ok := g.index[id]
	if !ok {
		return -1, false
	}
	return g.group[i], true
}

func (g *Groups) Same(i, j int) bool { return g.group[i] == g.group[j] }

// Members returns the sample indices in group gid, ascending.
func (g *Groups) Members(gid int) []int {
	return append([]int(nil), g.members[gid]...)
}
