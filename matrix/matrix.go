// Package matrix assembles per-interval pattern count tables and derives
// their normalized (proportion and z-score) form.
//
// A Matrix has three metadata columns (cohort, sample, group), the
// "#reads" total, the reference pattern and then every other observed
// pattern.  Column order depends only on the counts, so the same inputs
// produce the same table whether they were computed locally or remotely.
package matrix

import (
	"sort"

	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/bamcheck/pileup"
)

// Metadata column names.
const (
	CohortColumn = "Cohort"
	SampleColumn = "Sample"
	GroupColumn  = "Group"
)

const (
	// NumMeta is the number of leading string columns.
	NumMeta = 3
	// TotalIndex is the index of the "#reads" column.
	TotalIndex = NumMeta
	// RefIndex is the index of the reference pattern column, when present.
	RefIndex = NumMeta + 1
)

// Row is one sample's line of a Matrix.
type Row struct {
	Meta   [NumMeta]string
	Counts []int // parallel to Matrix.Headers[NumMeta:]
}

// Sample returns the row's sample.
func (r Row) Sample() pileup.Sample {
	return pileup.Sample{Cohort: r.Meta[0], Name: r.Meta[1]}
}

// Matrix is the count table of one interval.
type Matrix struct {
	Interval interval.Interval
	// Reference is the reference pattern, or "" if unknown.
	Reference string
	Headers   []string
	Rows      []Row
}

// Patterns returns the pattern column names, "#reads" first.
func (m *Matrix) Patterns() []string {
	return m.Headers[NumMeta:]
}

// Column returns the index of the named column, or -1.
func (m *Matrix) Column(name string) int {
	for i, h := range m.Headers {
		if h == name {
			return i
		}
	}
	return -1
}

// Count returns the count of row r in column col, which must be >= NumMeta.
func (m *Matrix) Count(r, col int) int {
	return m.Rows[r].Counts[col-NumMeta]
}

// Grouper assigns a sample to a group, e.g. a pathology.
type Grouper interface {
	Group(s pileup.Sample) string
}

// UnknownGroup is reported for samples without a group.
const UnknownGroup = "UNKNOWN"

// Groups is a Grouper backed by a sample name → group map.  Keys may be
// either "cohort|sample" or the bare sample name.
type Groups map[string]string

// Group implements Grouper.
func (g Groups) Group(s pileup.Sample) string {
	if v, ok := g[s.String()]; ok {
		return v
	}
	if v, ok := g[s.Name]; ok {
		return v
	}
	return UnknownGroup
}

// OrderPatterns returns the pattern columns for the given per-sample counts:
// "#reads", then ref (if non-empty), then every other pattern by descending
// total count across samples, ties broken by ascending name.
func OrderPatterns(counts []pileup.Counts, ref string) []string {
	totals := make(map[string]int)
	for _, c := range counts {
		for p, n := range c {
			totals[p] += n
		}
	}
	delete(totals, pileup.TotalPattern)
	others := make([]string, 0, len(totals))
	for p := range totals {
		if p != ref {
			others = append(others, p)
		}
	}
	sort.Slice(others, func(i, j int) bool {
		ti, tj := totals[others[i]], totals[others[j]]
		if ti != tj {
			return ti > tj
		}
		return others[i] < others[j]
	})
	out := []string{pileup.TotalPattern}
	if ref != "" {
		out = append(out, ref)
	}
	return append(out, others...)
}

// Build creates the matrix of one interval.  samples fixes the row order;
// samples absent from counts are left out.  ref, if non-empty, always gets
// a column, zero-filled when no read shows it.
func Build(iv interval.Interval, ref string, samples []pileup.Sample, counts map[pileup.Sample]pileup.Counts, groups Grouper) *Matrix {
	if groups == nil {
		groups = Groups(nil)
	}
	var (
		present []pileup.Sample
		cs      []pileup.Counts
	)
	for _, s := range samples {
		if c, ok := counts[s]; ok {
			present = append(present, s)
			cs = append(cs, c)
		}
	}
	patterns := OrderPatterns(cs, ref)
	m := &Matrix{
		Interval:  iv,
		Reference: ref,
		Headers:   append([]string{CohortColumn, SampleColumn, GroupColumn}, patterns...),
		Rows:      make([]Row, len(present)),
	}
	for i, s := range present {
		row := Row{
			Meta:   [NumMeta]string{s.Cohort, s.Name, groups.Group(s)},
			Counts: make([]int, len(patterns)),
		}
		for j, p := range patterns {
			row.Counts[j] = cs[i][p]
		}
		m.Rows[i] = row
	}
	return m
}

// Assemble builds the matrix of every interval of a scan.  refs supplies the
// reference pattern per interval; intervals without one get no reference
// column.
func Assemble(scan *pileup.Scan, refs map[interval.Interval]string, groups Grouper) map[interval.Interval]*Matrix {
	out := make(map[interval.Interval]*Matrix, len(scan.Intervals))
	for _, iv := range scan.Intervals {
		out[iv] = Build(iv, refs[iv], scan.Samples, scan.Counts[iv], groups)
	}
	return out
}

// WithReference returns a copy of m whose reference column is ref, moved to
// RefIndex; a zero-filled column is added if no read showed ref.
func (m *Matrix) WithReference(ref string) *Matrix {
	samples := make([]pileup.Sample, len(m.Rows))
	counts := make(map[pileup.Sample]pileup.Counts, len(m.Rows))
	metas := make(map[pileup.Sample][NumMeta]string, len(m.Rows))
	for i, r := range m.Rows {
		s := r.Sample()
		samples[i] = s
		c := make(pileup.Counts, len(r.Counts))
		for j, p := range m.Patterns() {
			c[p] = r.Counts[j]
		}
		counts[s] = c
		metas[s] = r.Meta
	}
	out := Build(m.Interval, ref, samples, counts, nil)
	for i := range out.Rows {
		out.Rows[i].Meta = metas[out.Rows[i].Sample()]
	}
	return out
}
