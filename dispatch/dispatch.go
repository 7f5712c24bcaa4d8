// Package dispatch runs a bamcheck request end to end: it tries the remote
// service first, falls back to scanning alignments locally, and normalizes
// the resulting matrices.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/bamcheck/matrix"
	"github.com/grailbio/bamcheck/pileup"
	"github.com/grailbio/bamcheck/reference"
	"github.com/grailbio/bamcheck/remote"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Mode records where a result was computed.
type Mode int

const (
	// Local means the alignments were scanned in-process.
	Local Mode = iota
	// Remote means the remote service computed the matrices.
	Remote
)

func (m Mode) String() string {
	if m == Remote {
		return "remote"
	}
	return "local"
}

// Unresolved is an interval dropped because its reference bases could not be
// determined.
type Unresolved struct {
	Interval interval.Interval
	Err      error
}

// Result holds the matrices of one request, in interval order, plus the
// intervals and samples that did not make it.
type Result struct {
	Mode       Mode
	Matrices   []*matrix.Matrix
	Normalized []*matrix.Normalized
	Unresolved []Unresolved
	Skipped    []pileup.Skipped
}

// Dispatcher ties the remote client, local scanner and reference together.
type Dispatcher struct {
	// Remote is optional; when nil or disabled every request runs locally.
	Remote *remote.Client
	// Scanner is required.
	Scanner *pileup.Scanner
	// Reference is required.
	Reference reference.Source
	// Groups, if set, fills the Group column of every row, overriding what
	// the remote service reported.
	Groups matrix.Grouper
}

// Run computes the normalized matrices of the given intervals over samples.
// A remote failure falls back to the local scanner, except a malformed
// remote payload (errors.Integrity), which is returned.
func (d *Dispatcher) Run(ctx context.Context, intervals []interval.Interval, samples []pileup.Sample) (*Result, error) {
	if d.Scanner == nil || d.Reference == nil {
		return nil, errors.E(errors.Invalid, "dispatch: scanner and reference are required")
	}
	if len(samples) == 0 {
		return nil, errors.E(errors.Invalid, "dispatch: no samples")
	}
	result := &Result{}
	refs := make(map[interval.Interval]string)
	var resolved []interval.Interval
	for _, iv := range interval.SortedUnique(intervals) {
		seq, err := d.Reference.Sequence(iv)
		if err != nil {
			result.Unresolved = append(result.Unresolved, Unresolved{iv, err})
			continue
		}
		refs[iv] = strings.ToUpper(seq)
		resolved = append(resolved, iv)
	}
	if len(result.Unresolved) > 0 {
		log.Error.Printf("dispatch: %d intervals have no reference and are dropped: %s",
			len(result.Unresolved), unresolvedString(result.Unresolved))
	}
	if len(resolved) == 0 {
		return result, nil
	}

	byInterval, err := d.runRemote(ctx, resolved, samples, result)
	if err != nil {
		return nil, err
	}
	if byInterval == nil {
		scan, err := d.Scanner.Scan(ctx, resolved, samples)
		if err != nil {
			return nil, err
		}
		result.Mode = Local
		result.Skipped = scan.Skipped
		byInterval = matrix.Assemble(scan, refs, d.Groups)
	}

	for _, iv := range resolved {
		m := byInterval[iv].WithReference(refs[iv])
		if d.Groups != nil {
			for i, row := range m.Rows {
				m.Rows[i].Meta[2] = d.Groups.Group(row.Sample())
			}
		}
		n, err := matrix.NormalizeDefault(m)
		if err != nil {
			return nil, err
		}
		result.Matrices = append(result.Matrices, m)
		result.Normalized = append(result.Normalized, n)
	}
	return result, nil
}

// runRemote returns nil matrices when the request should run locally.
func (d *Dispatcher) runRemote(ctx context.Context, ivs []interval.Interval, samples []pileup.Sample, result *Result) (map[interval.Interval]*matrix.Matrix, error) {
	if !d.Remote.Enabled() {
		return nil, nil
	}
	ms, err := d.Remote.Run(ctx, ivs, samples)
	switch {
	case err == nil:
	case errors.Is(errors.Integrity, err):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		log.Error.Printf("dispatch: remote service failed, scanning locally: %v", err)
		return nil, nil
	}
	result.Mode = Remote
	reported := make(map[pileup.Sample]bool)
	for _, m := range ms {
		for _, row := range m.Rows {
			reported[row.Sample()] = true
		}
	}
	seen := make(map[pileup.Sample]bool)
	for _, s := range samples {
		if !reported[s] && !seen[s] {
			seen[s] = true
			result.Skipped = append(result.Skipped, pileup.Skipped{
				Sample: s,
				Err:    errors.E(errors.NotExist, "not reported by the remote service"),
			})
		}
	}
	return ms, nil
}

func unresolvedString(u []Unresolved) string {
	s := make([]string, len(u))
	for i, x := range u {
		s[i] = fmt.Sprintf("%s (%v)", x.Interval, x.Err)
	}
	return strings.Join(s, ", ")
}
