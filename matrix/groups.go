package matrix

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

type groupRow struct {
	Sample string `tsv:"sample"`
	Group  string `tsv:"group"`
}

// ReadGroups reads a tab-separated table with "sample" and "group" columns.
// Sample may be a bare name or "cohort|sample".
func ReadGroups(r io.Reader) (Groups, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	tr.Comment = '#'
	g := make(Groups)
	for {
		var row groupRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				return g, nil
			}
			return nil, errors.E(errors.Invalid, err, "read group table")
		}
		g[row.Sample] = row.Group
	}
}

// ReadGroupsFromPath is ReadGroups on a file.
func ReadGroupsFromPath(ctx context.Context, path string) (g Groups, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open group table", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadGroups(in.Reader(ctx))
}
