// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"io"
	"math"
	"strconv"

	"github.com/grailbio/bamcheck/matrix"
	"github.com/grailbio/base/tsv"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}

func writeCells(out *tsv.Writer, cells []string) error {
	for _, c := range cells {
		out.WriteString(c)
	}
	return out.EndLine()
}

// writeMatrix writes the raw counts of m.
func writeMatrix(w io.Writer, m *matrix.Matrix) error {
	out := tsv.NewWriter(w)
	if err := writeCells(out, []string{"#" + m.Interval.String()}); err != nil {
		return err
	}
	if err := writeCells(out, m.Headers); err != nil {
		return err
	}
	for _, r := range m.Rows {
		out.WriteString(r.Meta[0])
		out.WriteString(r.Meta[1])
		out.WriteString(r.Meta[2])
		for _, c := range r.Counts {
			out.WriteInt64(int64(c))
		}
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}

// writeShow writes every normalized matrix followed by the mean and SD of the
// proportions behind each z-score column.  Matrices are separated by an empty line.
func writeShow(w io.Writer, ns []*matrix.Normalized) error {
	out := tsv.NewWriter(w)
	for i, n := range ns {
		if i > 0 {
			if err := out.EndLine(); err != nil {
				return err
			}
		}
		header := []string{"#" + n.Matrix.Interval.String(), "ref=" + n.Matrix.Reference}
		if err := writeCells(out, header); err != nil {
			return err
		}
		if err := writeCells(out, n.Headers()); err != nil {
			return err
		}
		for r := range n.Matrix.Rows {
			if err := writeCells(out, n.Row(r)); err != nil {
				return err
			}
		}
		for _, stat := range []string{"mean", "sd"} {
			cells := make([]string, matrix.NumMeta)
			cells[0] = "#" + stat
			for col := matrix.NumMeta; col < len(n.Matrix.Headers); col++ {
				c := n.ColumnAt(col)
				if c == nil {
					cells = append(cells, "")
					continue
				}
				v := c.Mean
				if stat == "sd" {
					v = c.SD
				}
				cells = append(cells, formatFloat(v), "")
			}
			if err := writeCells(out, cells); err != nil {
				return err
			}
		}
	}
	return out.Flush()
}

// writeTable writes one line per interval: the reference, the sample and
// read counts, the most frequent other pattern and the sample with the
// largest absolute z-score.
func writeTable(w io.Writer, ns []*matrix.Normalized) error {
	out := tsv.NewWriter(w)
	header := []string{"interval", "ref", "samples", "reads", "top_pattern", "top_reads", "max_z_sample", "max_z_pattern", "max_z"}
	if err := writeCells(out, header); err != nil {
		return err
	}
	for _, n := range ns {
		m := n.Matrix
		reads := 0
		for r := range m.Rows {
			reads += m.Count(r, matrix.TotalIndex)
		}
		var (
			topPattern  string
			topReads    int
			maxZ        float64
			maxZSample  string
			maxZPattern string
		)
		for _, c := range n.Columns {
			total := 0
			for r := range m.Rows {
				total += m.Count(r, c.Index)
				if z := c.ZScores[r]; math.Abs(z) > math.Abs(maxZ) {
					maxZ, maxZSample, maxZPattern = z, m.Rows[r].Sample().String(), c.Pattern
				}
			}
			if total > topReads {
				topPattern, topReads = c.Pattern, total
			}
		}
		out.WriteString(m.Interval.String())
		out.WriteString(m.Reference)
		out.WriteInt64(int64(len(m.Rows)))
		out.WriteInt64(int64(reads))
		out.WriteString(topPattern)
		out.WriteInt64(int64(topReads))
		out.WriteString(maxZSample)
		out.WriteString(maxZPattern)
		out.WriteString(formatFloat(maxZ))
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}
