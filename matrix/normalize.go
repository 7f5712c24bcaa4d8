package matrix

import (
	"fmt"
	"math"
	"strconv"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/stat"
)

// ZScorePrefix prefixes the header of each z-score column.
const ZScorePrefix = "z_score_"

// Column holds the normalized values of one pattern column.
type Column struct {
	Pattern string
	// Index is the column's index in Matrix.Headers.
	Index int
	// Proportions[r] is count/(ref+count) for row r, or 0 when the row has no
	// reads or neither pattern is seen.
	Proportions []float64
	// ZScores[r] is (Proportions[r]-Mean)/SD, or 0 when SD is 0.
	ZScores []float64
	// Mean and SD are the population mean and standard deviation of
	// Proportions.
	Mean, SD float64
}

// Normalized is the proportion and z-score view of a Matrix.
type Normalized struct {
	Matrix      *Matrix
	RefColumn   int
	TotalColumn int
	// Columns has one entry per pattern column other than RefColumn and
	// TotalColumn, in header order.
	Columns []Column
}

// Normalize computes, for every pattern column other than refCol and
// totalCol, each row's proportion of reads showing that pattern relative to
// the reference plus that pattern, then standardizes proportions across rows.
func Normalize(m *Matrix, refCol, totalCol int) (*Normalized, error) {
	if totalCol < NumMeta || totalCol >= len(m.Headers) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: total column %d out of range", m.Interval, totalCol))
	}
	if refCol < NumMeta || refCol >= len(m.Headers) || refCol == totalCol {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: reference column %d out of range", m.Interval, refCol))
	}
	n := &Normalized{Matrix: m, RefColumn: refCol, TotalColumn: totalCol}
	for col := NumMeta; col < len(m.Headers); col++ {
		if col == refCol || col == totalCol {
			continue
		}
		c := Column{
			Pattern:     m.Headers[col],
			Index:       col,
			Proportions: make([]float64, len(m.Rows)),
			ZScores:     make([]float64, len(m.Rows)),
		}
		for r := range m.Rows {
			total, ref, count := m.Count(r, totalCol), m.Count(r, refCol), m.Count(r, col)
			if total > 0 && ref+count > 0 {
				c.Proportions[r] = float64(count) / float64(ref+count)
			}
		}
		if len(c.Proportions) > 0 {
			c.Mean = stat.Mean(c.Proportions, nil)
			c.SD = math.Sqrt(stat.Moment(2, c.Proportions, nil))
		}
		if c.SD > 0 {
			for r, p := range c.Proportions {
				c.ZScores[r] = (p - c.Mean) / c.SD
			}
		}
		n.Columns = append(n.Columns, c)
	}
	return n, nil
}

// NormalizeDefault normalizes a matrix built by Build with a reference.
func NormalizeDefault(m *Matrix) (*Normalized, error) {
	return Normalize(m, RefIndex, TotalIndex)
}

// ColumnAt returns the normalized column at header index col, or nil when
// col is not normalized.
func (n *Normalized) ColumnAt(col int) *Column {
	for i := range n.Columns {
		if n.Columns[i].Index == col {
			return &n.Columns[i]
		}
	}
	return nil
}

// Headers returns the output headers: every raw column, with a z-score column
// after each normalized one.
func (n *Normalized) Headers() []string {
	var h []string
	for col, name := range n.Matrix.Headers {
		h = append(h, name)
		if c := n.ColumnAt(col); c != nil {
			h = append(h, ZScorePrefix+c.Pattern)
		}
	}
	return h
}

// Row returns the output cells of row r, parallel to Headers: the raw counts,
// each normalized one followed by its z-score.
func (n *Normalized) Row(r int) []string {
	row := n.Matrix.Rows[r]
	out := append([]string(nil), row.Meta[:]...)
	for col := NumMeta; col < len(n.Matrix.Headers); col++ {
		out = append(out, strconv.Itoa(n.Matrix.Count(r, col)))
		if c := n.ColumnAt(col); c != nil {
			out = append(out, formatFloat(c.ZScores[r]))
		}
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
