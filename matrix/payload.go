package matrix

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/bamcheck/pileup"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
)

// Payload separators.  A payload is a sequence of sections
//
//   <interval>\n##\n<header row>\n##\n<rows>\n####\n
//
// with every cell of the header and the rows followed by a tab.
const (
	sectionSep = "####"
	fieldSep   = "##"
)

// WritePayload writes matrices in payload form, in the given order.
func WritePayload(w io.Writer, matrices []*Matrix) error {
	out := tsv.NewWriter(w)
	line := func(s string) error {
		out.WriteString(s)
		return out.EndLine()
	}
	for _, m := range matrices {
		if err := line(m.Interval.String()); err != nil {
			return err
		}
		if err := line(fieldSep); err != nil {
			return err
		}
		for _, h := range m.Headers {
			out.WriteString(h)
		}
		out.WriteString("")
		if err := out.EndLine(); err != nil {
			return err
		}
		if err := line(fieldSep); err != nil {
			return err
		}
		for _, r := range m.Rows {
			for _, v := range r.Meta {
				out.WriteString(v)
			}
			for _, c := range r.Counts {
				out.WriteInt64(int64(c))
			}
			out.WriteString("")
			if err := out.EndLine(); err != nil {
				return err
			}
		}
		if err := line(sectionSep); err != nil {
			return err
		}
	}
	return out.Flush()
}

func trimLines(s string) string {
	return strings.Trim(s, "\r\n")
}

// splitCells splits a tab-terminated row, dropping trailing empty cells.
func splitCells(row string) []string {
	return strings.Split(strings.TrimRight(row, "\t\r"), "\t")
}

// ParsePayload parses a payload.  Any malformed section fails the whole
// payload with an errors.Integrity error.  Intervals are tagged with genome.
func ParsePayload(r io.Reader, genome string) ([]*Matrix, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.E(errors.Net, err, "read payload")
	}
	var out []*Matrix
	for i, section := range strings.Split(strings.TrimSpace(string(data)), sectionSep) {
		if strings.TrimSpace(section) == "" {
			continue
		}
		m, err := parseSection(section, genome)
		if err != nil {
			return nil, errors.E(errors.Integrity, err, "payload section", strconv.Itoa(i))
		}
		out = append(out, m)
	}
	return out, nil
}

func parseSection(section, genome string) (*Matrix, error) {
	fields := strings.Split(section, fieldSep)
	if len(fields) != 3 {
		return nil, fmt.Errorf("got %d fields, want 3", len(fields))
	}
	iv, err := interval.Parse(genome, strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, err
	}
	headers := splitCells(trimLines(fields[1]))
	if len(headers) <= TotalIndex || headers[TotalIndex] != pileup.TotalPattern {
		return nil, fmt.Errorf("%s: bad header %q", iv, headers)
	}
	m := &Matrix{Interval: iv, Headers: headers}
	body := trimLines(fields[2])
	if body == "" {
		return m, nil
	}
	for ln, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := splitCells(line)
		if len(cells) != len(headers) {
			return nil, fmt.Errorf("%s: row %d has %d cells, header has %d", iv, ln+1, len(cells), len(headers))
		}
		row := Row{Counts: make([]int, len(headers)-NumMeta)}
		copy(row.Meta[:], cells[:NumMeta])
		for j, c := range cells[NumMeta:] {
			if row.Counts[j], err = strconv.Atoi(strings.TrimSpace(c)); err != nil {
				return nil, fmt.Errorf("%s: row %d column %s: %v", iv, ln+1, headers[NumMeta+j], err)
			}
		}
		m.Rows = append(m.Rows, row)
	}
	return m, nil
}
