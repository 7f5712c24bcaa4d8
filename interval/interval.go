package interval

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Interval is a closed, 1-based genomic range on one chromosome of one
// reference genome. The zero Genome is the default reference. Interval is a
// value type and can be used as a map key.
type Interval struct {
	Genome string
	Chrom  string
	Start  int
	End    int
}

// New returns the interval [start, end] on chrom. A leading "chr" is stripped
// from the chromosome name.
func New(genome, chrom string, start, end int) (Interval, error) {
	chrom = TrimChr(chrom)
	if chrom == "" {
		return Interval{}, fmt.Errorf("interval.New: empty chromosome")
	}
	if start <= 0 {
		return Interval{}, fmt.Errorf("interval.New: start %d out of range", start)
	}
	if end < start {
		return Interval{}, fmt.Errorf("interval.New: end %d before start %d", end, start)
	}
	return Interval{Genome: genome, Chrom: chrom, Start: start, End: end}, nil
}

// TrimChr removes a leading "chr" from a chromosome name.
func TrimChr(chrom string) string {
	return strings.TrimPrefix(strings.TrimSpace(chrom), "chr")
}

// Parse parses a region string of one of the forms
//   [chr]:[1-based first pos]-[last pos]
//   [chr]:[1-based pos]
func Parse(genome, region string) (Interval, error) {
	region = strings.TrimSpace(region)
	if len(region) == 0 {
		return Interval{}, fmt.Errorf("interval.Parse: empty region string")
	}
	colonPos := strings.IndexByte(region, ':')
	if colonPos <= 0 {
		return Interval{}, fmt.Errorf("interval.Parse: region %q has no chromosome", region)
	}
	chrom := region[:colonPos]
	rangeStr := strings.Replace(region[colonPos+1:], ",", "", -1)
	dashPos := strings.IndexByte(rangeStr, '-')
	if dashPos == -1 {
		pos, err := strconv.Atoi(rangeStr)
		if err != nil {
			return Interval{}, fmt.Errorf("interval.Parse: %q: %v", region, err)
		}
		return New(genome, chrom, pos, pos)
	}
	start, err := strconv.Atoi(rangeStr[:dashPos])
	if err != nil {
		return Interval{}, fmt.Errorf("interval.Parse: %q: %v", region, err)
	}
	end, err := strconv.Atoi(rangeStr[dashPos+1:])
	if err != nil {
		return Interval{}, fmt.Errorf("interval.Parse: %q: %v", region, err)
	}
	return New(genome, chrom, start, end)
}

// ParseList parses a list of region strings separated by ';' or whitespace.
func ParseList(genome, list string) ([]Interval, error) {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]Interval, 0, len(fields))
	for _, f := range fields {
		iv, err := Parse(genome, f)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}

// Size returns the number of bases covered by the interval.
func (iv Interval) Size() int {
	return iv.End - iv.Start + 1
}

// String returns "chrom:start" for single positions and "chrom:start-end"
// otherwise. The genome is not part of the string.
func (iv Interval) String() string {
	if iv.Start == iv.End {
		return iv.Chrom + ":" + strconv.Itoa(iv.Start)
	}
	return iv.Chrom + ":" + strconv.Itoa(iv.Start) + "-" + strconv.Itoa(iv.End)
}

// Start0 returns the 0-based start coordinate.
func (iv Interval) Start0() int { return iv.Start - 1 }

// chromRank maps a chromosome name to its sort rank. Non-numeric names other
// than X and Y sort lexically after every numbered chromosome.
func chromRank(chrom string) (int, bool) {
	switch chrom {
	case "X":
		return 23, true
	case "Y":
		return 24, true
	}
	n, err := strconv.Atoi(chrom)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Compare returns -1, 0 or 1 depending on whether a sorts before, equal to or
// after b. Chromosomes are ordered numerically (X=23, Y=24), otherwise
// lexically, then by start and end.
func Compare(a, b Interval) int {
	if a.Chrom != b.Chrom {
		ra, oka := chromRank(a.Chrom)
		rb, okb := chromRank(b.Chrom)
		switch {
		case oka && okb:
			if ra != rb {
				return cmpInt(ra, rb)
			}
		case oka:
			return -1
		case okb:
			return 1
		}
		if a.Chrom < b.Chrom {
			return -1
		}
		return 1
	}
	if c := cmpInt(a.Start, b.Start); c != 0 {
		return c
	}
	if c := cmpInt(a.End, b.End); c != 0 {
		return c
	}
	switch {
	case a.Genome < b.Genome:
		return -1
	case a.Genome > b.Genome:
		return 1
	}
	return 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Sort sorts intervals in place by Compare.
func Sort(ivs []Interval) {
	sort.SliceStable(ivs, func(i, j int) bool { return Compare(ivs[i], ivs[j]) < 0 })
}

// SortedUnique returns a sorted copy of ivs with duplicates removed.
func SortedUnique(ivs []Interval) []Interval {
	out := append([]Interval(nil), ivs...)
	Sort(out)
	n := 0
	for i, iv := range out {
		if i > 0 && iv == out[n-1] {
			continue
		}
		out[n] = iv
		n++
	}
	return out[:n]
}

// SplitPositions expands every interval into one single-base interval per
// position.
func SplitPositions(ivs []Interval) []Interval {
	var out []Interval
	for _, iv := range ivs {
		for pos := iv.Start; pos <= iv.End; pos++ {
			out = append(out, Interval{Genome: iv.Genome, Chrom: iv.Chrom, Start: pos, End: pos})
		}
	}
	return out
}
