package interval

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// ReadList reads a list of intervals, one per line, in the form
//   chrom <ws> start [<ws> end]
// with 1-based inclusive coordinates, or a single "chrom:start-end" region
// string.  Empty lines and lines starting with '#' are skipped.
func ReadList(r io.Reader, genome string) ([]Interval, error) {
	scanner := bufio.NewScanner(r)
	var (
		tokens  [3][]byte
		out     []Interval
		lineIdx int
	)
	for scanner.Scan() {
		lineIdx++
		curLine := scanner.Bytes()
		nToken := getTokens(tokens[:], curLine)
		if nToken == 0 || tokens[0][0] == '#' {
			continue
		}
		var (
			iv  Interval
			err error
		)
		switch nToken {
		case 1:
			iv, err = Parse(genome, string(tokens[0]))
		default:
			var start, end int
			if start, err = strconv.Atoi(string(tokens[1])); err != nil {
				break
			}
			end = start
			if nToken == 3 {
				if end, err = strconv.Atoi(string(tokens[2])); err != nil {
					break
				}
			}
			iv, err = New(genome, string(tokens[0]), start, end)
		}
		if err != nil {
			return nil, fmt.Errorf("interval.ReadList: line %d: %v", lineIdx, err)
		}
		out = append(out, iv)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadListFromPath is a wrapper for ReadList that takes a path instead of an
// io.Reader. Gzipped files are decompressed.
func ReadListFromPath(path, genome string) (ivs []Interval, err error) {
	ctx := vcontext.Background()
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	return ReadList(reader, genome)
}
