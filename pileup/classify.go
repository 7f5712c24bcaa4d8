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
package pileup

import (
	"github.com/biogo/hts/sam"
	"github.com/grailbio/bamcheck/interval"
)

const (
	// TotalPattern is the pseudo-pattern holding the number of classified reads.
	TotalPattern = "#reads"
	// ShowPattern marks reads whose alignment has an interior skip or padding
	// operation and must be inspected by eye.
	ShowPattern = "SHOW"
)

// Classifier derives the pattern a read shows over an interval.  ok is false
// when the read does not span the whole interval.
type Classifier interface {
	Classify(rec *sam.Record, iv interval.Interval) (pattern string, ok bool)
}

// Seeder is implemented by classifiers whose counts start with patterns
// already present at zero.
type Seeder interface {
	Seed(iv interval.Interval) Counts
}

// seed returns the starting counts classifier uses for iv.
func seed(classifier Classifier, iv interval.Interval) Counts {
	if s, ok := classifier.(Seeder); ok {
		return s.Seed(iv)
	}
	return Counts{TotalPattern: 0}
}

// PatternClassifier reports the read bases aligned to the interval.  Matched
// bases are upper case, inserted bases lower case and deleted reference bases
// '-'.
type PatternClassifier struct {
	// IncludeSoftClipped keeps soft-clipped bases in the pattern as if they
	// were aligned.
	IncludeSoftClipped bool
}

// Seed implements Seeder: single-base intervals list every nucleotide.
func (PatternClassifier) Seed(iv interval.Interval) Counts {
	return NewCounts(iv)
}

// unclippedStart returns the 1-based position the first read base would have
// if clipped bases were aligned.
func unclippedStart(rec *sam.Record) int {
	pos := rec.Pos + 1
	for _, co := range rec.Cigar {
		t := co.Type()
		if t != sam.CigarSoftClipped && t != sam.CigarHardClipped {
			break
		}
		pos -= co.Len()
	}
	return pos
}

func lower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + 'a' - 'A'
	}
	return b
}

// Classify implements Classifier.
func (c PatternClassifier) Classify(rec *sam.Record, iv interval.Interval) (string, bool) {
	if rec == nil || len(rec.Cigar) == 0 || rec.Flags&sam.Unmapped != 0 {
		return "", false
	}
	var (
		start       = unclippedStart(rec)
		offsetStart = iv.Start - start
		offsetEnd   = iv.End + 1 - start
		read        = rec.Seq.Expand()
		readPos     = 0
		refPos      = start
		full        = make([]byte, 0, len(read)+8)
	)
	nextBase := func() (byte, bool) {
		if readPos >= len(read) {
			return 0, false
		}
		b := read[readPos]
		readPos++
		return b, true
	}
	for opIdx, co := range rec.Cigar {
		last := opIdx == len(rec.Cigar)-1
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < n; i++ {
				b, ok := nextBase()
				if !ok {
					return "", false
				}
				full = append(full, b)
				refPos++
			}
		case sam.CigarInsertion:
			for i := 0; i < n; i++ {
				b, ok := nextBase()
				if !ok {
					return "", false
				}
				full = append(full, lower(b))
				if refPos < iv.Start {
					offsetStart++
				}
				if refPos <= iv.End+1 {
					offsetEnd++
				}
			}
		case sam.CigarDeletion:
			for i := 0; i < n; i++ {
				full = append(full, '-')
				refPos++
			}
		case sam.CigarSoftClipped:
			for i := 0; i < n; i++ {
				b, ok := nextBase()
				if !ok {
					return "", false
				}
				if c.IncludeSoftClipped {
					full = append(full, b)
				} else if !last {
					offsetStart--
					offsetEnd--
				}
				refPos++
			}
		case sam.CigarHardClipped:
			if !last {
				offsetStart -= n
				offsetEnd -= n
			}
			refPos += n
		case sam.CigarSkipped:
			if !last {
				return ShowPattern, true
			}
			for i := 0; i < n; i++ {
				if refPos < iv.Start {
					offsetStart--
				}
				if refPos <= iv.End+1 {
					offsetEnd--
				}
				refPos++
			}
		case sam.CigarPadded:
			if !last {
				return ShowPattern, true
			}
		}
	}
	if offsetStart < 0 || offsetEnd > len(full) || offsetStart > offsetEnd {
		return "", false
	}
	return string(full[offsetStart:offsetEnd]), true
}

// CisClassifier reduces a read's pattern to its first and last aligned (non
// inserted) characters followed by the strand, '+' or '-'.  It is used to
// check whether two nearby events occur on the same molecule.
type CisClassifier struct {
	PatternClassifier
}

func isInserted(b byte) bool {
	return b != '-' && b == lower(b)
}

// Classify implements Classifier.
func (c CisClassifier) Classify(rec *sam.Record, iv interval.Interval) (string, bool) {
	p, ok := c.PatternClassifier.Classify(rec, iv)
	if !ok || p == ShowPattern {
		return p, ok
	}
	first := 0
	for first < len(p) && isInserted(p[first]) {
		first++
	}
	lastIdx := len(p) - 1
	for lastIdx >= 0 && isInserted(p[lastIdx]) {
		lastIdx--
	}
	if first >= len(p) || lastIdx < 0 {
		return "", false
	}
	strand := byte('+')
	if rec.Flags&sam.Reverse != 0 {
		strand = '-'
	}
	return string([]byte{p[first], p[lastIdx], strand}), true
}
