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
	"strings"

	"github.com/grailbio/bamcheck/interval"
)

// Sample identifies one sequenced sample within a cohort.
type Sample struct {
	Cohort string
	Name   string
}

// String returns "cohort|name".
func (s Sample) String() string {
	return s.Cohort + "|" + s.Name
}

// ParseSample parses "cohort|name".  A string without '|' names a sample with
// an empty cohort.
func ParseSample(s string) Sample {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return Sample{Cohort: s[:i], Name: s[i+1:]}
	}
	return Sample{Name: s}
}

// Counts maps a pattern to the number of reads showing it for one sample at
// one interval.  The TotalPattern entry holds the number of classified reads.
type Counts map[string]int

// NewCounts returns empty counts for iv.  Single-base intervals start with
// every nucleotide present at zero so that all four always get a column.
func NewCounts(iv interval.Interval) Counts {
	c := Counts{TotalPattern: 0}
	if iv.Size() == 1 {
		for _, b := range []string{"A", "C", "G", "T"} {
			c[b] = 0
		}
	}
	return c
}

// Add counts one read showing pattern.
func (c Counts) Add(pattern string) {
	c[pattern]++
	c[TotalPattern]++
}

// Total returns the number of classified reads.
func (c Counts) Total() int {
	return c[TotalPattern]
}
