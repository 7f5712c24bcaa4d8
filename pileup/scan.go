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
	"context"
	"fmt"

	"github.com/grailbio/bamcheck/alignment"
	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/bamcheck/progress"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// Skipped records a sample left out of a scan and why.
type Skipped struct {
	Sample Sample
	Err    error
}

func (s Skipped) String() string {
	return fmt.Sprintf("%s: %v", s.Sample, s.Err)
}

// Scan is the result of a Scanner run.  Samples lists the scanned samples in
// input order; Counts has an entry for every (interval, sample) pair.
type Scan struct {
	Intervals []interval.Interval
	Samples   []Sample
	Counts    map[interval.Interval]map[Sample]Counts
	Skipped   []Skipped
}

// Scanner counts read patterns over intervals by querying every sample's
// alignments.
type Scanner struct {
	Opener     alignment.Opener
	Classifier Classifier
	// Parallelism bounds the number of samples read concurrently.  Values
	// below 2 read samples one at a time.
	Parallelism int
	// Progress, if set, receives Locate ticks while samples are opened and
	// Read ticks per (sample, interval) query.
	Progress progress.Func
}

type sampleResult struct {
	counts map[interval.Interval]Counts
	err    error
}

// Scan runs the scan.  A sample that cannot be opened or read is logged and
// reported in Scan.Skipped; only context cancellation fails the whole call.
func (s *Scanner) Scan(ctx context.Context, intervals []interval.Interval, samples []Sample) (*Scan, error) {
	classifier := s.Classifier
	if classifier == nil {
		classifier = PatternClassifier{}
	}
	emit := progress.Synchronized(s.Progress)
	result := &Scan{
		Intervals: interval.SortedUnique(intervals),
		Counts:    make(map[interval.Interval]map[Sample]Counts),
	}
	samples = uniqueSamples(samples)

	emit.Emit(progress.Init{Bar: progress.Locate, Max: len(samples)})
	var (
		sources []alignment.Source
		located []Sample
	)
	defer func() {
		for i, src := range sources {
			if err := src.Close(); err != nil {
				log.Error.Printf("pileup: close %s: %v", located[i], err)
			}
		}
	}()
	for _, sample := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := s.Opener.Open(ctx, sample.Cohort, sample.Name)
		emit.Emit(progress.Tick{Bar: progress.Locate})
		if err != nil {
			log.Error.Printf("pileup: skipping %s: %v", sample, err)
			result.Skipped = append(result.Skipped, Skipped{sample, err})
			continue
		}
		sources = append(sources, src)
		located = append(located, sample)
	}
	emit.Emit(progress.Status{Text: "alignment files located; reading target positions"})
	emit.Emit(progress.Init{Bar: progress.Read, Max: len(located) * len(result.Intervals)})

	results := make([]sampleResult, len(located))
	parallelism := s.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > len(located) {
		parallelism = len(located)
	}
	err := traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * len(located)) / parallelism
		endIdx := ((jobIdx + 1) * len(located)) / parallelism
		for i := startIdx; i < endIdx; i++ {
			counts, err := scanSample(ctx, sources[i], classifier, result.Intervals, emit)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			results[i] = sampleResult{counts, err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, iv := range result.Intervals {
		result.Counts[iv] = make(map[Sample]Counts)
	}
	for i, r := range results {
		if r.err != nil {
			log.Error.Printf("pileup: skipping %s: %v", located[i], r.err)
			result.Skipped = append(result.Skipped, Skipped{located[i], r.err})
			continue
		}
		result.Samples = append(result.Samples, located[i])
		for iv, c := range r.counts {
			result.Counts[iv][located[i]] = c
		}
	}
	// Keep input order in Samples and Skipped alike.
	result.Samples = inOrder(samples, result.Samples)
	result.Skipped = skippedInOrder(samples, result.Skipped)
	return result, nil
}

func scanSample(ctx context.Context, src alignment.Source, classifier Classifier, intervals []interval.Interval, emit progress.Func) (map[interval.Interval]Counts, error) {
	out := make(map[interval.Interval]Counts, len(intervals))
	for _, iv := range intervals {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		counts := seed(classifier, iv)
		it, err := src.Query(ctx, iv)
		if err != nil {
			return nil, err
		}
		for it.Scan() {
			if pattern, ok := classifier.Classify(it.Record(), iv); ok {
				counts.Add(pattern)
			}
		}
		if err := it.Close(); err != nil {
			return nil, err
		}
		out[iv] = counts
		emit.Emit(progress.Tick{Bar: progress.Read})
	}
	return out, nil
}

func uniqueSamples(samples []Sample) []Sample {
	seen := make(map[Sample]bool, len(samples))
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func inOrder(order, subset []Sample) []Sample {
	in := make(map[Sample]bool, len(subset))
	for _, s := range subset {
		in[s] = true
	}
	var out []Sample
	for _, s := range order {
		if in[s] {
			out = append(out, s)
		}
	}
	return out
}

func skippedInOrder(order []Sample, skipped []Skipped) []Skipped {
	bySample := make(map[Sample]Skipped, len(skipped))
	for _, s := range skipped {
		bySample[s.Sample] = s
	}
	var out []Skipped
	for _, s := range order {
		if sk, ok := bySample[s]; ok {
			out = append(out, sk)
		}
	}
	return out
}
