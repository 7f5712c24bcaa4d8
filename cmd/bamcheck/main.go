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

/*
bamcheck counts the read patterns covering a few genomic intervals across many
samples, and reports each pattern's share of reads per sample together with
its z-score across samples.  Requests go to a bamcheck service when one is
configured and fall back to reading the alignment files directly.
*/

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/grailbio/bamcheck/config"
	"github.com/grailbio/bamcheck/dispatch"
	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/bamcheck/matrix"
	"github.com/grailbio/bamcheck/pileup"
	"github.com/grailbio/bamcheck/progress"
	"github.com/grailbio/bamcheck/reference"
	"github.com/grailbio/bamcheck/remote"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

var (
	intervalsFlag = flag.String("int", "", "Target intervals, formatted as <chrom>:<1-based pos>[-<last pos>] and separated by ';'")
	listPath      = flag.String("list", "", "File of target intervals, one '<chrom> <start> [<end>]' or region per line; may be gzipped")
	samplesFlag   = flag.String("samples", "", "Samples, formatted as <cohort>|<sample> and separated by ';'")
	samplesPath   = flag.String("samples-file", "", "File of samples, one <cohort>|<sample> per line")
	referencePath = flag.String("reference", "", "Reference FASTA path; overrides BAMCHECK_REFERENCE")
	genome        = flag.String("genome", "", "Genome name attached to the intervals")
	bamURL        = flag.String("bam-url", "", "Alignment path template with {cohort} and {sample}; overrides BAMCHECK_ALIGNMENT_URL")
	groupsPath    = flag.String("groups", "", "TSV with 'sample' and 'group' columns; overrides BAMCHECK_GROUPS")
	tool          = flag.String("tool", "show", "Output: 'show' (matrices with z-scores), 'table' (one row per interval), 'payload' (service payload) or 'cis' (read-end patterns of one interval)")
	snv           = flag.Bool("snv", false, "Split every interval into single positions")
	softClipped   = flag.Bool("soft-clipped", false, "Include soft-clipped bases in patterns")
	outPath       = flag.String("out", "-", "Output path; '-' for stdout")
	parallelism   = flag.Int("parallelism", 0, "Samples read concurrently when scanning locally; 0 = BAMCHECK_PARALLELISM")
	cacheDir      = flag.String("cache-dir", "", "Directory for downloaded BAM indexes; overrides BAMCHECK_CACHE_DIR")
	remoteURL     = flag.String("remote", "", "bamcheck service endpoint; overrides BAMCHECK_REMOTE_URL. 'none' disables it")
)

func bamcheckUsage() {
	fmt.Printf("Usage: %s [OPTIONS] -int <intervals> -samples <samples>\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = bamcheckUsage
	shutdown := grail.Init()
	ctx := vcontext.Background()
	err := run(ctx)
	shutdown()
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Debug.Printf("exiting")
}

// run does the work of main.  Errors are returned rather than fatal so that
// deferred cleanup, such as removing downloaded indexes, always happens.
func run(ctx context.Context) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cfg)

	intervals, err := readIntervals()
	if err != nil {
		return err
	}
	samples, err := readSamples(ctx)
	if err != nil {
		return err
	}
	if len(intervals) == 0 || len(samples) == 0 {
		bamcheckUsage()
		return errors.E(errors.Invalid, "at least one interval (-int or -list) and one sample (-samples or -samples-file) are required")
	}
	switch *tool {
	case "show", "table", "payload", "cis":
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("unknown -tool %q", *tool))
	}
	if *tool == "cis" && len(intervals) != 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("-tool=cis takes exactly one interval, got %d", len(intervals)))
	}

	opener, cache, err := cfg.Opener()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cache.Close(); cerr != nil {
			log.Error.Printf("index cache: %v", cerr)
		}
	}()
	scanner := &pileup.Scanner{
		Opener:      opener,
		Classifier:  pileup.PatternClassifier{IncludeSoftClipped: *softClipped},
		Parallelism: cfg.Alignment.Parallelism,
		Progress:    progress.Logger(),
	}

	out, closeOut, err := openOutput(ctx)
	if err != nil {
		return err
	}
	defer closeOut(&err)

	if *tool == "cis" {
		scanner.Classifier = pileup.CisClassifier{}
		scan, err := scanner.Scan(ctx, intervals, samples)
		if err != nil {
			return err
		}
		reportSkipped(scan.Skipped)
		ms := matrix.Assemble(scan, nil, nil)
		return writeMatrix(out, ms[scan.Intervals[0]])
	}

	ref, err := reference.Open(ctx, cfg.Reference)
	if err != nil {
		return errors.E(err, "reference")
	}
	defer ref.Close(ctx) // nolint: errcheck
	var groups matrix.Grouper
	if cfg.Groups != "" {
		g, err := matrix.ReadGroupsFromPath(ctx, cfg.Groups)
		if err != nil {
			return err
		}
		groups = g
	}
	client := cfg.Client()
	client.Progress = progress.Logger()
	d := &dispatch.Dispatcher{
		Remote:    client,
		Scanner:   scanner,
		Reference: reference.Genomes{"": ref},
		Groups:    groups,
	}
	res, err := d.Run(ctx, intervals, samples)
	if err != nil {
		return err
	}
	log.Printf("computed %d matrices (%s)", len(res.Matrices), res.Mode)
	reportSkipped(res.Skipped)
	for _, u := range res.Unresolved {
		log.Error.Printf("dropped %s: %v", u.Interval, u.Err)
	}

	switch *tool {
	case "show":
		return writeShow(out, res.Normalized)
	case "table":
		return writeTable(out, res.Normalized)
	default:
		return matrix.WritePayload(out, res.Matrices)
	}
}

func applyFlags(cfg *config.Config) {
	if *referencePath != "" {
		cfg.Reference = *referencePath
	}
	if *bamURL != "" {
		cfg.Alignment.Url = *bamURL
	}
	if *groupsPath != "" {
		cfg.Groups = *groupsPath
	}
	if *parallelism > 0 {
		cfg.Alignment.Parallelism = *parallelism
	}
	if *cacheDir != "" {
		cfg.Alignment.CacheDir = *cacheDir
	}
	switch *remoteURL {
	case "":
	case "none":
		cfg.Remote.Url = ""
	default:
		cfg.Remote.Url = *remoteURL
	}
}

func readIntervals() ([]interval.Interval, error) {
	ivs, err := interval.ParseList(*genome, *intervalsFlag)
	if err != nil {
		return nil, err
	}
	if *listPath != "" {
		more, err := interval.ReadListFromPath(*listPath, *genome)
		if err != nil {
			return nil, err
		}
		ivs = append(ivs, more...)
	}
	if *snv {
		ivs = interval.SplitPositions(ivs)
	}
	return interval.SortedUnique(ivs), nil
}

func readSamples(ctx context.Context) ([]pileup.Sample, error) {
	names := remote.SplitList(*samplesFlag)
	if *samplesPath != "" {
		in, err := file.Open(ctx, *samplesPath)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(in.Reader(ctx))
		if cerr := in.Close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
				names = append(names, line)
			}
		}
	}
	samples := make([]pileup.Sample, len(names))
	for i, n := range names {
		samples[i] = pileup.ParseSample(n)
	}
	return samples, nil
}

// openOutput opens -out.  The returned close function commits the output
// when *err is nil and discards it otherwise.
func openOutput(ctx context.Context) (io.Writer, func(*error), error) {
	if *outPath == "-" {
		return os.Stdout, func(*error) {}, nil
	}
	f, err := file.Create(ctx, *outPath)
	if err != nil {
		return nil, nil, err
	}
	return f.Writer(ctx), func(err *error) {
		if *err != nil {
			f.Discard(ctx)
			return
		}
		file.CloseAndReport(ctx, f, err)
	}, nil
}

func reportSkipped(skipped []pileup.Skipped) {
	for _, s := range skipped {
		log.Error.Printf("skipped %s", s)
	}
}
