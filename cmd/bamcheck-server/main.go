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
bamcheck-server serves bamcheck jobs: it scans the alignment files it can
reach, streams progress to the submitting client and keeps each job's result
payload for later download.
*/

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grailbio/bamcheck/config"
	"github.com/grailbio/bamcheck/matrix"
	"github.com/grailbio/bamcheck/pileup"
	"github.com/grailbio/bamcheck/reference"
	"github.com/grailbio/bamcheck/server"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

var (
	addr        = flag.String("addr", "", "Listen address; overrides BAMCHECK_SERVER_ADDR")
	resultDir   = flag.String("result-dir", "", "Result payload directory; overrides BAMCHECK_SERVER_RESULT_DIR")
	softClipped = flag.Bool("soft-clipped", false, "Include soft-clipped bases in patterns")
)

func main() {
	shutdown := grail.Init()
	err := run(vcontext.Background())
	shutdown()
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Debug.Printf("exiting")
}

// run serves until the process is signaled.  Errors are returned rather than
// fatal so that the index cache is always cleaned up.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	scfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	if *addr != "" {
		scfg.Addr = *addr
	}
	if *resultDir != "" {
		scfg.ResultDir = *resultDir
	}

	opener, cache, err := cfg.Opener()
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.Error.Printf("index cache: %v", err)
		}
	}()
	opts := server.Options{
		Scanner: &pileup.Scanner{
			Opener:      opener,
			Classifier:  pileup.PatternClassifier{IncludeSoftClipped: *softClipped},
			Parallelism: cfg.Alignment.Parallelism,
		},
		ResultDir: scfg.ResultDir,
		ResultTTL: scfg.ResultTTL,
	}
	if cfg.Reference != "" {
		ref, err := reference.Open(ctx, cfg.Reference)
		if err != nil {
			return errors.E(err, "reference")
		}
		defer ref.Close(ctx) // nolint: errcheck
		opts.Reference = reference.Genomes{"": ref}
	}
	if cfg.Groups != "" {
		g, err := matrix.ReadGroupsFromPath(ctx, cfg.Groups)
		if err != nil {
			return err
		}
		opts.Groups = g
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error.Printf("shutdown: %v", err)
		}
	}()
	if err := srv.Start(scfg.Addr); err != http.ErrServerClosed {
		return err
	}
	// Let in-flight requests drain before the cache goes away.
	<-stopped
	return nil
}
