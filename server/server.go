// Package server runs the remote side of the bamcheck job protocol: it
// accepts job submissions, streams progress while scanning server-side
// alignment files, and serves the finished result payloads.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/bamcheck/matrix"
	"github.com/grailbio/bamcheck/pileup"
	"github.com/grailbio/bamcheck/reference"
	"github.com/grailbio/bamcheck/remote"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
)

// DefaultResultTTL is how long result payloads are kept.
const DefaultResultTTL = 7 * 24 * time.Hour

// streamPadding is written ahead of the stream so that buffering proxies
// start forwarding it early.
const streamPadding = 256

var jobIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Options configures a Server.
type Options struct {
	// Scanner scans server-side alignment files.  Its Progress field is
	// replaced per request.
	Scanner *pileup.Scanner
	// Reference, if set, fixes the reference column of every matrix.
	Reference reference.Source
	// Groups fills the Group column.
	Groups matrix.Grouper
	// ResultDir holds one payload file per job id.
	ResultDir string
	// ResultTTL bounds the age of payloads kept by Purge.
	ResultTTL time.Duration
	// PurgeInterval is the period of the purge job started by Start.
	// Defaults to one hour.
	PurgeInterval time.Duration
}

// Server is an http.Handler for the job protocol.
type Server struct {
	opts  Options
	echo  *echo.Echo
	sched *gocron.Scheduler
	// Now is the clock used by Purge.
	Now func() time.Time
}

// New creates a Server.  The result directory is created if needed.
func New(opts Options) (*Server, error) {
	if opts.Scanner == nil {
		return nil, errors.E(errors.Invalid, "server: no scanner")
	}
	if opts.ResultDir == "" {
		return nil, errors.E(errors.Invalid, "server: no result directory")
	}
	if err := os.MkdirAll(opts.ResultDir, 0755); err != nil {
		return nil, errors.E(err, "server: create", opts.ResultDir)
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Hour
	}
	s := &Server{opts: opts, Now: time.Now}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(func(h echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := h(c)
			log.Debug.Printf("server: %s %s: %v (%s)", c.Request().Method, c.Request().URL.Path, err, time.Since(start))
			return err
		}
	})
	e.POST("/bamcheck", s.submit)
	e.Match([]string{echo.GET, echo.HEAD}, "/results/:id", s.result)
	s.echo = e
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the purge job and serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.sched = gocron.NewScheduler(time.UTC)
	if _, err := s.sched.Every(s.opts.PurgeInterval).Do(func() {
		if n, err := s.Purge(); err != nil {
			log.Error.Printf("server: purge: %v", err)
		} else if n > 0 {
			log.Printf("server: purged %d results", n)
		}
	}); err != nil {
		return errors.E(err, "server: schedule purge")
	}
	s.sched.StartAsync()
	log.Printf("server: listening on %s, results in %s", addr, s.opts.ResultDir)
	return s.echo.Start(addr)
}

// Shutdown stops the purge job and the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sched != nil {
		s.sched.Stop()
	}
	return s.echo.Shutdown(ctx)
}

// ResultPath returns the payload file of a job.
func (s *Server) ResultPath(id string) string {
	return filepath.Join(s.opts.ResultDir, id)
}

// Purge removes payloads older than the result TTL and returns the number
// removed.
func (s *Server) Purge() (int, error) {
	entries, err := os.ReadDir(s.opts.ResultDir)
	if err != nil {
		return 0, errors.E(err, "server: list", s.opts.ResultDir)
	}
	cutoff := s.Now().Add(-s.opts.ResultTTL)
	n := 0
	for _, ent := range entries {
		if ent.IsDir() || !jobIDPattern.MatchString(ent.Name()) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(s.ResultPath(ent.Name())); err != nil && !os.IsNotExist(err) {
				return n, errors.E(err, "server: remove", ent.Name())
			}
			n++
		}
	}
	return n, nil
}

func (s *Server) result(c echo.Context) error {
	id := c.Param("id")
	if !jobIDPattern.MatchString(id) {
		return echo.ErrNotFound
	}
	return c.File(s.ResultPath(id))
}

type job struct {
	id        string
	intervals []interval.Interval
	samples   []pileup.Sample
}

func parseJob(c echo.Context) (job, error) {
	var j job
	for _, p := range remote.SplitList(c.FormValue(remote.FieldPositions)) {
		iv, err := interval.Parse("", p)
		if err != nil {
			return j, err
		}
		j.intervals = append(j.intervals, iv)
	}
	for _, name := range remote.SplitList(c.FormValue(remote.FieldSamples)) {
		j.samples = append(j.samples, pileup.ParseSample(name))
	}
	if len(j.intervals) == 0 || len(j.samples) == 0 {
		return j, fmt.Errorf("job needs at least one position and one sample")
	}
	j.id = c.FormValue(remote.FieldJobID)
	if want := remote.JobID(j.intervals, j.samples); j.id != want {
		return j, fmt.Errorf("job id %q does not match its positions and samples (%s)", j.id, want)
	}
	return j, nil
}

func (s *Server) submit(c echo.Context) error {
	j, err := parseJob(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	resp.WriteHeader(http.StatusOK)
	w := remote.NewStreamWriter(resp)
	w.Pad(streamPadding)

	if _, err := os.Stat(s.ResultPath(j.id)); err == nil {
		w.Control(remote.ControlExitCode, "0")
		return nil
	}
	w.Control(remote.ControlCmd, fmt.Sprintf("bamcheck -samples %s -int %s",
		remote.SamplesField(j.samples), remote.PositionsField(j.intervals)))
	code := 0
	if err := s.run(c.Request().Context(), j, w); err != nil {
		log.Error.Printf("server: job %s: %v", j.id, err)
		w.Line(err.Error())
		code = 1
	}
	w.Control(remote.ControlExitCode, strconv.Itoa(code))
	if err := w.Err(); err != nil {
		log.Error.Printf("server: job %s: stream: %v", j.id, err)
	}
	return nil
}

func (s *Server) run(ctx context.Context, j job, w *remote.StreamWriter) error {
	scanner := *s.opts.Scanner
	scanner.Progress = w.Emit
	scan, err := scanner.Scan(ctx, j.intervals, j.samples)
	if err != nil {
		return err
	}
	for _, sk := range scan.Skipped {
		w.Line("skipped " + sk.String())
	}
	refs := make(map[interval.Interval]string)
	if s.opts.Reference != nil {
		for _, iv := range scan.Intervals {
			seq, err := s.opts.Reference.Sequence(iv)
			if err != nil {
				w.Line(fmt.Sprintf("no reference for %s", iv))
				continue
			}
			refs[iv] = seq
		}
	}
	byInterval := matrix.Assemble(scan, refs, s.opts.Groups)
	ms := make([]*matrix.Matrix, len(scan.Intervals))
	for i, iv := range scan.Intervals {
		ms[i] = byInterval[iv]
	}
	return writeResult(ctx, s.ResultPath(j.id), func(w io.Writer) error {
		return matrix.WritePayload(w, ms)
	})
}

// writeResult writes a result to path with write.  Nothing is left at path
// when write fails.
func writeResult(ctx context.Context, path string, write func(io.Writer) error) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	if err := write(out.Writer(ctx)); err != nil {
		out.Discard(ctx)
		return errors.E(err, "write", path)
	}
	if err := out.Close(ctx); err != nil {
		return errors.E(err, "close", path)
	}
	return nil
}
