// Package remote implements both ends of the bamcheck job protocol.
//
// A client POSTs a job (job_id, samples, positions) to <endpoint>/bamcheck.
// The service answers with a character stream while it works:
//
//   '#'            padding, ignored
//   '.'            one sample's alignment file located
//   '!'            all alignment files located
//   '+'            one (sample, interval) query done
//   text '\n'      a status line
//   '*key^value*'  a control record; "cmd" echoes the command line and
//                  "exitcode" ends the job
//
// When the job succeeds its result payload (see matrix.WritePayload) appears
// at <result base>/<job id>; the client polls for it and downloads it.
package remote

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/bamcheck/interval"
	"github.com/grailbio/bamcheck/pileup"
	"github.com/grailbio/bamcheck/progress"
)

// Form field names of a job submission.
const (
	FieldJobID     = "job_id"
	FieldSamples   = "samples"
	FieldPositions = "positions"
)

// Control record keys.
const (
	ControlCmd      = "cmd"
	ControlExitCode = "exitcode"
)

// JoinList joins items with ';', escaping ';' inside items as "\;".
func JoinList(items []string) string {
	escaped := make([]string, len(items))
	for i, s := range items {
		escaped[i] = strings.Replace(s, ";", `\;`, -1)
	}
	return strings.Join(escaped, ";")
}

// SplitList reverses JoinList.  Empty items are dropped.
func SplitList(s string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s) && s[i+1] == ';':
			cur.WriteByte(';')
			i++
		case s[i] == ';':
			flush()
		default:
			cur.WriteByte(s[i])
		}
	}
	flush()
	return out
}

// PositionsField encodes intervals for submission, sorted and deduplicated.
func PositionsField(ivs []interval.Interval) string {
	ivs = interval.SortedUnique(ivs)
	s := make([]string, len(ivs))
	for i, iv := range ivs {
		s[i] = iv.String()
	}
	return JoinList(s)
}

// SamplesField encodes samples for submission, in order.
func SamplesField(samples []pileup.Sample) string {
	s := make([]string, len(samples))
	for i, sample := range samples {
		s[i] = sample.String()
	}
	return JoinList(s)
}

// JobID returns the deterministic id of a job: the farmhash fingerprint of
// "<positions>@<samples>" as 16 hex digits.
func JobID(ivs []interval.Interval, samples []pileup.Sample) string {
	key := PositionsField(ivs) + "@" + SamplesField(samples)
	return fmt.Sprintf("%016x", farm.Fingerprint64([]byte(key)))
}

// reserved are the characters with a meaning in the stream.
const reserved = "#.!+*^\n"

// StreamWriter writes the service side of the stream.  It is a sink for
// progress events; write errors are sticky and reported by Err.
type StreamWriter struct {
	w       io.Writer
	flusher http.Flusher
	err     error
}

// NewStreamWriter creates a StreamWriter.  If w is an http.Flusher every
// write is flushed.
func NewStreamWriter(w io.Writer) *StreamWriter {
	s := &StreamWriter{w: w}
	s.flusher, _ = w.(http.Flusher)
	return s
}

func (s *StreamWriter) write(b string) {
	if s.err != nil {
		return
	}
	if _, s.err = io.WriteString(s.w, b); s.err == nil && s.flusher != nil {
		s.flusher.Flush()
	}
}

// Pad writes n padding characters.
func (s *StreamWriter) Pad(n int) {
	s.write(strings.Repeat("#", n))
}

// Control writes a control record.  Reserved characters are removed from key
// and value.
func (s *StreamWriter) Control(key, value string) {
	s.write("*" + sanitize(key) + "^" + sanitize(value) + "*")
}

// Line writes a status line.  Reserved characters are removed from text.
func (s *StreamWriter) Line(text string) {
	s.write(sanitize(text) + "\n")
}

// Emit encodes a progress event.  Init events are implied by the first tick
// of each bar and are not written.
func (s *StreamWriter) Emit(e progress.Event) {
	switch e := e.(type) {
	case progress.Tick:
		if e.Bar == progress.Locate {
			s.write(".")
		} else {
			s.write("+")
		}
	case progress.Status:
		s.write("!")
	case progress.Line:
		s.Line(e.Text)
	case progress.Control:
		s.Control(e.Key, e.Value)
	}
}

// Err returns the first write error.
func (s *StreamWriter) Err() error {
	return s.err
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(reserved, r) {
			return -1
		}
		return r
	}, s)
}
