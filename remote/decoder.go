package remote

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/bamcheck/progress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

type streamState int

const (
	stateIdle streamState = iota
	stateText
	stateControl
)

// Decoder turns a job stream into progress events.
type Decoder struct {
	r         *bufio.Reader
	emit      progress.Func
	samples   int
	intervals int

	state      streamState
	text       []byte
	control    []byte
	seenLocate bool
	seenStatus bool
	seenRead   bool

	// ExitCode is set once an exitcode record has been read.
	ExitCode *int
}

// NewDecoder creates a Decoder for a job over the given number of samples and
// intervals; they size the progress bars.
func NewDecoder(r io.Reader, samples, intervals int, emit progress.Func) *Decoder {
	return &Decoder{r: bufio.NewReader(r), emit: emit, samples: samples, intervals: intervals}
}

// Decode reads the stream to its end, or to an exitcode record.  A non-zero
// exit code stops reading and returns an errors.Unavailable error.  A stream
// that ends without an exit code is accepted.
func (d *Decoder) Decode() error {
	for {
		c, err := d.r.ReadByte()
		if err == io.EOF {
			d.flushText()
			return nil
		}
		if err != nil {
			return errors.E(errors.Net, err, "read job stream")
		}
		if d.state == stateControl {
			if c != '*' {
				d.control = append(d.control, c)
				continue
			}
			d.state = stateIdle
			if len(d.text) > 0 {
				d.state = stateText
			}
			if err := d.handleControl(string(d.control)); err != nil {
				return err
			}
			if d.ExitCode != nil {
				d.flushText()
				return nil
			}
			d.control = d.control[:0]
			continue
		}
		switch c {
		case '#':
		case '.':
			if !d.seenLocate {
				d.seenLocate = true
				d.emit.Emit(progress.Init{Bar: progress.Locate, Max: d.samples})
			}
			d.emit.Emit(progress.Tick{Bar: progress.Locate})
		case '!':
			if !d.seenStatus {
				d.seenStatus = true
				d.emit.Emit(progress.Status{Text: "alignment files located; sending target positions"})
			}
		case '+':
			if !d.seenRead {
				d.seenRead = true
				d.emit.Emit(progress.Init{Bar: progress.Read, Max: d.samples * d.intervals})
			}
			d.emit.Emit(progress.Tick{Bar: progress.Read})
		case '\n':
			d.flushText()
		case '*':
			d.state = stateControl
			d.control = d.control[:0]
		default:
			d.text = append(d.text, c)
			d.state = stateText
		}
	}
}

func (d *Decoder) flushText() {
	if len(d.text) > 0 {
		d.emit.Emit(progress.Line{Text: strings.TrimRight(string(d.text), "\r")})
		d.text = d.text[:0]
	}
	d.state = stateIdle
}

func (d *Decoder) handleControl(record string) error {
	key, value := record, ""
	if i := strings.IndexByte(record, '^'); i >= 0 {
		key, value = record[:i], record[i+1:]
	}
	d.emit.Emit(progress.Control{Key: key, Value: value})
	switch key {
	case ControlCmd:
		log.Printf("remote: %s", value)
	case ControlExitCode:
		code, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errors.E(errors.Unavailable, fmt.Sprintf("remote job: bad exit code %q", value))
		}
		d.ExitCode = &code
		if code != 0 {
			return errors.E(errors.Unavailable, fmt.Sprintf("remote job failed with exit code %d", code))
		}
	}
	return nil
}
