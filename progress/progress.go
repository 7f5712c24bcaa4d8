// Package progress defines the typed events reported while a pileup job runs,
// whether the job is computed in-process or streamed from a remote service.
package progress

import (
	"sync"

	"github.com/grailbio/base/log"
)

// Bar identifies one of the two progress counters of a job.
type Bar int

const (
	// Locate counts alignment files found, one per sample.
	Locate Bar = iota
	// Read counts (sample, interval) queries completed.
	Read
)

func (b Bar) String() string {
	switch b {
	case Locate:
		return "locate"
	case Read:
		return "read"
	}
	return "unknown"
}

// Event is one of Init, Tick, Status, Line or Control.
type Event interface {
	event()
}

// Init (re)sets a bar's maximum and zeroes its count.
type Init struct {
	Bar Bar
	Max int
}

// Tick advances a bar by one.
type Tick struct {
	Bar Bar
}

// Status is a fixed phase-change message.
type Status struct {
	Text string
}

// Line is a free-form status line.
type Line struct {
	Text string
}

// Control is a key/value record embedded in a remote stream.
type Control struct {
	Key, Value string
}

func (Init) event()    {}
func (Tick) event()    {}
func (Status) event()  {}
func (Line) event()    {}
func (Control) event() {}

// Func receives events.  A nil Func drops them.
type Func func(Event)

// Emit delivers e to f, if f is non-nil.
func (f Func) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// Synchronized returns a Func that serializes calls to f.
func Synchronized(f Func) Func {
	if f == nil {
		return nil
	}
	var mu sync.Mutex
	return func(e Event) {
		mu.Lock()
		f(e)
		mu.Unlock()
	}
}

// Logger returns a Func that logs status text and bar completion.
func Logger() Func {
	var (
		mu    sync.Mutex
		max   [2]int
		count [2]int
	)
	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e := e.(type) {
		case Init:
			max[e.Bar], count[e.Bar] = e.Max, 0
		case Tick:
			count[e.Bar]++
			if count[e.Bar] == max[e.Bar] {
				log.Printf("%s: %d/%d done", e.Bar, count[e.Bar], max[e.Bar])
			} else {
				log.Debug.Printf("%s: %d/%d", e.Bar, count[e.Bar], max[e.Bar])
			}
		case Status:
			log.Printf("%s", e.Text)
		case Line:
			log.Printf("%s", e.Text)
		case Control:
			log.Debug.Printf("control %s=%s", e.Key, e.Value)
		}
	}
}
