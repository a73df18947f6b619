package engine

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/vars"
)

// Tool is one node of the per-step execution pipeline. A tool declares the
// variables it reads and writes; the server derives its wait-set from those
// declarations, calls Run, and propagates the returned event as the new
// writer of every output.
//
// Run must not block the host on its own device work. It may block on
// previously enqueued work it depends on, but only through the events in
// its wait-set or through the sanctioned scalar read-back points.
type Tool interface {
	Name() string
	Once() bool
	// Setup resolves variables, compiles kernels and caches the tool's
	// position in the pipeline. Called once before the first step.
	Setup(s *Server) error
	// Run enqueues the tool's device work and returns its completion
	// event. A nil event means the tool touched no device state.
	Run(s *Server, wait []device.Event) (device.Event, error)
	Inputs() []*vars.Variable
	Outputs() []*vars.Variable
	Stats() *Stats

	base() *Base
}

// Base carries the bookkeeping shared by every tool: identity, the once
// flag, declared dependencies, pipeline position and timing statistics.
// Concrete tools embed it.
type Base struct {
	name    string
	once    bool
	iters   int
	next    Tool
	inputs  []*vars.Variable
	outputs []*vars.Variable
	stats   Stats
}

func newBase(name string, once bool) Base {
	return Base{name: name, once: once}
}

func (b *Base) Name() string              { return b.name }
func (b *Base) Once() bool                { return b.once }
func (b *Base) Inputs() []*vars.Variable  { return b.inputs }
func (b *Base) Outputs() []*vars.Variable { return b.outputs }
func (b *Base) Stats() *Stats             { return &b.stats }
func (b *Base) base() *Base               { return b }

// NextTool returns the tool that follows this one in the pipeline, or nil
// for the last tool and for out-of-pipeline tools.
func (b *Base) NextTool() Tool { return b.next }

// bind resolves the declared input and output variable names against the
// registry.
func (b *Base) bind(reg *vars.Registry, inputs, outputs []string) error {
	b.inputs = b.inputs[:0]
	b.outputs = b.outputs[:0]
	for _, name := range inputs {
		v, err := reg.Get(name)
		if err != nil {
			return fmt.Errorf("tool %q: %w", b.name, err)
		}
		b.inputs = append(b.inputs, v)
	}
	for _, name := range outputs {
		v, err := reg.Get(name)
		if err != nil {
			return fmt.Errorf("tool %q: %w", b.name, err)
		}
		b.outputs = append(b.outputs, v)
	}
	return nil
}

// Stats accumulates wall-clock execution times of a tool.
type Stats struct {
	iters   int
	last    time.Duration
	total   time.Duration
	samples []float64
}

func (st *Stats) add(d time.Duration) {
	st.iters++
	st.last = d
	st.total += d
	st.samples = append(st.samples, d.Seconds())
}

// Iterations returns how many times the tool has executed.
func (st *Stats) Iterations() int { return st.iters }

// Last returns the elapsed time of the most recent execution.
func (st *Stats) Last() time.Duration { return st.last }

// Total returns the cumulative elapsed time.
func (st *Stats) Total() time.Duration { return st.total }

// Mean returns the average elapsed time in seconds.
func (st *Stats) Mean() float64 {
	if len(st.samples) == 0 {
		return 0
	}
	return stat.Mean(st.samples, nil)
}

// StdDev returns the standard deviation of the elapsed times in seconds.
func (st *Stats) StdDev() float64 {
	if len(st.samples) < 2 {
		return 0
	}
	return stat.StdDev(st.samples, nil)
}
