package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/vars"
)

// Server owns the ordered tool pipeline, the variable registry and the
// device command queue, and runs one pass over the pipeline per simulation
// step. Exactly one Server exists per run; it is constructed explicitly
// and threaded through the tools rather than accessed as a singleton.
type Server struct {
	log     *slog.Logger
	ctx     device.Context
	queue   device.Queue
	reg     *vars.Registry
	tools   []Tool
	reports []Tool
}

// Options configures Server construction.
type Options struct {
	// Backend to run on. Nil selects the registered backend.
	Backend device.Backend
	// DeviceIndex selects the device within the backend.
	DeviceIndex int
	// Logger receives structured progress and error records. Nil selects
	// slog.Default.
	Logger *slog.Logger
}

// NewServer creates a server with its own context and command queue.
func NewServer(opts Options) (*Server, error) {
	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = device.Registered()
		if err != nil {
			return nil, err
		}
	}
	if !backend.Available() {
		return nil, device.ErrBackendUnavailable
	}
	ctx, err := backend.NewContext(opts.DeviceIndex)
	if err != nil {
		return nil, err
	}
	queue, err := ctx.NewQueue()
	if err != nil {
		ctx.Close()
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:   log,
		ctx:   ctx,
		queue: queue,
		reg:   vars.NewRegistry(ctx),
	}, nil
}

// Variables returns the variable registry.
func (s *Server) Variables() *vars.Registry { return s.reg }

// Context returns the device context.
func (s *Server) Context() device.Context { return s.ctx }

// Queue returns the device command queue.
func (s *Server) Queue() device.Queue { return s.queue }

// Log returns the structured logger.
func (s *Server) Log() *slog.Logger { return s.log }

// Tools returns the pipeline in execution order.
func (s *Server) Tools() []Tool { return s.tools }

// Add appends tools to the pipeline.
func (s *Server) Add(tools ...Tool) {
	s.tools = append(s.tools, tools...)
}

// AddReport registers an out-of-pipeline tool executed after each step.
func (s *Server) AddReport(t Tool) {
	s.reports = append(s.reports, t)
}

// Setup chains the pipeline and sets up every tool. It must be called
// once, after all tools have been added and before the first Step.
func (s *Server) Setup() error {
	for i, t := range s.tools {
		if i+1 < len(s.tools) {
			t.base().next = s.tools[i+1]
		}
	}
	for _, t := range append(append([]Tool{}, s.tools...), s.reports...) {
		s.log.Info("loading tool", "tool", t.Name())
		if err := t.Setup(s); err != nil {
			s.log.Error("tool setup failed", "tool", t.Name(), "err", err)
			return fmt.Errorf("tool %q: setup: %w", t.Name(), err)
		}
	}
	return nil
}

// Step runs one pass over the pipeline, then the report tools.
func (s *Server) Step() error {
	for _, t := range s.tools {
		if err := s.Execute(t); err != nil {
			return err
		}
	}
	for _, t := range s.reports {
		if err := s.Execute(t); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs a single tool with the full hazard protocol: collect the
// wait-set from the declared dependencies, run the tool, install the new
// event as the writer of every output and as a reader of every input, and
// record the elapsed time. Run-once tools become no-ops after their first
// execution.
func (s *Server) Execute(t Tool) error {
	b := t.base()
	if b.once && b.iters > 0 {
		return nil
	}

	start := time.Now()
	wait := waitSet(t)
	ev, err := t.Run(s, wait)
	if err != nil {
		s.log.Error("tool execution failed", "tool", t.Name(), "err", err)
		return fmt.Errorf("tool %q: %w", t.Name(), err)
	}
	if ev != nil {
		for _, out := range t.Outputs() {
			out.SetWritingEvent(ev)
		}
		for _, in := range t.Inputs() {
			in.AddReadingEvent(ev)
		}
	}
	b.stats.add(time.Since(start))
	b.iters++
	return nil
}

// waitSet collects the hazard events of a tool's declared dependencies:
// the writer of every input, and the writer plus all readers of every
// output (write-after-read).
func waitSet(t Tool) []device.Event {
	seen := map[device.Event]struct{}{}
	var out []device.Event
	add := func(evs []device.Event) {
		for _, ev := range evs {
			if ev == nil {
				continue
			}
			if _, ok := seen[ev]; ok {
				continue
			}
			seen[ev] = struct{}{}
			out = append(out, ev)
		}
	}
	for _, v := range t.Inputs() {
		add(v.ReadWaitList())
	}
	for _, v := range t.Outputs() {
		add(v.WriteWaitList())
	}
	return out
}

// Finish blocks until every enqueued device operation has completed.
func (s *Server) Finish() error {
	return s.queue.Finish()
}

// Close drains the queue and releases the device context.
func (s *Server) Close() error {
	if err := s.queue.Finish(); err != nil {
		return err
	}
	return s.ctx.Close()
}
