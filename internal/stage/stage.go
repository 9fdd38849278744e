// Package stage implements C5: the abstract plugin-graph node — a
// bounded input queue, a single worker goroutine, and a fan-out registry
// of downstream sinks — that every stage in the graph (including the
// FileWriter stage) is built from.
package stage

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dls-controls/filewriter/internal/control"
	"github.com/dls-controls/filewriter/internal/debug"
	"github.com/dls-controls/filewriter/internal/frame"
)

// DefaultQueueDepth is the default bounded input queue depth.
const DefaultQueueDepth = 64

// Handler is the stage-specific callback invoked by the worker for each
// dequeued Frame, mirroring IFrameCallback's "accept one Frame".
type Handler interface {
	ProcessFrame(ctx context.Context, f *frame.Frame) error
	Configure(ctx context.Context, msg control.Message) control.Message
	Status(ctx context.Context) control.Message
}

// Sink receives Frames offered to it by an upstream stage's fan-out.
type Sink interface {
	Accept(ctx context.Context, f *frame.Frame) error
}

// Stage owns one bounded input queue, one worker goroutine, and a
// fan-out registry keyed by sink name (spec.md §4.3). The registry is a
// lock-free xsync map: registration and removal of sinks are not
// mutually exclusive with dispatch, and the fan-out loop may range over
// the map concurrently with a registration or removal.
type Stage struct {
	Name    string
	handler Handler

	queue chan *frame.Frame
	sinks *xsync.MapOf[string, Sink]
}

// New constructs a Stage around handler with the given bounded queue
// depth (DefaultQueueDepth if depth <= 0).
func New(name string, handler Handler, depth int) *Stage {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Stage{
		Name:    name,
		handler: handler,
		queue:   make(chan *frame.Frame, depth),
		sinks:   xsync.NewMapOf[string, Sink](),
	}
}

// Start launches the stage's worker goroutine under wg, draining the
// queue until ctx is cancelled.
func (s *Stage) Start(ctx context.Context, wg *errgroup.Group) {
	wg.Go(func() error {
		return s.run(ctx)
	})
}

func (s *Stage) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-s.queue:
			if !ok {
				return nil
			}
			s.handleOne(ctx, f)
		}
	}
}

func (s *Stage) handleOne(ctx context.Context, f *frame.Frame) {
	defer f.Release()

	if err := s.handler.ProcessFrame(ctx, f); err != nil {
		debug.Log("stage %s: process_frame error: %v", s.Name, err)
	}

	s.sinks.Range(func(name string, sink Sink) bool {
		if err := sink.Accept(ctx, f.Hold()); err != nil {
			debug.Log("stage %s: sink %s rejected frame %d: %v", s.Name, name, f.FrameNumber(), err)
		}
		return true
	})
}

// Accept implements Sink: it offers f to the stage's bounded queue. A
// full queue blocks the caller (spec.md §5 backpressure: "bounded
// queues; when full, upstream delivery blocks the producing stage").
func (s *Stage) Accept(ctx context.Context, f *frame.Frame) error {
	select {
	case s.queue <- f:
		return nil
	case <-ctx.Done():
		f.Release()
		return ctx.Err()
	}
}

// Connect registers sink as a downstream of this stage.
func (s *Stage) Connect(name string, sink Sink) { s.sinks.Store(name, sink) }

// Disconnect removes a downstream sink.
func (s *Stage) Disconnect(name string) { s.sinks.Delete(name) }

// Configure forwards to the stage's handler.
func (s *Stage) Configure(ctx context.Context, msg control.Message) control.Message {
	return s.handler.Configure(ctx, msg)
}

// Status forwards to the stage's handler.
func (s *Stage) Status(ctx context.Context) control.Message {
	return s.handler.Status(ctx)
}
