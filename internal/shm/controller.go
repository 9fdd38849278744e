package shm

import (
	"context"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dls-controls/filewriter/internal/blockpool"
	"github.com/dls-controls/filewriter/internal/debug"
	"github.com/dls-controls/filewriter/internal/frame"
	"github.com/dls-controls/filewriter/internal/stage"
)

// ReadyNotification is the decoded "frame-ready" notification (spec.md
// §4.2): {frame_number, buffer_id, dataset_name, dimensions, …}.
type ReadyNotification struct {
	FrameNumber uint64
	BufferID    uint64
	DatasetName string
	Dimensions  map[string][]uint64
	Parameters  map[string]uint64
}

// ReleaseNotification is the "frame-released" notification published
// once a Frame's payload has been copied out of shared memory.
type ReleaseNotification struct {
	BufferID    uint64
	FrameNumber uint64
}

// SinkFullPolicy controls what the controller does when a registered
// sink's queue is full (spec.md §5: "block only up to a bounded grace
// period then drop-with-log for that sink (tunable; default = block)").
type SinkFullPolicy struct {
	// Timeout is the grace period before dropping. Zero means block
	// indefinitely (the spec's default).
	Timeout time.Duration
}

// Controller is C4: it receives frame-ready notifications, parses each
// with a Parser, constructs a Frame, publishes a frame-released
// notification once the payload is copied, then fans the Frame out to
// every registered sink by name.
type Controller struct {
	parser *Parser
	pool   *blockpool.Pool

	ready    <-chan ReadyNotification
	released chan<- ReleaseNotification

	sinks  *xsync.MapOf[string, stage.Sink]
	policy SinkFullPolicy
}

// New builds a Controller bound to parser, consuming ready notifications
// and publishing release notifications on the given channels (spec.md
// §4.2: "binds one channel to receive frame-ready notifications
// (subscriber) and one to send frame-released notifications
// (publisher)").
func New(parser *Parser, pool *blockpool.Pool, ready <-chan ReadyNotification, released chan<- ReleaseNotification, policy SinkFullPolicy) *Controller {
	return &Controller{
		parser:   parser,
		pool:     pool,
		ready:    ready,
		released: released,
		sinks:    xsync.NewMapOf[string, stage.Sink](),
		policy:   policy,
	}
}

// Connect registers sink as a fan-out target, keyed by name.
func (c *Controller) Connect(name string, sink stage.Sink) { c.sinks.Store(name, sink) }

// Disconnect removes a fan-out target.
func (c *Controller) Disconnect(name string) { c.sinks.Delete(name) }

// Start launches the controller's reactor loop under wg.
func (c *Controller) Start(ctx context.Context, wg *errgroup.Group) {
	wg.Go(func() error {
		return c.run(ctx)
	})
}

func (c *Controller) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-c.ready:
			if !ok {
				return nil
			}
			c.handleReady(ctx, n)
		}
	}
}

func (c *Controller) handleReady(ctx context.Context, n ReadyNotification) {
	_, payload, err := c.parser.Buffer(n.BufferID)
	if err != nil {
		debug.Log("shm controller: %v", err)
		return
	}

	f := frame.New(c.pool, indexTag(n.BufferID))
	f.SetFrameNumber(n.FrameNumber)
	f.SetDatasetName(n.DatasetName)
	for label, dims := range n.Dimensions {
		f.SetDimensions(label, dims)
	}
	for label, v := range n.Parameters {
		f.SetParameter(label, v)
	}
	f.CopyData(payload, len(payload))

	// The payload is copied out of shared memory at this point, so the
	// buffer can be released promptly (spec.md §4.2(c)/§5): publish the
	// release before fan-out, so a stalled downstream sink never delays
	// it.
	select {
	case c.released <- ReleaseNotification{BufferID: n.BufferID, FrameNumber: n.FrameNumber}:
	case <-ctx.Done():
	}

	c.dispatch(ctx, f)
}

func (c *Controller) dispatch(ctx context.Context, f *frame.Frame) {
	c.sinks.Range(func(name string, sink stage.Sink) bool {
		deliverCtx := ctx
		cancel := func() {}
		if c.policy.Timeout > 0 {
			deliverCtx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
		}
		err := sink.Accept(deliverCtx, f.Hold())
		cancel()
		if err != nil {
			debug.Log("shm controller: sink %s did not accept frame %d within grace period, dropping: %v", name, f.FrameNumber(), err)
		}
		return true
	})
	f.Release()
}

func indexTag(bufferID uint64) string {
	return "buf-" + strconv.FormatUint(bufferID, 10)
}
