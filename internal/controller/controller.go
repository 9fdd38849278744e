// Package controller implements C7: the control-plane message
// dispatcher that loads plugins, wires the fan-out graph, forwards
// per-stage configuration, reports status, and orchestrates shutdown.
package controller

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dls-controls/filewriter/internal/control"
	"github.com/dls-controls/filewriter/internal/debug"
	"github.com/dls-controls/filewriter/internal/fwerrors"
	"github.com/dls-controls/filewriter/internal/plugin"
	"github.com/dls-controls/filewriter/internal/shm"
	"github.com/dls-controls/filewriter/internal/stage"
)

// FrameReceiverName is the well-known connection name referring to the
// shared-memory controller (spec.md §4.5, plugin.connect).
const FrameReceiverName = "frame_receiver"

// ShmSetup carries the parameters of an fr_setup control message.
type ShmSetup struct {
	SharedMem  string
	ReleaseCnx string
	ReadyCnx   string
}

// ShmFactory (re)creates the SharedMemoryParser+Controller pair for a
// given fr_setup. It is injected so tests can substitute a fake
// transport. The wiring in cmd/filewriter maps the named shared-memory
// segment but gives the controller in-process channels: ReleaseCnx and
// ReadyCnx are not used there, and no transport feeds those channels.
type ShmFactory func(ctx context.Context, setup ShmSetup) (*shm.Controller, error)

// Controller is C7.
type Controller struct {
	mu sync.Mutex

	registry *plugin.Registry
	shmNew   ShmFactory

	runID string

	plugins     map[int]*stage.Stage
	pluginNames map[int]string
	edges       map[int]map[int]bool // edges[upstream][downstream] = true

	shmController *shm.Controller
	ctrlEndpoint  string

	wg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an idle Controller. shmNew may be nil if fr_setup will
// never be issued (e.g. in unit tests that wire plugins directly).
func New(registry *plugin.Registry, shmNew ShmFactory) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry:    registry,
		shmNew:      shmNew,
		runID:       uuid.NewString(),
		plugins:     make(map[int]*stage.Stage),
		pluginNames: make(map[int]string),
		edges:       make(map[int]map[int]bool),
		wg: func() *errgroup.Group {
			g, _ := errgroup.WithContext(ctx)
			return g
		}(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Wait blocks until Shutdown is called and every supervised goroutine
// has returned (wait_for_shutdown, spec.md §4.5/§5).
func (c *Controller) Wait() error {
	<-c.ctx.Done()
	return c.wg.Wait()
}

// Shutdown signals the main task to return from Wait.
func (c *Controller) Shutdown() { c.cancel() }

// Dispatch processes one inbound control message, running the
// operations of spec.md §4.5 in order. Each step independently succeeds
// or fails; failures are attached to the reply's error field, but
// subsequent steps still run, except that plugin.load/plugin.connect
// failures abort only themselves. shutdown is never rejected.
func (c *Controller) Dispatch(ctx context.Context, msg control.Message) control.Message {
	reply := control.NewReply()

	if _, ok := msg["shutdown"]; ok {
		c.Shutdown()
		reply["shutdown"] = true
	}

	if _, ok := msg["status"]; ok {
		reply["status"] = c.statusLocked(ctx)
	}

	if ep, ok := msg.String("ctrl_endpoint"); ok {
		c.mu.Lock()
		c.ctrlEndpoint = ep
		c.mu.Unlock()
	}

	if _, ok := msg["plugin.list"]; ok {
		reply["plugins"] = control.Message{"names": c.pluginNamesLocked()}
	}

	if sub, ok := msg.Sub("plugin.load"); ok {
		if err := c.pluginLoad(ctx, sub); err != nil {
			reply.SetError(err)
		}
	}

	if sub, ok := msg.Sub("plugin.connect"); ok {
		if err := c.pluginConnect(sub); err != nil {
			reply.SetError(err)
		}
	}

	if sub, ok := msg.Sub("plugin.disconnect"); ok {
		if err := c.pluginDisconnect(sub); err != nil {
			reply.SetError(err)
		}
	}

	if sub, ok := msg.Sub("fr_setup"); ok {
		if err := c.frSetup(ctx, sub); err != nil {
			reply.SetError(err)
		}
	}

	c.forwardPluginConfig(ctx, msg, reply)

	return reply
}

func (c *Controller) statusLocked(ctx context.Context) control.Message {
	c.mu.Lock()
	indices := make([]int, 0, len(c.plugins))
	for idx := range c.plugins {
		indices = append(indices, idx)
	}
	c.mu.Unlock()

	out := control.Message{"run_id": c.runID}
	for _, idx := range indices {
		c.mu.Lock()
		st := c.plugins[idx]
		c.mu.Unlock()
		if st != nil {
			out[strconv.Itoa(idx)] = st.Status(ctx)
		}
	}
	return out
}

func (c *Controller) pluginNamesLocked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pluginNames))
	for _, name := range c.pluginNames {
		out = append(out, name)
	}
	return out
}

func (c *Controller) pluginLoad(ctx context.Context, sub control.Message) error {
	name, hasName := sub.String("name")
	library, _ := sub.String("library")
	index, hasIndex := sub.Uint64("index")
	if !hasName || !hasIndex {
		return fwerrors.New(fwerrors.MissingField, "plugin.load requires name and index")
	}
	idx := int(index)

	c.mu.Lock()
	if _, exists := c.plugins[idx]; exists {
		c.mu.Unlock()
		return fwerrors.New(fwerrors.AlreadyLoaded, "plugin index %d already loaded", idx)
	}
	c.mu.Unlock()

	handler, err := c.registry.Build(name, library)
	if err != nil {
		return fwerrors.Wrap(fwerrors.TransportError, err, "load plugin %q", name)
	}

	st := stage.New(fmt.Sprintf("%s#%d", name, idx), handler, stage.DefaultQueueDepth)
	st.Start(c.ctx, c.wg)

	c.mu.Lock()
	c.plugins[idx] = st
	c.pluginNames[idx] = name
	c.mu.Unlock()

	debug.Log("loaded plugin %q at index %d", name, idx)
	return nil
}

// reachable reports whether to is reachable from from by following
// edges, used by pluginConnect's cycle check (Design Notes §9:
// "Detect cycles at connect time by transitive-closure check").
func (c *Controller) reachable(from, to int) bool {
	visited := map[int]bool{}
	var walk func(n int) bool
	walk = func(n int) bool {
		if n == to {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for next := range c.edges[n] {
			if walk(next) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

func (c *Controller) pluginConnect(sub control.Message) error {
	index, hasIndex := sub.Uint64("index")
	conn, hasConn := sub.String("connection")
	if !hasIndex || !hasConn {
		return fwerrors.New(fwerrors.MissingField, "plugin.connect requires index and connection")
	}
	idx := int(index)

	c.mu.Lock()
	defer c.mu.Unlock()

	downstream, ok := c.plugins[idx]
	if !ok {
		return fwerrors.New(fwerrors.NotLoaded, "plugin index %d not loaded", idx)
	}

	if conn == FrameReceiverName {
		if c.shmController == nil {
			return fwerrors.New(fwerrors.ConfigRejected, "no shared-memory controller configured")
		}
		c.shmController.Connect(strconv.Itoa(idx), downstream)
		return nil
	}

	connIdx, err := strconv.Atoi(conn)
	if err != nil {
		return fwerrors.New(fwerrors.MissingField, "connection %q is not a plugin index", conn)
	}
	upstream, ok := c.plugins[connIdx]
	if !ok {
		return fwerrors.New(fwerrors.NotLoaded, "plugin index %d not loaded", connIdx)
	}

	if idx == connIdx || c.reachable(idx, connIdx) {
		return fwerrors.New(fwerrors.ConfigRejected, "connecting %d as a downstream of %d would create a cycle", idx, connIdx)
	}

	upstream.Connect(strconv.Itoa(idx), downstream)
	if c.edges[connIdx] == nil {
		c.edges[connIdx] = map[int]bool{}
	}
	c.edges[connIdx][idx] = true
	return nil
}

func (c *Controller) pluginDisconnect(sub control.Message) error {
	index, hasIndex := sub.Uint64("index")
	conn, hasConn := sub.String("connection")
	if !hasIndex || !hasConn {
		return fwerrors.New(fwerrors.MissingField, "plugin.disconnect requires index and connection")
	}
	idx := int(index)

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn == FrameReceiverName {
		if c.shmController != nil {
			c.shmController.Disconnect(strconv.Itoa(idx))
		}
		return nil
	}

	connIdx, err := strconv.Atoi(conn)
	if err != nil {
		return fwerrors.New(fwerrors.MissingField, "connection %q is not a plugin index", conn)
	}
	upstream, ok := c.plugins[connIdx]
	if !ok {
		return fwerrors.New(fwerrors.NotLoaded, "plugin index %d not loaded", connIdx)
	}
	upstream.Disconnect(strconv.Itoa(idx))
	if c.edges[connIdx] != nil {
		delete(c.edges[connIdx], idx)
	}
	return nil
}

func (c *Controller) frSetup(ctx context.Context, sub control.Message) error {
	if c.shmNew == nil {
		return fwerrors.New(fwerrors.TransportError, "no shared-memory transport factory configured")
	}
	shmName, _ := sub.String("fr_shared_mem")
	releaseCnx, _ := sub.String("fr_release_cnxn")
	readyCnx, _ := sub.String("fr_ready_cnxn")

	sc, err := c.shmNew(ctx, ShmSetup{SharedMem: shmName, ReleaseCnx: releaseCnx, ReadyCnx: readyCnx})
	if err != nil {
		return fwerrors.Wrap(fwerrors.TransportError, err, "fr_setup")
	}

	c.mu.Lock()
	c.shmController = sc
	c.mu.Unlock()

	sc.Start(c.ctx, c.wg)
	return nil
}

func (c *Controller) forwardPluginConfig(ctx context.Context, msg control.Message, reply control.Message) {
	c.mu.Lock()
	plugins := make(map[int]*stage.Stage, len(c.plugins))
	for idx, st := range c.plugins {
		plugins[idx] = st
	}
	c.mu.Unlock()

	for key, v := range msg {
		idx, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		st, ok := plugins[idx]
		if !ok {
			continue
		}
		sub, ok := v.(control.Message)
		if !ok {
			if m, ok2 := v.(map[string]interface{}); ok2 {
				sub = control.Message(m)
			} else {
				continue
			}
		}
		reply[key] = st.Configure(ctx, sub)
	}
}
