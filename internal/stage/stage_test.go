package stage_test

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dls-controls/filewriter/internal/blockpool"
	"github.com/dls-controls/filewriter/internal/control"
	"github.com/dls-controls/filewriter/internal/frame"
	"github.com/dls-controls/filewriter/internal/stage"
)

type recordingHandler struct {
	processed chan uint64
}

func (h *recordingHandler) ProcessFrame(_ context.Context, f *frame.Frame) error {
	h.processed <- f.FrameNumber()
	return nil
}

func (h *recordingHandler) Configure(_ context.Context, msg control.Message) control.Message {
	return control.NewReply()
}

func (h *recordingHandler) Status(_ context.Context) control.Message {
	return control.Message{}
}

type recordingSink struct {
	accepted chan uint64
}

func (s *recordingSink) Accept(_ context.Context, f *frame.Frame) error {
	s.accepted <- f.FrameNumber()
	f.Release()
	return nil
}

func waitOn(t *testing.T, ch chan uint64, want uint64) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected frame %d, got %d", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame %d", want)
	}
}

func TestStageProcessesAndFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &recordingHandler{processed: make(chan uint64, 4)}
	st := stage.New("test", handler, 4)

	g, gctx := errgroup.WithContext(ctx)
	st.Start(gctx, g)

	sink := &recordingSink{accepted: make(chan uint64, 4)}
	st.Connect("downstream", sink)

	pool := blockpool.New(4)
	f := frame.New(pool, "buf-0")
	f.SetFrameNumber(7)

	if err := st.Accept(ctx, f); err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitOn(t, handler.processed, 7)
	waitOn(t, sink.accepted, 7)
}

func TestStageDisconnectStopsFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &recordingHandler{processed: make(chan uint64, 4)}
	st := stage.New("test", handler, 4)

	g, gctx := errgroup.WithContext(ctx)
	st.Start(gctx, g)

	sink := &recordingSink{accepted: make(chan uint64, 4)}
	st.Connect("downstream", sink)
	st.Disconnect("downstream")

	pool := blockpool.New(4)
	f := frame.New(pool, "buf-0")
	f.SetFrameNumber(1)

	if err := st.Accept(ctx, f); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitOn(t, handler.processed, 1)

	select {
	case n := <-sink.accepted:
		t.Fatalf("expected no fan-out after disconnect, got frame %d", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStageAcceptBlocksOnFullQueueUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// Nothing drains the queue, which lets us exercise backpressure:
	// the worker goroutine is never started, so the depth-1 queue fills
	// after one Accept and the second blocks until ctx is cancelled.
	handler := &recordingHandler{processed: make(chan uint64, 1)}
	st := stage.New("test", handler, 1)

	pool := blockpool.New(4)
	f1 := frame.New(pool, "buf-0")
	if err := st.Accept(ctx, f1); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		f2 := frame.New(pool, "buf-0")
		done <- st.Accept(ctx, f2)
	}()

	select {
	case <-done:
		t.Fatalf("second accept should have blocked on the full queue")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected context error once cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for blocked accept to unblock")
	}
}
