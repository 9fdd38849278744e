package filewriter_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dls-controls/filewriter/internal/blockpool"
	"github.com/dls-controls/filewriter/internal/control"
	"github.com/dls-controls/filewriter/internal/filewriter"
	"github.com/dls-controls/filewriter/internal/frame"
	"github.com/dls-controls/filewriter/internal/store"
)

func newEngine() *filewriter.FileWriter {
	return filewriter.New(func() store.Store { return store.NewLocal() })
}

func makeFrame(t *testing.T, pool *blockpool.Pool, dataset string, n uint64, payload []byte) *frame.Frame {
	t.Helper()
	f := frame.New(pool, "test")
	f.SetDatasetName(dataset)
	f.SetFrameNumber(n)
	f.CopyData(payload, len(payload))
	return f
}

func datasetMsg(name string, datatype uint64, dims []uint64) control.Message {
	return control.Message{
		"cmd":      "create",
		"name":     name,
		"datatype": datatype,
		"dims":     dims,
	}
}

func datasetMsgChunked(name string, datatype uint64, dims, chunks []uint64) control.Message {
	msg := datasetMsg(name, datatype, dims)
	msg["chunks"] = chunks
	return msg
}

// TestScenarioS1 covers spec.md §8 S1: single-rank, two frames.
func TestScenarioS1(t *testing.T) {
	ctx := context.Background()
	pool := blockpool.New(16)
	fw := newEngine()
	dir := t.TempDir()

	reply := fw.Configure(ctx, control.Message{
		"process": control.Message{"number": uint64(1), "rank": uint64(0)},
		"file":    control.Message{"path": dir + "/", "name": "t.h5"},
		"dataset": datasetMsg("d", 2, []uint64{4, 4}),
		"frames":  uint64(2),
		"write":   true,
	})
	if errMsg, ok := reply.String("error"); ok && errMsg != "" {
		t.Fatalf("configure failed: %s", errMsg)
	}

	payload := bytes.Repeat([]byte{0xAA}, 16)
	f1 := makeFrame(t, pool, "d", 1, payload)
	if err := fw.ProcessFrame(ctx, f1); err != nil {
		t.Fatalf("process frame 1: %v", err)
	}
	f2 := makeFrame(t, pool, "d", 2, payload)
	if err := fw.ProcessFrame(ctx, f2); err != nil {
		t.Fatalf("process frame 2: %v", err)
	}

	status := fw.Status(ctx)
	if w, _ := status.Bool("writing"); w {
		t.Fatalf("expected writing=false after frames_to_write reached")
	}

	if _, err := os.Stat(filepath.Join(dir, "t.h5")); err != nil {
		t.Fatalf("expected output container: %v", err)
	}

	datasets, ok := status.Sub("datasets")
	if !ok {
		t.Fatalf("missing datasets in status")
	}
	d, ok := datasets.Sub("d")
	if !ok {
		t.Fatalf("missing dataset d in status")
	}
	if ext, _ := d.Uint64("current_extent"); ext != 2 {
		t.Fatalf("expected leading extent 2, got %d", ext)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "t.h5", "d.chunks"))
	if err != nil {
		t.Fatalf("read chunk file: %v", err)
	}
	slot := store.ChunkAlignment
	if !bytes.Equal(raw[0:16], payload) {
		t.Fatalf("chunk 0 mismatch")
	}
	if !bytes.Equal(raw[slot:slot+16], payload) {
		t.Fatalf("chunk 1 mismatch")
	}
}

// TestScenarioS2 covers spec.md §8 S2: striping across two ranks.
func TestScenarioS2(t *testing.T) {
	ctx := context.Background()
	pool := blockpool.New(16)
	fw := newEngine()
	dir := t.TempDir()

	// frames is set above this rank's share of n=1..4 (only n=1 and n=3
	// belong to rank 0) so the engine is still writing when frame 4
	// arrives and genuinely hits WrongRank, rather than having already
	// auto-stopped and silently dropped it.
	fw.Configure(ctx, control.Message{
		"process": control.Message{"number": uint64(2), "rank": uint64(0)},
		"file":    control.Message{"path": dir + "/", "name": "t.h5"},
		"dataset": datasetMsg("d", 2, []uint64{4, 4}),
		"frames":  uint64(3),
		"write":   true,
	})

	payload := bytes.Repeat([]byte{0xAA}, 16)
	accepted := 0
	for n := uint64(1); n <= 4; n++ {
		f := makeFrame(t, pool, "d", n, payload)
		err := fw.ProcessFrame(ctx, f)
		if n == 1 || n == 3 {
			if err != nil {
				t.Fatalf("frame %d: expected accept, got %v", n, err)
			}
			accepted++
		} else {
			if err == nil {
				t.Fatalf("frame %d: expected WrongRank", n)
			}
		}
	}
	if accepted != 2 {
		t.Fatalf("expected 2 accepted frames, got %d", accepted)
	}

	status := fw.Status(ctx)
	if w, _ := status.Bool("writing"); !w {
		t.Fatalf("expected writing=true (only 2 of 3 frames accepted so far)")
	}
}

// TestScenarioS3 covers spec.md §8 S3: the start-offset latch.
func TestScenarioS3(t *testing.T) {
	ctx := context.Background()
	pool := blockpool.New(16)
	fw := newEngine()
	dir := t.TempDir()

	fw.Configure(ctx, control.Message{
		"process": control.Message{"number": uint64(1), "rank": uint64(0)},
		"file":    control.Message{"path": dir + "/", "name": "t.h5"},
		"dataset": datasetMsg("d", 2, []uint64{4, 4}),
		"frames":  uint64(10),
	})
	if err := fw.SetStartFrameOffset(1000); err != nil {
		t.Fatalf("set start offset: %v", err)
	}
	fw.Configure(ctx, control.Message{"write": true})

	payload := bytes.Repeat([]byte{0xAA}, 16)

	if err := fw.ProcessFrame(ctx, makeFrame(t, pool, "d", 999, payload)); err == nil {
		t.Fatalf("expected OutOfOrder for frame 999")
	}
	if err := fw.ProcessFrame(ctx, makeFrame(t, pool, "d", 1000, payload)); err != nil {
		t.Fatalf("frame 1000: %v", err)
	}

	status := fw.Status(ctx)
	datasets, _ := status.Sub("datasets")
	d, _ := datasets.Sub("d")
	if ext, _ := d.Uint64("current_extent"); ext != 1 {
		t.Fatalf("expected leading extent 1 (offset 0), got %d", ext)
	}
}

// TestScenarioS4 covers spec.md §8 S4: subframe writes, where each
// subframe lands in its own chunk (chunks=[1,4,2] splits the 4x4 frame
// into two 4x2 column chunks, one per subframe).
func TestScenarioS4(t *testing.T) {
	ctx := context.Background()
	pool := blockpool.New(16)
	fw := newEngine()
	dir := t.TempDir()

	fw.Configure(ctx, control.Message{
		"process": control.Message{"number": uint64(1), "rank": uint64(0)},
		"file":    control.Message{"path": dir + "/", "name": "t.h5"},
		"dataset": datasetMsgChunked("d", 0, []uint64{4, 4}, []uint64{1, 4, 2}),
		"frames":  uint64(1),
		"write":   true,
	})

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i)
	}
	f := frame.New(pool, "test")
	f.SetDatasetName("d")
	f.SetFrameNumber(1)
	f.CopyData(payload, len(payload))
	f.SetParameter("subframe_count", 2)
	f.SetParameter("subframe_size", 8)
	f.SetDimensions("subframe", []uint64{4, 2})

	if err := fw.ProcessFrame(ctx, f); err != nil {
		t.Fatalf("process subframe frame: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "t.h5", "d.chunks"))
	if err != nil {
		t.Fatalf("read chunk file: %v", err)
	}
	slot := store.ChunkAlignment
	if !bytes.Equal(raw[0:8], payload[0:8]) {
		t.Fatalf("subframe 0 chunk mismatch")
	}
	if !bytes.Equal(raw[slot:slot+8], payload[8:16]) {
		t.Fatalf("subframe 1 chunk mismatch")
	}
}

// TestScenarioS5 covers spec.md §8 S5: configuration is rejected while
// writing and does not disturb in-flight acceptance.
func TestScenarioS5(t *testing.T) {
	ctx := context.Background()
	pool := blockpool.New(16)
	fw := newEngine()
	dir := t.TempDir()

	fw.Configure(ctx, control.Message{
		"process": control.Message{"number": uint64(1), "rank": uint64(0)},
		"file":    control.Message{"path": dir + "/", "name": "t.h5"},
		"dataset": datasetMsg("d", 2, []uint64{4, 4}),
		"frames":  uint64(5),
		"write":   true,
	})

	reply := fw.Configure(ctx, control.Message{"file": control.Message{"path": dir + "/other/", "name": "t.h5"}})
	errMsg, ok := reply.String("error")
	if !ok || errMsg == "" {
		t.Fatalf("expected ConfigRejected while writing")
	}

	status := fw.Status(ctx)
	if path, _ := status.String("file_path"); path != dir+"/" {
		t.Fatalf("file_path mutated despite rejection: %q", path)
	}

	payload := bytes.Repeat([]byte{0xAA}, 16)
	if err := fw.ProcessFrame(ctx, makeFrame(t, pool, "d", 1, payload)); err != nil {
		t.Fatalf("writer should still accept frames: %v", err)
	}
}

// TestScenarioS6 covers spec.md §8 S6: master-dataset accounting.
func TestScenarioS6(t *testing.T) {
	ctx := context.Background()
	pool := blockpool.New(16)
	fw := newEngine()
	dir := t.TempDir()

	fw.Configure(ctx, control.Message{
		"process": control.Message{"number": uint64(1), "rank": uint64(0)},
		"file":    control.Message{"path": dir + "/", "name": "t.h5"},
		"dataset": datasetMsg("img", 2, []uint64{4, 4}),
	})
	fw.Configure(ctx, control.Message{"dataset": datasetMsg("meta", 2, []uint64{4, 4})})
	fw.Configure(ctx, control.Message{"master": "img", "frames": uint64(3), "write": true})

	order := []string{"img", "meta", "img", "meta", "img"}
	payload := bytes.Repeat([]byte{0xAA}, 16)
	for i, name := range order {
		n := uint64(i/2 + 1)
		if err := fw.ProcessFrame(ctx, makeFrame(t, pool, name, n, payload)); err != nil {
			t.Fatalf("frame %d (%s): %v", i, name, err)
		}
		status := fw.Status(ctx)
		writing, _ := status.Bool("writing")
		if i < len(order)-1 && !writing {
			t.Fatalf("stopped too early at step %d", i)
		}
	}

	status := fw.Status(ctx)
	if w, _ := status.Bool("writing"); w {
		t.Fatalf("expected writing=false after third img frame")
	}

	stats := fw.CloseStats()
	total := uint64(0)
	for _, v := range stats {
		total += v
	}
	if total != 5 {
		t.Fatalf("expected 5 total accepted writes, got %d", total)
	}
}

// TestIdempotence covers spec.md §8 property 3: repeated start/stop and
// write=true/false are no-ops.
func TestIdempotence(t *testing.T) {
	ctx := context.Background()
	fw := newEngine()
	dir := t.TempDir()

	fw.Configure(ctx, control.Message{
		"process": control.Message{"number": uint64(1), "rank": uint64(0)},
		"file":    control.Message{"path": dir + "/", "name": "t.h5"},
		"dataset": datasetMsg("d", 2, []uint64{4, 4}),
		"frames":  uint64(10),
	})

	fw.Configure(ctx, control.Message{"write": true})
	fw.Configure(ctx, control.Message{"write": true})
	status := fw.Status(ctx)
	if w, _ := status.Bool("writing"); !w {
		t.Fatalf("expected writing=true")
	}

	fw.Configure(ctx, control.Message{"write": false})
	fw.Configure(ctx, control.Message{"write": false})
	status = fw.Status(ctx)
	if w, _ := status.Bool("writing"); w {
		t.Fatalf("expected writing=false")
	}
}

// TestUnknownDataset covers the UnknownDataset error path.
func TestUnknownDataset(t *testing.T) {
	ctx := context.Background()
	pool := blockpool.New(16)
	fw := newEngine()
	dir := t.TempDir()

	fw.Configure(ctx, control.Message{
		"process": control.Message{"number": uint64(1), "rank": uint64(0)},
		"file":    control.Message{"path": dir + "/", "name": "t.h5"},
		"dataset": datasetMsg("d", 2, []uint64{4, 4}),
		"frames":  uint64(1),
		"write":   true,
	})

	payload := bytes.Repeat([]byte{0xAA}, 16)
	err := fw.ProcessFrame(ctx, makeFrame(t, pool, "nope", 1, payload))
	if err == nil {
		t.Fatalf("expected UnknownDataset")
	}
}

// TestDroppedWhenIdle covers the "silently dropped when not writing" rule.
func TestDroppedWhenIdle(t *testing.T) {
	ctx := context.Background()
	pool := blockpool.New(16)
	fw := newEngine()

	payload := bytes.Repeat([]byte{0xAA}, 16)
	if err := fw.ProcessFrame(ctx, makeFrame(t, pool, "d", 1, payload)); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
}
