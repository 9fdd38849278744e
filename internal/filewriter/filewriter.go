// Package filewriter implements C6, the writing engine: per-dataset
// chunk writer, frame-offset translator, extent manager, start/stop
// state machine and per-run dataset registry described in spec.md §4.4.
package filewriter

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dls-controls/filewriter/internal/control"
	"github.com/dls-controls/filewriter/internal/frame"
	"github.com/dls-controls/filewriter/internal/fwerrors"
	"github.com/dls-controls/filewriter/internal/store"
)

// FileWriter is the C6 stage. Its exported methods implement the stage
// callback contract (Configure, Status, ProcessFrame); it does not itself
// own a queue or worker goroutine — that is internal/stage's job, with
// FileWriter wired in as the stage's per-frame handler.
//
// Locking discipline (spec.md §5, resolving Design Notes §9's recursive
// mutex question): a single plain sync.Mutex guards all mutable state.
// Unlike the source, no method here re-enters another locking method
// while holding the lock, so a non-recursive mutex already gives the
// serialization the spec asks for ("configure, status, and process_frame
// all acquire it") without the reentrance hazard the recursive lock was
// originally there to paper over.
type FileWriter struct {
	mu sync.Mutex

	newStore func() store.Store

	writing          bool
	framesToWrite    uint64
	framesWritten    uint64
	filePath         string
	fileName         string
	rank             uint64
	processCount     uint64
	startFrameOffset uint64
	masterDataset    string

	definitions map[string]store.DatasetDef
	defOrder    []string

	file  store.File
	opens map[string]store.Dataset

	runID       string
	closeStats  map[string]uint64
	errorWalker *ErrorWalker
}

// New constructs an idle FileWriter. newStore is called once per
// startWriting to obtain the Store used to create that run's container
// (ordinarily store.NewLocal, injected so tests can substitute a fake).
func New(newStore func() store.Store) *FileWriter {
	return &FileWriter{
		newStore:     newStore,
		processCount: 1,
		definitions:  make(map[string]store.DatasetDef),
		opens:        make(map[string]store.Dataset),
		errorWalker:  newErrorWalker(64),
	}
}

// Errors exposes the engine-lifetime diagnostics ring (Supplemented
// features: check_errors/read_errors/clear_errors).
func (fw *FileWriter) Errors() *ErrorWalker { return fw.errorWalker }

// CloseStats returns, per dataset, how many frames were written during
// the most recently stopped (or current) run — a diagnostic-only count
// that does not feed the accepted-frame set (Supplemented features).
func (fw *FileWriter) CloseStats() map[string]uint64 {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	out := make(map[string]uint64, len(fw.closeStats))
	for k, v := range fw.closeStats {
		out[k] = v
	}
	return out
}

// Configure applies the nested configuration keys of spec.md §6 in
// document order, except that "write" is always processed last
// regardless of the order the sub-messages arrive in the call.
func (fw *FileWriter) Configure(ctx context.Context, msg control.Message) control.Message {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	reply := control.NewReply()

	if sub, ok := msg.Sub("process"); ok {
		if err := fw.applyProcessLocked(sub); err != nil {
			reply.SetError(err)
		}
	}
	if sub, ok := msg.Sub("file"); ok {
		if err := fw.applyFileLocked(sub); err != nil {
			reply.SetError(err)
		}
	}
	if sub, ok := msg.Sub("dataset"); ok {
		if err := fw.applyDatasetLocked(sub); err != nil {
			reply.SetError(err)
		}
	}
	if n, ok := msg.Uint64("frames"); ok {
		fw.framesToWrite = n
	}
	if n, ok := msg.Uint64("start_offset"); ok {
		if err := fw.applyStartOffsetLocked(n); err != nil {
			reply.SetError(err)
		}
	}
	if name, ok := msg.String("master"); ok {
		if fw.writing {
			reply.SetError(fwerrors.New(fwerrors.ConfigRejected, "cannot change master dataset while writing"))
		} else {
			fw.masterDataset = name
		}
	}
	if write, ok := msg.Bool("write"); ok {
		var err error
		if write {
			err = fw.startWritingLocked(ctx)
		} else {
			err = fw.stopWritingLocked()
		}
		if err != nil {
			reply.SetError(err)
		}
	}

	return reply
}

func (fw *FileWriter) applyProcessLocked(sub control.Message) error {
	if fw.writing {
		return fwerrors.New(fwerrors.ConfigRejected, "cannot change process stripe while writing")
	}
	n, hasN := sub.Uint64("number")
	r, hasR := sub.Uint64("rank")
	if !hasN || !hasR {
		return fwerrors.New(fwerrors.MissingField, "process requires number and rank")
	}
	if n < 1 || r >= n {
		return fwerrors.New(fwerrors.ConfigRejected, "invalid process stripe number=%d rank=%d", n, r)
	}
	fw.processCount = n
	fw.rank = r
	return nil
}

func (fw *FileWriter) applyFileLocked(sub control.Message) error {
	if fw.writing {
		return fwerrors.New(fwerrors.ConfigRejected, "cannot change file path/name while writing")
	}
	path, hasPath := sub.String("path")
	name, hasName := sub.String("name")
	if !hasPath || !hasName {
		return fwerrors.New(fwerrors.MissingField, "file requires path and name")
	}
	fw.filePath = path
	fw.fileName = name
	return nil
}

func (fw *FileWriter) applyDatasetLocked(sub control.Message) error {
	if fw.writing {
		return fwerrors.New(fwerrors.ConfigRejected, "cannot add a dataset while writing")
	}
	cmd, _ := sub.String("cmd")
	if cmd != "" && cmd != "create" {
		return fwerrors.New(fwerrors.MissingField, "unsupported dataset cmd %q", cmd)
	}
	name, hasName := sub.String("name")
	if !hasName {
		return fwerrors.New(fwerrors.MissingField, "dataset requires name")
	}
	dt, hasType := sub.Uint64("datatype")
	if !hasType {
		return fwerrors.New(fwerrors.MissingField, "dataset requires datatype")
	}
	dims, hasDims := sub.Uint64Slice("dims")
	if !hasDims || len(dims) == 0 {
		return fwerrors.New(fwerrors.MissingField, "dataset requires dims")
	}
	chunks, _ := sub.Uint64Slice("chunks")
	numFrames, _ := sub.Uint64("num_frames")

	def := store.DatasetDef{
		Name:          name,
		Pixel:         store.Pixel(dt),
		FrameDims:     dims,
		Chunks:        chunks,
		NumFramesHint: numFrames,
	}
	if _, exists := fw.definitions[name]; !exists {
		fw.defOrder = append(fw.defOrder, name)
	}
	fw.definitions[name] = def
	return nil
}

func (fw *FileWriter) applyStartOffsetLocked(n uint64) error {
	if fw.writing {
		return fwerrors.New(fwerrors.ConfigRejected, "cannot change start frame offset while writing")
	}
	fw.startFrameOffset = n
	return nil
}

// SetStartFrameOffset latches the start-frame offset directly (spec.md
// §4.4: "latched by an explicit control operation"), for callers that
// are not going through a control.Message (e.g. scenario S3).
func (fw *FileWriter) SetStartFrameOffset(n uint64) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.applyStartOffsetLocked(n)
}

// Status implements the stage's status contract.
func (fw *FileWriter) Status(_ context.Context) control.Message {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	datasets := control.Message{}
	for _, name := range fw.defOrder {
		def := fw.definitions[name]
		entry := control.Message{
			"type":       int(def.Pixel),
			"dimensions": def.FrameDims,
			"chunks":     def.NormalizedChunks(),
		}
		if d, ok := fw.opens[name]; ok {
			entry["current_extent"] = d.CurrentExtent()
		}
		datasets[name] = entry
	}

	return control.Message{
		"writing":            fw.writing,
		"frames_max":         fw.framesToWrite,
		"frames_written":     fw.framesWritten,
		"file_path":          fw.filePath,
		"file_name":          fw.fileName,
		"processes":          fw.processCount,
		"rank":               fw.rank,
		"start_frame_offset": fw.startFrameOffset,
		"run_id":             fw.runID,
		"datasets":           datasets,
	}
}

// offsetFor implements the frame-offset algorithm of spec.md §4.4. Hardware
// frame numbers are 1-based (§4.4); n==0 is never valid and is treated as
// OutOfOrder, resolving the corresponding Open Question of Design Notes §9.
func (fw *FileWriter) offsetFor(n uint64) (uint64, error) {
	if n == 0 || n < fw.startFrameOffset {
		return 0, fwerrors.New(fwerrors.OutOfOrder, "frame %d precedes start offset %d", n, fw.startFrameOffset)
	}
	raw := n - fw.startFrameOffset

	if fw.processCount > 1 {
		if (n-1)%fw.processCount != fw.rank {
			return 0, fwerrors.New(fwerrors.WrongRank, "frame %d does not belong to rank %d of %d", n, fw.rank, fw.processCount)
		}
		return raw / fw.processCount, nil
	}
	return raw, nil
}

// ProcessFrame implements the write path of spec.md §4.4. If the engine
// is not writing, the frame is silently dropped.
func (fw *FileWriter) ProcessFrame(ctx context.Context, f *frame.Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.writing {
		return nil
	}

	ds, ok := fw.opens[f.DatasetName()]
	if !ok {
		err := fwerrors.New(fwerrors.UnknownDataset, "no open dataset %q", f.DatasetName())
		fw.errorWalker.record(err.Error())
		return err
	}

	offset, err := fw.offsetFor(f.FrameNumber())
	if err != nil {
		fw.errorWalker.record(err.Error())
		return err
	}

	if offset+1 > ds.CurrentExtent() {
		if err := ds.SetExtent(ctx, offset+1); err != nil {
			wrapped := fwerrors.Wrap(fwerrors.StorageError, err, "set extent for %q to %d", f.DatasetName(), offset+1)
			fw.errorWalker.record(wrapped.Error())
			return wrapped
		}
	}

	if err := fw.writeChunksLocked(ctx, ds, f, offset); err != nil {
		fw.errorWalker.record(err.Error())
		return err
	}

	fw.closeStats[f.DatasetName()]++

	if fw.masterDataset == "" || fw.masterDataset == f.DatasetName() {
		fw.framesWritten++
		if fw.framesWritten >= fw.framesToWrite {
			_ = fw.stopWritingLocked()
		}
	}

	return nil
}

func (fw *FileWriter) writeChunksLocked(ctx context.Context, ds store.Dataset, f *frame.Frame, offset uint64) error {
	def := ds.Definition()

	if f.HasParameter("subframe_count") {
		k, _ := f.GetParameter("subframe_count")
		s, _ := f.GetParameter("subframe_size")
		sub, err := f.GetDimensions("subframe")
		if err != nil || len(sub) < 2 {
			return fwerrors.New(fwerrors.StorageError, "subframe write requires a 2-element subframe dimension")
		}
		w := sub[1]

		data := f.Data()
		for i := uint64(0); i < k; i++ {
			coord := make([]uint64, len(def.FrameDims)+1)
			coord[0] = offset
			coord[2] = i * w
			lo := i * s
			hi := lo + s
			if hi > uint64(len(data)) {
				return fwerrors.New(fwerrors.StorageError, "subframe %d exceeds payload (%d > %d bytes)", i, hi, len(data))
			}
			if err := ds.WriteChunk(ctx, coord, data[lo:hi]); err != nil {
				return fwerrors.Wrap(fwerrors.StorageError, err, "write subframe %d of frame %d", i, f.FrameNumber())
			}
		}
		return nil
	}

	coord := make([]uint64, len(def.FrameDims)+1)
	coord[0] = offset
	if err := ds.WriteChunk(ctx, coord, f.Data()[:f.DataSize()]); err != nil {
		return fwerrors.Wrap(fwerrors.StorageError, err, "write frame %d", f.FrameNumber())
	}
	return nil
}

// startWritingLocked implements the IDLE -> WRITING transition. It is
// idempotent: calling it while already writing is a no-op.
func (fw *FileWriter) startWritingLocked(ctx context.Context) error {
	if fw.writing {
		return nil
	}

	st := fw.newStore()
	f, err := st.CreateFile(ctx, fw.filePath+fw.fileName)
	if err != nil {
		return fwerrors.Wrap(fwerrors.StorageError, err, "create file %s%s", fw.filePath, fw.fileName)
	}

	opens := make(map[string]store.Dataset, len(fw.definitions))
	for _, name := range fw.defOrder {
		def := fw.definitions[name]
		d, err := f.CreateDataset(ctx, def)
		if err != nil {
			_ = f.Close()
			return fwerrors.Wrap(fwerrors.StorageError, err, "create dataset %q", name)
		}
		opens[name] = d
	}

	fw.file = f
	fw.opens = opens
	fw.framesWritten = 0
	fw.closeStats = make(map[string]uint64, len(fw.definitions))
	fw.runID = uuid.NewString()
	fw.writing = true
	return nil
}

// stopWritingLocked implements the WRITING -> IDLE transition. It is
// idempotent: calling it while already idle is a no-op.
func (fw *FileWriter) stopWritingLocked() error {
	if !fw.writing {
		return nil
	}

	var closeErr error
	if fw.file != nil {
		if err := fw.file.Close(); err != nil {
			closeErr = fwerrors.Wrap(fwerrors.StorageError, err, "close file %s%s", fw.filePath, fw.fileName)
		}
	}

	fw.file = nil
	fw.opens = make(map[string]store.Dataset)
	fw.writing = false

	if closeErr != nil {
		fw.errorWalker.record(closeErr.Error())
		return closeErr
	}
	return nil
}
