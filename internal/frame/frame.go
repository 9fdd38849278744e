// Package frame implements C1: an immutable handle to one raw detector
// image, shared across a fan-out of stages and released back to its
// backing DataBlockPool block once every holder has dropped it.
package frame

import (
	"sync/atomic"

	"github.com/dls-controls/filewriter/internal/blockpool"
	"github.com/dls-controls/filewriter/internal/fwerrors"
)

// Frame is an immutable handle to one image payload plus its metadata.
// Dimensions and parameters may only be set during construction, before
// the Frame is handed off to the fan-out; after that point a Frame is
// read-only. Frame is reference counted: Hold increments the count,
// Release decrements it and returns the backing block to the pool when
// the count reaches zero.
type Frame struct {
	datasetName string
	frameNumber uint64

	block *blockpool.Block

	dimensions map[string][]uint64
	parameters map[string]uint64

	refs int32
}

// New constructs a Frame backed by a block acquired from pool under the
// given index tag (ordinarily the shared-memory buffer index).
func New(pool *blockpool.Pool, indexTag string) *Frame {
	return &Frame{
		block:      pool.Get(indexTag, 0),
		dimensions: make(map[string][]uint64),
		parameters: make(map[string]uint64),
		refs:       1,
	}
}

// CopyData acquires (or grows) the backing block to at least nbytes and
// copies nbytes from src into it.
func (f *Frame) CopyData(src []byte, nbytes int) {
	f.block.Grow(nbytes)
	copy(f.Data()[:nbytes], src[:nbytes])
}

// Data returns the current payload bytes.
func (f *Frame) Data() []byte { return f.block.Bytes() }

// DataSize returns the current payload size in bytes.
func (f *Frame) DataSize() int { return f.block.Size() }

// DatasetName returns the target dataset name.
func (f *Frame) DatasetName() string { return f.datasetName }

// SetDatasetName sets the target dataset name.
func (f *Frame) SetDatasetName(name string) { f.datasetName = name }

// FrameNumber returns the hardware frame number (1-based).
func (f *Frame) FrameNumber() uint64 { return f.frameNumber }

// SetFrameNumber sets the hardware frame number.
func (f *Frame) SetFrameNumber(n uint64) { f.frameNumber = n }

// SetDimensions records the ordered shape for a named dimension label
// (e.g. "frame", "subframe").
func (f *Frame) SetDimensions(label string, dims []uint64) {
	cp := make([]uint64, len(dims))
	copy(cp, dims)
	f.dimensions[label] = cp
}

// GetDimensions returns the shape recorded for label, or UnknownLabel if
// none was set.
func (f *Frame) GetDimensions(label string) ([]uint64, error) {
	d, ok := f.dimensions[label]
	if !ok {
		return nil, fwerrors.New(fwerrors.UnknownLabel, "dimension label %q not set", label)
	}
	return d, nil
}

// SetParameter records a named scalar parameter.
func (f *Frame) SetParameter(label string, value uint64) {
	f.parameters[label] = value
}

// GetParameter returns the value recorded for label, or UnknownLabel if
// none was set.
func (f *Frame) GetParameter(label string) (uint64, error) {
	v, ok := f.parameters[label]
	if !ok {
		return 0, fwerrors.New(fwerrors.UnknownLabel, "parameter %q not set", label)
	}
	return v, nil
}

// HasParameter reports whether label was set.
func (f *Frame) HasParameter(label string) bool {
	_, ok := f.parameters[label]
	return ok
}

// Hold increments the Frame's reference count; call once per additional
// concurrent holder (e.g. once per fan-out sink beyond the first).
func (f *Frame) Hold() *Frame {
	atomic.AddInt32(&f.refs, 1)
	return f
}

// Release decrements the reference count and, once it reaches zero,
// returns the backing block to its pool.
func (f *Frame) Release() {
	if atomic.AddInt32(&f.refs, -1) == 0 {
		f.block.Release()
	}
}
