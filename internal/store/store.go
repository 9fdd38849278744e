// Package store implements the abstract chunked array store behind C6's
// writing engine: {create file, create dataset with chunking and an
// unlimited leading dimension, set extent, direct-chunk write at offset,
// close}. The concrete on-disk format is deliberately out of spec's scope
// (spec.md §1) beyond those five operations and a 4 MiB chunk-boundary
// alignment (spec.md §6). Chunks are written as given, with no filter
// applied; no filter-mask field is stored alongside them.
package store

import "context"

// Pixel is the on-disk element type of a dataset. The float32 code is
// preserved observably as a 32-bit unsigned storage representation (see
// DESIGN.md's resolution of the corresponding Open Question).
type Pixel int

const (
	Raw8Bit Pixel = iota
	Raw16Bit
	Float32AsUint32
)

// BytesPerElement returns the on-disk element width for p.
func (p Pixel) BytesPerElement() int {
	switch p {
	case Raw8Bit:
		return 1
	case Raw16Bit:
		return 2
	case Float32AsUint32:
		return 4
	default:
		return 1
	}
}

// DatasetDef mirrors DatasetDefinition (spec.md §3).
type DatasetDef struct {
	Name          string
	Pixel         Pixel
	FrameDims     []uint64 // per-frame shape, not including the leading axis
	Chunks        []uint64 // dataset-coordinate chunk shape, length = 1+len(FrameDims)
	NumFramesHint uint64
}

// NormalizedChunks returns def.Chunks if it is present and has the right
// rank, or the spec's default [1, FrameDims...] otherwise (spec.md §6:
// "If chunks is omitted or mis-sized, it defaults to [1, dims…]").
func (d DatasetDef) NormalizedChunks() []uint64 {
	want := len(d.FrameDims) + 1
	if len(d.Chunks) == want {
		return d.Chunks
	}
	out := make([]uint64, want)
	out[0] = 1
	copy(out[1:], d.FrameDims)
	return out
}

// Store creates the top-level container for one logical output file.
type Store interface {
	CreateFile(ctx context.Context, path string) (File, error)
}

// File is one open on-disk container, holding zero or more datasets.
type File interface {
	// CreateDataset creates an OpenDataset-backed dataset with leading
	// dimension 1 (spec.md §4.4: "create its OpenDataset with leading
	// dimension 1").
	CreateDataset(ctx context.Context, def DatasetDef) (Dataset, error)
	// Close closes every dataset and the container itself.
	Close() error
}

// Dataset is the runtime counterpart to a DatasetDefinition once the file
// exists (OpenDataset, spec.md §3).
type Dataset interface {
	Definition() DatasetDef
	// CurrentExtent returns the dataset's current leading dimension.
	CurrentExtent() uint64
	// SetExtent grows the leading dimension. It is a no-op if leading is
	// not greater than the current extent (leading dimension is
	// non-decreasing, spec.md §3 invariant).
	SetExtent(ctx context.Context, leading uint64) error
	// WriteChunk performs a direct chunk write: data is the pre-encoded
	// on-disk chunk image, written verbatim at the chunk containing
	// coord. coord has length 1+len(FrameDims), and its frame-axis
	// components must lie on a chunk boundary (Local rejects them
	// otherwise).
	WriteChunk(ctx context.Context, coord []uint64, data []byte) error
}
