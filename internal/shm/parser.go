// Package shm implements C3 (SharedMemoryParser) and C4
// (SharedMemoryController): mapping the upstream shared-memory ingest
// segment, resolving a buffer index to its (header, payload) pair, and
// fanning constructed Frames out to registered sinks.
package shm

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dls-controls/filewriter/internal/fwerrors"
)

// Header is the fixed shared-memory ingest header (spec.md §6).
type Header struct {
	ManagerID  uint64
	NumBuffers uint64
	BufferSize uint64
}

const headerSize = 24 // 3 uint64 fields, little-endian on the wire

// MetadataSize is the small fixed region preceding each buffer's payload,
// reserved for the upstream notification echo.
const MetadataSize = 64

// Parser maps a named shared-memory object read-only and exposes its
// buffers. It performs no locking of its own: callers (the
// SharedMemoryController) guarantee a buffer is not reclaimed upstream
// until the corresponding frame-released notification has been published.
type Parser struct {
	file   *os.File
	data   []byte
	header Header
}

// Open maps path read-only and parses its header.
func Open(path string) (*Parser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fwerrors.Wrap(fwerrors.TransportError, err, "open shared-memory segment %q", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fwerrors.Wrap(fwerrors.TransportError, err, "stat shared-memory segment %q", path)
	}
	if fi.Size() < headerSize {
		f.Close()
		return nil, fwerrors.New(fwerrors.TransportError, "shared-memory segment %q too short for header", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fwerrors.Wrap(fwerrors.TransportError, err, "mmap shared-memory segment %q", path)
	}

	h := Header{
		ManagerID:  binary.LittleEndian.Uint64(data[0:8]),
		NumBuffers: binary.LittleEndian.Uint64(data[8:16]),
		BufferSize: binary.LittleEndian.Uint64(data[16:24]),
	}

	return &Parser{file: f, data: data, header: h}, nil
}

// Header returns the parsed shared-memory header.
func (p *Parser) Header() Header { return p.header }

// Buffer resolves idx to its (metadata, payload) pair.
func (p *Parser) Buffer(idx uint64) (metadata, payload []byte, err error) {
	if idx >= p.header.NumBuffers {
		return nil, nil, fwerrors.New(fwerrors.TransportError, "buffer index %d out of range (%d buffers)", idx, p.header.NumBuffers)
	}

	slot := MetadataSize + p.header.BufferSize
	base := headerSize + idx*slot
	end := base + slot
	if end > uint64(len(p.data)) {
		return nil, nil, fwerrors.New(fwerrors.TransportError, "buffer index %d extends past mapped region", idx)
	}

	metadata = p.data[base : base+MetadataSize]
	payload = p.data[base+MetadataSize : end]
	return metadata, payload, nil
}

// Close unmaps the segment.
func (p *Parser) Close() error {
	if p.data != nil {
		if err := unix.Munmap(p.data); err != nil {
			return fwerrors.Wrap(fwerrors.TransportError, err, "munmap shared-memory segment")
		}
		p.data = nil
	}
	return p.file.Close()
}
