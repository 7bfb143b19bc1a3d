package flash

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// MemoryPartition is an in-memory [Storage] for tests and dry runs. The
// exported knobs inject the failures a real partition can produce.
type MemoryPartition struct {
	Capacity int64
	Block    int64

	// BeginErr fails the next reservation.
	BeginErr error
	// WriteLimit caps the total bytes a region accepts; zero means the
	// reserved size.
	WriteLimit int64
	// SealErr fails validation at seal time.
	SealErr error

	// Sealed holds the last sealed image.
	Sealed []byte
	// Reserved records the size of the last reservation.
	Reserved int64
}

func (m *MemoryPartition) FreeSpace() int64 { return m.Capacity }

func (m *MemoryPartition) EraseBlock() int64 { return m.Block }

func (m *MemoryPartition) Begin(size int64) (Region, error) {
	if m.BeginErr != nil {
		return nil, m.BeginErr
	}
	if err := checkReservation(size, m.FreeSpace(), m.Block); err != nil {
		return nil, err
	}
	m.Reserved = size
	limit := size
	if m.WriteLimit > 0 && m.WriteLimit < limit {
		limit = m.WriteLimit
	}
	return &memoryRegion{part: m, size: size, limit: limit}, nil
}

type memoryRegion struct {
	part   *MemoryPartition
	size   int64
	limit  int64
	buf    []byte
	closed bool
}

func (r *memoryRegion) Write(p []byte) int {
	if r.closed {
		return 0
	}
	room := r.limit - int64(len(r.buf))
	if int64(len(p)) > room {
		p = p[:room]
	}
	r.buf = append(r.buf, p...)
	return len(p)
}

func (r *memoryRegion) Written() int64 { return int64(len(r.buf)) }

func (r *memoryRegion) Size() int64 { return r.size }

func (r *memoryRegion) Seal() (Image, error) {
	if r.closed {
		return Image{}, ErrRegionClosed
	}
	r.closed = true
	if r.part.SealErr != nil {
		return Image{}, r.part.SealErr
	}
	if len(r.buf) == 0 {
		return Image{}, errors.New("image is empty")
	}
	sum := blake2b.Sum256(r.buf)
	r.part.Sealed = r.buf
	return Image{Path: "memory", Size: int64(len(r.buf)), Digest: hex.EncodeToString(sum[:])}, nil
}

func (r *memoryRegion) Abort() { r.closed = true }
