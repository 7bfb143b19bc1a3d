// Package flash models the writable firmware partition: reserving a region
// sized to the free space, appending chunks to it and sealing the result into
// the image the device boots next.
package flash

import (
	"errors"
	"fmt"
)

// ErrRegionClosed is returned when a region is used after Seal or Abort.
var ErrRegionClosed = errors.New("region closed")

// Storage is a firmware partition that can host one pending image.
type Storage interface {
	// FreeSpace reports the bytes available for a new image.
	FreeSpace() int64
	// EraseBlock reports the erase granularity; reservations are multiples
	// of it.
	EraseBlock() int64
	// Begin reserves a contiguous region of exactly size bytes.
	Begin(size int64) (Region, error)
}

// Region is a reserved, append-only area receiving one image.
type Region interface {
	// Write appends p and returns how many bytes were accepted. Fewer bytes
	// than len(p) means the storage is full or failed.
	Write(p []byte) int
	// Written reports the bytes accepted so far.
	Written() int64
	// Size reports the reserved capacity.
	Size() int64
	// Seal verifies the written bytes and makes them the next boot image.
	Seal() (Image, error)
	// Abort discards the region.
	Abort()
}

// Image describes a sealed firmware image.
type Image struct {
	Path   string
	Size   int64
	Digest string
}

// ReserveSize returns free minus margin rounded down to the erase block, or
// zero when nothing usable remains.
func ReserveSize(free, margin, eraseBlock int64) int64 {
	if eraseBlock <= 0 {
		return 0
	}
	n := free - margin
	if n <= 0 {
		return 0
	}
	return n &^ (eraseBlock - 1)
}

func checkReservation(size, free, eraseBlock int64) error {
	if size <= 0 {
		return fmt.Errorf("reserve %d bytes: size must be positive", size)
	}
	if eraseBlock > 0 && size%eraseBlock != 0 {
		return fmt.Errorf("reserve %d bytes: not aligned to erase block %d", size, eraseBlock)
	}
	if size > free {
		return fmt.Errorf("reserve %d bytes: only %d free", size, free)
	}
	return nil
}
