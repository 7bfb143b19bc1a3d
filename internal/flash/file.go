package flash

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"golang.org/x/crypto/blake2b"
)

const (
	imageName   = "firmware.img"
	partialName = "firmware.img.partial"
	digestName  = "firmware.img.blake2b"
)

// FilePartition stores the image as a file in dir, bounded by capacity.
// It is owned by the control loop and is not safe for concurrent use.
type FilePartition struct {
	dir        string
	capacity   int64
	eraseBlock int64
}

// NewFilePartition prepares dir and removes any partial image left by an
// interrupted upload.
func NewFilePartition(dir string, capacity, eraseBlock int64) (*FilePartition, error) {
	if capacity <= 0 {
		return nil, errors.New("flash capacity must be positive")
	}
	if eraseBlock <= 0 {
		return nil, errors.New("erase block must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}
	_ = os.Remove(filepath.Join(dir, partialName))
	return &FilePartition{dir: dir, capacity: capacity, eraseBlock: eraseBlock}, nil
}

// ImagePath is the location of the sealed boot image.
func (p *FilePartition) ImagePath() string {
	return filepath.Join(p.dir, imageName)
}

// HasImage reports whether a sealed image is present.
func (p *FilePartition) HasImage() bool {
	info, err := os.Stat(p.ImagePath())
	return err == nil && info.Mode().IsRegular()
}

// Capacity reports the total partition size.
func (p *FilePartition) Capacity() int64 { return p.capacity }

// Used reports the size of the current image.
func (p *FilePartition) Used() int64 {
	info, err := os.Stat(p.ImagePath())
	if err != nil {
		return 0
	}
	return info.Size()
}

func (p *FilePartition) FreeSpace() int64 {
	free := p.capacity - p.Used()
	if free < 0 {
		return 0
	}
	return free
}

func (p *FilePartition) EraseBlock() int64 { return p.eraseBlock }

func (p *FilePartition) Begin(size int64) (Region, error) {
	if err := checkReservation(size, p.FreeSpace(), p.eraseBlock); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(p.dir, partialName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create partial image: %w", err)
	}
	sum, err := blake2b.New256(nil)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileRegion{part: p, f: f, size: size, sum: sum}, nil
}

type fileRegion struct {
	part    *FilePartition
	f       *os.File
	size    int64
	written int64
	sum     hash.Hash
	closed  bool
}

func (r *fileRegion) Write(p []byte) int {
	if r.closed {
		return 0
	}
	room := r.size - r.written
	if int64(len(p)) > room {
		p = p[:room]
	}
	n, _ := r.f.Write(p)
	r.sum.Write(p[:n])
	r.written += int64(n)
	return n
}

func (r *fileRegion) Written() int64 { return r.written }

func (r *fileRegion) Size() int64 { return r.size }

// Seal syncs the partial file, re-reads it to compare against the digest of
// the accepted bytes, then renames it over the boot image.
func (r *fileRegion) Seal() (Image, error) {
	if r.closed {
		return Image{}, ErrRegionClosed
	}
	r.closed = true
	partial := r.f.Name()
	defer func() { _ = os.Remove(partial) }()

	if err := r.f.Sync(); err != nil {
		_ = r.f.Close()
		return Image{}, fmt.Errorf("sync image: %w", err)
	}
	if err := r.f.Close(); err != nil {
		return Image{}, fmt.Errorf("close image: %w", err)
	}
	if r.written == 0 {
		return Image{}, errors.New("image is empty")
	}

	want := r.sum.Sum(nil)
	got, size, err := digestFile(partial)
	if err != nil {
		return Image{}, err
	}
	if size != r.written || !bytes.Equal(got, want) {
		return Image{}, fmt.Errorf("image digest mismatch: wrote %d bytes, read back %d", r.written, size)
	}

	if err := os.Chmod(partial, 0o755); err != nil {
		return Image{}, err
	}
	dst := r.part.ImagePath()
	if err := os.Rename(partial, dst); err != nil {
		return Image{}, fmt.Errorf("rename image: %w", err)
	}
	digest := hex.EncodeToString(want)
	if err := os.WriteFile(filepath.Join(r.part.dir, digestName), []byte(digest+"\n"), 0o644); err != nil {
		return Image{}, fmt.Errorf("write digest: %w", err)
	}
	if err := syncDir(r.part.dir); err != nil {
		return Image{}, err
	}
	return Image{Path: dst, Size: size, Digest: digest}, nil
}

func (r *fileRegion) Abort() {
	if r.closed {
		return
	}
	r.closed = true
	_ = r.f.Close()
	_ = os.Remove(r.f.Name())
}

func digestFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	sum, err := blake2b.New256(nil)
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(sum, f)
	if err != nil {
		return nil, 0, fmt.Errorf("read image: %w", err)
	}
	return sum.Sum(nil), n, nil
}

func syncDir(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	dir, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = dir.Close() }()
	if err := dir.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}
