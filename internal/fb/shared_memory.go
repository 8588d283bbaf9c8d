package fb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared-memory layout: [u16 width LE][u16 height LE][width*height u32 words].
const shmHeaderSize = 4

// Default mount point for POSIX shared memory objects on Linux.
const shmDir = "/dev/shm"

var ErrSharedMemoryMismatch = errors.New("fb: shared memory region does not match configured dimensions")

type sharedRegion struct {
	data []byte
}

func (r *sharedRegion) close() error {
	return unix.Munmap(r.data)
}

// NewShared creates or attaches a framebuffer backed by the named POSIX
// shared-memory object so out-of-process readers can map the same canvas.
// A fresh region gets the dimension header written; attaching to an existing
// region fails if its size or header disagrees with width/height.
func NewShared(width, height int, name string) (*FrameBuffer, error) {
	return newShared(shmDir, width, height, name)
}

func newShared(dir string, width, height int, name string) (*FrameBuffer, error) {
	if width <= 0 || height <= 0 || width > 0xffff || height > 0xffff {
		return nil, ErrInvalidDimensions
	}

	path := filepath.Join(dir, filepath.Base(name))
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("fb: open shared memory %q: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fb: stat shared memory %q: %w", path, err)
	}

	targetSize := shmHeaderSize + width*height*BytesPerPixel
	fresh := st.Size == 0
	if fresh {
		if err := unix.Ftruncate(fd, int64(targetSize)); err != nil {
			return nil, fmt.Errorf("fb: size shared memory %q: %w", path, err)
		}
	} else if st.Size != int64(targetSize) {
		return nil, fmt.Errorf("%w: region %q has %d bytes, want %d",
			ErrSharedMemoryMismatch, path, st.Size, targetSize)
	}

	data, err := unix.Mmap(fd, 0, targetSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("fb: map shared memory %q: %w", path, err)
	}

	if fresh {
		binary.LittleEndian.PutUint16(data[0:2], uint16(width))
		binary.LittleEndian.PutUint16(data[2:4], uint16(height))
	} else {
		w := int(binary.LittleEndian.Uint16(data[0:2]))
		h := int(binary.LittleEndian.Uint16(data[2:4]))
		if w != width || h != height {
			_ = unix.Munmap(data)
			return nil, fmt.Errorf("%w: region %q holds %dx%d, configured %dx%d",
				ErrSharedMemoryMismatch, path, w, h, width, height)
		}
	}

	// The mapping is page aligned, so the pixel array behind the 4-byte header
	// stays 32-bit aligned and atomic word stores remain valid.
	pixels := unsafe.Slice((*uint32)(unsafe.Pointer(&data[shmHeaderSize])), width*height)

	return &FrameBuffer{
		width:  width,
		height: height,
		pixels: pixels,
		shm:    &sharedRegion{data: data},
	}, nil
}

// RemoveShared unlinks the named shared-memory object. Used by tests and by
// operators who want a clean canvas on next start.
func RemoveShared(name string) error {
	return os.Remove(filepath.Join(shmDir, filepath.Base(name)))
}
