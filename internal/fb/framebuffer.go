// Package fb holds the shared drawing surface every client connection writes
// into and every display sink reads from. Pixels are plain 32-bit words written
// with atomic stores; concurrent writers race and the last writer wins.
package fb

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// BytesPerPixel is the in-memory size of one framebuffer word.
const BytesPerPixel = 4

var (
	ErrInvalidDimensions = errors.New("fb: width and height must be positive")
	ErrOutOfBounds       = errors.New("fb: coordinate out of bounds")
)

// FrameBuffer is a fixed-size width x height canvas backed by one contiguous
// allocation. Dimensions are immutable after construction. The pixel slice is
// stable in address and length for the lifetime of the framebuffer, so sinks
// may hold on to Pixels() and re-read it at their own cadence.
type FrameBuffer struct {
	width  int
	height int
	pixels []uint32
	shm    *sharedRegion
}

// New allocates a process-local framebuffer with all pixels zeroed.
func New(width, height int) (*FrameBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}
	if width > 0xffff || height > 0xffff {
		return nil, fmt.Errorf("%w: maximum dimension is %d", ErrInvalidDimensions, 0xffff)
	}
	return &FrameBuffer{
		width:  width,
		height: height,
		pixels: make([]uint32, width*height),
	}, nil
}

func (f *FrameBuffer) Width() int  { return f.width }
func (f *FrameBuffer) Height() int { return f.height }

// Get returns the last value written to (x, y). Callers must ensure bounds.
func (f *FrameBuffer) Get(x, y int) uint32 {
	return atomic.LoadUint32(&f.pixels[y*f.width+x])
}

// GetUnchecked is Get without the name lying about it: identical fast path,
// kept separate so call sites document that bounds were already checked.
func (f *FrameBuffer) GetUnchecked(x, y int) uint32 {
	return atomic.LoadUint32(&f.pixels[y*f.width+x])
}

// Set writes rgba to (x, y). Out-of-range coordinates are silently dropped.
func (f *FrameBuffer) Set(x, y int, rgba uint32) {
	if uint(x) < uint(f.width) && uint(y) < uint(f.height) {
		atomic.StoreUint32(&f.pixels[y*f.width+x], rgba)
	}
}

// SetUnchecked writes rgba to (x, y) without a bounds check. For parser fast
// paths that have already validated the coordinate.
func (f *FrameBuffer) SetUnchecked(x, y int, rgba uint32) {
	atomic.StoreUint32(&f.pixels[y*f.width+x], rgba)
}

// Blit copies a w x h rectangle of pixel words to (x, y), clipping row by row.
// Pixels falling outside the canvas are silently dropped. words must hold at
// least w*h entries.
func (f *FrameBuffer) Blit(x, y, w, h int, words []uint32) {
	if w <= 0 || h <= 0 {
		return
	}
	for row := 0; row < h; row++ {
		ty := y + row
		if ty < 0 || ty >= f.height {
			continue
		}
		src := words[row*w : row*w+w]
		for col := 0; col < w; col++ {
			tx := x + col
			if tx < 0 || tx >= f.width {
				continue
			}
			atomic.StoreUint32(&f.pixels[ty*f.width+tx], src[col])
		}
	}
}

// Pixels exposes the raw pixel words, row-major. Read side of the sink
// contract: the slice is stable for the framebuffer's lifetime and individual
// word reads are tear-free. Readers must not write through it.
func (f *FrameBuffer) Pixels() []uint32 {
	return f.pixels
}

// Bytes is the same memory viewed as bytes, handy for sinks that pipe raw
// frames (ffmpeg) or dump the canvas.
func (f *FrameBuffer) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&f.pixels[0])), len(f.pixels)*BytesPerPixel)
}

// Close releases the shared-memory mapping, if any. The framebuffer must not
// be used afterwards.
func (f *FrameBuffer) Close() error {
	if f.shm == nil {
		return nil
	}
	shm := f.shm
	f.shm = nil
	f.pixels = nil
	return shm.close()
}
