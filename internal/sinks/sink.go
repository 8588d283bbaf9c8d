// Package sinks contains the consumers of the framebuffer read contract:
// anything that periodically turns the canvas into frames for a viewer. Sinks
// never touch connection state and never write pixels.
package sinks

import "context"

// Canvas is the read-only framebuffer contract a sink consumes. Pixels is
// stable in address and length; individual word reads are tear-free.
type Canvas interface {
	Width() int
	Height() int
	Pixels() []uint32
	Bytes() []byte
}

// Sink runs until its context is cancelled.
type Sink interface {
	Name() string
	Run(ctx context.Context) error
}

// rgbaFrame copies the canvas into dst as RGBA bytes with opaque alpha.
// The canvas stores r in the low byte, then g, then b, so only the alpha
// lane needs fixing up.
func rgbaFrame(canvas Canvas, dst []byte) {
	pixels := canvas.Pixels()
	for i, v := range pixels {
		j := i * 4
		dst[j+0] = byte(v)
		dst[j+1] = byte(v >> 8)
		dst[j+2] = byte(v >> 16)
		dst[j+3] = 0xff
	}
}
