// Package text rasterizes the startup status string and paints it onto the
// framebuffer once at boot. Out of the performance path.
package text

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	fontSize = 36
	marginX  = 10
	marginY  = 10
)

// Surface is the write side needed for stamping. Bounds are checked here, so
// SetUnchecked is safe.
type Surface interface {
	Width() int
	Height() int
	SetUnchecked(x, y int, rgba uint32)
}

// Stamp renders msg with the TTF at fontPath and writes the coverage onto the
// surface as white pixels, top-left anchored. An empty fontPath falls back to
// the built-in bitmap face. Font load failures are fatal to the caller.
func Stamp(surface Surface, msg, fontPath string) error {
	if msg == "" {
		return nil
	}

	face, err := loadFace(fontPath)
	if err != nil {
		return err
	}

	metrics := face.Metrics()
	img := image.NewAlpha(image.Rect(0, 0, surface.Width(), surface.Height()))
	drawer := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Alpha{A: 0xff}),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(marginX),
			Y: fixed.I(marginY) + metrics.Ascent,
		},
	}
	drawer.DrawString(msg)

	for y := 0; y < surface.Height(); y++ {
		for x := 0; x < surface.Width(); x++ {
			if a := img.AlphaAt(x, y).A; a >= 0x80 {
				surface.SetUnchecked(x, y, 0x00ffffff)
			}
		}
	}
	return nil
}

func loadFace(fontPath string) (font.Face, error) {
	if fontPath == "" {
		return basicfont.Face7x13, nil
	}
	data, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("text: read font %q: %w", fontPath, err)
	}
	parsed, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("text: parse font %q: %w", fontPath, err)
	}
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("text: build face for %q: %w", fontPath, err)
	}
	return face, nil
}
