//go:build native

package sinks

import (
	"context"
	"errors"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/danmuck/pixelflood/internal/stats"
)

// NativeDisplaySink opens a desktop window showing the canvas. Requires a
// graphical session; built only with the native tag so headless builds stay
// free of the windowing dependencies.
type NativeDisplaySink struct {
	canvas Canvas
	stats  *stats.Aggregator
	fps    int
}

var _ Sink = (*NativeDisplaySink)(nil)

func NewNativeDisplay(canvas Canvas, aggregator *stats.Aggregator, fps int) (Sink, error) {
	return &NativeDisplaySink{canvas: canvas, stats: aggregator, fps: fps}, nil
}

func (s *NativeDisplaySink) Name() string { return "native-display" }

// Run must be called from the main goroutine; most platforms only allow
// opening windows there.
func (s *NativeDisplaySink) Run(ctx context.Context) error {
	ebiten.SetWindowTitle("pixelflood")
	ebiten.SetWindowSize(s.canvas.Width(), s.canvas.Height())
	ebiten.SetTPS(s.fps)

	game := &canvasGame{sink: s, ctx: ctx}
	if err := ebiten.RunGame(game); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

type canvasGame struct {
	sink    *NativeDisplaySink
	ctx     context.Context
	img     *ebiten.Image
	scratch []byte
}

func (g *canvasGame) Update() error {
	return g.ctx.Err()
}

func (g *canvasGame) Draw(screen *ebiten.Image) {
	canvas := g.sink.canvas
	if g.img == nil {
		g.img = ebiten.NewImage(canvas.Width(), canvas.Height())
		g.scratch = make([]byte, canvas.Width()*canvas.Height()*4)
	}
	rgbaFrame(canvas, g.scratch)
	g.img.WritePixels(g.scratch)
	screen.DrawImage(g.img, nil)
	g.sink.stats.Report(stats.Event{Kind: stats.FrameRendered})
}

func (g *canvasGame) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.sink.canvas.Width(), g.sink.canvas.Height()
}
