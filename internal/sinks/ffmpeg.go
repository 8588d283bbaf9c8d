package sinks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/pixelflood/internal/stats"
)

var ErrNoFfmpegOutput = errors.New("sinks: ffmpeg sink needs an rtmp address or a video save folder")

// FfmpegSink pipes raw frames into an ffmpeg child process, either streaming
// to an RTMP endpoint or dumping an mp4 to disk.
type FfmpegSink struct {
	canvas Canvas
	stats  *stats.Aggregator

	rtmpAddress     string
	videoSaveFolder string
	fps             int
}

var _ Sink = (*FfmpegSink)(nil)

func NewFfmpeg(canvas Canvas, aggregator *stats.Aggregator, rtmpAddress, videoSaveFolder string, fps int) (*FfmpegSink, error) {
	if rtmpAddress == "" && videoSaveFolder == "" {
		return nil, ErrNoFfmpegOutput
	}
	return &FfmpegSink{
		canvas:          canvas,
		stats:           aggregator,
		rtmpAddress:     rtmpAddress,
		videoSaveFolder: videoSaveFolder,
		fps:             fps,
	}, nil
}

func (s *FfmpegSink) Name() string { return "ffmpeg" }

func (s *FfmpegSink) args() []string {
	size := fmt.Sprintf("%dx%d", s.canvas.Width(), s.canvas.Height())
	args := []string{
		"-f", "rawvideo",
		"-pixel_format", "rgb0",
		"-video_size", size,
		"-framerate", strconv.Itoa(s.fps),
		"-i", "-",
	}
	if s.rtmpAddress != "" {
		args = append(args,
			"-vcodec", "libx264",
			"-pix_fmt", "yuv420p",
			"-preset", "veryfast",
			"-g", strconv.Itoa(2*s.fps),
			"-f", "flv",
			s.rtmpAddress,
		)
		return args
	}
	out := filepath.Join(s.videoSaveFolder,
		fmt.Sprintf("pixelflood_dump_%d.mp4", time.Now().Unix()))
	return append(args,
		"-vcodec", "libx264",
		"-pix_fmt", "yuv420p",
		out,
	)
}

func (s *FfmpegSink) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", s.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sinks: ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sinks: start ffmpeg: %w", err)
	}
	log.Info().Str("rtmp", s.rtmpAddress).Str("folder", s.videoSaveFolder).
		Int("fps", s.fps).Msg("ffmpeg sink started")

	frame := make([]byte, s.canvas.Width()*s.canvas.Height()*4)
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = stdin.Close()
			_ = cmd.Wait()
			return ctx.Err()
		case <-ticker.C:
			rgbaFrame(s.canvas, frame)
			if _, err := stdin.Write(frame); err != nil {
				_ = cmd.Wait()
				return fmt.Errorf("sinks: write frame to ffmpeg: %w", err)
			}
			s.stats.Report(stats.Event{Kind: stats.FrameRendered})
		}
	}
}
