package sinks

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/pixelflood/internal/observability"
	"github.com/danmuck/pixelflood/internal/stats"
)

// WebSink serves the operational surface on the metrics address: the
// prometheus endpoint, a health probe, the latest statistics snapshot and a
// PNG view of the canvas for people who want to peek without a Pixelflut
// client.
type WebSink struct {
	addr      string
	canvas    Canvas
	snapshots <-chan stats.Snapshot

	mu     sync.RWMutex
	latest stats.Snapshot

	startedAt time.Time
	router    *gin.Engine
}

var _ Sink = (*WebSink)(nil)

func NewWeb(addr string, canvas Canvas, aggregator *stats.Aggregator) *WebSink {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	s := &WebSink{
		addr:      addr,
		canvas:    canvas,
		snapshots: aggregator.Subscribe(),
		startedAt: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Middleware("pixelflood", log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	s.registerRoutes(r)
	s.router = r
	return s
}

func (s *WebSink) Name() string { return "web" }

func (s *WebSink) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.startedAt).String(),
			"width":  s.canvas.Width(),
			"height": s.canvas.Height(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/stats", func(c *gin.Context) {
		s.mu.RLock()
		snap := s.latest
		s.mu.RUnlock()
		c.JSON(http.StatusOK, snap)
	})

	r.GET("/snapshot.png", func(c *gin.Context) {
		img := image.NewRGBA(image.Rect(0, 0, s.canvas.Width(), s.canvas.Height()))
		rgbaFrame(s.canvas, img.Pix)

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "image/png", buf.Bytes())
	})
}

// Router is test support for driving the handlers without a listener.
func (s *WebSink) Router() http.Handler { return s.router }

func (s *WebSink) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}

	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	log.Info().Str("addr", s.addr).Msg("web sink listening")

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errs:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case snap := <-s.snapshots:
			s.mu.Lock()
			s.latest = snap
			s.mu.Unlock()
		}
	}
}
