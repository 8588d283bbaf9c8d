// Package server accepts Pixelflut client connections and drives the
// per-connection read/parse/write loop against the shared framebuffer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/pixelflood/internal/fb"
	"github.com/danmuck/pixelflood/internal/parser"
	"github.com/danmuck/pixelflood/internal/stats"
)

const connectionDeniedText = "Connection denied as connection limit is reached"

var (
	ErrInvalidBufferSize = errors.New("server: network buffer size too small")
)

type Config struct {
	ListenAddress     string
	NetworkBufferSize int
	// ConnectionsPerIP caps concurrent connections per source address.
	// Zero means unlimited.
	ConnectionsPerIP int
	Parser           parser.Options
}

type Server struct {
	cfg   Config
	fb    *fb.FrameBuffer
	stats *stats.Aggregator

	mu    sync.Mutex
	perIP map[netip.Addr]int
}

func New(cfg Config, frame *fb.FrameBuffer, aggregator *stats.Aggregator) (*Server, error) {
	if cfg.NetworkBufferSize < 2*parser.Lookahead {
		return nil, ErrInvalidBufferSize
	}
	return &Server{
		cfg:   cfg,
		fb:    frame,
		stats: aggregator,
		perIP: make(map[netip.Addr]int),
	}, nil
}

// ListenAndServe binds the configured address and accepts until ctx is
// cancelled. Each admitted socket gets its own goroutine; teardown of the
// per-IP count is tied to that goroutine exiting.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", s.cfg.ListenAddress, err)
	}
	defer ln.Close()
	log.Info().Str("addr", s.cfg.ListenAddress).Msg("pixelflut server listening")

	unblock := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer unblock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.admit(ctx, conn)
	}
}

func (s *Server) admit(ctx context.Context, conn net.Conn) {
	ip := canonicalAddr(conn.RemoteAddr())

	if limit := s.cfg.ConnectionsPerIP; limit > 0 {
		s.mu.Lock()
		current := s.perIP[ip]
		if current >= limit {
			s.mu.Unlock()
			log.Info().Stringer("ip", ip).Int("limit", limit).Msg("connection denied")
			s.stats.Report(stats.Event{Kind: stats.ConnectionDenied, IP: ip})
			// Best effort, the client may already be gone.
			_, _ = conn.Write([]byte(connectionDeniedText))
			_ = conn.Close()
			return
		}
		s.perIP[ip] = current + 1
		s.mu.Unlock()
	}

	go func() {
		defer s.release(ip)
		s.handleConnection(ctx, conn, ip)
	}()
}

func (s *Server) release(ip netip.Addr) {
	if s.cfg.ConnectionsPerIP <= 0 {
		return
	}
	s.mu.Lock()
	if n := s.perIP[ip]; n <= 1 {
		delete(s.perIP, ip)
	} else {
		s.perIP[ip] = n - 1
	}
	s.mu.Unlock()
}

// activeConnections is test support: the current admission count for one IP.
func (s *Server) activeConnections(ip netip.Addr) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perIP[ip]
}

// canonicalAddr normalizes IPv4-mapped IPv6 peers to their IPv4 form so the
// admission cap and per-IP statistics see one address per client.
func canonicalAddr(addr net.Addr) netip.Addr {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}
	}
	return tcp.AddrPort().Addr().Unmap()
}
