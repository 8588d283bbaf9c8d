package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/pixelflood/internal/fb"
	"github.com/danmuck/pixelflood/internal/parser"
	"github.com/danmuck/pixelflood/internal/stats"
	"github.com/danmuck/pixelflood/internal/testutil/testlog"
)

type harness struct {
	addr  string
	frame *fb.FrameBuffer
	srv   *Server
}

func startServer(t *testing.T, cfg Config) *harness {
	t.Helper()
	testlog.Start(t)

	frame, err := fb.New(1280, 720)
	if err != nil {
		t.Fatalf("framebuffer: %v", err)
	}

	aggregator := stats.NewAggregator(stats.SaveConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = aggregator.Run(ctx) }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	cfg.ListenAddress = addr
	if cfg.NetworkBufferSize == 0 {
		cfg.NetworkBufferSize = 64 * 1024
	}

	srv, err := New(cfg, frame, aggregator)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.ListenAndServe(ctx) }()

	waitForListener(t, addr)
	return &harness{addr: addr, frame: frame, srv: srv}
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server never came up on %s", addr)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func sendAndExpect(t *testing.T, conn net.Conn, send string, wantLines ...string) {
	t.Helper()
	if _, err := conn.Write([]byte(send)); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	for _, want := range wantLines {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read reply: %v (got %q so far)", err, line)
		}
		if line != want {
			t.Fatalf("reply: got=%q want=%q", line, want)
		}
	}
}

func TestSizeOverTCP(t *testing.T) {
	h := startServer(t, Config{})
	conn := dial(t, h.addr)
	sendAndExpect(t, conn, "SIZE\n", "SIZE 1280 720\n")
}

func TestSetGetOverTCP(t *testing.T) {
	h := startServer(t, Config{})
	conn := dial(t, h.addr)
	sendAndExpect(t, conn, "PX 10 10 ff0000\nPX 10 10\n", "PX 10 10 ff0000\n")
}

func TestHelpSpamOverTCP(t *testing.T) {
	h := startServer(t, Config{})
	conn := dial(t, h.addr)

	if _, err := conn.Write([]byte("HELP\nHELP\nHELP\nHELP\nSIZE\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The trailing SIZE bounds the reply stream: everything before it must be
	// two help texts and one rebuke.
	reader := bufio.NewReader(conn)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line == "SIZE 1280 720\n" {
			break
		}
		lines = append(lines, line)
	}
	all := strings.Join(lines, "")
	if got := strings.Count(all, "Available commands:"); got != 2 {
		t.Fatalf("help texts: got=%d want=2", got)
	}
	if got := strings.Count(all, "Stop spamming HELP!"); got != 1 {
		t.Fatalf("rebukes: got=%d want=1", got)
	}
}

func TestPartialCommandAcrossWrites(t *testing.T) {
	h := startServer(t, Config{})
	conn := dial(t, h.addr)

	if _, err := conn.Write([]byte("PX 1 1 ff0000\nPX 1 ")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	sendAndExpect(t, conn, "1\n", "PX 1 1 ff0000\n")
}

func TestOutOfBoundsProducesNoReply(t *testing.T) {
	h := startServer(t, Config{})
	conn := dial(t, h.addr)

	// SIZE afterwards proves the out-of-bounds commands produced nothing.
	sendAndExpect(t, conn, "PX 99999 99999 ffffff\nPX 99999 99999\nSIZE\n", "SIZE 1280 720\n")
	for _, v := range h.frame.Pixels() {
		if v != 0 {
			t.Fatalf("framebuffer modified by out-of-bounds set")
		}
	}
}

func TestConnectionsPerIPCap(t *testing.T) {
	h := startServer(t, Config{ConnectionsPerIP: 3})

	// The probe connection from startup tears down asynchronously; wait for
	// its admission slot to be released before counting.
	local := netip.MustParseAddr("127.0.0.1")
	deadlineIdle := time.Now().Add(2 * time.Second)
	for h.srv.activeConnections(local) != 0 {
		if time.Now().After(deadlineIdle) {
			t.Fatalf("startup probe connection never released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var admitted []net.Conn
	for i := 0; i < 3; i++ {
		conn := dial(t, h.addr)
		sendAndExpect(t, conn, "SIZE\n", "SIZE 1280 720\n")
		admitted = append(admitted, conn)
	}

	denied := dial(t, h.addr)
	data, err := io.ReadAll(denied)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("read denied conn: %v", err)
	}
	if !strings.Contains(string(data), "Connection denied") {
		t.Fatalf("expected denial notice, got %q", data)
	}

	// Freeing a slot admits the next attempt.
	admitted[0].Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", h.addr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_ = conn.SetDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write([]byte("SIZE\n")); err == nil {
			line, rerr := bufio.NewReader(conn).ReadString('\n')
			if rerr == nil && line == "SIZE 1280 720\n" {
				conn.Close()
				return
			}
		}
		conn.Close()
		if time.Now().After(deadline) {
			t.Fatalf("slot never freed after closing a connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	testlog.Start(t)
	frame, _ := fb.New(64, 64)
	aggregator := stats.NewAggregator(stats.SaveConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = aggregator.Run(ctx) }()

	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	srv, err := New(Config{ListenAddress: addr, NetworkBufferSize: 64 * 1024}, frame, aggregator)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	waitForListener(t, addr)

	conn := dial(t, addr)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("connection should be closed after shutdown")
	}
}

func TestNewRejectsTinyBuffer(t *testing.T) {
	frame, _ := fb.New(64, 64)
	_, err := New(Config{ListenAddress: ":0", NetworkBufferSize: parser.Lookahead},
		frame, stats.NewAggregator(stats.SaveConfig{}))
	if !errors.Is(err, ErrInvalidBufferSize) {
		t.Fatalf("expected ErrInvalidBufferSize, got %v", err)
	}
}
