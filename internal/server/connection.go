package server

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/danmuck/pixelflood/internal/parser"
	"github.com/danmuck/pixelflood/internal/stats"
)

// Connection loops pre-aggregate their byte counters and report on this
// cadence so the aggregator is not flooded with per-read events.
const statisticsReportInterval = 250 * time.Millisecond

// handleConnection owns one socket from admission to teardown. The loop body
// is read -> parse -> flush replies -> carry residue; it never yields in the
// middle of a parse. Any I/O error ends the connection and is worth a debug
// line at most.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, ip netip.Addr) {
	id := uuid.NewString()
	log.Debug().Str("conn", id).Stringer("ip", ip).Msg("connection opened")

	s.stats.Report(stats.Event{Kind: stats.ConnectionCreated, IP: ip})
	defer s.stats.Report(stats.Event{Kind: stats.ConnectionClosed, IP: ip})
	defer conn.Close()

	// Shutdown: closing the socket makes the blocked read below fail, which
	// is the only cancellation this loop needs.
	unblock := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer unblock()

	buf, release := allocBuffer(s.cfg.NetworkBufferSize)
	defer release()

	p := parser.NewStream(s.fb, s.cfg.Parser)
	lookahead := p.Lookahead()
	resp := make([]byte, 0, 4096)

	residue := 0
	bytesRead := uint64(0)
	lastReport := time.Now()

	for {
		n, err := conn.Read(buf[residue : len(buf)-lookahead])
		if n > 0 {
			bytesRead += uint64(n)
			if time.Since(lastReport) > statisticsReportInterval {
				s.stats.Report(stats.Event{Kind: stats.BytesRead, IP: ip, Bytes: bytesRead})
				bytesRead = 0
				lastReport = time.Now()
			}

			dataEnd := residue + n
			// The parser may load words up to the lookahead past the data it
			// consumes; zeroed padding keeps stale bytes from a previous
			// iteration from completing a phantom command.
			clear(buf[dataEnd : dataEnd+lookahead])

			consumed := p.Parse(buf[:dataEnd+lookahead], &resp)

			if len(resp) > 0 {
				if _, werr := conn.Write(resp); werr != nil {
					break
				}
				resp = resp[:0]
			}

			left := dataEnd - consumed
			if left > lookahead {
				// Nothing longer than one command is worth carrying; drop the
				// stale front of an unparseable tail so gibberish cannot pin
				// the buffer.
				consumed = dataEnd - lookahead
				left = lookahead
			}
			copy(buf, buf[consumed:dataEnd])
			residue = left
		}
		if err != nil {
			break
		}
	}

	if bytesRead > 0 {
		s.stats.Report(stats.Event{Kind: stats.BytesRead, IP: ip, Bytes: bytesRead})
	}
	log.Debug().Str("conn", id).Stringer("ip", ip).Msg("connection closed")
}

// allocBuffer maps the receive buffer anonymously so the kernel can be told
// that access is sequential. Falls back to a plain allocation when the
// platform refuses the mapping.
func allocBuffer(size int) ([]byte, func()) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return make([]byte, size), func() {}
	}
	_ = unix.Madvise(buf, unix.MADV_SEQUENTIAL)
	return buf, func() { _ = unix.Munmap(buf) }
}
