package parser

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/danmuck/pixelflood/internal/fb"
)

func newTestFB(t *testing.T) *fb.FrameBuffer {
	t.Helper()
	frame, err := fb.New(1280, 720)
	if err != nil {
		t.Fatalf("new framebuffer: %v", err)
	}
	return frame
}

// pix builds the in-memory word for a color: red in the low byte, then green,
// then blue.
func pix(r, g, b uint32) uint32 {
	return r | g<<8 | b<<16
}

// parseString runs one parse batch over input with proper zeroed lookahead
// padding, the way the connection loop would.
func parseString(p Parser, input string) (int, []byte) {
	buf := make([]byte, len(input)+Lookahead)
	copy(buf, input)
	var resp []byte
	consumed := p.Parse(buf, &resp)
	return consumed, resp
}

func TestSizeReply(t *testing.T) {
	p := NewStream(newTestFB(t), Options{})
	consumed, resp := parseString(p, "SIZE\n")
	if got, want := string(resp), "SIZE 1280 720\n"; got != want {
		t.Fatalf("size reply: got=%q want=%q", got, want)
	}
	if consumed != len("SIZE\n") {
		t.Fatalf("consumed: got=%d want=%d", consumed, len("SIZE\n"))
	}
}

func TestSetThenGetRoundTrip(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	_, resp := parseString(p, "PX 10 10 ff0000\nPX 10 10\n")
	if got, want := string(resp), "PX 10 10 ff0000\n"; got != want {
		t.Fatalf("get reply: got=%q want=%q", got, want)
	}
	if got, want := frame.Get(10, 10), pix(0xff, 0, 0); got != want {
		t.Fatalf("stored word: got=%#x want=%#x", got, want)
	}
}

func TestRoundTripSampledColors(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 200; n++ {
		x := rng.Intn(frame.Width())
		y := rng.Intn(frame.Height())
		c := rng.Uint32() & 0xffffff
		in := fmt.Sprintf("PX %d %d %06x\nPX %d %d\n", x, y, c, x, y)
		consumed, resp := parseString(p, in)
		if consumed != len(in) {
			t.Fatalf("consumed %d of %q", consumed, in)
		}
		want := fmt.Sprintf("PX %d %d %06x\n", x, y, c)
		if string(resp) != want {
			t.Fatalf("round trip: got=%q want=%q", resp, want)
		}
	}
}

func TestGrayscaleExpansion(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	_, resp := parseString(p, "PX 10 10 7f\nPX 10 10\n")
	if got, want := string(resp), "PX 10 10 7f7f7f\n"; got != want {
		t.Fatalf("grayscale reply: got=%q want=%q", got, want)
	}
	if got, want := frame.Get(10, 10), pix(0x7f, 0x7f, 0x7f); got != want {
		t.Fatalf("stored word: got=%#x want=%#x", got, want)
	}
}

func TestAlphaVariantDiscardsAlpha(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	parseString(p, "PX 3 4 11223399\n")
	if got, want := frame.Get(3, 4), pix(0x11, 0x22, 0x33); got != want {
		t.Fatalf("stored word: got=%#x want=%#x", got, want)
	}
}

func TestOffsetApplied(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	parseString(p, "OFFSET 10 20\nPX 5 5 ffffff\n")
	if got, want := frame.Get(15, 25), pix(0xff, 0xff, 0xff); got != want {
		t.Fatalf("offset set: got=%#x want=%#x", got, want)
	}
	if got := frame.Get(5, 5); got != 0 {
		t.Fatalf("unexpected write at raw coordinate: %#x", got)
	}
}

func TestGetRespectsOffset(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	_, resp := parseString(p, "OFFSET 1000 500\nPX 0 0 00ff00\nPX 0 0\n")
	if got, want := string(resp), "PX 0 0 00ff00\n"; got != want {
		t.Fatalf("offset get reply: got=%q want=%q", got, want)
	}
	if got, want := frame.Get(1000, 500), pix(0, 0xff, 0); got != want {
		t.Fatalf("offset set: got=%#x want=%#x", got, want)
	}
}

func TestOffsetOutOfBoundsSilentlyDrops(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	consumed, resp := parseString(p, "OFFSET 2000 2000\nPX 0 0 ffffff\nPX 0 0\n")
	if len(resp) != 0 {
		t.Fatalf("expected no reply, got %q", resp)
	}
	if consumed == 0 {
		t.Fatalf("commands should still be consumed")
	}
	for _, v := range frame.Pixels() {
		if v != 0 {
			t.Fatalf("framebuffer modified by out-of-bounds set")
		}
	}
}

func TestOutOfBoundsCoordinates(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	_, resp := parseString(p, "PX 99999 99999 ffffff\nPX 99999 99999\n")
	if len(resp) != 0 {
		t.Fatalf("expected no reply for out-of-bounds get, got %q", resp)
	}
	for _, v := range frame.Pixels() {
		if v != 0 {
			t.Fatalf("framebuffer modified by out-of-bounds set")
		}
	}
}

func TestHelpThrottling(t *testing.T) {
	p := NewStream(newTestFB(t), Options{})

	_, resp := parseString(p, strings.Repeat("HELP\n", 5))
	help := helpText(Options{})
	want := bytes.Join([][]byte{help, help, altHelpText}, nil)
	if !bytes.Equal(resp, want) {
		t.Fatalf("help throttle: got %d bytes, want %d (two helps, one rebuke)", len(resp), len(want))
	}
}

func TestHelpCounterResetsPerBatch(t *testing.T) {
	p := NewStream(newTestFB(t), Options{})

	parseString(p, strings.Repeat("HELP\n", 5))
	_, resp := parseString(p, "HELP\n")
	if !bytes.Equal(resp, helpText(Options{})) {
		t.Fatalf("help counter should reset per parse batch")
	}
}

func TestResynchronizationAfterGarbage(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	consumed, _ := parseString(p, "this is garbage !!!\nPX 0 0 112233\n")
	if got, want := frame.Get(0, 0), pix(0x11, 0x22, 0x33); got != want {
		t.Fatalf("resync: got=%#x want=%#x", got, want)
	}
	if consumed != len("this is garbage !!!\nPX 0 0 112233\n") {
		t.Fatalf("consumed=%d", consumed)
	}
}

func TestMalformedAfterKnownPrefix(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	parseString(p, "PX abc def\nPX 1 1 aabbcc\n")
	if got, want := frame.Get(1, 1), pix(0xaa, 0xbb, 0xcc); got != want {
		t.Fatalf("after malformed: got=%#x want=%#x", got, want)
	}
}

func TestCRLFTolerated(t *testing.T) {
	frame := newTestFB(t)
	p := NewStream(frame, Options{})

	consumed, resp := parseString(p, "SIZE\r\nPX 2 2 010203\r\nPX 2 2\r\n")
	if got, want := string(resp), "SIZE 1280 720\nPX 2 2 010203\n"; got != want {
		t.Fatalf("crlf: got=%q want=%q", got, want)
	}
	if consumed != len("SIZE\r\nPX 2 2 010203\r\nPX 2 2\r\n") {
		t.Fatalf("consumed=%d", consumed)
	}
}

// An incomplete trailing command must not be consumed; fed the rest in a
// second batch with the residue carried over, the result matches a single
// read of the whole stream.
func TestPartialCommandCarriedAcrossBatches(t *testing.T) {
	whole := "PX 5 6 abcdef\nPX 7 8 123456\n"
	for split := 1; split < len(whole)-1; split++ {
		oneShot := newTestFB(t)
		p1 := NewStream(oneShot, Options{})
		parseString(p1, whole)

		chunked := newTestFB(t)
		p2 := NewStream(chunked, Options{})
		feedChunks(t, p2, whole[:split], whole[split:])

		if !bytes.Equal(asBytes(oneShot), asBytes(chunked)) {
			t.Fatalf("split at %d diverged from one-shot parse", split)
		}
	}
}

// feedChunks emulates the connection loop's residue handling over a sequence
// of reads.
func feedChunks(t *testing.T, p Parser, chunks ...string) []byte {
	t.Helper()
	buf := make([]byte, 4096)
	var resp []byte
	residue := 0
	for _, chunk := range chunks {
		n := copy(buf[residue:len(buf)-Lookahead], chunk)
		if n != len(chunk) {
			t.Fatalf("test buffer too small for chunk")
		}
		dataEnd := residue + n
		clear(buf[dataEnd : dataEnd+Lookahead])
		consumed := p.Parse(buf[:dataEnd+Lookahead], &resp)
		left := dataEnd - consumed
		if left > Lookahead {
			consumed = dataEnd - Lookahead
			left = Lookahead
		}
		copy(buf, buf[consumed:dataEnd])
		residue = left
	}
	return resp
}

func asBytes(frame *fb.FrameBuffer) []byte { return frame.Bytes() }

// Parsing any prefix of a valid stream with zeroed lookahead padding must
// neither panic nor consume bytes of the incomplete tail.
func TestLookaheadSafetyOnPrefixes(t *testing.T) {
	frame := newTestFB(t)
	whole := "HELP\nSIZE\nOFFSET 3 4\nPX 1 2 aabbcc\nPX 1 2\nPX 640 360 55\n"
	for cut := 0; cut <= len(whole); cut++ {
		p := NewStream(frame, Options{})
		consumed, _ := parseString(p, whole[:cut])
		if consumed > cut {
			t.Fatalf("cut=%d consumed=%d beyond input", cut, consumed)
		}
		tail := whole[consumed:cut]
		if idx := strings.LastIndexByte(tail, '\n'); idx != -1 {
			t.Fatalf("cut=%d left a complete command unconsumed: %q", cut, tail)
		}
	}
}

// Random input must never panic or report consumption past the nominal end.
func TestRandomInputIsSafe(t *testing.T) {
	frame := newTestFB(t)
	rng := rand.New(rand.NewSource(42))
	for n := 0; n < 500; n++ {
		size := rng.Intn(512)
		input := make([]byte, size+Lookahead)
		rng.Read(input[:size])
		clear(input[size:])

		p := NewStream(frame, Options{BinarySetPixel: true, BinarySyncPixels: true})
		var resp []byte
		consumed := p.Parse(input, &resp)
		if consumed < 0 || consumed > size {
			t.Fatalf("consumed=%d with size=%d", consumed, size)
		}
	}
}

func TestHelpTextAdvertisesBinaryCommands(t *testing.T) {
	plain := string(helpText(Options{}))
	if strings.Contains(plain, "PB") || strings.Contains(plain, "PS") {
		t.Fatalf("binary commands advertised while disabled")
	}
	full := string(helpText(Options{BinarySetPixel: true, BinarySyncPixels: true}))
	if !strings.Contains(full, "PBxxyyrgba") || !strings.Contains(full, "PSxxyywwhh") {
		t.Fatalf("binary commands missing from help: %q", full)
	}
}
