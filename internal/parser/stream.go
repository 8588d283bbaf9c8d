package parser

import (
	"encoding/binary"

	"github.com/danmuck/pixelflood/internal/fb"
)

// Command prefixes as little-endian words so the dispatch loop can test for
// them with one unaligned load and a mask instead of a byte-wise compare.
func pattern(s string) uint64 {
	var v uint64
	for i := len(s) - 1; i >= 0; i-- {
		v = v<<8 | uint64(s[i])
	}
	return v
}

var (
	patPX     = pattern("PX ")
	patOffset = pattern("OFFSET ")
	patSize   = pattern("SIZE")
	patHelp   = pattern("HELP")
	patPB     = pattern("PB")
	patPS     = pattern("PS")
)

const (
	maskPX     = 0x0000_0000_00ff_ffff
	maskOffset = 0x00ff_ffff_ffff_ffff
	mask4      = 0x0000_0000_ffff_ffff
	mask2      = 0x0000_0000_0000_ffff
)

const hexDigits = "0123456789abcdef"

// pxSync tracks a binary sync blit whose payload did not fit in one parse
// batch. remaining is always a multiple of the pixel size.
type pxSync struct {
	x, y, w   int
	idx       int
	remaining int
}

// StreamParser is the reference scalar parser. One per connection; it carries
// the connection's coordinate offset and, when binary sync is enabled, the
// continuation state of a blit in flight.
type StreamParser struct {
	fb      *fb.FrameBuffer
	width   uint32
	height  uint32
	offsetX uint32
	offsetY uint32
	opts    Options
	help    []byte
	sync    *pxSync
}

var _ Parser = (*StreamParser)(nil)

func NewStream(frame *fb.FrameBuffer, opts Options) *StreamParser {
	return &StreamParser{
		fb:     frame,
		width:  uint32(frame.Width()),
		height: uint32(frame.Height()),
		opts:   opts,
		help:   helpText(opts),
	}
}

func (p *StreamParser) Lookahead() int { return Lookahead }

// Parse runs a single forward pass over buf. See the Parser contract for the
// padding and consumption guarantees. Malformed input is never an error: the
// cursor advances one byte and resynchronizes at the next command keyword.
func (p *StreamParser) Parse(buf []byte, resp *[]byte) int {
	loopEnd := len(buf) - Lookahead
	if loopEnd <= 0 {
		return 0
	}

	consumed := 0
	helpCount := 0
	i := 0

	// Finish a binary sync blit left over from the previous batch before
	// dispatching on anything else; its payload bytes are raw pixels, not
	// commands.
	if p.sync != nil {
		take := p.sync.remaining
		if take > loopEnd {
			take = loopEnd / 4 * 4
		}
		p.feedSync(buf[:take])
		i = take
		consumed = take
		if p.sync.remaining > 0 {
			return consumed
		}
		p.sync = nil
	}

	for i < loopEnd {
		word := binary.LittleEndian.Uint64(buf[i:])

		if c := buf[i]; c == '\n' || c == '\r' {
			i++
			consumed = i
			continue
		}

		if word&maskPX == patPX {
			i += 3
			argStart := i
			x, y, ok := parseCoordinatePair(buf, &i)
			if ok {
				x += p.offsetX
				y += p.offsetY

				if buf[i] == ' ' {
					i++
					// PX x y rrggbb
					if isTerminator(buf[i+6]) {
						v := unhexWord(buf[i:]) & 0x00ff_ffff
						i += 7
						consumed = i
						if x < p.width && y < p.height {
							p.fb.SetUnchecked(int(x), int(y), v)
						}
						continue
					}
					// PX x y rrggbbaa, alpha discarded
					if isTerminator(buf[i+8]) {
						v := unhexWord(buf[i:]) & 0x00ff_ffff
						i += 9
						consumed = i
						if x < p.width && y < p.height {
							p.fb.SetUnchecked(int(x), int(y), v)
						}
						continue
					}
					// PX x y gg, grayscale shorthand
					if isTerminator(buf[i+2]) {
						base := unhexNibble(buf[i])<<4 | unhexNibble(buf[i+1])
						i += 3
						consumed = i
						if x < p.width && y < p.height {
							p.fb.SetUnchecked(int(x), int(y), base*0x010101)
						}
						continue
					}
				}

				// PX x y, read the pixel back
				if isTerminator(buf[i]) {
					i++
					consumed = i
					if x < p.width && y < p.height {
						p.appendPixelReply(resp, x, y)
					}
					continue
				}
			}
			// Known prefix, malformed rest: skip the prefix and resynchronize.
			i = argStart
			continue
		}

		if p.opts.BinarySetPixel && word&mask2 == patPB {
			if i+10 > loopEnd {
				break
			}
			record := binary.LittleEndian.Uint64(buf[i+2:])
			x := int(uint16(record))
			y := int(uint16(record >> 16))
			rgba := uint32(record>>32) & 0x00ff_ffff
			p.fb.Set(x, y, rgba)
			i += 10
			consumed = i
			continue
		}

		if p.opts.BinarySyncPixels && word&mask2 == patPS {
			if i+10 > loopEnd {
				break
			}
			x := int(binary.LittleEndian.Uint16(buf[i+2:]))
			y := int(binary.LittleEndian.Uint16(buf[i+4:]))
			w := int(binary.LittleEndian.Uint16(buf[i+6:]))
			h := int(binary.LittleEndian.Uint16(buf[i+8:]))
			i += 10
			consumed = i

			payload := w * h * fb.BytesPerPixel
			if payload == 0 {
				continue
			}
			take := payload
			if avail := loopEnd - i; take > avail {
				take = avail / 4 * 4
			}
			p.sync = &pxSync{x: x, y: y, w: w, remaining: payload}
			p.feedSync(buf[i : i+take])
			i += take
			consumed = i
			if p.sync.remaining > 0 {
				// Buffer drained into a pending blit; the rest of the payload
				// arrives with the next read.
				return consumed
			}
			p.sync = nil
			continue
		}

		if word&maskOffset == patOffset {
			i += 7
			argStart := i
			x, y, ok := parseCoordinatePair(buf, &i)
			if ok && isTerminator(buf[i]) {
				i++
				consumed = i
				p.offsetX = x
				p.offsetY = y
				continue
			}
			i = argStart
			continue
		}

		if word&mask4 == patSize {
			if isTerminator(buf[i+4]) {
				i += 5
				consumed = i
				p.appendSizeReply(resp)
				continue
			}
			i++
			continue
		}

		if word&mask4 == patHelp {
			if isTerminator(buf[i+4]) {
				i += 5
				consumed = i
				switch {
				case helpCount < 2:
					*resp = append(*resp, p.help...)
					helpCount++
				case helpCount == 2:
					*resp = append(*resp, altHelpText...)
					helpCount++
				}
				continue
			}
			i++
			continue
		}

		i++
	}

	return consumed
}

func (p *StreamParser) feedSync(payload []byte) {
	s := p.sync
	for off := 0; off+4 <= len(payload); off += 4 {
		word := binary.LittleEndian.Uint32(payload[off:])
		p.fb.Set(s.x+s.idx%s.w, s.y+s.idx/s.w, word)
		s.idx++
	}
	s.remaining -= len(payload) / 4 * 4
}

func (p *StreamParser) appendPixelReply(resp *[]byte, x, y uint32) {
	v := p.fb.GetUnchecked(int(x), int(y))
	rgb := (v&0xff)<<16 | v&0xff00 | (v>>16)&0xff

	*resp = append(*resp, 'P', 'X', ' ')
	*resp = appendUint(*resp, x-p.offsetX)
	*resp = append(*resp, ' ')
	*resp = appendUint(*resp, y-p.offsetY)
	*resp = append(*resp, ' ')
	for shift := 20; shift >= 0; shift -= 4 {
		*resp = append(*resp, hexDigits[(rgb>>uint(shift))&0xf])
	}
	*resp = append(*resp, '\n')
}

func (p *StreamParser) appendSizeReply(resp *[]byte) {
	*resp = append(*resp, 'S', 'I', 'Z', 'E', ' ')
	*resp = appendUint(*resp, p.width)
	*resp = append(*resp, ' ')
	*resp = appendUint(*resp, p.height)
	*resp = append(*resp, '\n')
}

func isTerminator(c byte) bool { return c == '\n' || c == '\r' }

// parseCoordinate is the multiply-by-10 micro-loop, bounded to 5 decimal
// digits. Reads stay within the lookahead padding.
func parseCoordinate(buf []byte, i *int) (uint32, bool) {
	v := uint32(0)
	start := *i
	for *i < start+5 {
		d := buf[*i]
		if d < '0' || d > '9' {
			break
		}
		v = v*10 + uint32(d-'0')
		*i++
	}
	return v, *i > start
}

// parseCoordinatePair consumes "x y". The separator byte is skipped without
// inspection, matching the tolerant grammar: a junk separator just yields a
// junk parse that fails at the terminator check.
func parseCoordinatePair(buf []byte, i *int) (uint32, uint32, bool) {
	x, okX := parseCoordinate(buf, i)
	*i++
	y, okY := parseCoordinate(buf, i)
	return x, y, okX && okY
}

// unhexNibble maps '0'-'9', 'a'-'f' and 'A'-'F' to their value. Anything else
// yields garbage, which the terminator checks have already ruled out for the
// bytes that matter.
func unhexNibble(c byte) uint32 {
	return uint32(c&0xf) + uint32(c>>6)*9
}

// unhexWord decodes 8 hex chars into a word, low byte first: "rrggbbaa"
// becomes aa<<24 | bb<<16 | gg<<8 | rr. Callers mask off the lanes they did
// not validate.
func unhexWord(buf []byte) uint32 {
	var v uint32
	for pair := 0; pair < 4; pair++ {
		v |= (unhexNibble(buf[2*pair])<<4 | unhexNibble(buf[2*pair+1])) << (8 * uint(pair))
	}
	return v
}

func appendUint(b []byte, v uint32) []byte {
	var tmp [10]byte
	n := len(tmp)
	for {
		n--
		tmp[n] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return append(b, tmp[n:]...)
}
