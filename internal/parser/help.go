package parser

var altHelpText = []byte("Stop spamming HELP!\n")

// helpText assembles the HELP reply once per connection so the hot path only
// appends a prebuilt byte slice. Binary command lines are only advertised when
// the extension is enabled.
func helpText(opts Options) []byte {
	text := `Pixelflut server powered by pixelflood
Available commands:
HELP: Show this help
PX x y rrggbb: Color the pixel (x,y) with the given hexadecimal color rrggbb
PX x y rrggbbaa: Color the pixel (x,y) with the given hexadecimal color rrggbb, the alpha part is discarded
PX x y gg: Color the pixel (x,y) with the hexadecimal color gggggg, a shorthand for filling white, black or gray areas
PX x y: Get the color value of the pixel (x,y)
SIZE: Get the size of the drawing surface, e.g. ` + "`SIZE 1280 720`" + `
OFFSET x y: Apply offset (x,y) to all further pixel draws on this connection
`
	if opts.BinarySetPixel {
		text += "PBxxyyrgba: Binary version of the PX command. x and y are little-endian 16 bit coordinates, r, g, b and a are a byte each. There is no newline after the command.\n"
	}
	if opts.BinarySyncPixels {
		text += "PSxxyywwhh: Binary blit of a w*h rectangle at (x,y). All fields are little-endian 16 bit, followed by w*h raw 32 bit pixels, row-major. There is no newline after the command.\n"
	}
	return []byte(text)
}
