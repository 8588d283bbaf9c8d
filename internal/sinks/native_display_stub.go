//go:build !native

package sinks

import (
	"errors"

	"github.com/danmuck/pixelflood/internal/stats"
)

var errNativeDisabled = errors.New("sinks: built without native display support, rebuild with -tags native")

func NewNativeDisplay(canvas Canvas, aggregator *stats.Aggregator, fps int) (Sink, error) {
	return nil, errNativeDisabled
}
