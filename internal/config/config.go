// Package config carries the full runtime configuration: CLI flags layered
// over an optional TOML file layered over the defaults.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/pixelflood/internal/parser"
)

const DefaultNetworkBufferSize = 256 * 1024

// MinNetworkBufferSize keeps the per-connection buffer large enough to
// amortize syscalls; anything smaller is a configuration error.
const MinNetworkBufferSize = 64 * 1024

type Config struct {
	ListenAddress string `toml:"listen_address"`
	Width         int    `toml:"width"`
	Height        int    `toml:"height"`
	FPS           int    `toml:"fps"`

	NetworkBufferSize int `toml:"network_buffer_size"`
	// ConnectionsPerIP caps concurrent connections per source address,
	// 0 means unlimited.
	ConnectionsPerIP int `toml:"connections_per_ip"`

	Text string `toml:"text"`
	Font string `toml:"font"`

	PrometheusListenAddress string `toml:"prometheus_listen_address"`

	StatisticsSaveFile        string `toml:"statistics_save_file"`
	StatisticsSaveIntervalS   int    `toml:"statistics_save_interval_s"`
	DisableStatisticsSaveFile bool   `toml:"disable_statistics_save_file"`

	RTMPAddress     string `toml:"rtmp_address"`
	VideoSaveFolder string `toml:"video_save_folder"`
	NativeDisplay   bool   `toml:"native_display"`

	SharedMemoryName string `toml:"shared_memory_name"`

	BinarySetPixel   bool `toml:"binary_set_pixel"`
	BinarySyncPixels bool `toml:"binary_sync_pixels"`
}

func Default() Config {
	return Config{
		ListenAddress:           "[::]:1234",
		Width:                   1280,
		Height:                  720,
		FPS:                     30,
		NetworkBufferSize:       DefaultNetworkBufferSize,
		Text:                    "Pixelflut server (pixelflood)",
		PrometheusListenAddress: "[::]:9100",
		StatisticsSaveFile:      "statistics.json",
		StatisticsSaveIntervalS: 10,
	}
}

// LoadFile overlays the TOML file at path onto cfg. Only keys present in the
// file override; everything else keeps its current value.
func LoadFile(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config: %s has unknown keys: %v", path, undecoded)
	}
	return nil
}

func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address must not be empty")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("config: width and height must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.Width > 0xffff || c.Height > 0xffff {
		return fmt.Errorf("config: width and height must fit in 16 bits, got %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("config: fps must be positive, got %d", c.FPS)
	}
	if c.NetworkBufferSize < MinNetworkBufferSize {
		return fmt.Errorf("config: network_buffer_size must be at least %d bytes, got %d",
			MinNetworkBufferSize, c.NetworkBufferSize)
	}
	if c.ConnectionsPerIP < 0 {
		return fmt.Errorf("config: connections_per_ip must not be negative, got %d", c.ConnectionsPerIP)
	}
	if !c.DisableStatisticsSaveFile {
		if c.StatisticsSaveFile == "" {
			return fmt.Errorf("config: statistics_save_file must not be empty unless saving is disabled")
		}
		if c.StatisticsSaveIntervalS <= 0 {
			return fmt.Errorf("config: statistics_save_interval_s must be positive, got %d",
				c.StatisticsSaveIntervalS)
		}
	}
	return nil
}

// ParserOptions translates the binary feature toggles for the parser.
func (c Config) ParserOptions() parser.Options {
	return parser.Options{
		BinarySetPixel:   c.BinarySetPixel,
		BinarySyncPixels: c.BinarySyncPixels,
	}
}
