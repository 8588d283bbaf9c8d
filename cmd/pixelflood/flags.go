package main

import (
	"flag"

	"github.com/danmuck/pixelflood/internal/config"
)

// parseFlags resolves the effective configuration: defaults, then the TOML
// file named by --config, then any flag given explicitly on the command line.
func parseFlags(args []string) (config.Config, error) {
	cfg := config.Default()

	fs := flag.NewFlagSet("pixelflood", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional TOML config file, flags override its values")

	fs.StringVar(&cfg.ListenAddress, "listen-address", cfg.ListenAddress,
		"TCP listen address of the pixelflut server")
	fs.IntVar(&cfg.Width, "width", cfg.Width, "width of the drawing surface")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "height of the drawing surface")
	fs.IntVar(&cfg.FPS, "fps", cfg.FPS, "target frames per second for display sinks")
	fs.IntVar(&cfg.NetworkBufferSize, "network-buffer-size", cfg.NetworkBufferSize,
		"receive buffer size in bytes per TCP connection")
	fs.IntVar(&cfg.ConnectionsPerIP, "connections-per-ip", cfg.ConnectionsPerIP,
		"maximum concurrent connections per source IP, 0 means unlimited")
	fs.StringVar(&cfg.Text, "text", cfg.Text, "status text stamped onto the canvas at startup")
	fs.StringVar(&cfg.Font, "font", cfg.Font,
		"path to a TTF used for the status text, empty uses a built-in bitmap font")
	fs.StringVar(&cfg.PrometheusListenAddress, "prometheus-listen-address",
		cfg.PrometheusListenAddress, "listen address of the metrics and web endpoints")
	fs.StringVar(&cfg.StatisticsSaveFile, "statistics-save-file", cfg.StatisticsSaveFile,
		"JSON file statistics are periodically saved to and restored from")
	fs.IntVar(&cfg.StatisticsSaveIntervalS, "statistics-save-interval-s",
		cfg.StatisticsSaveIntervalS, "seconds between statistics save file updates")
	fs.BoolVar(&cfg.DisableStatisticsSaveFile, "disable-statistics-save-file",
		cfg.DisableStatisticsSaveFile, "disable the periodic statistics save file")
	fs.StringVar(&cfg.RTMPAddress, "rtmp-address", cfg.RTMPAddress,
		"stream the canvas to this RTMP address, e.g. rtmp://127.0.0.1:1935/live/test")
	fs.StringVar(&cfg.VideoSaveFolder, "video-save-folder", cfg.VideoSaveFolder,
		"dump the canvas video stream into this folder")
	fs.BoolVar(&cfg.NativeDisplay, "native-display", cfg.NativeDisplay,
		"open a desktop window showing the canvas (requires the native build tag)")
	fs.StringVar(&cfg.SharedMemoryName, "shared-memory-name", cfg.SharedMemoryName,
		"back the framebuffer by a named shared memory region")
	fs.BoolVar(&cfg.BinarySetPixel, "binary-set-pixel", cfg.BinarySetPixel,
		"enable the PB binary set-pixel command")
	fs.BoolVar(&cfg.BinarySyncPixels, "binary-sync-pixels", cfg.BinarySyncPixels,
		"enable the PS binary rectangle blit command")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	if *configPath != "" {
		merged := config.Default()
		if err := config.LoadFile(*configPath, &merged); err != nil {
			return config.Config{}, err
		}
		applyExplicitFlags(fs, &merged, cfg)
		cfg = merged
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyExplicitFlags copies flags the user actually set over the file-derived
// config, so the command line always wins.
func applyExplicitFlags(fs *flag.FlagSet, merged *config.Config, parsed config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen-address":
			merged.ListenAddress = parsed.ListenAddress
		case "width":
			merged.Width = parsed.Width
		case "height":
			merged.Height = parsed.Height
		case "fps":
			merged.FPS = parsed.FPS
		case "network-buffer-size":
			merged.NetworkBufferSize = parsed.NetworkBufferSize
		case "connections-per-ip":
			merged.ConnectionsPerIP = parsed.ConnectionsPerIP
		case "text":
			merged.Text = parsed.Text
		case "font":
			merged.Font = parsed.Font
		case "prometheus-listen-address":
			merged.PrometheusListenAddress = parsed.PrometheusListenAddress
		case "statistics-save-file":
			merged.StatisticsSaveFile = parsed.StatisticsSaveFile
		case "statistics-save-interval-s":
			merged.StatisticsSaveIntervalS = parsed.StatisticsSaveIntervalS
		case "disable-statistics-save-file":
			merged.DisableStatisticsSaveFile = parsed.DisableStatisticsSaveFile
		case "rtmp-address":
			merged.RTMPAddress = parsed.RTMPAddress
		case "video-save-folder":
			merged.VideoSaveFolder = parsed.VideoSaveFolder
		case "native-display":
			merged.NativeDisplay = parsed.NativeDisplay
		case "shared-memory-name":
			merged.SharedMemoryName = parsed.SharedMemoryName
		case "binary-set-pixel":
			merged.BinarySetPixel = parsed.BinarySetPixel
		case "binary-sync-pixels":
			merged.BinarySyncPixels = parsed.BinarySyncPixels
		}
	})
}
