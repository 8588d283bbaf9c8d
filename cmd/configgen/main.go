package main

import (
	"flag"
	"log"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/pixelflood/internal/config"
)

func main() {
	output := flag.String("output", "", "output path for the config template, empty writes to stdout")
	validate := flag.Bool("validate", false, "validate an existing config file instead of generating one")
	input := flag.String("input", "pixelflood.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite an existing config file")
	flag.Parse()

	if *validate {
		cfg := config.Default()
		if err := config.LoadFile(*input, &cfg); err != nil {
			log.Fatal(err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s", *input)
		return
	}

	out := os.Stdout
	if *output != "" {
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if !*force {
			flags |= os.O_EXCL
		}
		f, err := os.OpenFile(*output, flags, 0o644)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		out = f
	}

	if err := toml.NewEncoder(out).Encode(config.Default()); err != nil {
		log.Fatal(err)
	}
}
