// Command sealkey seals a provider API key for use with a "sealed:NAME" key
// source. The key is read from stdin and the envelope is written to stdout.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"companion/internal/config"
	"companion/internal/secrets"
)

func main() {
	name := flag.String("name", "", "environment variable that will hold the envelope, e.g. GEMINI_API_KEY_SEALED")
	reseal := flag.Bool("reseal", false, "read an existing envelope and seal it again under the current key")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if strings.TrimSpace(*name) == "" {
		log.Fatal().Msg("-name is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.RequireMasterKey(); err != nil {
		log.Fatal().Err(err).Msg("master key required")
	}
	sealer, err := secrets.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sealer")
	}

	in, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read stdin")
	}
	value := strings.TrimSpace(string(in))
	if value == "" {
		log.Fatal().Msg("empty input")
	}

	var out string
	if *reseal {
		out, err = sealer.Reseal(*name, value)
	} else {
		out, err = sealer.Seal(*name, value)
	}
	if err != nil {
		log.Fatal().Err(err).Str("name", *name).Msg("seal failed")
	}
	fmt.Println(out)
}
