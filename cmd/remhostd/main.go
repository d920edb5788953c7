package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/rembraille/rembraille/internal/braille"
	"github.com/rembraille/rembraille/internal/host"
	"github.com/rembraille/rembraille/internal/logging"
)

// consoleSink renders display payloads as Unicode braille in the log.
type consoleSink struct {
	logger zerolog.Logger
}

func (s consoleSink) DisplayCells(cells []byte) {
	s.logger.Info().
		Int("cells", len(cells)).
		Str("braille", braille.CellsToUnicode(cells)).
		Str("ascii", braille.CellsToASCII(cells)).
		Msg("display")
}

func main() {
	configPath := flag.String("config", "", "path to host TOML config")
	flag.Parse()

	logger := logging.ForApp("remhostd")

	cfg := defaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "remhostd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	server := host.NewServer(cfg.Host, consoleSink{logger: logger})

	ln, err := server.Listen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "remhostd: listen: %v\n", err)
		os.Exit(1)
	}

	if cfg.AdminAddr != "" {
		router := server.AdminRouter(cfg.CorsOrigins)
		go func() {
			if err := router.Run(cfg.AdminAddr); err != nil {
				logger.Error().Err(err).Str("addr", cfg.AdminAddr).Msg("admin server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx, ln); err != nil {
		fmt.Fprintf(os.Stderr, "remhostd: %v\n", err)
		os.Exit(1)
	}
}
