package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rembraille/rembraille/internal/braille"
	"github.com/rembraille/rembraille/internal/client"
	"github.com/rembraille/rembraille/internal/config"
	"github.com/rembraille/rembraille/internal/logging"
)

func main() {
	settingsPath := flag.String("settings", "remctl.toml", "path to persisted connection settings")
	hostFlag := flag.String("host", "", "peer address (overrides and persists the stored one)")
	portFlag := flag.Uint("port", 0, "peer port (overrides and persists the stored one)")
	text := flag.String("text", "", "send this text as a display payload and wait for key events")
	flag.Parse()

	logger := logging.ForApp("remctl")

	settings, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remctl: %v\n", err)
		os.Exit(1)
	}

	explicitTarget := *hostFlag != "" || *portFlag != 0
	if *hostFlag != "" {
		settings.HostAddress = *hostFlag
	}
	if *portFlag != 0 {
		if *portFlag > 0xFFFF {
			fmt.Fprintf(os.Stderr, "remctl: port out of range: %d\n", *portFlag)
			os.Exit(1)
		}
		settings.Port = uint16(*portFlag)
	}
	if explicitTarget {
		if err := config.Save(*settingsPath, settings); err != nil {
			logger.Warn().Err(err).Msg("could not persist settings")
		}
	}

	if !settings.AutoConnect && !explicitTarget {
		fmt.Fprintln(os.Stderr, "remctl: auto-connect disabled; pass -host to connect explicitly")
		os.Exit(1)
	}

	cl := client.New(client.Config{ReconnectDelay: settings.WireReconnectDelay})
	cl.SetStateHandler(func(connected bool, detail string) {
		logger.Info().Bool("connected", connected).Msg(detail)
	})
	cl.SetKeyHandler(func(keyID uint16, pressed bool) {
		logger.Info().Uint16("key_id", keyID).Bool("pressed", pressed).Msg("key event")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer cl.Disconnect()

	if err := cl.ConnectWith(ctx, settings); err != nil {
		fmt.Fprintf(os.Stderr, "remctl: connect: %v\n", err)
		os.Exit(1)
	}

	if *text != "" {
		if err := cl.SendDisplayCells(fitToDisplay(*text, cl.Capability())); err != nil {
			fmt.Fprintf(os.Stderr, "remctl: send: %v\n", err)
			os.Exit(1)
		}
	}

	// Each stdin line becomes one display payload until EOF or a signal.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := cl.SendDisplayCells(fitToDisplay(line, cl.Capability())); err != nil {
				logger.Warn().Err(err).Msg("send failed")
			}
		}
	}
}

// fitToDisplay pads or truncates the text to the negotiated cell count so
// the peer always receives a full line.
func fitToDisplay(text string, cells int) []byte {
	out := braille.TextToCells(text)
	if cells <= 0 {
		return out
	}
	if len(out) > cells {
		return out[:cells]
	}
	for len(out) < cells {
		out = append(out, 0)
	}
	return out
}
