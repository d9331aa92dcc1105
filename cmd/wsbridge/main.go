package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/tim-napoli/wsbridge/internal/bridge"
	"github.com/tim-napoli/wsbridge/internal/logger"
	"github.com/tim-napoli/wsbridge/internal/registry"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:      "wsbridge",
		Usage:     "WebSocket-to-TCP bridge",
		UsageText: "wsbridge <listen-port> <upstream-host> <upstream-port>",
		Version:   bi.Main.Version,
		Flags:     flags(),
		Action:    run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.StringFlag{
			Name:  "metrics-dir",
			Usage: "directory to write session metrics CSV files to (default: working directory)",
		},
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	l := initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))
	ctx = logger.WithContext(ctx, l)

	listenPort := cmd.Args().Get(0)
	upstreamHost := cmd.Args().Get(1)
	upstreamPort := cmd.Args().Get(2)
	if listenPort == "" || upstreamHost == "" || upstreamPort == "" {
		return fmt.Errorf("usage: %s", cmd.UsageText)
	}
	if _, err := parsePort(listenPort); err != nil {
		return fmt.Errorf("invalid listen port %q: %w", listenPort, err)
	}
	if _, err := parsePort(upstreamPort); err != nil {
		return fmt.Errorf("invalid upstream port %q: %w", upstreamPort, err)
	}
	upstreamAddr := net.JoinHostPort(upstreamHost, upstreamPort)

	ln, err := net.Listen("tcp4", ":"+listenPort)
	if err != nil {
		return fmt.Errorf("unable to listen on port %s: %w", listenPort, err)
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	l.Info().Str("listen_port", listenPort).Str("upstream", upstreamAddr).Msg("wsbridge listening")

	acceptLoop(ctx, ln, upstreamAddr, cmd.String("metrics-dir"), l)
	l.Info().Msg("wsbridge shut down")
	return nil
}

// acceptLoop owns the registry and the per-connection worker goroutines.
// It is the supervisor referenced in SPEC_FULL.md §4.4/§5: it receives the
// single cancellation context that run derives from SIGINT/SIGTERM, which
// is what every session's relay loop actually selects on, and it walks the registry's occupied
// slots to report shutdown drain progress rather than flipping a
// per-slot shutdown flag.
func acceptLoop(ctx context.Context, ln net.Listener, upstreamAddr, metricsDir string, l zerolog.Logger) {
	var reg registry.Registry
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		l.Info().Msg("shutdown requested, closing listener")
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				if inFlight := reg.Slots(); len(inFlight) > 0 {
					l.Info().Int("in_flight", len(inFlight)).Msg("waiting for in-flight sessions to finish")
				}
				wg.Wait()
				return
			default:
				l.Warn().Err(err).Msg("client connection failure")
				continue
			}
		}

		slot, ok := reg.Acquire()
		if !ok {
			l.Warn().Str("remote", conn.RemoteAddr().String()).Msg("no available session slot, rejecting")
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			bridge.New(ctx, conn, upstreamAddr, slot, metricsDir).Run(ctx)
		}()
	}
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a valid port format")
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("out of range [1,65535]")
	}
	return p, nil
}

// initLog initializes the logger for the bridge's accept loop and its
// sessions, based on whether pretty (human-readable) output was requested.
func initLog(pretty bool) zerolog.Logger {
	var w = os.Stderr
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
