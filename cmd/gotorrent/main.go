package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/matei-oltean/gotorrent/internal/session"
	"github.com/matei-oltean/gotorrent/internal/tracker"
)

func usage() {
	fmt.Fprintf(os.Stderr, `%s [options] <torrent-file>

    torrent-file        Path of the torrent file

    -o, -output <dir>   Optional: path of the output directory.
                         Defaults to the current directory.
`, os.Args[0])
	os.Exit(2)
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("GOTORRENT_LOG"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func main() {
	var outDir string
	flag.Usage = usage
	flag.StringVar(&outDir, "o", "", "")
	flag.StringVar(&outDir, "output", "", "")
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}

	log := newLogger()

	sess, err := session.New(session.Config{
		TorrentPath: flag.Arg(0),
		OutputDir:   outDir,
		Logger:      log,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to start")
		os.Exit(2)
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Run(ctx); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a run failure to the process exit code contract.
func exitCodeFor(err error) int {
	var trackerErr *tracker.Error
	if errors.As(err, &trackerErr) {
		return 3
	}
	return 4
}
