package app

import (
	"context"
	"errors"
	"io/fs"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// Run is the CLI entrypoint used by cmd/dmrelay.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	// A missing .env is normal outside local dev; real env vars always win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}

	return a.Run(ctx)
}
