package main

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nullstream/gobit/internal/config"
	"github.com/nullstream/gobit/internal/logging"
	"github.com/nullstream/gobit/internal/meta"
	"github.com/nullstream/gobit/internal/swarm"
)

func main() {
	setupLogger()

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s METAINFO_PATH\n", os.Args[0])
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		slog.Error("failed to read metainfo file", "path", os.Args[1], "error", err.Error())
		os.Exit(1)
	}

	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		slog.Error("failed to parse metainfo", "error", err.Error())
		os.Exit(1)
	}

	peerID, err := generatePeerID()
	if err != nil {
		slog.Error("failed to generate peer id", "error", err.Error())
		os.Exit(1)
	}

	cwd, err := os.Getwd()
	if err != nil {
		slog.Error("failed to resolve working directory", "error", err.Error())
		os.Exit(1)
	}

	cfg := config.Default(cwd, peerID)

	ctrl, err := swarm.New(mi, cfg, slog.Default())
	if err != nil {
		slog.Error("failed to start torrent", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("torrent run ended with error", "error", err.Error())
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

func generatePeerID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-GB0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
