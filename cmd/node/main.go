package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"ArcPSI/internal/logger"
	"ArcPSI/internal/network"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger.Init(level)

	cfg.PrivateKey, err = network.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	if cfg.Authority == "" {
		cfg.Authority = hex.EncodeToString(cfg.PrivateKey.Public().(ed25519.PublicKey))
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, n *Node) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	mode := "remote"
	if n.local != nil {
		mode = "local"
	}

	logger.Info("starting ArcPSI node",
		"pubkey", hex.EncodeToString(pubKey),
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
		"cluster", cfg.ClusterFile,
		"mode", mode,
	)
}
