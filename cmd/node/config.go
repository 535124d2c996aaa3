package main

import (
	"crypto/ed25519"
	"flag"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// KeyPath is the path to the Ed25519 transport key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 transport key.
	PrivateKey ed25519.PrivateKey

	// ClusterFile is the public cluster file.
	ClusterFile string

	// SecretsFile holds every member secret. When set, the cluster runs
	// in process instead of being reached over QUIC.
	SecretsFile string

	// ClusterAddr overrides the address of the remote cluster
	// (member 0's address by default).
	ClusterAddr string

	// Authority is recorded when the registry is first initialized
	// (the transport public key by default).
	Authority string

	// Workers is the number of local evaluation workers.
	Workers int

	// QueueSize is the capacity of the local evaluation queue.
	QueueSize int

	// CacheSize is the number of resolved computations kept in memory.
	CacheSize int

	// LogLevel is the minimum log level.
	LogLevel string
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 transport key path (generates new if missing)")
	flag.StringVar(&cfg.ClusterFile, "cluster", "./cluster.toml", "Cluster file path")
	flag.StringVar(&cfg.SecretsFile, "secrets", "", "Cluster secrets file (runs the cluster in process)")
	flag.StringVar(&cfg.ClusterAddr, "cluster-addr", "", "Remote cluster QUIC address (default: member 0 address)")
	flag.StringVar(&cfg.Authority, "authority", "", "Registry authority recorded at first start")
	flag.IntVar(&cfg.Workers, "workers", 2, "Local evaluation workers")
	flag.IntVar(&cfg.QueueSize, "queue", 64, "Local evaluation queue size")
	flag.IntVar(&cfg.CacheSize, "cache", 1024, "Resolved computations kept in memory")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	return cfg
}
