package main

import (
	"flag"
	"fmt"
	"strings"
)

// KeygenConfig holds the keygen command configuration.
type KeygenConfig struct {
	// Members is the number of cluster members.
	Members int

	// Threshold is the minimum number of signers (2/3 quorum if 0).
	Threshold int

	// Addrs are the member QUIC addresses, in member order.
	Addrs []string

	// OutDir receives cluster.toml and secrets.toml.
	OutDir string
}

// ServeConfig holds the serve command configuration.
type ServeConfig struct {
	// ClusterFile is the public cluster file.
	ClusterFile string

	// SecretsFile holds every member secret.
	SecretsFile string

	// ListenAddr is the QUIC address (member 0's address by default).
	ListenAddr string

	// KeyPath is the path to the Ed25519 transport key file.
	KeyPath string

	// Allow restricts submissions to these node transport keys (hex).
	Allow []string

	// Workers is the number of evaluation workers.
	Workers int

	// QueueSize is the capacity of the evaluation queue.
	QueueSize int

	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string

	// LogLevel is the minimum log level.
	LogLevel string
}

// parseKeygenFlags parses the keygen command line.
func parseKeygenFlags(args []string) (*KeygenConfig, error) {
	cfg := &KeygenConfig{}
	var addrs string

	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.IntVar(&cfg.Members, "n", 3, "Number of cluster members")
	fs.IntVar(&cfg.Threshold, "threshold", 0, "Minimum number of signers (0 for a 2/3 quorum)")
	fs.StringVar(&addrs, "addrs", "", "Comma-separated member QUIC addresses")
	fs.StringVar(&cfg.OutDir, "out", ".", "Output directory")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Members < 1 {
		return nil, fmt.Errorf("need at least one member")
	}

	cfg.Addrs = splitList(addrs)

	return cfg, nil
}

// parseServeFlags parses the serve command line.
func parseServeFlags(args []string) (*ServeConfig, error) {
	cfg := &ServeConfig{}
	var allow string

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.ClusterFile, "cluster", "./cluster.toml", "Cluster file path")
	fs.StringVar(&cfg.SecretsFile, "secrets", "./secrets.toml", "Cluster secrets file path")
	fs.StringVar(&cfg.ListenAddr, "listen", "", "QUIC listen address (default: member 0 address)")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 transport key path (generates new if missing)")
	fs.StringVar(&allow, "allow", "", "Comma-separated hex transport keys of allowed nodes (default: any)")
	fs.IntVar(&cfg.Workers, "workers", 2, "Evaluation workers")
	fs.IntVar(&cfg.QueueSize, "queue", 64, "Evaluation queue size")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "Prometheus metrics address")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Allow = splitList(allow)

	return cfg, nil
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
