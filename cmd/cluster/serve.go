package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"ArcPSI/internal/cluster"
	"ArcPSI/internal/logger"
	"ArcPSI/internal/metrics"
	"ArcPSI/internal/network"
)

// runServe serves the cluster until SIGINT or SIGTERM.
func runServe(args []string) error {
	cfg, err := parseServeFlags(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger.Init(level)

	c, err := cluster.LoadConfig(cfg.ClusterFile)
	if err != nil {
		return err
	}

	secrets, err := cluster.LoadSecrets(cfg.SecretsFile, c)
	if err != nil {
		return err
	}

	exec, err := cluster.NewExecutor(c, secrets)
	if err != nil {
		return fmt.Errorf("create executor:\n%w", err)
	}

	key, err := network.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	authorize, err := allowList(cfg.Allow)
	if err != nil {
		return err
	}

	listen := cfg.ListenAddr
	if listen == "" {
		listen = c.Members[0].Address
	}

	node, err := network.NewNode(network.Config{
		PrivateKey: key,
		ListenAddr: listen,
		Authorize:  authorize,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	srv := cluster.NewServer(node, cluster.NewLocal(exec, cfg.Workers, cfg.QueueSize))
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server:\n%w", err)
	}

	logger.Info("cluster transport key", "pubkey", hex.EncodeToString(key.Public().(ed25519.PublicKey)))

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String(), "parked_results", srv.Pending())

	var result *multierror.Error

	if err := srv.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if metricsSrv != nil {
		if err := metricsSrv.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// allowList builds an Authorize function from hex keys; nil allows all.
func allowList(keys []string) (func(ed25519.PublicKey) bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	allowed := make([]ed25519.PublicKey, len(keys))

	for i, k := range keys {
		raw, err := hex.DecodeString(k)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid allowed key %q", k)
		}

		allowed[i] = raw
	}

	return func(pub ed25519.PublicKey) bool {
		for _, k := range allowed {
			if bytes.Equal(k, pub) {
				return true
			}
		}

		return false
	}, nil
}
