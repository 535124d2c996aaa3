package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"ArcPSI/internal/api"
	"ArcPSI/internal/circuit"
	"ArcPSI/internal/cluster"
	"ArcPSI/internal/logger"
	"ArcPSI/internal/matching"
	"ArcPSI/internal/network"
	"ArcPSI/internal/registry"
	"ArcPSI/internal/storage"
)

// Node is a running ArcPSI node: the registry, the computation
// lifecycle and the HTTP API in front of them.
type Node struct {
	cfg      *Config
	storage  *storage.Storage
	registry *registry.Registry
	cluster  *cluster.Config
	service  *matching.Service
	local    *cluster.Local  // local is set when the cluster runs in process
	remote   *cluster.Remote // remote is set when the cluster is reached over QUIC
	network  *network.Node   // network carries remote submissions
	api      *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	steps := []func() error{
		n.initStorage,
		n.initRegistry,
		n.initCluster,
		n.initMatching,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	n.api = api.New(cfg.HTTPAddress, n.registry, n.service)

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initRegistry opens the registry, initializing it on first start.
func (n *Node) initRegistry() error {
	reg, err := registry.Open(n.storage)
	if err != nil {
		return fmt.Errorf("open registry:\n%w", err)
	}

	if reg.Authority() == "" {
		if err := reg.Init(n.cfg.Authority); err != nil {
			return fmt.Errorf("init registry:\n%w", err)
		}
	}

	n.registry = reg

	return nil
}

// initCluster sets up the provider, in process or remote.
func (n *Node) initCluster() error {
	c, err := cluster.LoadConfig(n.cfg.ClusterFile)
	if err != nil {
		return err
	}

	n.cluster = c

	if n.cfg.SecretsFile != "" {
		return n.initLocalCluster()
	}

	return n.initRemoteCluster()
}

func (n *Node) initLocalCluster() error {
	secrets, err := cluster.LoadSecrets(n.cfg.SecretsFile, n.cluster)
	if err != nil {
		return err
	}

	exec, err := cluster.NewExecutor(n.cluster, secrets)
	if err != nil {
		return fmt.Errorf("create executor:\n%w", err)
	}

	n.local = cluster.NewLocal(exec, n.cfg.Workers, n.cfg.QueueSize)

	return nil
}

func (n *Node) initRemoteCluster() error {
	addr := n.cfg.ClusterAddr
	if addr == "" {
		addr = n.cluster.Members[0].Address
	}

	if addr == "" {
		return fmt.Errorf("no cluster address: set -cluster-addr or a member address")
	}

	node, err := network.NewNode(network.Config{PrivateKey: n.cfg.PrivateKey})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node
	n.remote = cluster.NewRemote(node, addr, circuit.MatchCircuit().ID())

	return nil
}

// initMatching creates the lifecycle service over the chosen provider.
func (n *Node) initMatching() error {
	store, err := matching.NewStore(n.storage, n.cfg.CacheSize)
	if err != nil {
		return err
	}

	var provider matching.Provider = n.local
	if n.remote != nil {
		provider = n.remote
	}

	svc, err := matching.New(matching.Config{
		Provider: provider,
		Registry: n.registry,
		Cluster:  n.cluster.Identity(),
		Store:    store,
	})
	if err != nil {
		return fmt.Errorf("create lifecycle:\n%w", err)
	}

	if n.remote != nil {
		// Results of computations submitted before a restart.
		n.remote.SetFallback(func(id matching.ComputationID, out *matching.SignedOutput) {
			if _, err := svc.OnCallback(id, out); err != nil {
				logger.Warn("late callback rejected", "computation", id, "error", err)
			}
		})
	}

	n.service = svc

	return nil
}

// Run starts the API and blocks until shutdown.
func (n *Node) Run() error {
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	if n.remote != nil {
		// Submissions dial on demand; this only collects parked results early.
		if err := n.remote.Connect(); err != nil {
			logger.Warn("cluster unreachable", "error", err)
		}
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	var result *multierror.Error

	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop api:\n%w", err))
		}
	}

	if n.network != nil {
		if err := n.network.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close network:\n%w", err))
		}
	}

	if n.local != nil {
		n.local.Close()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close storage:\n%w", err))
		}
	}

	return result.ErrorOrNil()
}
