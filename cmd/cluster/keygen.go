package main

import (
	"fmt"
	"os"
	"path/filepath"

	"ArcPSI/internal/cluster"
)

// runKeygen writes a fresh cluster file and its secrets.
func runKeygen(args []string) error {
	cfg, err := parseKeygenFlags(args)
	if err != nil {
		return err
	}

	c, secrets, err := cluster.Generate(cfg.Members, cfg.Threshold, cfg.Addrs)
	if err != nil {
		return fmt.Errorf("generate cluster:\n%w", err)
	}

	if err := os.MkdirAll(cfg.OutDir, 0755); err != nil {
		return fmt.Errorf("create output directory:\n%w", err)
	}

	clusterPath := filepath.Join(cfg.OutDir, "cluster.toml")
	secretsPath := filepath.Join(cfg.OutDir, "secrets.toml")

	if _, err := os.Stat(secretsPath); err == nil {
		return fmt.Errorf("%s already exists", secretsPath)
	}

	if err := c.Save(clusterPath); err != nil {
		return err
	}

	if err := cluster.SaveSecrets(secretsPath, secrets); err != nil {
		return err
	}

	id := c.ID()
	fmt.Printf("cluster %x: %d members, threshold %d\n", id[:8], len(c.Members), c.Threshold)
	fmt.Printf("wrote %s and %s\n", clusterPath, secretsPath)

	return nil
}
