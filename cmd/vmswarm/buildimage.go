package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hdresearch/vmswarm/internal/config"
	"github.com/hdresearch/vmswarm/internal/provider"
)

// runBuildImage builds the local provider's node image from
// Dockerfile.node. The shared dev keypair the image bakes in is
// generated first when it does not exist yet.
func runBuildImage() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := ensureDevKeypair(cfg.SSH.KeyDir); err != nil {
		return err
	}

	local, err := provider.NewLocal(cfg.Provider, cfg.SSH.KeyDir)
	if err != nil {
		return fmt.Errorf("init local provider: %w", err)
	}
	return local.BuildImage(context.Background())
}

func ensureDevKeypair(keyDir string) error {
	keyPath := filepath.Join(keyDir, "local_dev")
	if _, err := os.Stat(keyPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	keygen := exec.Command("ssh-keygen", "-t", "ed25519", "-N", "", "-C", "vmswarm-local-dev", "-f", keyPath)
	if out, err := keygen.CombinedOutput(); err != nil {
		return fmt.Errorf("generate dev keypair: %v: %s", err, out)
	}
	slog.Info("generated local dev keypair", "path", keyPath)
	return nil
}
