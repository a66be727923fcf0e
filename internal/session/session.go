// Package session turns a VM id into connection parameters: target
// host, key file on local disk, and the TLS tunnel through the
// proxy. It never runs commands itself.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hdresearch/vmswarm/internal/config"
	"github.com/hdresearch/vmswarm/internal/provider"
)

// Descriptor holds everything needed to open a shell connection to
// one VM.
type Descriptor struct {
	VMID    string
	Host    string
	Port    int
	User    string
	KeyPath string
	// ProxyCommand tunnels the connection through the TLS relay,
	// routing by server name. Empty means connect directly (local
	// provider).
	ProxyCommand string
}

// Connector assembles Descriptors and owns the on-disk credential
// cache. Key material is fetched once per VM id and written to a
// file only the current user can read, since the connection tool
// needs it as a file.
type Connector struct {
	prov provider.Provider
	pcfg config.ProviderConfig
	scfg config.SSHConfig

	mu   sync.Mutex
	keys map[string]string // vm id → key file path
}

func NewConnector(prov provider.Provider, pcfg config.ProviderConfig, scfg config.SSHConfig) *Connector {
	return &Connector{
		prov: prov,
		pcfg: pcfg,
		scfg: scfg,
		keys: make(map[string]string),
	}
}

// Describe resolves the connection descriptor for a VM, materializing
// the credential file if this is the first time the VM is addressed.
func (c *Connector) Describe(ctx context.Context, vmID string) (*Descriptor, error) {
	cred, err := c.prov.GetCredential(ctx, vmID)
	if err != nil {
		return nil, err
	}

	keyPath, err := c.keyFile(vmID, cred.Key)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		VMID:    vmID,
		User:    c.scfg.User,
		Port:    cred.Port,
		KeyPath: keyPath,
	}
	if c.pcfg.Local {
		d.Host = "127.0.0.1"
		return d, nil
	}

	d.Host = vmID + c.pcfg.DomainSuffix
	d.ProxyCommand = fmt.Sprintf("openssl s_client -quiet -connect %s -servername %s 2>/dev/null",
		c.pcfg.ProxyAddr, d.Host)
	return d, nil
}

func (c *Connector) keyFile(vmID, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path, ok := c.keys[vmID]; ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		// File vanished underneath us, rewrite it.
		delete(c.keys, vmID)
	}

	if err := os.MkdirAll(c.scfg.KeyDir, 0o700); err != nil {
		return "", fmt.Errorf("create key dir: %w", err)
	}

	path := filepath.Join(c.scfg.KeyDir, vmID+".key")
	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}

	c.keys[vmID] = path
	slog.Debug("credential materialized", "vm", vmID, "path", path)
	return path, nil
}

// Invalidate drops the cached key file for a VM. Called when the VM
// is deleted so a reused id cannot pick up a stale credential.
func (c *Connector) Invalidate(vmID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, ok := c.keys[vmID]
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove key file", "vm", vmID, "error", err)
	}
	delete(c.keys, vmID)
}
