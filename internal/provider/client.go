// Package provider talks to the VM hosting service: machine
// lifecycle calls plus per-VM connection credentials.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hdresearch/vmswarm/internal/config"
)

// Client is the remote HTTP lifecycle client. Credentials are
// memoized per VM id for the lifetime of the process; everything else
// is a straight request per call.
type Client struct {
	cfg  config.ProviderConfig
	http *http.Client

	mu    sync.Mutex
	creds map[string]*Credential
}

func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: 60 * time.Second},
		creds: make(map[string]*Credential),
	}
}

func (c *Client) List(ctx context.Context) ([]VM, error) {
	var out struct {
		VMs []VM `json:"vms"`
	}
	if err := c.do(ctx, http.MethodGet, "/vms", nil, &out); err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	return out.VMs, nil
}

func (c *Client) Create(ctx context.Context, opts CreateOptions) (*VM, error) {
	var vm VM
	if err := c.do(ctx, http.MethodPost, "/vms", opts, &vm); err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}
	slog.Info("vm created", "vm", vm.ID, "state", vm.State)
	return &vm, nil
}

func (c *Client) Delete(ctx context.Context, vmID string) error {
	if err := c.do(ctx, http.MethodDelete, "/vms/"+vmID, nil, nil); err != nil {
		return fmt.Errorf("delete vm %s: %w", vmID, err)
	}
	c.mu.Lock()
	delete(c.creds, vmID)
	c.mu.Unlock()
	slog.Info("vm deleted", "vm", vmID)
	return nil
}

func (c *Client) Branch(ctx context.Context, vmID string) (*VM, error) {
	var vm VM
	if err := c.do(ctx, http.MethodPost, "/vms/"+vmID+"/branch", nil, &vm); err != nil {
		return nil, fmt.Errorf("branch vm %s: %w", vmID, err)
	}
	return &vm, nil
}

func (c *Client) Commit(ctx context.Context, vmID string, keepPaused bool) (string, error) {
	body := map[string]bool{"keep_paused": keepPaused}
	var out struct {
		CommitID string `json:"commit_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/vms/"+vmID+"/commit", body, &out); err != nil {
		return "", fmt.Errorf("commit vm %s: %w", vmID, err)
	}
	return out.CommitID, nil
}

func (c *Client) Restore(ctx context.Context, commitID string) (*VM, error) {
	var vm VM
	if err := c.do(ctx, http.MethodPost, "/commits/"+commitID+"/restore", nil, &vm); err != nil {
		return nil, fmt.Errorf("restore commit %s: %w", commitID, err)
	}
	return &vm, nil
}

func (c *Client) SetState(ctx context.Context, vmID, state string) error {
	if state != StateRunning && state != StatePaused {
		return fmt.Errorf("invalid target state %q", state)
	}
	body := map[string]string{"state": state}
	if err := c.do(ctx, http.MethodPatch, "/vms/"+vmID+"/state", body, nil); err != nil {
		return fmt.Errorf("set vm %s state: %w", vmID, err)
	}
	return nil
}

// GetCredential fetches the connection secret for a VM, caching it so
// repeated calls for the same id cost nothing. The cache entry is
// dropped when the VM is deleted through this client.
func (c *Client) GetCredential(ctx context.Context, vmID string) (*Credential, error) {
	c.mu.Lock()
	if cred, ok := c.creds[vmID]; ok {
		c.mu.Unlock()
		return cred, nil
	}
	c.mu.Unlock()

	var cred Credential
	if err := c.do(ctx, http.MethodGet, "/vms/"+vmID+"/credential", nil, &cred); err != nil {
		return nil, fmt.Errorf("get credential for %s: %w", vmID, err)
	}

	c.mu.Lock()
	c.creds[vmID] = &cred
	c.mu.Unlock()
	return &cred, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	// Resolved per request so a rotated token takes effect without
	// restarting the process.
	token, err := c.cfg.ResolveToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
