package provider

import (
	"context"
	"fmt"
	"time"
)

// VM lifecycle states as reported by the hosting service.
const (
	StateBooting = "booting"
	StateRunning = "running"
	StatePaused  = "paused"
)

// VM describes one hosted machine.
type VM struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential is the per-VM connection secret: private key material
// plus the remote-shell port behind the proxy.
type Credential struct {
	Key  string `json:"key"`
	Port int    `json:"port"`
}

// CreateOptions controls VM creation.
type CreateOptions struct {
	Image       string `json:"image,omitempty"`
	CommitID    string `json:"commit_id,omitempty"`
	WaitForBoot bool   `json:"wait_for_boot"`
}

// Provider is the VM lifecycle surface used by the rest of the
// system. The remote HTTP client and the local Docker provider both
// implement it.
type Provider interface {
	List(ctx context.Context) ([]VM, error)
	Create(ctx context.Context, opts CreateOptions) (*VM, error)
	Delete(ctx context.Context, vmID string) error
	Branch(ctx context.Context, vmID string) (*VM, error)
	Commit(ctx context.Context, vmID string, keepPaused bool) (string, error)
	Restore(ctx context.Context, commitID string) (*VM, error)
	SetState(ctx context.Context, vmID, state string) error
	GetCredential(ctx context.Context, vmID string) (*Credential, error)
}

// Error reports a non-success response from the lifecycle API.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// Retryable treats server-side failures as transient; 4xx responses
// will not improve on retry.
func (e *Error) Retryable() bool {
	return e.Status >= 500
}
