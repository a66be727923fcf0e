package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/build"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	goarchive "github.com/moby/go-archive"

	"github.com/hdresearch/vmswarm/internal/config"
)

const (
	labelPrefix = "vmswarm"
	networkName = "vmswarm-net"
	sshPort     = "22/tcp"
)

// Local implements Provider on top of Docker containers so the whole
// stack can be exercised without the hosted VM service. Each "VM" is
// a container running sshd; branch and commit map to docker commits.
type Local struct {
	docker *client.Client
	cfg    config.ProviderConfig
	keyDir string

	mu      sync.RWMutex
	vms     map[string]*localVM
	network string
}

type localVM struct {
	containerID string
	vm          VM
	port        int
}

func NewLocal(cfg config.ProviderConfig, keyDir string) (*Local, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Local{
		docker: docker,
		cfg:    cfg,
		keyDir: keyDir,
		vms:    make(map[string]*localVM),
	}, nil
}

func (l *Local) ensureNetwork(ctx context.Context) error {
	if l.network != "" {
		return nil
	}
	_, err := l.docker.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		l.network = networkName
		return nil
	}
	_, err = l.docker.NetworkCreate(ctx, networkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	l.network = networkName
	slog.Info("created docker network", "network", networkName)
	return nil
}

func (l *Local) List(ctx context.Context) ([]VM, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]VM, 0, len(l.vms))
	for _, v := range l.vms {
		out = append(out, v.vm)
	}
	return out, nil
}

func (l *Local) Create(ctx context.Context, opts CreateOptions) (*VM, error) {
	image := opts.Image
	if opts.CommitID != "" {
		image = opts.CommitID
	}
	if image == "" {
		image = l.cfg.LocalImage
	}
	return l.run(ctx, image)
}

func (l *Local) run(ctx context.Context, image string) (*VM, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	vmID := "local-" + uuid.NewString()[:8]
	containerName := "vmswarm-" + vmID

	containerCfg := &dockercontainer.Config{
		Image:  image,
		Labels: map[string]string{labelPrefix + ".managed": "true", labelPrefix + ".vm": vmID},
	}
	hostCfg := &dockercontainer.HostConfig{
		NetworkMode:     dockercontainer.NetworkMode(l.network),
		PublishAllPorts: true,
	}

	resp, err := l.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := l.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	port, err := l.hostPort(ctx, resp.ID)
	if err != nil {
		_ = l.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, err
	}

	v := &localVM{
		containerID: resp.ID,
		port:        port,
		vm: VM{
			ID:        vmID,
			Owner:     "local",
			State:     StateRunning,
			CreatedAt: time.Now(),
		},
	}
	l.vms[vmID] = v

	slog.Info("local vm started", "vm", vmID, "container", resp.ID[:12], "port", port)
	vm := v.vm
	return &vm, nil
}

func (l *Local) hostPort(ctx context.Context, containerID string) (int, error) {
	inspect, err := l.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[sshPort]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("container exposes no ssh port")
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parse host port: %w", err)
	}
	return port, nil
}

func (l *Local) Delete(ctx context.Context, vmID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.vms[vmID]
	if !ok {
		return &Error{Status: 404, Body: fmt.Sprintf("unknown vm %s", vmID)}
	}

	timeout := 10
	if err := l.docker.ContainerStop(ctx, v.containerID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", v.containerID[:12], "error", err)
	}
	if err := l.docker.ContainerRemove(ctx, v.containerID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", v.containerID[:12], "error", err)
	}

	delete(l.vms, vmID)
	slog.Info("local vm deleted", "vm", vmID)
	return nil
}

func (l *Local) Branch(ctx context.Context, vmID string) (*VM, error) {
	commitID, err := l.Commit(ctx, vmID, false)
	if err != nil {
		return nil, err
	}
	return l.run(ctx, commitID)
}

func (l *Local) Commit(ctx context.Context, vmID string, keepPaused bool) (string, error) {
	l.mu.RLock()
	v, ok := l.vms[vmID]
	l.mu.RUnlock()
	if !ok {
		return "", &Error{Status: 404, Body: fmt.Sprintf("unknown vm %s", vmID)}
	}

	if err := l.docker.ContainerPause(ctx, v.containerID); err != nil {
		return "", fmt.Errorf("pause for commit: %w", err)
	}

	ref := fmt.Sprintf("vmswarm-commit:%s-%d", vmID, time.Now().Unix())
	resp, err := l.docker.ContainerCommit(ctx, v.containerID, dockercontainer.CommitOptions{Reference: ref})
	if err != nil {
		_ = l.docker.ContainerUnpause(ctx, v.containerID)
		return "", fmt.Errorf("commit container: %w", err)
	}

	if keepPaused {
		l.mu.Lock()
		v.vm.State = StatePaused
		l.mu.Unlock()
	} else if err := l.docker.ContainerUnpause(ctx, v.containerID); err != nil {
		slog.Warn("failed to unpause after commit", "vm", vmID, "error", err)
	}

	slog.Info("local vm committed", "vm", vmID, "commit", ref, "image", resp.ID[:19])
	return ref, nil
}

func (l *Local) Restore(ctx context.Context, commitID string) (*VM, error) {
	return l.run(ctx, commitID)
}

func (l *Local) SetState(ctx context.Context, vmID, state string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.vms[vmID]
	if !ok {
		return &Error{Status: 404, Body: fmt.Sprintf("unknown vm %s", vmID)}
	}

	switch state {
	case StatePaused:
		if err := l.docker.ContainerPause(ctx, v.containerID); err != nil {
			return fmt.Errorf("pause container: %w", err)
		}
	case StateRunning:
		if err := l.docker.ContainerUnpause(ctx, v.containerID); err != nil {
			return fmt.Errorf("unpause container: %w", err)
		}
	default:
		return fmt.Errorf("invalid target state %q", state)
	}
	v.vm.State = state
	return nil
}

// GetCredential returns the shared dev key baked into the local
// image, plus the container's published ssh port.
func (l *Local) GetCredential(ctx context.Context, vmID string) (*Credential, error) {
	l.mu.RLock()
	v, ok := l.vms[vmID]
	l.mu.RUnlock()
	if !ok {
		return nil, &Error{Status: 404, Body: fmt.Sprintf("unknown vm %s", vmID)}
	}

	key, err := os.ReadFile(l.keyDir + "/local_dev")
	if err != nil {
		return nil, fmt.Errorf("read local dev key: %w", err)
	}
	return &Credential{Key: string(key), Port: v.port}, nil
}

// CleanupStale removes labeled containers left behind by a previous
// process.
func (l *Local) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := l.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	l.mu.RLock()
	tracked := make(map[string]bool)
	for _, v := range l.vms {
		tracked[v.containerID] = true
	}
	l.mu.RUnlock()

	for _, c := range containers {
		if !tracked[c.ID] {
			slog.Info("cleaning up stale container", "container", c.ID[:12])
			_ = l.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

// BuildImage builds the local node image from the working directory.
func (l *Local) BuildImage(ctx context.Context) error {
	cwd, _ := os.Getwd()

	tar, err := goarchive.TarWithOptions(cwd, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := l.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{l.cfg.LocalImage},
		Dockerfile: "Dockerfile.node",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("node image built", "image", l.cfg.LocalImage)
	return nil
}
