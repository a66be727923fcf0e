// Package natsbus embeds the NATS server the gateway's event stream
// and CLI IPC ride on.
package natsbus

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hdresearch/vmswarm/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Bus is the embedded server. It binds loopback only; swarmctl and
// the web event relay run on the same host as the gateway.
type Bus struct {
	server *natsserver.Server
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		ServerName: "vmswarm-bus",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	slog.Info("message bus ready", "url", ns.ClientURL())
	return &Bus{server: ns}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
