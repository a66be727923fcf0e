package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	SSH       SSHConfig       `yaml:"ssh"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Vault     VaultConfig     `yaml:"vault"`
	Policy    PolicyConfig    `yaml:"policy"`
}

type ProviderConfig struct {
	BaseURL      string `yaml:"base_url"`
	Token        string `yaml:"token"`
	TokenFile    string `yaml:"token_file"`
	DomainSuffix string `yaml:"domain_suffix"`
	ProxyAddr    string `yaml:"proxy_addr"`
	// Local switches the provider to Docker containers on the local
	// machine instead of the remote VM service.
	Local      bool   `yaml:"local"`
	LocalImage string `yaml:"local_image"`
}

type SSHConfig struct {
	User           string        `yaml:"user"`
	KeyDir         string        `yaml:"key_dir"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type SwarmConfig struct {
	WorkerCommand  string        `yaml:"worker_command"`
	SessionPrefix  string        `yaml:"session_prefix"`
	RemoteDir      string        `yaml:"remote_dir"`
	ReadyAttempts  int           `yaml:"ready_attempts"`
	ReadyInterval  time.Duration `yaml:"ready_interval"`
	DispatchMode   string        `yaml:"dispatch_mode"` // "queue" or "reject"
	MaxAgents      int           `yaml:"max_agents"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type BridgeConfig struct {
	MaxReadBytes int `yaml:"max_read_bytes"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type PolicyConfig struct {
	RecordPath string `yaml:"record_path"`
}

func defaults() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:      "https://cloud.vmswarm.dev/api/v1",
			DomainSuffix: ".vm.vmswarm.dev",
			ProxyAddr:    "ssh.vmswarm.dev:443",
			LocalImage:   "vmswarm-node:latest",
		},
		SSH: SSHConfig{
			User:           "agent",
			KeyDir:         "data/keys",
			ConnectTimeout: 15 * time.Second,
		},
		Swarm: SwarmConfig{
			WorkerCommand:  "vmswarm-worker",
			SessionPrefix:  "vmswarm",
			RemoteDir:      ".vmswarm",
			ReadyAttempts:  30,
			ReadyInterval:  2 * time.Second,
			DispatchMode:   "queue",
			MaxAgents:      16,
			CommandTimeout: 2 * time.Minute,
		},
		Bridge: BridgeConfig{
			MaxReadBytes: 50 * 1024,
		},
		Store: StoreConfig{
			Path: "data/vmswarm.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Policy: PolicyConfig{
			RecordPath: "data/active-target.json",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("VMSWARM_CONFIG")
	if path == "" {
		path = "config/vmswarm.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Swarm.DispatchMode != "queue" && cfg.Swarm.DispatchMode != "reject" {
		return nil, fmt.Errorf("invalid swarm.dispatch_mode %q (use queue or reject)", cfg.Swarm.DispatchMode)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VMSWARM_API_TOKEN"); v != "" {
		cfg.Provider.Token = v
	}
	if v := os.Getenv("VMSWARM_API_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("VMSWARM_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("VMSWARM_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("VMSWARM_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("VMSWARM_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("VMSWARM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("VMSWARM_LOCAL_PROVIDER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Provider.Local = b
		}
	}
}

// ResolveToken returns the provider bearer token, re-reading its
// source on every call so a rotated token takes effect without a
// restart.
func (p ProviderConfig) ResolveToken() (string, error) {
	if p.TokenFile != "" {
		data, err := os.ReadFile(p.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return trimToken(string(data)), nil
	}
	if v := os.Getenv("VMSWARM_API_TOKEN"); v != "" {
		return v, nil
	}
	if p.Token != "" {
		return p.Token, nil
	}
	return "", fmt.Errorf("no provider token configured")
}

func trimToken(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
