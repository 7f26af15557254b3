// Package config loads process configuration from a YAML file with
// environment overrides. CARAVEL_* variables win over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// ListenAddr is the pipeline API server address.
	ListenAddr string `yaml:"listen_addr"`

	// ProxyAddr is the reverse proxy listen address.
	ProxyAddr string `yaml:"proxy_addr"`

	// StaticRoot holds the frontend assets served by the catch-all route.
	StaticRoot string `yaml:"static_root"`

	RoutesPath   string `yaml:"routes_path"`
	TopologyPath string `yaml:"topology_path"`
	DBPath       string `yaml:"db_path"`
	WorkDir      string `yaml:"work_dir"`

	RepoURL  string `yaml:"repo_url"`
	GitToken string `yaml:"git_token"`

	Registry struct {
		Host     string `yaml:"host"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"registry"`

	Deploy struct {
		Host          string `yaml:"host"`
		User          string `yaml:"user"`
		KeyPath       string `yaml:"key_path"`
		RemoteCommand string `yaml:"remote_command"`
	} `yaml:"deploy"`

	// StageTimeoutRaw bounds every pipeline stage, in time.ParseDuration
	// format ("15m", "1h"). Use StageTimeout() for the parsed value.
	StageTimeoutRaw string `yaml:"stage_timeout"`

	stageTimeout time.Duration

	// NotifyEndpoint optionally receives terminal run statuses,
	// unix:///path or tcp://host:port.
	NotifyEndpoint string `yaml:"notify_endpoint"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:      ":8080",
		ProxyAddr:       ":80",
		StaticRoot:      "/srv/www",
		DBPath:          "caravel.db",
		WorkDir:         os.TempDir(),
		StageTimeoutRaw: "1h",
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	set(&cfg.ListenAddr, "CARAVEL_LISTEN_ADDR")
	set(&cfg.ProxyAddr, "CARAVEL_PROXY_ADDR")
	set(&cfg.StaticRoot, "CARAVEL_STATIC_ROOT")
	set(&cfg.RoutesPath, "CARAVEL_ROUTES_PATH")
	set(&cfg.TopologyPath, "CARAVEL_TOPOLOGY_PATH")
	set(&cfg.DBPath, "CARAVEL_DB_PATH")
	set(&cfg.WorkDir, "CARAVEL_WORK_DIR")
	set(&cfg.RepoURL, "CARAVEL_REPO_URL")
	set(&cfg.GitToken, "CARAVEL_GIT_TOKEN")
	set(&cfg.Registry.Host, "CARAVEL_REGISTRY_HOST")
	set(&cfg.Registry.Username, "CARAVEL_REGISTRY_USERNAME")
	set(&cfg.Registry.Password, "CARAVEL_REGISTRY_PASSWORD")
	set(&cfg.Deploy.Host, "CARAVEL_DEPLOY_HOST")
	set(&cfg.Deploy.User, "CARAVEL_DEPLOY_USER")
	set(&cfg.Deploy.KeyPath, "CARAVEL_DEPLOY_KEY_PATH")
	set(&cfg.NotifyEndpoint, "CARAVEL_NOTIFY_ENDPOINT")
	set(&cfg.StageTimeoutRaw, "CARAVEL_STAGE_TIMEOUT")
}

func (c *Config) validate() error {
	d, err := time.ParseDuration(c.StageTimeoutRaw)
	if err != nil {
		return fmt.Errorf("stage_timeout %q: %w", c.StageTimeoutRaw, err)
	}
	if d <= 0 {
		return fmt.Errorf("stage_timeout must be positive, got %s", d)
	}
	c.stageTimeout = d
	return nil
}

// StageTimeout returns the parsed per-stage deadline.
func (c *Config) StageTimeout() time.Duration {
	return c.stageTimeout
}

// ValidateServe checks the fields the serve command needs beyond defaults.
func (c *Config) ValidateServe() error {
	if c.TopologyPath == "" {
		return fmt.Errorf("topology_path must be set")
	}
	if c.RepoURL == "" {
		return fmt.Errorf("repo_url must be set")
	}
	if c.Deploy.Host == "" {
		return fmt.Errorf("deploy.host must be set")
	}
	if c.Deploy.User == "" || c.Deploy.KeyPath == "" {
		return fmt.Errorf("deploy.user and deploy.key_path must be set")
	}
	return nil
}

// ValidateProxy checks the fields the proxy command needs.
func (c *Config) ValidateProxy() error {
	if c.RoutesPath == "" {
		return fmt.Errorf("routes_path must be set")
	}
	if c.StaticRoot == "" {
		return fmt.Errorf("static_root must be set")
	}
	return nil
}
