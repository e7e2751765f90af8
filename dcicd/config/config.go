package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6556"`
	DBPath     string `env:"DB_PATH, default=dcicd.db"`
	QueueSize  int    `env:"QUEUE_SIZE, default=100"`
	Dev        bool   `env:"DEV, default=false"`
	Telemetry  bool   `env:"TELEMETRY, default=false"`
}

type Pipelines struct {
	WorkDir string `env:"WORK_DIR, default=/tmp/dcicd"`
	File    string `env:"FILE, default=.dcicd.toml"`
	// build context holding the runner image's Dockerfile
	ContextDir    string        `env:"CONTEXT_DIR, default=/etc/dcicd/docker"`
	ImageTag      string        `env:"IMAGE_TAG, default=dcicd"`
	MountPath     string        `env:"MOUNT_PATH, default=/home/dcicd-runner/repo"`
	Timeout       time.Duration `env:"TIMEOUT, default=0s"`
	CloneAttempts uint          `env:"CLONE_ATTEMPTS, default=3"`
}

// BuildContext returns the directory handed to the container engine
// when building the runner image, falling back to the checkout.
func (p Pipelines) BuildContext() string {
	if p.ContextDir != "" {
		return p.ContextDir
	}
	return p.WorkDir
}

type Registry struct {
	Provider  string `env:"PROVIDER, default=sqlite"`
	RedisAddr string `env:"REDIS_ADDR, default=localhost:6379"`
}

type Config struct {
	Server    Server    `env:",prefix=DCICD_SERVER_"`
	Pipelines Pipelines `env:",prefix=DCICD_PIPELINES_"`
	Registry  Registry  `env:",prefix=DCICD_REGISTRY_"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
