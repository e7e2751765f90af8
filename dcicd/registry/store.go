package registry

import (
	"context"
	"errors"
	"fmt"

	"tangled.sh/dcicd/dcicd/config"
	"tangled.sh/dcicd/dcicd/models"
)

var (
	ErrRepoNotFound          = errors.New("repository not registered")
	ErrRepoAlreadyRegistered = errors.New("repository already registered")
)

// Store persists the repositories the backend may load by name.
type Store interface {
	Register(ctx context.Context, repo models.Repo) error
	Get(ctx context.Context, name string) (models.Repo, error)
	// List returns every registered repository, sorted by name.
	List(ctx context.Context) ([]models.Repo, error)
	Close() error
}

// Open returns the store selected by cfg.Provider.
func Open(ctx context.Context, cfg config.Registry, dbPath string) (Store, error) {
	switch cfg.Provider {
	case "", "sqlite":
		return NewSQLiteStore(dbPath)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr)
	default:
		return nil, fmt.Errorf("unknown registry provider %q", cfg.Provider)
	}
}
