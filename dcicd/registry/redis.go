package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"tangled.sh/dcicd/dcicd/models"
)

const reposKey = "dcicd:repos"

// RedisStore keeps registered repositories in a single hash mapping
// name to clone url.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// test the connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{rdb: rdb, key: reposKey}, nil
}

func (r *RedisStore) Register(ctx context.Context, repo models.Repo) error {
	ok, err := r.rdb.HSetNX(ctx, r.key, repo.Name, repo.URL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRepoAlreadyRegistered, repo.Name)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, name string) (models.Repo, error) {
	url, err := r.rdb.HGet(ctx, r.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return models.Repo{}, fmt.Errorf("%w: %s", ErrRepoNotFound, name)
	}
	if err != nil {
		return models.Repo{}, err
	}
	return models.Repo{Name: name, URL: url}, nil
}

func (r *RedisStore) List(ctx context.Context) ([]models.Repo, error) {
	all, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}

	repos := make([]models.Repo, 0, len(all))
	for name, url := range all {
		repos = append(repos, models.Repo{Name: name, URL: url})
	}
	slices.SortFunc(repos, models.Repo.Compare)
	return repos, nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
