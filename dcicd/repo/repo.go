// Package repo owns the working directory: it evicts the previous
// checkout and clones the requested repository in its place.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"tangled.sh/dcicd/dcicd/models"
	"tangled.sh/dcicd/log"
)

var ErrRepositoryOp = errors.New("repository operation failed")

type Manager struct {
	workDir  string
	attempts uint
	delay    time.Duration
	l        *slog.Logger
}

type Opt func(*Manager)

func WithAttempts(n uint) Opt {
	return func(m *Manager) {
		if n > 0 {
			m.attempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Opt {
	return func(m *Manager) {
		m.delay = d
	}
}

func New(ctx context.Context, workDir string, opts ...Opt) *Manager {
	m := &Manager{
		workDir:  workDir,
		attempts: 1,
		delay:    time.Second,
		l:        log.FromContext(ctx).With("component", "repo"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) WorkDir() string {
	return m.workDir
}

// Evict removes the current checkout, if any.
func (m *Manager) Evict() error {
	if _, err := os.Stat(m.workDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := os.RemoveAll(m.workDir); err != nil {
		return fmt.Errorf("%w: removing %s: %w", ErrRepositoryOp, m.workDir, err)
	}
	return nil
}

// Checkout replaces the working directory with a fresh clone of r.
// Transient clone failures are retried; a failed attempt's partial
// checkout is removed before the next one.
func (m *Manager) Checkout(ctx context.Context, r models.Repo) error {
	if err := m.Evict(); err != nil {
		return err
	}

	l := m.l.With("repo", r.Name, "url", r.URL)
	l.Info("cloning repository", "dir", m.workDir)

	err := retry.Do(
		func() error {
			_, err := git.PlainCloneContext(ctx, m.workDir, false, &git.CloneOptions{
				URL: r.URL,
			})
			if err == nil {
				return nil
			}
			if rmErr := m.Evict(); rmErr != nil {
				return retry.Unrecoverable(rmErr)
			}
			if !retryable(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(m.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(m.delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("clone failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrRepositoryOp) {
			return err
		}
		return fmt.Errorf("%w: cloning %s: %w", ErrRepositoryOp, r.URL, err)
	}

	l.Info("cloned repository")
	return nil
}

// these will not go away by trying again
func retryable(err error) bool {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, git.ErrRepositoryAlreadyExists):
		return false
	}
	return true
}
