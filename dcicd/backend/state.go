package backend

import (
	"errors"
	"fmt"
	"sync"

	"tangled.sh/dcicd/dcicd/models"
)

var ErrNotReady = errors.New("backend not ready")

// machine holds the backend state and the log buffer behind one lock.
// The lock is never held across a clone, build or run.
type machine struct {
	mu    sync.Mutex
	state models.BackendState
	logs  string
}

func (m *machine) current() models.BackendState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) getLogs() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs
}

// available returns the loaded repository, or ErrNotReady unless the
// backend is idle with a repository loaded.
func (m *machine) available() (models.Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Repo, notAvailable(m.state)
}

// canClone rejects a clone while a pipeline is running.
func (m *machine) canClone() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Kind == models.RunningPipeline {
		return fmt.Errorf("%w: pipeline %q is running on %s", ErrNotReady, m.state.Pipeline, m.state.Repo)
	}
	return nil
}

func (m *machine) loaded(repo models.Repo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = models.AvailableState(repo)
}

// begin moves Available{repo} to RunningPipeline{repo, pipeline}.
func (m *machine) begin(repo models.Repo, pipeline string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := notAvailable(m.state); err != nil {
		return err
	}
	if m.state.Repo != repo {
		return fmt.Errorf("%w: %s is loaded, not %s", ErrNotReady, m.state.Repo, repo)
	}
	m.state = models.RunningState(repo, pipeline)
	return nil
}

// finish overwrites the log buffer and returns to Available{repo}.
func (m *machine) finish(repo models.Repo, logs string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = logs
	m.state = models.AvailableState(repo)
}

func notAvailable(s models.BackendState) error {
	switch s.Kind {
	case models.Available:
		return nil
	case models.RunningPipeline:
		return fmt.Errorf("%w: pipeline %q is already running on %s", ErrNotReady, s.Pipeline, s.Repo)
	default:
		return fmt.Errorf("%w: no repository loaded", ErrNotReady)
	}
}
