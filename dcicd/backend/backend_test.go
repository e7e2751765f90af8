package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/dcicd/dcicd/db"
	"tangled.sh/dcicd/dcicd/engine"
	"tangled.sh/dcicd/dcicd/models"
	"tangled.sh/dcicd/dcicd/pipelines"
	"tangled.sh/dcicd/dcicd/repo"
	"tangled.sh/dcicd/notifier"
)

const buildConfig = `
[build]
container = "rust"
script = ["cargo build"]
`

var testRepo = models.Repo{Name: "acme/widgets", URL: "https://example.com/acme/widgets.git"}

type fakeRepos struct {
	mu    sync.Mutex
	err   error
	calls []models.Repo
}

func (f *fakeRepos) Checkout(ctx context.Context, r models.Repo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r)
	return f.err
}

type fakeExec struct {
	res   engine.Result
	err   error
	block chan struct{}

	mu  sync.Mutex
	ran []string
}

func (f *fakeExec) Execute(ctx context.Context, p models.Pipeline) (engine.Result, error) {
	f.mu.Lock()
	f.ran = append(f.ran, p.Name)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	return f.res, f.err
}

// callback counts invocations of an on_complete callback.
type callback struct {
	mu       sync.Mutex
	messages []string
}

func (c *callback) fn(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *callback) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func newTestBackend(t *testing.T, config string, exec Executor, opts ...Opt) (*Backend, string) {
	t.Helper()

	dir := t.TempDir()
	if config != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".dcicd.toml"), []byte(config), 0644))
	}

	b := New(context.Background(), &fakeRepos{}, pipelines.New(dir, ".dcicd.toml"), exec, opts...)
	return b, dir
}

func waitJob(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}
}

func TestRunPipelineSucceeds(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{
		res:   engine.Result{Logs: []byte("Compiling widgets\n"), ExitCode: 0},
		block: make(chan struct{}),
	}
	b, _ := newTestBackend(t, buildConfig, exec)
	b.m.loaded(testRepo)

	var cb callback
	cmd := NewRunPipeline("build", cb.fn)
	require.NoError(t, b.process(ctx, cmd))

	assert.Equal(t, models.RunningState(testRepo, "build"), b.State())

	close(exec.block)
	waitJob(t, cmd.Job)
	b.inflight.Wait()

	assert.Equal(t, models.AvailableState(testRepo), b.State())
	assert.Equal(t, []string{MsgRunSucceeded}, cb.calls())
	assert.Equal(t, "Compiling widgets\n", b.Logs())
	assert.NoError(t, cmd.Job.Err())
	assert.False(t, cmd.Job.Rejected())
}

func TestRunPipelineNotConfigured(t *testing.T) {
	exec := &fakeExec{}
	b, _ := newTestBackend(t, buildConfig, exec)

	var cb callback
	cmd := NewRunPipeline("build", cb.fn)
	err := b.process(context.Background(), cmd)

	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, models.NotConfiguredState(), b.State())
	assert.Empty(t, cb.calls())
	assert.True(t, cmd.Job.Rejected())
	assert.Empty(t, exec.ran)
}

func TestRunPipelineWhileRunning(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{res: engine.Result{Logs: []byte("second")}, block: make(chan struct{})}
	b, _ := newTestBackend(t, buildConfig+"\n[test]\ncontainer = \"rust\"\nscript = [\"cargo test\"]\n", exec)
	b.m.finish(testRepo, "first")

	var first, second callback
	running := NewRunPipeline("build", first.fn)
	require.NoError(t, b.process(ctx, running))

	rejected := NewRunPipeline("test", second.fn)
	err := b.process(ctx, rejected)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), `"build"`)
	assert.True(t, rejected.Job.Rejected())

	err = b.process(ctx, Clone{Repo: testRepo})
	assert.ErrorIs(t, err, ErrNotReady)

	assert.Equal(t, models.RunningState(testRepo, "build"), b.State())

	reply := make(chan string, 1)
	require.NoError(t, b.process(ctx, GetLogs{Reply: reply}))
	assert.Equal(t, "first", <-reply, "logs of the previous run are readable mid-run")

	close(exec.block)
	waitJob(t, running.Job)
	b.inflight.Wait()

	assert.Len(t, first.calls(), 1)
	assert.Empty(t, second.calls())
	assert.Equal(t, []string{"build"}, exec.ran)
}

func TestRunPipelineEngineFailure(t *testing.T) {
	exec := &fakeExec{
		res: engine.Result{ExitCode: -1},
		err: engine.ErrEngineUnavailable,
	}
	b, _ := newTestBackend(t, buildConfig, exec)
	b.m.loaded(testRepo)

	var cb callback
	cmd := NewRunPipeline("build", cb.fn)
	require.NoError(t, b.process(context.Background(), cmd))
	waitJob(t, cmd.Job)
	b.inflight.Wait()

	assert.Equal(t, models.AvailableState(testRepo), b.State())
	assert.Equal(t, []string{MsgRunFailed}, cb.calls())
	assert.Contains(t, b.Logs(), "container engine unavailable")
	assert.ErrorIs(t, cmd.Job.Err(), engine.ErrEngineUnavailable)
}

func TestRunPipelineNonZeroExit(t *testing.T) {
	exec := &fakeExec{
		res: engine.Result{Logs: []byte("$> cargo build\nerror[E0425]\n"), ExitCode: 101},
		err: engine.ErrPipelineFailed,
	}
	b, _ := newTestBackend(t, buildConfig, exec)
	b.m.loaded(testRepo)

	var cb callback
	cmd := NewRunPipeline("build", cb.fn)
	require.NoError(t, b.process(context.Background(), cmd))
	waitJob(t, cmd.Job)
	b.inflight.Wait()

	assert.Equal(t, []string{MsgRunFailed}, cb.calls())
	assert.Equal(t, "$> cargo build\nerror[E0425]\n", b.Logs())
	assert.Equal(t, models.AvailableState(testRepo), b.State())
}

func TestRunPipelineLookupFailures(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   error
	}{
		{"missing config", "", pipelines.ErrConfigMissing},
		{"invalid config", "[build\n", pipelines.ErrConfigInvalid},
		{"unknown pipeline", buildConfig, pipelines.ErrPipelineNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := db.Make(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { runs.Close() })

			exec := &fakeExec{}
			b, _ := newTestBackend(t, tt.config, exec, WithRecorder(runs, nil))
			b.m.loaded(testRepo)

			var cb callback
			pipeline := "deploy"
			cmd := NewRunPipeline(pipeline, cb.fn)
			err = b.process(context.Background(), cmd)

			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, models.AvailableState(testRepo), b.State())
			assert.Empty(t, exec.ran)

			calls := cb.calls()
			require.Len(t, calls, 1)
			assert.Contains(t, calls[0], tt.want.Error())
			assert.False(t, cmd.Job.Rejected())

			run, err := runs.GetRun(cmd.Job.ID)
			require.NoError(t, err)
			assert.Equal(t, db.RunFailed, run.Status)
			assert.Equal(t, pipeline, run.Pipeline)
			assert.Equal(t, -1, run.ExitCode)
			assert.Contains(t, run.Error, tt.want.Error())
		})
	}
}

func TestLogsAreOverwritten(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{res: engine.Result{Logs: []byte("run 1")}}
	b, _ := newTestBackend(t, buildConfig, exec)
	b.m.loaded(testRepo)

	cmd := NewRunPipeline("build", nil)
	require.NoError(t, b.process(ctx, cmd))
	waitJob(t, cmd.Job)
	b.inflight.Wait()
	assert.Equal(t, "run 1", b.Logs())

	exec.res = engine.Result{Logs: []byte("run 2")}
	cmd = NewRunPipeline("build", nil)
	require.NoError(t, b.process(ctx, cmd))
	waitJob(t, cmd.Job)
	b.inflight.Wait()
	assert.Equal(t, "run 2", b.Logs())
}

func TestCloneFailureKeepsState(t *testing.T) {
	repos := &fakeRepos{err: errors.New("network unreachable")}
	b := New(context.Background(), repos, pipelines.New(t.TempDir(), ".dcicd.toml"), &fakeExec{})
	b.m.loaded(testRepo)

	var done error
	other := models.Repo{Name: "acme/gadgets", URL: "https://example.com/acme/gadgets.git"}
	err := b.process(context.Background(), Clone{Repo: other, Done: func(err error) { done = err }})

	assert.ErrorContains(t, err, "network unreachable")
	assert.Equal(t, err, done)
	assert.Equal(t, models.AvailableState(testRepo), b.State())
}

func TestCloneEvictFailure(t *testing.T) {
	ctx := context.Background()

	// RemoveAll rejects paths containing a NUL byte, even as root.
	workDir := filepath.Join(t.TempDir(), "bad\x00dir")
	exec := &fakeExec{res: engine.Result{Logs: []byte("ok\n")}}
	b := New(ctx, repo.New(ctx, workDir), pipelines.New(t.TempDir(), ".dcicd.toml"), exec)
	b.m.loaded(testRepo)

	other := models.Repo{Name: "acme/gadgets", URL: "https://example.com/acme/gadgets.git"}
	err := b.process(ctx, Clone{Repo: other})
	require.ErrorIs(t, err, repo.ErrRepositoryOp)
	assert.Equal(t, models.AvailableState(testRepo), b.State())

	reply := make(chan string, 1)
	require.NoError(t, b.process(ctx, GetLogs{Reply: reply}))
	assert.Equal(t, "", <-reply)

	err = b.process(ctx, Clone{Repo: other})
	assert.ErrorIs(t, err, repo.ErrRepositoryOp)
	assert.Equal(t, models.AvailableState(testRepo), b.State())
}

// createSourceRepo makes a local repository with a single commit
// containing the given files, returning a clone url.
func createSourceRepo(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "source.git")
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := r.Worktree()
	require.NoError(t, err)

	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644))
		_, err = wt.Add(name)
		require.NoError(t, err)
	}

	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return filepath.Join(dir, ".git")
}

func TestCloneTwice(t *testing.T) {
	ctx := context.Background()
	first := models.Repo{Name: "first", URL: createSourceRepo(t, map[string]string{"first.txt": "1"})}
	second := models.Repo{Name: "second", URL: createSourceRepo(t, map[string]string{"second.txt": "2"})}

	workDir := filepath.Join(t.TempDir(), "work")
	b := New(ctx, repo.New(ctx, workDir), pipelines.New(workDir, ".dcicd.toml"), &fakeExec{})

	require.NoError(t, b.process(ctx, Clone{Repo: first}))
	assert.FileExists(t, filepath.Join(workDir, "first.txt"))
	assert.Equal(t, models.AvailableState(first), b.State())

	require.NoError(t, b.process(ctx, Clone{Repo: second}))
	assert.NoFileExists(t, filepath.Join(workDir, "first.txt"))
	assert.FileExists(t, filepath.Join(workDir, "second.txt"))
	assert.Equal(t, models.AvailableState(second), b.State())
}

func TestRunLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs, err := db.Make(":memory:")
	require.NoError(t, err)
	defer runs.Close()

	n := notifier.New()
	updates := n.Subscribe()

	exec := &fakeExec{res: engine.Result{Logs: []byte("ok\n")}}
	b, _ := newTestBackend(t, buildConfig, exec, WithRecorder(runs, n), WithQueueSize(10))

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// rejected: nothing is loaded yet
	rejected := NewRunPipeline("build", nil)
	require.NoError(t, b.Submit(rejected))
	waitJob(t, rejected.Job)
	assert.True(t, rejected.Job.Rejected())
	assert.Contains(t, <-b.Output(), "no repository loaded")

	require.NoError(t, b.Submit(Clone{Repo: testRepo}))
	assert.Equal(t, "repository acme/widgets loaded", <-b.Output())

	var cb callback
	cmd := NewRunPipeline("build", cb.fn)
	require.NoError(t, b.Submit(cmd))
	waitJob(t, cmd.Job)

	require.NoError(t, b.Submit(GetLogs{}))
	assert.Equal(t, "ok\n", <-b.Output())

	b.Close()
	require.NoError(t, <-done)

	assert.Equal(t, []string{MsgRunSucceeded}, cb.calls())
	assert.NotEmpty(t, updates)

	run, err := runs.GetRun(cmd.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunSuccess, run.Status)
	assert.Equal(t, "build", run.Pipeline)
	assert.Equal(t, MsgRunSucceeded, run.Message)

	_, err = runs.GetRun(rejected.Job.ID)
	assert.ErrorIs(t, err, db.ErrRunNotFound)
}

func TestSubmitQueueFull(t *testing.T) {
	b, _ := newTestBackend(t, "", &fakeExec{}, WithQueueSize(1))
	require.NoError(t, b.Submit(GetLogs{}))
	assert.ErrorIs(t, b.Submit(GetLogs{}), ErrQueueFull)
}
