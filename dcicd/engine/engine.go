package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dustin/go-humanize"
	"github.com/moby/go-archive"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"tangled.sh/dcicd/dcicd/config"
	"tangled.sh/dcicd/dcicd/models"
	"tangled.sh/dcicd/log"
)

// API is the subset of the docker client used to build and run the
// runner image.
type API interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

const baseImageArg = "BASE_IMAGE"

type Engine struct {
	docker API
	l      *slog.Logger
	cfg    config.Pipelines
}

// Result is the outcome of a pipeline container. Logs holds the
// combined stdout and stderr of the run, or the build output if the
// image could not be built.
type Result struct {
	Logs     []byte
	ExitCode int
	Duration time.Duration
}

func New(ctx context.Context, cfg config.Pipelines) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return NewWithAPI(ctx, dcli, cfg), nil
}

func NewWithAPI(ctx context.Context, api API, cfg config.Pipelines) *Engine {
	return &Engine{
		docker: api,
		l:      log.FromContext(ctx).With("component", "engine"),
		cfg:    cfg,
	}
}

func (e *Engine) PipelineTimeout() time.Duration {
	return e.cfg.Timeout
}

// Execute builds the runner image for the pipeline's base image and
// runs the pipeline in it. A non-zero exit of the pipeline is reported
// as ErrPipelineFailed; the logs are returned either way.
func (e *Engine) Execute(ctx context.Context, p models.Pipeline) (Result, error) {
	start := time.Now()

	if t := e.PipelineTimeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	buildLog, err := e.Build(ctx, p)
	if err != nil {
		return Result{Logs: buildLog, ExitCode: -1, Duration: time.Since(start)}, err
	}

	res, err := e.Run(ctx, p)
	res.Duration = time.Since(start)
	return res, err
}

// Build builds the runner image, tagged with the configured tag, with
// the pipeline's container as its base image. Caching is disabled so
// every run starts from a fresh image.
func (e *Engine) Build(ctx context.Context, p models.Pipeline) ([]byte, error) {
	dir := e.cfg.BuildContext()
	l := e.l.With("pipeline", p.Name, "base", p.Container, "tag", e.cfg.ImageTag)
	l.Info("building runner image", "context", dir)

	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: archiving build context: %w", ErrBuildFailed, err)
	}
	defer buildCtx.Close()

	base := p.Container
	resp, err := e.docker.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{e.cfg.ImageTag},
		BuildArgs:   map[string]*string{baseImageArg: &base},
		NoCache:     true,
		Remove:      true,
		ForceRemove: true,
		Dockerfile:  "Dockerfile",
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx, ErrBuildFailed)
		}
		return nil, classify(ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, &ansiStrippingWriter{&out}, 0, false, nil)
	if err != nil {
		l.Error("runner image build failed", "error", err)
		if ctx.Err() != nil {
			return out.Bytes(), interrupted(ctx, ErrBuildFailed)
		}
		return out.Bytes(), fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	l.Info("built runner image")
	return out.Bytes(), nil
}

// Run starts the runner image with the working directory mounted
// read-write and the pipeline name as its command, and waits for it to
// exit. The container is removed afterwards.
func (e *Engine) Run(ctx context.Context, p models.Pipeline) (Result, error) {
	l := e.l.With("pipeline", p.Name)

	src, err := filepath.Abs(e.cfg.WorkDir)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %w", ErrRunFailed, err)
	}

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image: e.cfg.ImageTag,
		Cmd:   []string{p.Name},
		Tty:   false,
	}, &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   src,
				Target:   e.cfg.MountPath,
				ReadOnly: false,
			},
		},
		// removed by destroy once the logs have been read
		AutoRemove: false,
	}, nil, nil, "")
	if err != nil {
		return Result{ExitCode: -1}, classify(ErrRunFailed, err)
	}
	defer func() {
		if err := e.destroy(context.Background(), resp.ID); err != nil {
			l.Error("failed to remove container", "container", resp.ID, "error", err)
		}
	}()

	if err := e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1}, classify(ErrRunFailed, err)
	}
	l.Info("started container", "container", resp.ID)

	var logs bytes.Buffer
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tail(ctx, resp.ID, &logs)
	}()

	var (
		status  container.WaitResponse
		waitErr error
	)
	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		status, waitErr = e.wait(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		if err := <-tailDone; err != nil {
			l.Warn("failed to read container logs", "container", resp.ID, "error", err)
		}
	case <-ctx.Done():
		l.Warn("pipeline interrupted; killing container", "container", resp.ID, "reason", ctx.Err())
		if err := e.destroy(context.Background(), resp.ID); err != nil {
			l.Error("failed to destroy container", "container", resp.ID, "error", err)
		}
		<-waitDone
		<-tailDone
		return Result{Logs: logs.Bytes(), ExitCode: -1}, interrupted(ctx, ErrRunFailed)
	}

	if ctx.Err() != nil {
		// the wait returned because of ctx, not the container
		return Result{Logs: logs.Bytes(), ExitCode: -1}, interrupted(ctx, ErrRunFailed)
	}
	if waitErr != nil {
		return Result{Logs: logs.Bytes(), ExitCode: -1}, classify(ErrRunFailed, waitErr)
	}

	res := Result{Logs: logs.Bytes(), ExitCode: int(status.StatusCode)}
	l.Info("container exited", "exit_code", res.ExitCode, "logs", humanize.Bytes(uint64(len(res.Logs))))

	if status.Error != nil && status.Error.Message != "" {
		return res, fmt.Errorf("%w: %s", ErrRunFailed, status.Error.Message)
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%w: exit code %d", ErrPipelineFailed, res.ExitCode)
	}
	return res, nil
}

func (e *Engine) wait(ctx context.Context, containerID string) (container.WaitResponse, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return container.WaitResponse{}, err
	case status := <-wait:
		return status, nil
	}
}

// tail copies the container's stdout and stderr into a single stream.
func (e *Engine) tail(ctx context.Context, containerID string, w io.Writer) error {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	out := &ansiStrippingWriter{w}
	_, err = stdcopy.StdCopy(out, out, logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}
	return nil
}

func (e *Engine) destroy(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	err = e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}
	return nil
}

// classify maps engine errors onto the package's error kinds.
func classify(kind, err error) error {
	switch {
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: not found: %w", kind, err)
	default:
		return fmt.Errorf("%w: %w", kind, err)
	}
}

// interrupted reports why ctx ended: ErrTimedOut once the pipeline
// deadline passed, otherwise kind wrapping the cancellation.
func interrupted(ctx context.Context, kind error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimedOut, ctx.Err())
	}
	return fmt.Errorf("%w: %w", kind, ctx.Err())
}

func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	return err != nil && (errdefs.IsNotFound(err) ||
		strings.Contains(err.Error(), "No such container") ||
		strings.Contains(err.Error(), "is not running") ||
		strings.Contains(err.Error(), "can only kill running containers"))
}
