// Package runner executes a pipeline's script inside the runner
// container. Each line is run with sh -c, in order, from the mounted
// checkout; the first failing line stops the pipeline.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/urfave/cli/v3"
	"tangled.sh/dcicd/dcicd/config"
	"tangled.sh/dcicd/dcicd/pipelines"
	"tangled.sh/dcicd/log"
)

var ErrStepFailed = errors.New("pipeline step failed")

type Runner struct {
	store  *pipelines.Store
	shell  string
	stdout io.Writer
	stderr io.Writer
	l      *slog.Logger
}

type Opt func(*Runner)

func WithOutput(stdout, stderr io.Writer) Opt {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

func WithShell(shell string) Opt {
	return func(r *Runner) {
		r.shell = shell
	}
}

func New(ctx context.Context, store *pipelines.Store, opts ...Opt) *Runner {
	r := &Runner{
		store:  store,
		shell:  "sh",
		stdout: os.Stdout,
		stderr: os.Stderr,
		l:      log.FromContext(ctx).With("component", "runner"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes the named pipeline's script. It returns ErrStepFailed
// for the first line that exits non-zero or is killed by a signal;
// later lines are not run.
func (r *Runner) Run(ctx context.Context, name string) error {
	p, err := r.store.Lookup(name)
	if err != nil {
		return err
	}

	start := time.Now()
	for i, line := range p.Script {
		fmt.Fprintf(r.stdout, "$> %s\n", line)

		cmd := exec.CommandContext(ctx, r.shell, "-c", line)
		cmd.Dir = r.store.Dir()
		cmd.Stdout = r.stdout
		cmd.Stderr = r.stderr

		err := cmd.Run()
		if err == nil {
			continue
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("%w: step %d: %w", ErrStepFailed, i+1, err)
		}

		// ExitCode is -1 when the process was terminated by a signal
		code := exitErr.ExitCode()
		if code == -1 {
			fmt.Fprintf(r.stdout, "command '%s' was cancelled by a signal.\n", line)
			return fmt.Errorf("%w: step %d: %s", ErrStepFailed, i+1, exitErr.ProcessState)
		}

		fmt.Fprintf(r.stdout, "command '%s' exited with non-zero status '%d'.\n", line, code)
		return fmt.Errorf("%w: step %d: exit status %d", ErrStepFailed, i+1, code)
	}

	r.l.Info("pipeline finished", "pipeline", name, "steps", len(p.Script), "duration", time.Since(start))
	return nil
}

func Command() *cli.Command {
	return &cli.Command{
		Name:      "runner",
		Usage:     "run a pipeline's script; used inside the runner image",
		ArgsUsage: "<pipeline>",
		Action:    run,
		Description: `
Environment variables:
	DCICD_PIPELINES_MOUNT_PATH  (default: /home/dcicd-runner/repo)
	DCICD_PIPELINES_FILE        (default: .dcicd.toml)
`,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return errors.New("missing pipeline argument")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := pipelines.New(cfg.Pipelines.MountPath, cfg.Pipelines.File)
	return New(ctx, store).Run(ctx, name)
}
