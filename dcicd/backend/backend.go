package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"tangled.sh/dcicd/dcicd/db"
	"tangled.sh/dcicd/dcicd/engine"
	"tangled.sh/dcicd/dcicd/models"
	"tangled.sh/dcicd/dcicd/queue"
	"tangled.sh/dcicd/log"
	"tangled.sh/dcicd/notifier"
)

const (
	MsgRunSucceeded = "pipeline run completed successfully. use /logs to view logs."
	MsgRunFailed    = "pipeline failed! use /logs to view logs."
)

const instrumentation = "tangled.sh/dcicd/dcicd/backend"

var ErrQueueFull = errors.New("command queue is full")

type Repos interface {
	Checkout(ctx context.Context, repo models.Repo) error
}

type Pipelines interface {
	Lookup(name string) (models.Pipeline, error)
}

type Executor interface {
	Execute(ctx context.Context, p models.Pipeline) (engine.Result, error)
}

// Recorder keeps the run history. *db.DB satisfies it.
type Recorder interface {
	CreateRun(id string, repo models.Repo, pipeline string, n *notifier.Notifier) error
	MarkRunRunning(id string, n *notifier.Notifier) error
	MarkRunFinished(id string, status db.RunStatus, exitCode int, errMsg, message string, n *notifier.Notifier) error
}

// Backend owns the state machine and the log buffer. Commands are
// processed one at a time, in submission order, by Run.
type Backend struct {
	m machine

	commands *queue.Queue[Command]
	out      chan string

	repos     Repos
	pipelines Pipelines
	exec      Executor
	runs      Recorder
	n         *notifier.Notifier

	l        *slog.Logger
	inflight sync.WaitGroup

	tracer      trace.Tracer
	runCount    otelmetric.Int64Counter
	runDuration otelmetric.Float64Histogram
}

type Opt func(*Backend)

func WithQueueSize(n int) Opt {
	return func(b *Backend) {
		b.commands = queue.New[Command](n)
	}
}

// WithOutputSize sets the buffer of the outbound channel. Messages are
// dropped when it is full.
func WithOutputSize(n int) Opt {
	return func(b *Backend) {
		b.out = make(chan string, n)
	}
}

func WithRecorder(r Recorder, n *notifier.Notifier) Opt {
	return func(b *Backend) {
		b.runs = r
		b.n = n
	}
}

func New(ctx context.Context, repos Repos, pipelines Pipelines, exec Executor, opts ...Opt) *Backend {
	b := &Backend{
		m:         machine{state: models.NotConfiguredState()},
		commands:  queue.New[Command](100),
		out:       make(chan string, 100),
		repos:     repos,
		pipelines: pipelines,
		exec:      exec,
		l:         log.FromContext(ctx).With("component", "backend"),
		tracer:    otel.Tracer(instrumentation),
	}

	for _, o := range opts {
		o(b)
	}

	meter := otel.Meter(instrumentation)
	var err error
	b.runCount, err = meter.Int64Counter("pipeline_runs",
		otelmetric.WithDescription("Number of finished pipeline runs, by status."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		b.l.Warn("failed to create pipeline_runs counter", "error", err)
	}
	b.runDuration, err = meter.Float64Histogram("pipeline_duration_seconds",
		otelmetric.WithDescription("Wall time of pipeline runs, image build included."),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		b.l.Warn("failed to create pipeline_duration_seconds histogram", "error", err)
	}

	return b
}

// Submit enqueues a command without blocking.
func (b *Backend) Submit(cmd Command) error {
	if !b.commands.Enqueue(cmd) {
		return ErrQueueFull
	}
	return nil
}

// Output is the outbound message stream: errors and log snapshots.
func (b *Backend) Output() <-chan string {
	return b.out
}

func (b *Backend) State() models.BackendState {
	return b.m.current()
}

func (b *Backend) Logs() string {
	return b.m.getLogs()
}

// Close stops accepting commands; Run returns once the queue drains.
func (b *Backend) Close() {
	b.commands.Close()
}

// Run processes commands until ctx is done or the backend is closed,
// then waits for in-flight pipeline runs.
func (b *Backend) Run(ctx context.Context) error {
	defer b.inflight.Wait()

	b.l.Info("processing commands")
	for {
		cmd, err := b.commands.Dequeue(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := b.process(ctx, cmd); err != nil {
			b.emit(err.Error())
		}
	}
}

func (b *Backend) process(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case GetLogs:
		logs := b.m.getLogs()
		if c.Reply != nil {
			c.Reply <- logs
			return nil
		}
		b.emit(logs)
		return nil

	case Clone:
		err := b.clone(ctx, c.Repo)
		if c.Done != nil {
			c.Done(err)
		}
		return err

	case RunPipeline:
		return b.runPipeline(ctx, c)

	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

func (b *Backend) clone(ctx context.Context, repo models.Repo) error {
	if err := b.m.canClone(); err != nil {
		return err
	}

	l := b.l.With("repo", repo.Name, "url", repo.URL)
	l.Info("cloning repository")

	if err := b.repos.Checkout(ctx, repo); err != nil {
		l.Error("clone failed", "error", err)
		return fmt.Errorf("failed to clone %s: %w", repo.URL, err)
	}

	b.m.loaded(repo)
	l.Info("repository loaded")
	b.emit(fmt.Sprintf("repository %s loaded", repo.Name))
	return nil
}

func (b *Backend) runPipeline(ctx context.Context, c RunPipeline) error {
	job := c.Job
	if job == nil {
		job = NewJob(nil)
	}

	repo, err := b.m.available()
	if err != nil {
		job.reject(err)
		return err
	}

	l := b.l.With("job", job.ID, "repo", repo.Name, "pipeline", c.Name)

	// read fresh on every run
	p, err := b.pipelines.Lookup(c.Name)
	if err != nil {
		l.Warn("pipeline not started", "error", err)
		err = fmt.Errorf("pipeline %q not started: %w", c.Name, err)
		b.recordNotStarted(l, job, repo, c.Name, err)
		job.complete(err.Error(), err)
		return err
	}

	if err := b.m.begin(repo, p.Name); err != nil {
		job.reject(err)
		return err
	}

	if b.runs != nil {
		if err := b.runs.CreateRun(job.ID, repo, p.Name, b.n); err != nil {
			l.Error("failed to record run", "error", err)
		}
	}

	l.Info("pipeline started")
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.execute(ctx, l, job, repo, p)
	}()
	return nil
}

// recordNotStarted keeps a failed run for a job whose pipeline could
// not be looked up, so the job id handed out still resolves.
func (b *Backend) recordNotStarted(l *slog.Logger, job *Job, repo models.Repo, pipeline string, err error) {
	if b.runs == nil {
		return
	}
	if rerr := b.runs.CreateRun(job.ID, repo, pipeline, b.n); rerr != nil {
		l.Error("failed to record run", "error", rerr)
		return
	}
	if rerr := b.runs.MarkRunFinished(job.ID, db.RunFailed, -1, err.Error(), err.Error(), b.n); rerr != nil {
		l.Error("failed to record run", "error", rerr)
	}
}

// execute builds and runs the pipeline, then stores the logs, returns
// to Available and completes the job, in that order.
func (b *Backend) execute(ctx context.Context, l *slog.Logger, job *Job, repo models.Repo, p models.Pipeline) {
	ctx, span := b.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("dcicd.job", job.ID),
		attribute.String("dcicd.repo", repo.Name),
		attribute.String("dcicd.pipeline", p.Name),
	))
	defer span.End()

	if b.runs != nil {
		if err := b.runs.MarkRunRunning(job.ID, b.n); err != nil {
			l.Error("failed to record run", "error", err)
		}
	}

	res, err := b.exec.Execute(ctx, p)

	logs := string(res.Logs)
	status := db.RunSuccess
	message := MsgRunSucceeded
	errMsg := ""

	if err != nil {
		message = MsgRunFailed
		errMsg = err.Error()

		status = db.RunFailed
		if errors.Is(err, engine.ErrTimedOut) {
			status = db.RunTimeout
		}

		// the pipeline's own output explains a non-zero exit
		if !errors.Is(err, engine.ErrPipelineFailed) {
			logs = diagnostic(logs, p.Name, err)
		}
		l.Warn("pipeline failed", "error", err, "exit_code", res.ExitCode, "duration", res.Duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, errMsg)
	} else {
		l.Info("pipeline succeeded", "duration", res.Duration, "logs", humanize.Bytes(uint64(len(res.Logs))))
	}

	b.m.finish(repo, logs)
	b.record(ctx, p.Name, status, res)

	if b.runs != nil {
		if err := b.runs.MarkRunFinished(job.ID, status, res.ExitCode, errMsg, message, b.n); err != nil {
			l.Error("failed to record run", "error", err)
		}
	}

	job.complete(message, err)
}

func (b *Backend) record(ctx context.Context, pipeline string, status db.RunStatus, res engine.Result) {
	attrs := otelmetric.WithAttributes(
		attribute.String("dcicd.pipeline", pipeline),
		attribute.String("dcicd.status", string(status)),
	)
	if b.runCount != nil {
		b.runCount.Add(ctx, 1, attrs)
	}
	if b.runDuration != nil {
		b.runDuration.Record(ctx, res.Duration.Seconds(), attrs)
	}
}

func diagnostic(output, pipeline string, err error) string {
	var sb strings.Builder
	if output = strings.TrimRight(output, "\n"); output != "" {
		sb.WriteString(output)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "error running pipeline %q: %v\n", pipeline, err)
	return sb.String()
}

func (b *Backend) emit(msg string) {
	select {
	case b.out <- msg:
	default:
		b.l.Warn("outbound channel full; dropping message", "message", msg)
	}
}
