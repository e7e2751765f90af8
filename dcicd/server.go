package dcicd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"tangled.sh/dcicd/dcicd/backend"
	"tangled.sh/dcicd/dcicd/config"
	"tangled.sh/dcicd/dcicd/db"
	"tangled.sh/dcicd/dcicd/engine"
	"tangled.sh/dcicd/dcicd/pipelines"
	"tangled.sh/dcicd/dcicd/registry"
	"tangled.sh/dcicd/dcicd/repo"
	"tangled.sh/dcicd/log"
	"tangled.sh/dcicd/notifier"
	"tangled.sh/dcicd/telemetry"
)

type Server struct {
	b         *backend.Backend
	db        *db.DB
	reg       registry.Store
	pipelines *pipelines.Store
	n         *notifier.Notifier
	msgs      *messageLog
	metrics   *telemetry.HTTPMetrics
	l         *slog.Logger
}

func Command() *cli.Command {
	return &cli.Command{
		Name:   "server",
		Usage:  "run the ci/cd backend and its http api",
		Action: Run,
		Description: `
Environment variables:
	DCICD_SERVER_LISTEN_ADDR        (default: 0.0.0.0:6556)
	DCICD_SERVER_DB_PATH            (default: dcicd.db)
	DCICD_SERVER_QUEUE_SIZE         (default: 100)
	DCICD_SERVER_DEV                (default: false)
	DCICD_SERVER_TELEMETRY          (default: false)
	DCICD_PIPELINES_WORK_DIR        (default: /tmp/dcicd)
	DCICD_PIPELINES_FILE            (default: .dcicd.toml)
	DCICD_PIPELINES_CONTEXT_DIR     (default: /etc/dcicd/docker)
	DCICD_PIPELINES_IMAGE_TAG       (default: dcicd)
	DCICD_PIPELINES_MOUNT_PATH      (default: /home/dcicd-runner/repo)
	DCICD_PIPELINES_TIMEOUT         (default: 0s, no timeout)
	DCICD_PIPELINES_CLONE_ATTEMPTS  (default: 3)
	DCICD_REGISTRY_PROVIDER         (sqlite or redis, default: sqlite)
	DCICD_REGISTRY_REDIS_ADDR       (default: localhost:6379)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Server.Telemetry {
		t, err := telemetry.Setup(ctx, "dcicd", versioninfo.Short(), cfg.Server.Dev)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer t.Shutdown(context.Background())
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	reg, err := registry.Open(ctx, cfg.Registry, cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup repo registry: %w", err)
	}
	defer reg.Close()

	eng, err := engine.New(ctx, cfg.Pipelines)
	if err != nil {
		return fmt.Errorf("failed to setup container engine: %w", err)
	}

	n := notifier.New()
	store := pipelines.New(cfg.Pipelines.WorkDir, cfg.Pipelines.File)
	repos := repo.New(ctx, cfg.Pipelines.WorkDir, repo.WithAttempts(cfg.Pipelines.CloneAttempts))

	b := backend.New(ctx, repos, store, eng,
		backend.WithQueueSize(cfg.Server.QueueSize),
		backend.WithRecorder(d, n),
	)

	s, err := New(ctx, b, d, reg, store, n)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		s.msgs.consume(gctx, b.Output())
		return nil
	})
	g.Go(func() error {
		logger.Info("starting dcicd server", "address", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		b.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func New(ctx context.Context, b *backend.Backend, d *db.DB, reg registry.Store, store *pipelines.Store, n *notifier.Notifier) (*Server, error) {
	metrics, err := telemetry.NewHTTPMetrics(otel.Meter("tangled.sh/dcicd/dcicd"))
	if err != nil {
		return nil, err
	}

	return &Server{
		b:         b,
		db:        d,
		reg:       reg,
		pipelines: store,
		n:         n,
		msgs:      newMessageLog(100),
		metrics:   metrics,
		l:         log.FromContext(ctx).With("component", "server"),
	}, nil
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.RequestLogger)
	mux.Use(s.metrics.Middleware)

	mux.Route("/repos", func(r chi.Router) {
		r.Get("/", s.ListRepos)
		r.Post("/", s.RegisterRepo)
		r.Post("/{name}/load", s.LoadRepo)
	})

	mux.Get("/pipelines", s.ListPipelines)
	mux.Post("/pipelines/{name}/run", s.RunPipeline)

	mux.Get("/logs", s.Logs)
	mux.Get("/state", s.State)
	mux.Get("/messages", s.Messages)
	mux.Get("/runs/{id}", s.GetRun)
	mux.HandleFunc("/events", s.Events)
	return mux
}
