package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cascade-labs/cascade-go/api"
	"github.com/cascade-labs/cascade-go/internal/artifact"
	"github.com/cascade-labs/cascade-go/internal/execution/backend"
	"github.com/cascade-labs/cascade-go/internal/execution/backend/vm"
	"github.com/cascade-labs/cascade-go/internal/execution/scheduler"
	"github.com/cascade-labs/cascade-go/internal/platform/auditlog"
	"github.com/cascade-labs/cascade-go/internal/platform/auth"
	"github.com/cascade-labs/cascade-go/internal/platform/compute"
	"github.com/cascade-labs/cascade-go/internal/platform/env"
	"github.com/cascade-labs/cascade-go/internal/platform/httpserver"
	"github.com/cascade-labs/cascade-go/internal/platform/k8s"
	"github.com/cascade-labs/cascade-go/internal/platform/metrics"
	"github.com/cascade-labs/cascade-go/internal/platform/objectstore"
	"github.com/cascade-labs/cascade-go/internal/platform/postgres"
	"github.com/cascade-labs/cascade-go/internal/repo"
	repopg "github.com/cascade-labs/cascade-go/internal/repo/postgres"
	reposqlite "github.com/cascade-labs/cascade-go/internal/repo/sqlite"
)

type stores struct {
	pipelines repo.PipelineRepository
	runs      repo.RunRepository
	stepRuns  repo.StepRunRepository
	artifacts repo.ArtifactRepository
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CASCADE_PIPELINES_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("CASCADE_PIPELINES_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	uploadMaxMiB, err := env.Int("CASCADE_UPLOAD_MAX_MIB", 256)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	workerPoll, err := env.Duration("CASCADE_WORKER_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	apiURL := env.String("CASCADE_API_URL", "")
	runTokenSecret := env.String("CASCADE_RUN_TOKEN_SECRET", "")
	runTokenTTL, err := env.Duration("CASCADE_RUN_TOKEN_TTL", 6*time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	if _, err := api.Load(ctx); err != nil {
		logger.Error("embedded openapi document is invalid", "error", err)
		os.Exit(2)
	}

	db, st, driver, err := openStores(ctx, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureArtifactsBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	registry := artifact.DefaultRegistry()
	artifactStore, err := artifact.NewStore(storeClient, storeCfg.BucketArtifacts, registry)
	if err != nil {
		logger.Error("artifact store init failed", "error", err)
		os.Exit(2)
	}

	set := metrics.New("pipelines")

	execBackend, err := buildBackend(logger)
	if err != nil {
		logger.Error("invalid backend config", "error", err)
		os.Exit(2)
	}
	logger.Info("execution backend configured", "backend", execBackend.Name())

	sched, err := scheduler.New(scheduler.Config{
		Runs:           st.runs,
		StepRuns:       st.stepRuns,
		Artifacts:      st.artifacts,
		Outputs:        artifactStore,
		Backend:        execBackend,
		Logger:         logger,
		Metrics:        set,
		APIURL:         apiURL,
		RunTokenSecret: runTokenSecret,
		RunTokenTTL:    runTokenTTL,
	})
	if err != nil {
		logger.Error("scheduler init failed", "error", err)
		os.Exit(2)
	}

	svc := newPipelineService(logger, st.pipelines, st.runs, st.stepRuns, st.artifacts, artifactStore)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("pipelines"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"pipelines",
			httpserver.ReadinessCheck{
				Name: driver,
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckArtifactsBucket(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)
	mux.Handle("GET /metrics", set.Handler())

	restAPI := newPipelinesAPI(logger, svc, st.pipelines, st.runs, st.stepRuns, st.artifacts, int64(uploadMaxMiB)<<20)
	restAPI.register(mux)

	handler, err := wrapAuth(ctx, logger, mux, db, driver, runTokenSecret)
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	worker := newRunWorker(logger, st.runs, sched, set, workerPoll)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	cfg := httpserver.Config{
		Service:         "pipelines",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "pipelines", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		stop()
		wg.Wait()
		os.Exit(1)
	}
	wg.Wait()
}

// openStores selects the record store engine. Postgres is the default;
// sqlite serves single-node and development setups.
func openStores(ctx context.Context, logger *slog.Logger) (*sql.DB, stores, string, error) {
	driver := strings.ToLower(strings.TrimSpace(env.String("CASCADE_DB_DRIVER", "postgres")))
	switch driver {
	case "postgres":
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, stores{}, driver, err
		}
		if err := repopg.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, stores{}, driver, err
		}
		return db, stores{
			pipelines: repopg.NewPipelineStore(db),
			runs:      repopg.NewRunStore(db),
			stepRuns:  repopg.NewStepRunStore(db),
			artifacts: repopg.NewArtifactStore(db),
		}, driver, nil
	case "sqlite":
		path := env.String("CASCADE_SQLITE_PATH", "cascade.db")
		db, err := reposqlite.Open(path)
		if err != nil {
			return nil, stores{}, driver, err
		}
		if err := reposqlite.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, stores{}, driver, err
		}
		return db, stores{
			pipelines: reposqlite.NewPipelineStore(db),
			runs:      reposqlite.NewRunStore(db),
			stepRuns:  reposqlite.NewStepRunStore(db),
			artifacts: reposqlite.NewArtifactStore(db),
		}, driver, nil
	default:
		logger.Error("CASCADE_DB_DRIVER must be postgres or sqlite", "driver", driver)
		os.Exit(2)
		return nil, stores{}, driver, nil
	}
}

// buildBackend selects the execution backend from CASCADE_BACKEND.
func buildBackend(logger *slog.Logger) (backend.Backend, error) {
	name := strings.ToLower(strings.TrimSpace(env.String("CASCADE_BACKEND", "local")))
	stepTimeout, err := env.Duration("CASCADE_STEP_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	switch name {
	case "local":
		workDir := env.String("CASCADE_LOCAL_WORKDIR", os.TempDir())
		return backend.NewLocalBackend(workDir, stepTimeout), nil
	case "docker":
		pollInterval, err := env.Duration("CASCADE_DOCKER_POLL_INTERVAL", 2*time.Second)
		if err != nil {
			return nil, err
		}
		return backend.NewDockerBackend(backend.DockerConfig{
			DockerBin:    env.String("CASCADE_DOCKER_BIN", "docker"),
			Network:      env.String("CASCADE_DOCKER_NETWORK", "host"),
			PollInterval: pollInterval,
			Timeout:      stepTimeout,
		})
	case "kubernetes":
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, err
		}
		ttl, err := env.Int("CASCADE_K8S_JOB_TTL_SECONDS", 3600)
		if err != nil {
			return nil, err
		}
		pollInterval, err := env.Duration("CASCADE_K8S_POLL_INTERVAL", 5*time.Second)
		if err != nil {
			return nil, err
		}
		return backend.NewKubernetesBackend(client, backend.KubernetesConfig{
			Namespace:      env.String("CASCADE_K8S_NAMESPACE", ""),
			JobTTLSeconds:  int32(ttl),
			ServiceAccount: env.String("CASCADE_K8S_SERVICE_ACCOUNT", ""),
			PollInterval:   pollInterval,
			Timeout:        stepTimeout,
		})
	case "vm":
		cfg, err := vm.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		provider, err := compute.NewClient(compute.Config{
			Endpoint:    env.String("CASCADE_VM_ENDPOINT", ""),
			Region:      cfg.Region,
			Credentials: cfg.Credentials,
		})
		if err != nil {
			return nil, err
		}
		return vm.New(provider, logger, cfg)
	default:
		return nil, errors.New("CASCADE_BACKEND must be one of: local, docker, kubernetes, vm")
	}
}

// wrapAuth applies bearer-token auth per AUTH_MODE. Disabled mode serves
// everything unauthenticated; dev and oidc modes also accept run tokens so
// backend executions can push artifacts through POST /artifacts.
func wrapAuth(ctx context.Context, logger *slog.Logger, mux *http.ServeMux, db *sql.DB, driver string, runTokenSecret string) (http.Handler, error) {
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if authCfg.Mode == auth.ModeDisabled {
		logger.Warn("authentication is disabled")
		return mux, nil
	}

	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(runTokenSecret) != "" {
		authenticator = runTokenOrUser{secret: runTokenSecret, users: authenticator}
	}

	middleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     runTokenAwareAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics", "/openapi.yaml"},
	}
	// Auth denial audit rows are postgres-only; the sqlite schema has no
	// audit_events table.
	if driver == "postgres" {
		middleware.Audit = func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "pipelines", event)
		}
	}
	return middleware.Wrap(mux), nil
}
