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
	"syscall"
	"time"

	"github.com/cascade-labs/cascade-go/internal/platform/auditlog"
	"github.com/cascade-labs/cascade-go/internal/platform/auth"
	"github.com/cascade-labs/cascade-go/internal/platform/env"
	"github.com/cascade-labs/cascade-go/internal/platform/httpserver"
	"github.com/cascade-labs/cascade-go/internal/platform/postgres"
	"github.com/cascade-labs/cascade-go/internal/repo"
	repopg "github.com/cascade-labs/cascade-go/internal/repo/postgres"
	reposqlite "github.com/cascade-labs/cascade-go/internal/repo/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CASCADE_LINEAGE_HTTP_ADDR", ":8081")
	shutdownTimeout, err := env.Duration("CASCADE_LINEAGE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	db, stepRuns, artifacts, driver, err := openStores(ctx, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("lineage"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"lineage",
			httpserver.ReadinessCheck{
				Name: driver,
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)

	api := newLineageAPI(logger, stepRuns, artifacts)
	api.register(mux)

	handler, err := wrapAuth(ctx, logger, mux, db, driver)
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	cfg := httpserver.Config{
		Service:         "lineage",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "lineage", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func openStores(ctx context.Context, logger *slog.Logger) (*sql.DB, repo.StepRunRepository, repo.ArtifactRepository, string, error) {
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
			return nil, nil, nil, driver, err
		}
		return db, repopg.NewStepRunStore(db), repopg.NewArtifactStore(db), driver, nil
	case "sqlite":
		path := env.String("CASCADE_SQLITE_PATH", "cascade.db")
		db, err := reposqlite.Open(path)
		if err != nil {
			return nil, nil, nil, driver, err
		}
		return db, reposqlite.NewStepRunStore(db), reposqlite.NewArtifactStore(db), driver, nil
	default:
		logger.Error("CASCADE_DB_DRIVER must be postgres or sqlite", "driver", driver)
		os.Exit(2)
		return nil, nil, nil, driver, nil
	}
}

func wrapAuth(ctx context.Context, logger *slog.Logger, mux *http.ServeMux, db *sql.DB, driver string) (http.Handler, error) {
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

	middleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}
	if driver == "postgres" {
		middleware.Audit = func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "lineage", event)
		}
	}
	return middleware.Wrap(mux), nil
}
