package cmd

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/syncmesh/core/common/sessioncache"
	"github.com/syncmesh/core/syncserver/auth"
	"github.com/syncmesh/core/syncserver/httpapi"
	"github.com/syncmesh/core/syncserver/ledger"
	"github.com/syncmesh/core/syncserver/pgschema"
	"github.com/syncmesh/core/syncserver/policy"
	"github.com/syncmesh/core/syncserver/service"
	"github.com/syncmesh/core/syncserver/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the sync server's HTTP API",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, args []string) error {
	logger := rootLogger()

	db, err := sql.Open("pgx", viper.GetString(cfgDatabaseURL))
	if err != nil {
		return err
	}

	if _, err := db.Exec(pgschema.SQL); err != nil {
		db.Close()
		return err
	}

	st := store.New(db, logger.Named("store"))
	lg := ledger.New(db, logger.Named("ledger"))
	svc := service.New(st, lg, service.Options{Policy: policy.OwnerOnly{}, Logger: logger.Named("service")})

	cache, err := sessioncache.New(sessioncache.Options{
		TTL:    time.Duration(viper.GetInt(cfgSessionCacheTTLMs)) * time.Millisecond,
		Logger: logger.Named("sessioncache"),
	})
	if err != nil {
		db.Close()
		return err
	}

	// shutdown aggregates every component's teardown error rather than
	// stopping at the first one.
	shutdown := func() error {
		var errs *multierror.Error
		if err := cache.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := db.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		return errs.ErrorOrNil()
	}
	defer func() {
		if err := shutdown(); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	resolver := auth.NewCachedResolver(auth.NewKratosResolver(viper.GetString(cfgKratosPublicURL), nil), cache)

	router := httpapi.NewRouter(httpapi.Config{
		Resolver:     resolver,
		Service:      svc,
		Ledger:       lg,
		Logger:       logger.Named("httpapi"),
		DevEnabled:   viper.GetString(cfgNodeEnv) != "production",
		CookieSecure: viper.GetBool(cfgSessionCookieSec),
	})

	srv := &http.Server{
		Addr:              viper.GetString(cfgListenAddr),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sync server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
