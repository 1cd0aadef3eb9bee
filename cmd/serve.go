package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tariffdesk/rates-cli/internal/idempotency"
	"github.com/tariffdesk/rates-cli/internal/ratestore"
	"github.com/tariffdesk/rates-cli/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rate lookup and quote API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		store, closeStore, err := idemStore(pool)
		if err != nil {
			return err
		}
		defer closeStore()

		replayMaxAge := time.Duration(cfg.Idempotency.ReplayMaxAgeSecs) * time.Second
		api := server.New(ratestore.New(pool), ratestore.NewRunLog(pool),
			idempotency.NewGuard(store), replayMaxAge)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.Router(),
		}

		go drainOnDone(ctx, srv, 10*time.Second)

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.String("idempotency_backend", cfg.Idempotency.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// drainOnDone waits for the signal context to cancel, then drains the
// server on a fresh timeout context. The signal context is already
// canceled at that point and would abort the drain immediately.
func drainOnDone(ctx context.Context, srv *http.Server, timeout time.Duration) {
	<-ctx.Done()
	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("server shutdown", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
