package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ikoma-ops/ikoma/internal/config"
	"github.com/ikoma-ops/ikoma/internal/httpapi"
	"github.com/ikoma-ops/ikoma/internal/reconcile"
	"github.com/ikoma-ops/ikoma/internal/store"
)

// NewServeCommand creates the serve command: open the store, start the
// reconciler, and serve HTTP until SIGINT/SIGTERM.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			logger := cfg.Logger(os.Stderr)

			st, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rec := reconcile.New(st, logger, reconcile.Options{
				Interval:         cfg.Reconcile.Interval.Std(),
				ClaimTimeout:     cfg.Reconcile.ClaimTimeout.Std(),
				HeartbeatTimeout: cfg.Reconcile.HeartbeatTimeout.Std(),
			})
			go func() {
				_ = rec.Run(ctx)
			}()

			api := httpapi.New(st, logger, httpapi.Options{AdminKey: cfg.AdminKey})
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           api.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", "addr", cfg.Listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return WrapExitError(ExitFailure, "shutdown", err)
				}
				return nil
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return WrapExitError(ExitFailure, "http server", err)
			}
		},
	}
}
