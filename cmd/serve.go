package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/api"
)

var (
	servePort          int
	serveRetryInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initWorkflow(ctx, "serve")
		if err != nil {
			return err
		}
		defer closeEnv(env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewRouter(env.Service, api.Options{
				CORSOrigins: cfg.Server.CORSOrigins,
				Ping:        env.Store.Ping,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		if serveRetryInterval > 0 {
			go retryLoop(ctx, env, serveRetryInterval)
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// retryLoop resumes due dead-letter entries until ctx ends.
func retryLoop(ctx context.Context, env *workflowEnv, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := env.Service.RetryDue(ctx, 10)
			if err != nil {
				zap.L().Warn("dlq: retry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("dlq: resumed instances", zap.Int("count", n))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().DurationVar(&serveRetryInterval, "retry-interval", time.Minute, "how often to resume due dead-letter instances (0 disables)")
	rootCmd.AddCommand(serveCmd)
}
