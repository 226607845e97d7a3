package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/api"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scanner as a REST API service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx := getAppContext(cmd)
			services, err := appCtx.Services()
			if err != nil {
				return err
			}
			serveCfg := appCtx.Config.Serve
			flags := cmd.Flags()
			if flags.Changed("addr") {
				serveCfg.Addr, _ = flags.GetString("addr")
			}
			if flags.Changed("auth-token") {
				serveCfg.AuthToken, _ = flags.GetString("auth-token")
			}
			if flags.Changed("cors-origins") {
				serveCfg.CORSOrigins, _ = flags.GetStringSlice("cors-origins")
			}
			if flags.Changed("rate-limit") {
				serveCfg.RateLimit, _ = flags.GetFloat64("rate-limit")
			}
			if flags.Changed("rate-burst") {
				serveCfg.RateBurst, _ = flags.GetInt("rate-burst")
			}
			shutdownTimeout, _ := flags.GetDuration("shutdown-timeout")

			server := api.NewServer(api.Config{
				Sessions:    services.Sessions,
				Checks:      services.Catalog,
				Targets:     services,
				Events:      services.Events,
				Health:      services,
				Metrics:     services.Metrics.Handler(),
				Version:     Version,
				AuthToken:   serveCfg.AuthToken,
				Logger:      appCtx.Logger,
				CORSOrigins: serveCfg.CORSOrigins,
				RateLimit:   serveCfg.RateLimit,
				RateBurst:   serveCfg.RateBurst,
			})
			defer server.Close()

			// WriteTimeout stays unset: the event stream is long-lived.
			httpServer := &http.Server{
				Addr:              serveCfg.Addr,
				Handler:           server,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			serverErrors := make(chan error, 1)
			out := cmd.OutOrStdout()
			go func() {
				fmt.Fprintf(out, "%s API server listening on %s (results dir: %s)\n", colorInfo("→"), serveCfg.Addr, appCtx.ResultsDir)
				fmt.Fprintf(out, "%s Press Ctrl+C to gracefully shutdown\n", colorInfo("→"))
				serverErrors <- httpServer.ListenAndServe()
			}()

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(shutdown)

			select {
			case err := <-serverErrors:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
			case <-cmd.Context().Done():
				return shutdownServer(httpServer, appCtx.Logger, shutdownTimeout)
			case sig := <-shutdown:
				fmt.Fprintf(out, "\n%s Received signal %v, initiating graceful shutdown...\n", colorInfo("→"), sig)
				if err := shutdownServer(httpServer, appCtx.Logger, shutdownTimeout); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s Server shutdown complete\n", colorInfo("✓"))
			}
			return nil
		},
	}

	flags := serveCmd.Flags()
	flags.String("addr", "127.0.0.1:8080", "address for the API server")
	flags.String("auth-token", "", "shared secret required in X-Auth-Token")
	flags.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	flags.StringSlice("cors-origins", nil, "allowed CORS origins (empty = allow all)")
	flags.Float64("rate-limit", 10, "requests per second per client IP (0 = disabled)")
	flags.Int("rate-burst", 20, "rate limit burst size")
	return serveCmd
}

// shutdownServer drains open requests. Running scans are cancelled later when
// the container closes.
func shutdownServer(srv *http.Server, logger *zap.Logger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed, closing connections", zap.Error(err))
		if closeErr := srv.Close(); closeErr != nil {
			return fmt.Errorf("failed to gracefully shutdown server: %w (close error: %v)", err, closeErr)
		}
		return fmt.Errorf("failed to gracefully shutdown server: %w", err)
	}
	return nil
}
