// Command termcoded is the relay daemon: it pairs agent and browser
// WebSocket connections by session code and routes terminal I/O between
// them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/termcode/termcode/internal/config"
	"github.com/termcode/termcode/internal/logger"
	"github.com/termcode/termcode/internal/relay"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "termcoded",
		Short:   "termcode relay daemon",
		Version: version,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var logLevel string
	var logFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init("termcoded", logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg := config.LoadRelay()
			srv := relay.NewServer(relay.Config{Port: cfg.Port})

			httpSrv := &http.Server{
				Addr:    ":" + cfg.Port,
				Handler: srv,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go srv.ReapLoop(ctx)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("termcoded listening", "port", cfg.Port)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx, httpSrv)
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "optional path to also write logs to")
	return cmd
}
