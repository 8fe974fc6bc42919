// Command termcode is the workstation agent: it runs a local shell-wrapper
// IPC server and keeps an outbound connection to a relay, so a remote
// browser can attach to this machine's shells by session code.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/termcode/termcode/internal/config"
	"github.com/termcode/termcode/internal/ipc"
	"github.com/termcode/termcode/internal/logger"
	"github.com/termcode/termcode/internal/relayclient"
	"github.com/termcode/termcode/internal/supervisor"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "termcode",
		Short:   "termcode workstation agent",
		Version: version,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(doctorCmd())

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
		Short: "Start the IPC server and connect to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init("termcode", logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg := config.LoadAgent()
			ipcSrv := ipc.NewServer(cfg.IPCPath)

			clientID := uuid.New().String()
			client := relayclient.New(cfg.RelayURL, clientID, ipcSrv)
			client.OnStateChange = func(state relayclient.State, err error) {
				if err != nil {
					logger.Warn("connection state changed", "state", state, "err", err)
				} else {
					logger.Info("connection state changed", "state", state)
				}
			}
			client.OnRegistered = func(code string, expiresAt time.Time) {
				fmt.Printf("\n  session code: %s\n  expires:      %s\n\n", code, expiresAt.Format(time.RFC3339))
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ipcErrCh := make(chan error, 1)
			go func() { ipcErrCh <- ipcSrv.Serve() }()
			defer ipcSrv.Close()

			var sup *supervisor.Supervisor
			if cfg.TunnelCmd != "" {
				var err error
				sup, err = startTunnel(ctx, cfg)
				if err != nil {
					return fmt.Errorf("start tunnel: %w", err)
				}
				go func() {
					for update := range sup.State {
						if update.TunnelURL != "" {
							fmt.Printf("  tunnel url:   %s\n", update.TunnelURL)
						}
					}
				}()
			} else {
				sup = supervisor.New(nil, nil, cfg.LogFile)
			}
			defer sup.Shutdown(context.Background())

			if err := sup.WatchSocket(cfg.IPCPath, func() {
				logger.Warn("ipc socket missing, agent needs a restart to re-bind it")
			}); err != nil {
				logger.Warn("could not watch ipc socket", "err", err)
			}

			logger.Info("agent starting", "ipc_path", cfg.IPCPath, "relay_url", cfg.RelayURL)

			clientErrCh := make(chan error, 1)
			go func() { clientErrCh <- client.Run(ctx) }()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case err := <-ipcErrCh:
				return fmt.Errorf("ipc server: %w", err)
			case err := <-clientErrCh:
				if err != nil && ctx.Err() == nil {
					return fmt.Errorf("relay client: %w", err)
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "optional path to also write logs to")
	return cmd
}

// startTunnel launches the configured TUNNEL_CMD under a supervisor and
// returns once the process has started; the tunnel's public URL arrives
// later on the supervisor's State channel.
func startTunnel(ctx context.Context, cfg config.Agent) (*supervisor.Supervisor, error) {
	fields := strings.Fields(cfg.TunnelCmd)
	if len(fields) == 0 {
		return nil, fmt.Errorf("TUNNEL_CMD is set but empty")
	}
	tunnelCmd := exec.Command(fields[0], fields[1:]...)

	sup := supervisor.New(nil, tunnelCmd, cfg.LogFile)
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	return sup, nil
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check IPC socket and relay reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadAgent()

			fmt.Println("termcode doctor")
			fmt.Println()

			fmt.Println("Config:")
			fmt.Printf("  ipc_path:  %s\n", cfg.IPCPath)
			fmt.Printf("  relay_url: %s\n", cfg.RelayURL)
			fmt.Println()

			fmt.Println("Checks:")
			if reachable, detail := ipcSocketUsable(cfg.IPCPath); reachable {
				fmt.Printf("  %-12s ok (%s)\n", "ipc socket", detail)
			} else {
				fmt.Printf("  %-12s %s\n", "ipc socket", detail)
			}

			if reachable, detail := relayReachable(cfg.RelayURL); reachable {
				fmt.Printf("  %-12s reachable (%s)\n", "relay", detail)
			} else {
				fmt.Printf("  %-12s not reachable: %s\n", "relay", detail)
			}

			return nil
		},
	}
}

// ipcSocketUsable reports whether path's parent directory exists and is
// writable, which is all that's needed for Serve to bind the socket later.
func ipcSocketUsable(path string) (bool, string) {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return false, fmt.Sprintf("parent dir %s: %v", dir, err)
	}
	if !info.IsDir() {
		return false, fmt.Sprintf("%s is not a directory", dir)
	}
	if err := syscall.Access(dir, 0x2 /* W_OK */); err != nil {
		return false, fmt.Sprintf("parent dir %s is not writable: %v", dir, err)
	}
	return true, dir
}

// relayReachable resolves the relay's host and checks its /health endpoint
// over plain HTTP, converting the ws(s):// scheme for the probe.
func relayReachable(relayURL string) (bool, string) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return false, err.Error()
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/health"

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(u.String())
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return true, u.Host
}
