// Package config reads termcode's environment-variable configuration.
// There are no config files, per spec.md §6.4 — every setting is read
// directly with envOr, the way cmd/wt/serve.go does it.
package config

import (
	"os"
	"path/filepath"
)

// Relay holds the relay daemon's settings.
type Relay struct {
	Port string // HTTP/WebSocket listen port
}

// LoadRelay reads the relay's configuration from the environment.
func LoadRelay() Relay {
	return Relay{
		Port: envOr("PORT", "3000"),
	}
}

// Agent holds the agent's settings.
type Agent struct {
	RelayURL  string // agent's relay WebSocket endpoint
	IPCPath   string // local IPC socket path
	TunnelCmd string // optional shell command line for an external tunnel, e.g. "cloudflared tunnel --url http://localhost:3000"
	LogFile   string // optional path the supervisor tees subprocess output into
}

// LoadAgent reads the agent's configuration from the environment.
func LoadAgent() Agent {
	return Agent{
		RelayURL:  envOr("RELAY_URL", "ws://localhost:3000/ws"),
		IPCPath:   envOr("IPC_PATH", defaultIPCPath()),
		TunnelCmd: envOr("TUNNEL_CMD", ""),
		LogFile:   envOr("TERMCODE_LOG_FILE", ""),
	}
}

func defaultIPCPath() string {
	return filepath.Join(os.TempDir(), "termcode.sock")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
