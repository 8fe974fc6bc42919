// Package supervisor manages the agent's child processes: an optional
// co-located relay and the external tunnel that exposes it, publishing the
// tunnel's public URL on a State channel for the CLI to display.
// StateUpdate also has fields for session code, shell count and connection
// state; nothing in this package fills them in.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/termcode/termcode/internal/logger"
)

const killGrace = 2 * time.Second

var tunnelURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\S*`)

// StateUpdate is one observable fact about the supervised processes, sent
// on Supervisor.State as it changes.
type StateUpdate struct {
	SessionCode string
	TunnelURL   string
	ShellCount  int
	Connection  string // mirrors relayclient.State
}

// Supervisor owns zero or more child processes (a co-located relay, an
// external tunnel) and tees their output to a shared log file.
type Supervisor struct {
	RelayCmd  *exec.Cmd
	TunnelCmd *exec.Cmd
	LogPath   string

	State chan StateUpdate

	log     *slog.Logger
	logFile *os.File

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// New constructs a Supervisor. RelayCmd and TunnelCmd may be nil if that
// child isn't in use (e.g. connecting to an already-running public relay).
func New(relayCmd, tunnelCmd *exec.Cmd, logPath string) *Supervisor {
	return &Supervisor{
		RelayCmd:  relayCmd,
		TunnelCmd: tunnelCmd,
		LogPath:   logPath,
		State:     make(chan StateUpdate, 16),
		log:       logger.With("supervisor"),
	}
}

// Start launches any configured children, tees their output into LogPath,
// and begins scraping the tunnel's stdout for its public URL. It returns
// once both children have started (not once they exit).
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.LogPath != "" {
		f, err := os.OpenFile(s.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("supervisor: open log file: %w", err)
		}
		s.logFile = f
	}

	if s.RelayCmd != nil {
		if err := s.startChild(s.RelayCmd, nil); err != nil {
			return fmt.Errorf("supervisor: start relay: %w", err)
		}
	}

	if s.TunnelCmd != nil {
		scraper := newLineScraper(s.onTunnelLine)
		if err := s.startChild(s.TunnelCmd, scraper); err != nil {
			return fmt.Errorf("supervisor: start tunnel: %w", err)
		}
	}

	return nil
}

func (s *Supervisor) startChild(cmd *exec.Cmd, extraOut io.Writer) error {
	var writers []io.Writer
	if s.logFile != nil {
		writers = append(writers, s.logFile)
	}
	if extraOut != nil {
		writers = append(writers, extraOut)
	}
	if len(writers) > 0 {
		out := io.MultiWriter(writers...)
		cmd.Stdout = out
		cmd.Stderr = out
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}

// onTunnelLine is called once per line of tunnel stdout/stderr, looking for
// the public https:// URL the tunnel prints on startup.
func (s *Supervisor) onTunnelLine(line string) {
	if match := tunnelURLPattern.FindString(line); match != "" {
		s.log.Info("tunnel URL discovered", "url", match)
		s.publish(StateUpdate{TunnelURL: match})
	}
}

// lineScraper is an io.Writer that buffers partial lines across writes and
// invokes onLine once per complete line, so it can sit in an io.MultiWriter
// alongside the shared log file without consuming the only read of a pipe.
type lineScraper struct {
	onLine func(string)
	buf    []byte
}

func newLineScraper(onLine func(string)) *lineScraper {
	return &lineScraper{onLine: onLine}
}

func (w *lineScraper) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:i], "\r"))
		w.buf = w.buf[i+1:]
		w.onLine(line)
	}
	return len(p), nil
}

func (s *Supervisor) publish(u StateUpdate) {
	select {
	case s.State <- u:
	default:
		s.log.Warn("state channel full, dropping update", "update", u)
	}
}

// WatchSocket arms an fsnotify watch on socketPath's parent directory so
// the supervisor notices if something external removes the IPC socket
// file out from under a running agent. onRemoved is called from the
// watcher's own goroutine.
func (s *Supervisor) WatchSocket(socketPath string, onRemoved func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("supervisor: fsnotify: %w", err)
	}
	dir := filepath.Dir(socketPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("supervisor: watch %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	base := filepath.Base(socketPath)
	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					s.log.Warn("ipc socket removed externally", "path", event.Name)
					if onRemoved != nil {
						onRemoved()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("fsnotify error", "err", err)
			}
		}
	}()
	return nil
}

// Shutdown sends SIGTERM to every running child, escalating to SIGKILL for
// any still alive after killGrace.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.mu.Unlock()

	var cmds []*exec.Cmd
	for _, c := range []*exec.Cmd{s.RelayCmd, s.TunnelCmd} {
		if c != nil && c.Process != nil {
			cmds = append(cmds, c)
		}
	}

	for _, c := range cmds {
		c.Process.Signal(syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		for _, c := range cmds {
			c.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(killGrace):
		for _, c := range cmds {
			c.Process.Kill()
		}
		<-done
	}

	if s.logFile != nil {
		s.logFile.Close()
	}
	return nil
}
