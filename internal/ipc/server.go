// Package ipc implements the agent's local stream-socket server: the
// handshake and framing a shell-wrapper subprocess speaks to hand its PTY
// output to the agent and receive input/resize back.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/termcode/termcode/internal/logger"
)

const (
	registerDeadline = 500 * time.Millisecond
	registerMaxBytes  = 4096
	lengthPrefixSize  = 4
	maxFrameSize      = 1 << 20 // 1 MiB guards against a runaway length prefix
)

// Server listens on a unix socket for shell-wrapper connections. Each
// connection registers once, then streams framed PTY output until it
// closes.
type Server struct {
	path string
	log  *slog.Logger

	// OnOutput is called with each PTY output payload as it arrives. The
	// agent's relay client wires this to encode and forward a binary frame.
	OnOutput func(shell *Shell, payload []byte)
	// OnDisconnect is called once a shell's connection ends, after the
	// shell has been removed from the server's table.
	OnDisconnect func(shell *Shell)

	mu     sync.RWMutex
	shells map[string]*Shell

	ln net.Listener
}

// NewServer constructs an IPC server bound to path. Call Serve to start
// accepting connections.
func NewServer(path string) *Server {
	return &Server{
		path:   path,
		log:    logger.With("ipc"),
		shells: make(map[string]*Shell),
	}
}

// Serve removes any stale socket file, listens, and accepts connections
// until the listener is closed. One goroutine handles each connection —
// spec.md §4.5 calls for unbounded accept concurrency.
func (s *Server) Serve() error {
	os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: listen unix %s: %w", s.path, err)
	}
	if err := hardenSocket(ln); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}
	s.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// hardenSocket restricts the IPC socket to the owning user via an fd-based
// fchmod, avoiding the TOCTOU window between bind and a path-based chmod.
// Falls back to os.Chmod for listener types that don't expose a raw fd.
func hardenSocket(ln net.Listener) error {
	ul, ok := ln.(*net.UnixListener)
	if !ok {
		return os.Chmod(ln.Addr().String(), 0600)
	}
	f, err := ul.File()
	if err != nil {
		return os.Chmod(ln.Addr().String(), 0600)
	}
	defer f.Close()
	return unix.Fchmod(int(f.Fd()), 0600)
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}

// Shell looks up a registered shell by ID.
func (s *Server) Shell(id string) (*Shell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shells[id]
	return sh, ok
}

// Shells returns a snapshot of every currently registered shell.
func (s *Server) Shells() []*Shell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Shell, 0, len(s.shells))
	for _, sh := range s.shells {
		out = append(out, sh)
	}
	return out
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reg, reader, err := readRegistration(conn)
	if err != nil {
		s.log.Warn("registration failed", "err", err)
		return
	}

	shellID := uuid.New().String()
	sh := newShell(shellID, reg, conn)

	s.mu.Lock()
	s.shells[shellID] = sh
	s.mu.Unlock()

	reply, _ := json.Marshal(registeredReply{ShellID: shellID})
	if _, err := conn.Write(append(reply, '\n')); err != nil {
		s.dropShell(sh)
		return
	}
	s.log.Info("shell registered", "shell_id", shellID, "name", reg.Name, "pid", reg.PID)

	s.readOutputLoop(sh, reader)
	s.dropShell(sh)
}

func (s *Server) dropShell(sh *Shell) {
	s.mu.Lock()
	delete(s.shells, sh.ID)
	s.mu.Unlock()
	sh.close()
	if s.OnDisconnect != nil {
		s.OnDisconnect(sh)
	}
	s.log.Info("shell disconnected", "shell_id", sh.ID)
}

// readRegistration reads the first line of JSON registration metadata,
// enforcing the 4 KiB / 500 ms deadline from spec.md §4.5. It returns a
// buffered reader positioned right after the registration line so the
// caller can keep reading framed output from the same stream.
func readRegistration(conn net.Conn) (registerMsg, *bufio.Reader, error) {
	conn.SetReadDeadline(time.Now().Add(registerDeadline))
	defer conn.SetReadDeadline(time.Time{})

	reader := bufio.NewReaderSize(conn, registerMaxBytes)
	line, err := reader.ReadString('\n')
	if err != nil {
		return registerMsg{}, nil, fmt.Errorf("ipc: read registration: %w", err)
	}
	if len(line) > registerMaxBytes {
		return registerMsg{}, nil, fmt.Errorf("ipc: registration exceeds %d bytes", registerMaxBytes)
	}

	var reg registerMsg
	if err := json.Unmarshal([]byte(line), &reg); err != nil {
		return registerMsg{}, nil, fmt.Errorf("ipc: malformed registration: %w", err)
	}
	return reg, reader, nil
}

// readOutputLoop reads 4-byte-length-prefixed PTY output frames until the
// connection closes or a frame is malformed.
func (s *Server) readOutputLoop(sh *Shell, reader *bufio.Reader) {
	lenBuf := make([]byte, lengthPrefixSize)
	for {
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n > maxFrameSize {
			s.log.Warn("output frame too large, dropping connection", "shell_id", sh.ID, "len", n)
			return
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return
		}

		if s.OnOutput != nil {
			s.OnOutput(sh, payload)
		}
	}
}
