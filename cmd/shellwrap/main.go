// Command shellwrap is a reference implementation of the shell-wrapper
// helper described in spec.md §6.2: it owns a real PTY running the user's
// shell and speaks the agent IPC protocol over a unix socket. The shipped
// product sources this behavior from shell-integration init snippets
// (explicitly out of core, spec.md §1); this binary exists so the repo is
// exercisable end-to-end without an external wrapper.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/termcode/termcode/internal/config"
)

type registerMsg struct {
	Shell string `json:"shell"`
	PID   int    `json:"pid"`
	TTY   string `json:"tty"`
	Name  string `json:"name"`
}

type registeredReply struct {
	ShellID string `json:"shell_id"`
}

type inboundMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shellwrap:", err)
		os.Exit(1)
	}
}

func run() error {
	name := os.Getenv("TERMCODE_SESSION_NAME")
	if name == "" {
		name = "shell"
	}
	shellBin := os.Getenv("SHELL")
	if shellBin == "" {
		shellBin = "/bin/sh"
	}

	cfg := config.LoadAgent()
	conn, err := net.Dial("unix", cfg.IPCPath)
	if err != nil {
		return fmt.Errorf("dial agent ipc %s: %w", cfg.IPCPath, err)
	}
	defer conn.Close()

	cmd := exec.Command(shellBin)
	cmd.Env = os.Environ()
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	reg := registerMsg{
		Shell: shellBin,
		PID:   cmd.Process.Pid,
		TTY:   ptyName(ptmx),
		Name:  name,
	}
	regBytes, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(regBytes, '\n')); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read registration reply: %w", err)
	}
	var reply registeredReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		return fmt.Errorf("malformed registration reply: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go watchResize(ptmx, sigCh)
	sigCh <- syscall.SIGWINCH // report the initial size

	errCh := make(chan error, 2)
	go func() { errCh <- pumpOutput(ptmx, conn) }()
	go func() { errCh <- pumpInbound(reader, ptmx) }()

	go func() {
		cmd.Wait()
		ptmx.Close()
	}()

	return <-errCh
}

func ptyName(ptmx *os.File) string {
	if n, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", ptmx.Fd())); err == nil {
		return n
	}
	return ptmx.Name()
}

// pumpOutput reads PTY output and frames it to the agent as 4-byte-length +
// payload, per spec.md §6.2.
func pumpOutput(ptmx *os.File, conn net.Conn) error {
	buf := make([]byte, 32*1024)
	lenBuf := make([]byte, 4)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(lenBuf, uint32(n))
			if _, werr := conn.Write(lenBuf); werr != nil {
				return werr
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// pumpInbound reads line-delimited JSON from the agent and applies input
// or resize instructions to the PTY, per spec.md §6.2.
func pumpInbound(reader *bufio.Reader, ptmx *os.File) error {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var msg inboundMsg
		if jerr := json.Unmarshal([]byte(line), &msg); jerr != nil {
			continue
		}
		switch msg.Type {
		case "input":
			data, derr := base64.StdEncoding.DecodeString(msg.Data)
			if derr != nil {
				continue
			}
			ptmx.Write(data)
		case "resize":
			pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(msg.Cols), Rows: uint16(msg.Rows)})
		}
	}
}

// watchResize applies the terminal size of shellwrap's own controlling
// terminal to the PTY whenever SIGWINCH fires — useful when this binary is
// run interactively rather than spawned headless by shell integration.
func watchResize(ptmx *os.File, sigCh <-chan os.Signal) {
	for range sigCh {
		cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
		if err != nil {
			continue
		}
		pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	}
}
