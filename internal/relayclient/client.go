// Package relayclient is the agent's outbound half: it dials the relay over
// WebSocket, registers to obtain a session code, and multiplexes binary
// frames between the relay and the local ipc.Server's shells.
package relayclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/termcode/termcode/internal/codec"
	"github.com/termcode/termcode/internal/ipc"
	"github.com/termcode/termcode/internal/logger"
)

// State is a connection lifecycle stage, reported through OnStateChange so a
// supervisor or CLI can surface it to the operator.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 32 * time.Second
	heartbeatInterval = 30 * time.Second
	missedPongLimit   = 2
	writeTimeout      = 10 * time.Second
	sendQueueDepth    = 256
)

// Client owns the relay WebSocket connection for one agent process.
type Client struct {
	RelayURL string
	ClientID string
	IPC      *ipc.Server

	// OnStateChange is called on every connection lifecycle transition.
	OnStateChange func(state State, err error)
	// OnRegistered is called with the freshly allocated session code each
	// time the agent (re)registers with the relay.
	OnRegistered func(code string, expiresAt time.Time)

	log *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	sendCh   chan []byte
	rings    map[string]*outputRing
	sessions map[string]struct{} // known shell_ids announced to the relay
	backoff  *Backoff
}

// New constructs a Client. Call Run to connect and serve until ctx is done.
func New(relayURL, clientID string, ipcServer *ipc.Server) *Client {
	c := &Client{
		RelayURL: relayURL,
		ClientID: clientID,
		IPC:      ipcServer,
		log:      logger.With("relayclient"),
		rings:    make(map[string]*outputRing),
		sessions: make(map[string]struct{}),
	}
	ipcServer.OnOutput = c.handleShellOutput
	ipcServer.OnDisconnect = c.handleShellDisconnect
	return c
}

// Run connects to the relay and serves until ctx is cancelled, reconnecting
// with exponential backoff (1s..32s, +/-10% jitter) on every disconnect.
func (c *Client) Run(ctx context.Context) error {
	c.backoff = NewBackoff(backoffInitial, backoffMax)
	c.setState(StateConnecting, nil)

	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected, ctx.Err())
			return ctx.Err()
		}

		c.setState(StateReconnecting, err)
		delay := c.backoff.Next()
		c.log.Warn("relay connection lost, reconnecting", "err", err, "delay", delay)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected, ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.setState(StateConnecting, nil)
	}
}

func (c *Client) setState(s State, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(s, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("relayclient: dial: %w", err)
	}
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.sendCh = make(chan []byte, sendQueueDepth)
	// A fresh connection means the relay allocated a brand-new Session with
	// zero recorded shells (registry.Allocate, registry.go), so every shell
	// must be re-announced regardless of what this Client told a previous
	// connection.
	c.sessions = make(map[string]struct{})
	c.mu.Unlock()

	c.setState(StateAuthenticating, nil)

	reg, err := codec.Encode(&codec.Register{Type: codec.TypeRegister, ClientID: c.ClientID})
	if err != nil {
		return err
	}
	if err := c.writeFrame(ctx, websocket.MessageText, reg); err != nil {
		return fmt.Errorf("relayclient: register: %w", err)
	}

	writerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(writerCtx, conn)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	var missed atomic.Int32
	go c.heartbeatLoop(hbCtx, &missed)

	return c.readLoop(ctx, conn, &missed)
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			msgType := websocket.MessageText
			if len(frame) > 0 && frame[0] != '{' {
				msgType = websocket.MessageBinary
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, msgType, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(ctx context.Context, msgType websocket.MessageType, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, msgType, data)
}

// enqueue pushes a frame to the write loop without blocking. If the queue is
// full the caller should fall back to buffering in a shell's outputRing.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	ch := c.sendCh
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, missed *atomic.Int32) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("relayclient: read: %w", err)
		}

		if msgType == websocket.MessageBinary {
			c.handleBinaryFrame(data)
			continue
		}

		msg, err := codec.Decode(data)
		if err != nil {
			c.log.Warn("bad message from relay", "err", err)
			continue
		}

		switch m := msg.(type) {
		case *codec.Registered:
			c.log.Info("registered with relay", "code", m.Code)
			c.setState(StateConnected, nil)
			if c.backoff != nil {
				c.backoff.Reset()
			}
			if c.OnRegistered != nil {
				c.OnRegistered(m.Code, time.UnixMilli(m.ExpiresAt))
			}
			c.announceExistingShells(ctx)
			c.flushRings()
		case *codec.TerminalResize:
			c.handleResize(m)
		case *codec.Pong:
			missed.Store(0)
		case *codec.ErrorMsg:
			c.log.Warn("relay error", "code", m.Code, "message", m.Message)
		default:
			c.log.Warn("unexpected message type from relay")
		}
	}
}

func (c *Client) handleBinaryFrame(frame []byte) {
	shellID, payload, err := codec.DecodeBinary(frame)
	if err != nil {
		c.log.Warn("bad binary frame from relay", "err", err)
		return
	}
	sh, ok := c.IPC.Shell(shellID)
	if !ok {
		return
	}
	if err := sh.Input(payload); err != nil {
		c.log.Warn("failed writing input to shell", "shell_id", shellID, "err", err)
	}
}

func (c *Client) handleResize(m *codec.TerminalResize) {
	sh, ok := c.IPC.Shell(m.SessionID)
	if !ok {
		return
	}
	if err := sh.Resize(m.Cols, m.Rows); err != nil {
		c.log.Warn("failed resizing shell", "shell_id", m.SessionID, "err", err)
	}
}

// handleShellOutput is wired as ipc.Server.OnOutput: it encodes a binary
// frame and forwards it to the relay, falling back to a bounded per-shell
// ring buffer if the send queue is momentarily saturated.
func (c *Client) handleShellOutput(sh *ipc.Shell, payload []byte) {
	frame, err := codec.EncodeBinary(sh.ID, payload)
	if err != nil {
		c.log.Warn("failed encoding output frame", "shell_id", sh.ID, "err", err)
		return
	}
	c.announce(sh)
	if !c.enqueue(frame) {
		c.mu.Lock()
		r, ok := c.rings[sh.ID]
		if !ok {
			r = newOutputRing()
			c.rings[sh.ID] = r
		}
		r.write(payload)
		c.mu.Unlock()
	}
}

func (c *Client) handleShellDisconnect(sh *ipc.Shell) {
	c.mu.Lock()
	delete(c.rings, sh.ID)
	delete(c.sessions, sh.ID)
	c.mu.Unlock()

	msg, err := codec.Encode(&codec.SessionDisconnected{Type: codec.TypeSessionDisconnected, SessionID: sh.ID})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// announce sends a session_connected message the first time a shell is
// seen, so browsers joining after it attached can show its name. Returns
// true if an announcement was made.
func (c *Client) announce(sh *ipc.Shell) bool {
	c.mu.Lock()
	if _, ok := c.sessions[sh.ID]; ok {
		c.mu.Unlock()
		return false
	}
	c.sessions[sh.ID] = struct{}{}
	c.mu.Unlock()

	msg, err := codec.Encode(&codec.SessionConnected{Type: codec.TypeSessionConnected, SessionID: sh.ID, Name: sh.Name})
	if err != nil {
		return false
	}
	c.enqueue(msg)
	return true
}

func (c *Client) announceExistingShells(_ context.Context) {
	for _, sh := range c.IPC.Shells() {
		c.announce(sh)
	}
}

// flushRings drains any output buffered while the relay link was down.
func (c *Client) flushRings() {
	c.mu.Lock()
	pending := make(map[string][]byte, len(c.rings))
	for id, r := range c.rings {
		if !r.empty() {
			pending[id] = r.drain()
		}
	}
	c.mu.Unlock()

	for shellID, payload := range pending {
		frame, err := codec.EncodeBinary(shellID, payload)
		if err != nil {
			continue
		}
		c.enqueue(frame)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, missed *atomic.Int32) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if missed.Load() >= missedPongLimit {
				c.log.Warn("missed too many heartbeat pongs, dropping connection")
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				}
				return
			}
			ping, err := codec.Encode(&codec.Ping{Type: codec.TypePing, TS: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			missed.Add(1)
			if !c.enqueue(ping) {
				return
			}
		}
	}
}
