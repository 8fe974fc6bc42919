package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/termcode/termcode/internal/codec"
	"github.com/termcode/termcode/internal/registry"
)

const (
	readTimeout     = 10 * time.Second
	pingInterval    = 30 * time.Second
	missedPongLimit = 2
)

// handleWS is the single upgrade endpoint. The role of the connection —
// agent or browser — is inferred from its first control message, per
// spec.md §4.3.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.CloseNow()

	ctx := r.Context()
	firstCtx, cancel := context.WithTimeout(ctx, readTimeout)
	_, data, err := conn.Read(firstCtx)
	cancel()
	if err != nil {
		return
	}

	msg, err := codec.Decode(data)
	if err != nil {
		s.writeError(ctx, conn, codec.CodeInvalidMessage, "expected register or auth as first message")
		conn.Close(websocket.StatusInternalError, "invalid first message")
		return
	}

	switch m := msg.(type) {
	case *codec.Register:
		s.serveAgent(ctx, conn, m)
	case *codec.Auth:
		s.serveBrowser(ctx, conn, m)
	default:
		s.writeError(ctx, conn, codec.CodeInvalidMessage, "first message must be register or auth")
		conn.Close(websocket.StatusInternalError, "wrong role")
	}
}

// pingLoop sends a WebSocket-level ping every pingInterval and closes the
// connection after missedPongLimit consecutive pings go unanswered, per
// spec.md §4.3. Run it in its own goroutine for the lifetime of a
// connection's read loop.
func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				missed++
				if missed >= missedPongLimit {
					conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
					return
				}
				continue
			}
			missed = 0
		}
	}
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, code, message string) {
	data, _ := codec.Encode(&codec.ErrorMsg{Type: codec.TypeError, Code: code, Message: message})
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	conn.Write(wctx, websocket.MessageText, data)
}

// serveAgent runs the read loop for an agent connection: it allocates a
// session, sends registered, then relays binary frames and relevant
// control frames to every attached browser until the connection closes.
func (s *Server) serveAgent(ctx context.Context, conn *websocket.Conn, reg *codec.Register) {
	tx := newWSSender(conn)
	sess, err := s.Registry.Allocate(tx)
	if err != nil {
		s.log.Error("allocate failed", "err", err)
		s.writeError(ctx, conn, codec.CodeInternal, "could not allocate a session code")
		conn.Close(websocket.StatusInternalError, "allocate failed")
		return
	}
	defer s.Registry.DropAgent(sess.Code)

	registered, _ := codec.Encode(&codec.Registered{
		Type:      codec.TypeRegistered,
		Code:      string(sess.Code),
		ExpiresAt: sess.ExpiresAt().UnixMilli(),
	})
	if err := s.writeJSON(ctx, conn, registered); err != nil {
		return
	}
	s.log.Info("agent registered", "code", sess.Code, "client_id", reg.ClientID)

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx, conn)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if typ == websocket.MessageBinary {
			shellID, payload, err := codec.DecodeBinary(data)
			if err != nil {
				s.writeError(ctx, conn, codec.CodeInvalidMessage, "bad binary frame")
				continue
			}
			frame, _ := codec.EncodeBinary(shellID, payload)
			sess.Broadcast(frame, s.onSlowConsumer)
			continue
		}

		msg, err := codec.Decode(data)
		if err != nil {
			s.writeError(ctx, conn, codec.CodeInvalidMessage, "malformed control frame")
			continue
		}

		switch sc := msg.(type) {
		case *codec.SessionConnected:
			sess.NoteShellConnected(sc.SessionID, data)
			sess.Broadcast(data, s.onSlowConsumer)
		case *codec.SessionDisconnected:
			sess.NoteShellDisconnected(sc.SessionID)
			sess.Broadcast(data, s.onSlowConsumer)
		case *codec.Ping:
			pong, _ := codec.Encode(&codec.Pong{Type: codec.TypePong, TS: msg.(*codec.Ping).TS})
			s.writeJSON(ctx, conn, pong)
		default:
			s.writeError(ctx, conn, codec.CodeInvalidMessage, "unexpected message from agent")
		}
	}
}

// serveBrowser runs the read loop for a browser connection, after the
// join/auth handshake that determines whether it gets attached at all.
func (s *Server) serveBrowser(ctx context.Context, conn *websocket.Conn, auth *codec.Auth) {
	browserID := newOpaqueID()
	outcome := s.Registry.Join(registry.SessionCode(auth.SessionCode), browserID, newWSSender(conn))

	if outcome.Err != nil {
		reason := codec.CodeInvalidCode
		if outcome.Err == registry.ErrExpiredCode {
			reason = codec.CodeExpiredCode
		}
		failed, _ := codec.Encode(&codec.AuthFailed{Type: codec.TypeAuthFailed, Reason: reason})
		s.writeJSON(ctx, conn, failed)
		time.Sleep(authFailedLinger)
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		return
	}

	sess := outcome.Session
	defer s.Registry.DropBrowser(sess, browserID)

	success, _ := codec.Encode(&codec.AuthSuccess{Type: codec.TypeAuthSuccess})
	if err := s.writeJSON(ctx, conn, success); err != nil {
		return
	}
	s.log.Info("browser joined", "code", sess.Code, "browser_id", browserID)

	// Replay one session_connected per currently-attached shell so the
	// browser can populate its tab list, per spec.md §4.3. These must reach
	// this browser before any binary frame for that shell; since fan-out to
	// other browsers only starts once this browser is already in the
	// Registry's browser set, and writes to this connection are serialized
	// below this point, there is no race with a subsequent live broadcast.
	for _, frame := range sess.AttachedShellFrames() {
		if err := s.writeJSON(ctx, conn, frame); err != nil {
			return
		}
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx, conn)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if typ == websocket.MessageBinary {
			shellID, payload, err := codec.DecodeBinary(data)
			if err != nil {
				s.writeError(ctx, conn, codec.CodeInvalidMessage, "bad binary frame")
				continue
			}
			frame, _ := codec.EncodeBinary(shellID, payload)
			if agent := sess.Agent(); agent != nil {
				agent.Send(frame)
			}
			continue
		}

		msg, err := codec.Decode(data)
		if err != nil {
			s.writeError(ctx, conn, codec.CodeInvalidMessage, "malformed control frame")
			continue
		}

		switch m := msg.(type) {
		case *codec.TerminalResize:
			if agent := sess.Agent(); agent != nil {
				agent.Send(data)
			}
		case *codec.Ping:
			pong, _ := codec.Encode(&codec.Pong{Type: codec.TypePong, TS: m.TS})
			s.writeJSON(ctx, conn, pong)
		default:
			s.writeError(ctx, conn, codec.CodeInvalidMessage, "unexpected message from browser")
		}
	}
}

// onSlowConsumer closes a browser whose outbound queue overflowed, without
// affecting the rest of the session's fan-out.
func (s *Server) onSlowConsumer(browserID string, tx registry.Sender) {
	s.log.Warn("slow consumer disconnected", "browser_id", browserID)
	tx.Close(codec.CodeSlowConsumer, "outbound queue exhausted")
}

func (s *Server) writeJSON(ctx context.Context, conn *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
