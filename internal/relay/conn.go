package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/termcode/termcode/internal/codec"
)

const (
	sendQueueDepth = 1024
	sendQueueBytes = 4 * 1024 * 1024
	writeTimeout   = 10 * time.Second
	closeTimeout   = 2 * time.Second
)

// wsSender adapts a *websocket.Conn to registry.Sender: a bounded outbound
// queue drained by a single writer goroutine, so concurrent callers never
// race on conn.Write. A full queue (1024 frames, or 4 MiB outstanding)
// reports back through Send so the caller can disconnect the slow peer —
// the same per-connection-serialized-writer shape as the teacher's
// DaemonConn/ClientConn Send channels.
type wsSender struct {
	conn *websocket.Conn

	mu        sync.Mutex
	queue     chan []byte
	queued    int
	closed    bool
	closeOnce sync.Once
	stopped   chan struct{} // closed once writeLoop has returned
}

func newWSSender(conn *websocket.Conn) *wsSender {
	s := &wsSender{
		conn:    conn,
		queue:   make(chan []byte, sendQueueDepth),
		stopped: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *wsSender) Send(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSenderClosed
	}
	if s.queued+len(frame) > sendQueueBytes || len(s.queue) >= sendQueueDepth {
		s.mu.Unlock()
		return errQueueFull
	}
	s.queued += len(frame)
	s.mu.Unlock()

	select {
	case s.queue <- frame:
		return nil
	default:
		s.mu.Lock()
		s.queued -= len(frame)
		s.mu.Unlock()
		return errQueueFull
	}
}

// writeLoop writes every queued frame to conn in queue order. Close writes
// the final error frame itself, only after writeLoop has returned.
func (s *wsSender) writeLoop() {
	defer close(s.stopped)
	for frame := range s.queue {
		s.mu.Lock()
		s.queued -= len(frame)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		msgType := websocket.MessageText
		if isBinaryFrame(frame) {
			msgType = websocket.MessageBinary
		}
		err := s.conn.Write(ctx, msgType, frame)
		cancel()
		if err != nil {
			go s.Close("INTERNAL", "write failed")
			return
		}
	}
}

// isBinaryFrame reports whether a queued frame is a codec binary data frame
// rather than a JSON control message. Control messages always start with
// '{'; binary frames start with the shell_id length byte, which is never
// '{' (0x7b) for the short IDs this protocol carries.
func isBinaryFrame(frame []byte) bool {
	return len(frame) > 0 && frame[0] != '{'
}

func (s *wsSender) Close(code, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.queue)
		<-s.stopped // writeLoop has drained and stopped writing to conn

		wsCode := websocket.StatusInternalError
		if code != "INTERNAL" {
			wsCode = websocket.StatusNormalClosure
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		errFrame, _ := codec.Encode(&codec.ErrorMsg{Type: codec.TypeError, Code: code, Message: reason})
		s.conn.Write(ctx, websocket.MessageText, errFrame)
		s.conn.Close(wsCode, reason)
	})
}

type senderError string

func (e senderError) Error() string { return string(e) }

const (
	errQueueFull    = senderError("relay: outbound queue full")
	errSenderClosed = senderError("relay: sender closed")
)
