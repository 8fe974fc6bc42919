// Package registry implements the relay's session-code pairing table: code
// allocation, agent/browser membership, unpaired-session expiry, and fan-out.
package registry

import (
	"sync"
	"time"
)

// SessionCode is a six-character (or, after a widen, seven-character) code
// drawn from an unambiguous alphabet.
type SessionCode string

// Sender is a write-handle to one end of a relay connection. Send must be
// safe for concurrent use and must not block: a full outbound queue reports
// back via the returned error so the caller can disconnect the slow peer.
type Sender interface {
	Send(frame []byte) error
	Close(code string, reason string)
}

// Session pairs one agent connection with zero or more browser connections
// under a single code.
type Session struct {
	Code      SessionCode
	ID        string // session_id, opaque
	CreatedAt time.Time

	mu        sync.RWMutex
	agentTx   Sender
	browsers  map[string]Sender // browser_id -> write-handle
	shells    map[string][]byte // shell_id -> last session_connected frame, for replay to new joiners
	expiresAt time.Time
	paired    bool
}

// SetAgent installs the (only) agent write-handle for this session.
func (s *Session) SetAgent(tx Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentTx = tx
}

// Agent returns the current agent write-handle, or nil if the agent link is
// closed.
func (s *Session) Agent() Sender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentTx
}

// AddBrowser inserts a browser write-handle and clears the unpaired-expiry
// deadline on first join, per the "lifting" design decision in spec.md §9.
func (s *Session) AddBrowser(browserID string, tx Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browsers == nil {
		s.browsers = make(map[string]Sender)
	}
	s.browsers[browserID] = tx
	s.paired = true
	s.expiresAt = time.Time{}
}

// RemoveBrowser removes a browser write-handle. A paired session never
// re-enters the expiry window, even if this empties the browser set.
func (s *Session) RemoveBrowser(browserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.browsers, browserID)
}

// Browsers returns a snapshot of the currently attached browser write-handles.
// Safe to call concurrently with AddBrowser/RemoveBrowser/Broadcast.
func (s *Session) Browsers() map[string]Sender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Sender, len(s.browsers))
	for k, v := range s.browsers {
		out[k] = v
	}
	return out
}

// BrowserCount reports the number of attached browsers.
func (s *Session) BrowserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.browsers)
}

// Broadcast fans a frame out to every attached browser. A per-browser send
// error (a full outbound queue) is passed to onSlowConsumer, which the relay
// uses to close just that browser with SLOW_CONSUMER; a nil onSlowConsumer
// ignores send errors. An error never prevents delivery to the other browsers.
func (s *Session) Broadcast(frame []byte, onSlowConsumer func(browserID string, tx Sender)) {
	s.mu.RLock()
	browsers := make(map[string]Sender, len(s.browsers))
	for k, v := range s.browsers {
		browsers[k] = v
	}
	s.mu.RUnlock()

	for id, tx := range browsers {
		if err := tx.Send(frame); err != nil && onSlowConsumer != nil {
			onSlowConsumer(id, tx)
		}
	}
}

// NoteShellConnected records the verbatim session_connected frame for a
// shell, so it can be replayed to browsers that join after the shell
// appeared (spec.md §4.3: a joining browser gets one session_connected per
// currently-attached shell before it sees any binary frames).
func (s *Session) NoteShellConnected(shellID string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shells == nil {
		s.shells = make(map[string][]byte)
	}
	s.shells[shellID] = frame
}

// NoteShellDisconnected forgets a shell so it is no longer replayed to
// newly joining browsers.
func (s *Session) NoteShellDisconnected(shellID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shells, shellID)
}

// AttachedShellFrames returns the recorded session_connected frames for
// every shell currently attached, in no particular order.
func (s *Session) AttachedShellFrames() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, 0, len(s.shells))
	for _, f := range s.shells {
		out = append(out, f)
	}
	return out
}

// IsPaired reports whether any browser has ever joined this session.
func (s *Session) IsPaired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paired
}

// ExpiresAt returns the unpaired-session deadline. Meaningless once paired.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

func (s *Session) setExpiresAt(t time.Time) {
	s.mu.Lock()
	s.expiresAt = t
	s.mu.Unlock()
}

// destroy detaches every browser write-handle, closing each with the given
// error code, and clears the agent handle. Returns the set of browsers that
// were attached so the caller can log / account for them.
func (s *Session) destroy(code, reason string) map[string]Sender {
	s.mu.Lock()
	browsers := s.browsers
	s.browsers = nil
	s.agentTx = nil
	s.mu.Unlock()

	for _, tx := range browsers {
		tx.Close(code, reason)
	}
	return browsers
}
