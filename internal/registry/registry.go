package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// codeAlphabet excludes visually ambiguous glyphs: 0, O, 1, I, L.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// defaultCodeLen is the normal session-code length. It widens to
// defaultCodeLen+1 after maxAllocateRetries collisions in a row.
const defaultCodeLen = 6

const maxAllocateRetries = 20

// DefaultUnpairedExpiry is how long an unpaired session lives before Reap
// removes it.
const DefaultUnpairedExpiry = 5 * time.Minute

// RetireGrace is how long a destroyed session's code is withheld from reuse.
const RetireGrace = 10 * time.Second

// ErrInvalidCode is returned by Join when the code has no session.
var ErrInvalidCode = errors.New("registry: invalid code")

// ErrExpiredCode is returned by Join when the code existed but its unpaired
// deadline has passed.
var ErrExpiredCode = errors.New("registry: expired code")

// Registry is the process-wide session-code pairing table.
type Registry struct {
	UnpairedExpiry time.Duration

	mu       sync.RWMutex
	sessions map[SessionCode]*Session
	retired  map[SessionCode]time.Time // code -> retire time, for the reuse grace window
}

// New constructs an empty Registry using the default unpaired-expiry window.
func New() *Registry {
	return &Registry{
		UnpairedExpiry: DefaultUnpairedExpiry,
		sessions:       make(map[SessionCode]*Session),
		retired:        make(map[SessionCode]time.Time),
	}
}

// Allocate mints a fresh SessionCode, creates its Session, and installs tx as
// the agent write-handle.
func (r *Registry) Allocate(tx Sender) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := r.generateCodeLocked(defaultCodeLen)
	if err != nil {
		// Collisions exhausted at the default length — widen per spec.md §4.2.
		code, err = r.generateCodeLocked(defaultCodeLen + 1)
		if err != nil {
			return nil, fmt.Errorf("registry: could not allocate a unique session code: %w", err)
		}
	}

	now := time.Now()
	sess := &Session{
		Code:      code,
		ID:        uuid.New().String(),
		CreatedAt: now,
		agentTx:   tx,
		expiresAt: now.Add(r.expiryWindow()),
	}
	r.sessions[code] = sess
	return sess, nil
}

func (r *Registry) expiryWindow() time.Duration {
	if r.UnpairedExpiry > 0 {
		return r.UnpairedExpiry
	}
	return DefaultUnpairedExpiry
}

// generateCodeLocked must be called with r.mu held.
func (r *Registry) generateCodeLocked(length int) (SessionCode, error) {
	for i := 0; i < maxAllocateRetries; i++ {
		code, err := randomCode(length)
		if err != nil {
			return "", err
		}
		sc := SessionCode(code)
		if _, exists := r.sessions[sc]; exists {
			continue
		}
		if retiredAt, retired := r.retired[sc]; retired {
			if time.Since(retiredAt) < RetireGrace {
				continue
			}
			delete(r.retired, sc)
		}
		return sc, nil
	}
	return "", fmt.Errorf("registry: %d consecutive collisions at length %d", maxAllocateRetries, length)
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	n := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[idx.Int64()]
	}
	return string(buf), nil
}

// JoinOutcome distinguishes why Join failed, for the caller to translate
// into an auth_failed reason.
type JoinOutcome struct {
	Session *Session
	Err     error // nil, ErrInvalidCode, or ErrExpiredCode
}

// Join attaches a browser write-handle to the session named by code.
func (r *Registry) Join(code SessionCode, browserID string, tx Sender) JoinOutcome {
	r.mu.RLock()
	sess, ok := r.sessions[code]
	r.mu.RUnlock()

	if !ok {
		return JoinOutcome{Err: ErrInvalidCode}
	}
	if !sess.IsPaired() {
		deadline := sess.ExpiresAt()
		if !deadline.IsZero() && time.Now().After(deadline) {
			return JoinOutcome{Err: ErrExpiredCode}
		}
	}
	sess.AddBrowser(browserID, tx)
	return JoinOutcome{Session: sess}
}

// DropBrowser removes one browser from a session. A paired session never
// re-enters the expiry window even if this empties its browser set.
func (r *Registry) DropBrowser(sess *Session, browserID string) {
	sess.RemoveBrowser(browserID)
}

// DropAgent destroys a session: every attached browser is closed with
// UPSTREAM_GONE and the code is withheld from reuse for RetireGrace.
func (r *Registry) DropAgent(code SessionCode) {
	r.mu.Lock()
	sess, ok := r.sessions[code]
	if ok {
		delete(r.sessions, code)
		r.retired[code] = time.Now()
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.destroy("UPSTREAM_GONE", "agent disconnected")
}

// Get looks up a session by code without mutating anything.
func (r *Registry) Get(code SessionCode) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[code]
	return sess, ok
}

// Reap deletes every unpaired session whose expiry has passed. It returns the
// codes it removed, for logging.
func (r *Registry) Reap(now time.Time) []SessionCode {
	r.mu.Lock()
	var removed []SessionCode
	var removedSessions []*Session
	for code, sess := range r.sessions {
		if sess.IsPaired() {
			continue
		}
		deadline := sess.ExpiresAt()
		if deadline.IsZero() || now.Before(deadline) {
			continue
		}
		delete(r.sessions, code)
		r.retired[code] = now
		removed = append(removed, code)
		removedSessions = append(removedSessions, sess)
	}
	// Also drop retire tombstones past their grace window so the map doesn't
	// grow without bound.
	for code, at := range r.retired {
		if now.Sub(at) >= RetireGrace {
			delete(r.retired, code)
		}
	}
	r.mu.Unlock()

	// Sessions reaped here were never paired, so there are no browsers to
	// notify; destroy still clears state for consistency.
	for _, sess := range removedSessions {
		sess.destroy("EXPIRED_CODE", "unpaired session expired")
	}
	return removed
}

// Count returns the number of live sessions, for diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
