package contract

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a transport session.
type SessionState string

const (
	SessionPending SessionState = "pending"
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionRevoked SessionState = "revoked"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionExpired || s == SessionRevoked
}

// sessionTransitions is the full transition table. Expired and revoked are
// terminal.
var sessionTransitions = map[SessionState]map[SessionState]bool{
	SessionPending: {SessionActive: true, SessionExpired: true, SessionRevoked: true},
	SessionActive:  {SessionExpired: true, SessionRevoked: true},
	SessionExpired: {},
	SessionRevoked: {},
}

// SessionInfo describes one transport session.
type SessionInfo struct {
	ID        string
	Platform  string
	State     SessionState
	CreatedAt time.Time
	TTL       time.Duration
	Metadata  map[string]string
}

// SessionContract owns session lifecycle. Lookups lazily expire sessions
// whose age exceeds their TTL.
type SessionContract struct {
	mu       sync.Mutex
	sessions map[string]*SessionInfo
	now      func() time.Time
}

// NewSessionContract creates an empty SessionContract.
func NewSessionContract() *SessionContract {
	return &SessionContract{
		sessions: map[string]*SessionInfo{},
		now:      time.Now,
	}
}

// Create registers a new pending session for the given platform.
// A ttl of zero means the session never auto-expires.
func (c *SessionContract) Create(platform string, ttl time.Duration, metadata map[string]string) SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := &SessionInfo{
		ID:        uuid.NewString(),
		Platform:  platform,
		State:     SessionPending,
		CreatedAt: c.now(),
		TTL:       ttl,
		Metadata:  metadata,
	}
	c.sessions[info.ID] = info
	return *info
}

// Activate transitions a pending session to active.
func (c *SessionContract) Activate(id string) (SessionInfo, error) {
	return c.transition(id, SessionActive)
}

// Expire transitions a session to the terminal expired state.
func (c *SessionContract) Expire(id string) (SessionInfo, error) {
	return c.transition(id, SessionExpired)
}

// Revoke transitions a session to the terminal revoked state.
func (c *SessionContract) Revoke(id string) (SessionInfo, error) {
	return c.transition(id, SessionRevoked)
}

// Get returns the session, expiring it first when its TTL has elapsed.
// Expiry mutates state as a side effect of the read.
func (c *SessionContract) Get(id string) (SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.sessions[id]
	if !ok {
		return SessionInfo{}, NewError("session_not_found", "unknown session: "+id)
	}
	c.expireIfStaleLocked(info)
	return *info, nil
}

// List returns a snapshot of all sessions, applying lazy expiry.
func (c *SessionContract) List() []SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]SessionInfo, 0, len(c.sessions))
	for _, info := range c.sessions {
		c.expireIfStaleLocked(info)
		items = append(items, *info)
	}
	return items
}

func (c *SessionContract) expireIfStaleLocked(info *SessionInfo) {
	if info.State.Terminal() || info.TTL <= 0 {
		return
	}
	if c.now().Sub(info.CreatedAt) > info.TTL {
		info.State = SessionExpired
	}
}

func (c *SessionContract) transition(id string, next SessionState) (SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.sessions[id]
	if !ok {
		return SessionInfo{}, NewError("session_not_found", "unknown session: "+id)
	}
	c.expireIfStaleLocked(info)
	if !sessionTransitions[info.State][next] {
		return *info, NewError("invalid_transition", string(info.State)+" -> "+string(next))
	}
	info.State = next
	return *info, nil
}
