package idp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dgellow/sso-relay/internal/authstorage"
	"github.com/dgellow/sso-relay/internal/log"
	"github.com/dgellow/sso-relay/internal/session"
)

// DefaultSessionKey is the storage key of the persisted session hint.
const DefaultSessionKey = "sso-session"

// AuthEventType names a client-side auth state change.
type AuthEventType string

const (
	EventSignedIn       AuthEventType = "SIGNED_IN"
	EventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
	EventSignedOut      AuthEventType = "SIGNED_OUT"
)

// AuthEvent is delivered to OnAuthStateChange listeners. Session is nil for
// EventSignedOut.
type AuthEvent struct {
	Type    AuthEventType
	Session *session.Session
}

// SessionHint is what the client persists between runs: who was signed in
// and until when. It never contains a credential.
type SessionHint struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Client is the provider-side client state of one application. It keeps the
// current session in memory, persists a token-free hint through an
// authstorage.Adapter and notifies listeners of auth state changes.
type Client struct {
	provider Provider
	store    authstorage.Adapter
	key      string

	mu        sync.Mutex
	current   *session.Session
	listeners map[int]func(AuthEvent)
	nextID    int
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithProvider enables provider-side sign-out.
func WithProvider(p Provider) ClientOption {
	return func(c *Client) {
		c.provider = p
	}
}

// WithSessionKey overrides DefaultSessionKey.
func WithSessionKey(key string) ClientOption {
	return func(c *Client) {
		if key != "" {
			c.key = key
		}
	}
}

// NewClient creates a client state persisting through store.
func NewClient(store authstorage.Adapter, opts ...ClientOption) *Client {
	c := &Client{
		store:     store,
		key:       DefaultSessionKey,
		listeners: make(map[int]func(AuthEvent)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSession records s as the current session and notifies listeners.
func (c *Client) SetSession(s *session.Session) {
	if s == nil || s.User == nil {
		return
	}

	hint, err := json.Marshal(SessionHint{
		UserID:    s.User.ID,
		Email:     s.User.Email,
		ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		log.LogErrorWithFields("idp", "Failed to encode session hint", map[string]any{
			"error": err.Error(),
		})
		return
	}

	c.mu.Lock()
	event := EventSignedIn
	if c.current != nil && c.current.User != nil && c.current.User.ID == s.User.ID {
		event = EventTokenRefreshed
	}
	c.current = s
	c.mu.Unlock()

	c.store.SetItem(c.key, string(hint))
	c.emit(AuthEvent{Type: event, Session: s})
}

// Session returns the in-memory session, if any.
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Hint returns the persisted session hint, if any.
func (c *Client) Hint() (*SessionHint, bool) {
	raw, ok := c.store.GetItem(c.key)
	if !ok {
		return nil, false
	}
	var hint SessionHint
	if err := json.Unmarshal([]byte(raw), &hint); err != nil || hint.UserID == "" {
		return nil, false
	}
	return &hint, true
}

// SignOut forgets the local session and, when a provider is configured,
// revokes it there. The local state is cleared even if revocation fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	current := c.current
	c.current = nil
	c.mu.Unlock()

	c.store.RemoveItem(c.key)
	c.emit(AuthEvent{Type: EventSignedOut})

	if c.provider == nil || current == nil || current.AccessToken == "" {
		return nil
	}
	return c.provider.SignOut(ctx, current.AccessToken)
}

// OnAuthStateChange registers fn for auth events and returns a function that
// unregisters it.
func (c *Client) OnAuthStateChange(fn func(AuthEvent)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) emit(event AuthEvent) {
	c.mu.Lock()
	fns := make([]func(AuthEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}
