package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/sso-relay/internal/hostmatch"
	"github.com/dgellow/sso-relay/internal/idp"
	"github.com/dgellow/sso-relay/internal/log"
	"github.com/dgellow/sso-relay/internal/session"
)

const maxResponseSize = 1 << 20

// Config describes where the relay lives and where the client runs
type Config struct {
	// RelayURL is the base URL the relay endpoints are mounted under
	RelayURL string
	// Host is the host the client runs on; it decides development mode
	Host       string
	RootDomain string
	LoginURL   string
	// ReturnTo is sent to the login surface as the post-login destination
	ReturnTo string

	Timeout         time.Duration
	RefreshBuffer   time.Duration
	MinRefreshDelay time.Duration
}

func (c *Config) applyDefaults() {
	c.RelayURL = strings.TrimRight(c.RelayURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = DefaultRefreshBuffer
	}
	if c.MinRefreshDelay <= 0 {
		c.MinRefreshDelay = DefaultMinRefreshDelay
	}
}

// Controller runs the client side of the session relay. It never returns
// fetch errors to consumers: every failure resolves to StateUnauthenticated.
type Controller struct {
	cfg       Config
	client    *http.Client
	clock     Clock
	navigator Navigator
	auth      *idp.Client
	devMode   bool

	mu          sync.Mutex
	snap        Snapshot
	timer       Timer
	gen         uint64
	closed      bool
	subscribers map[int]func(Snapshot)
	nextSub     int
	unsubAuth   func()
}

// Option configures a Controller
type Option func(*Controller)

// WithHTTPClient sets the client used for relay calls. It needs a cookie jar
// for the refresh cookie to travel.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) { c.client = client }
}

// WithClock overrides the clock used for refresh scheduling
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithNavigator sets where login redirects are sent
func WithNavigator(n Navigator) Option {
	return func(c *Controller) { c.navigator = n }
}

// WithAuthClient mirrors sessions into the provider client state. In
// development mode the controller also follows its auth events.
func WithAuthClient(client *idp.Client) Option {
	return func(c *Controller) { c.auth = client }
}

// New creates a controller in StateLoading
func New(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.RelayURL == "" {
		return nil, errors.New("relay URL is required")
	}
	cfg.applyDefaults()

	c := &Controller{
		cfg:         cfg,
		clock:       realClock{},
		devMode:     cfg.RootDomain == "" || !hostmatch.UnderDomain(cfg.Host, cfg.RootDomain),
		snap:        Snapshot{State: StateLoading, Loading: true},
		subscribers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.navigator == nil {
		c.navigator = NavigatorFunc(func(target string) {
			log.LogInfoWithFields("bootstrap", "Login required", map[string]any{"url": target})
		})
	}
	return c, nil
}

// DevMode reports whether the client runs outside the root domain, where an
// unauthenticated state is accepted instead of redirecting to login.
func (c *Controller) DevMode() bool {
	return c.devMode
}

// Snapshot returns the current identity context
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Subscribe calls fn with every new snapshot until unsubscribed
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// Start fetches the session. In development mode it also starts following
// the auth client's events until Close.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.devMode && c.auth != nil && c.unsubAuth == nil {
		c.unsubAuth = c.auth.OnAuthStateChange(c.handleAuthEvent)
	}
	c.mu.Unlock()

	c.load(ctx)
}

// Refresh forces a session fetch
func (c *Controller) Refresh(ctx context.Context) {
	c.load(ctx)
}

// ScheduleRefresh replaces any pending refresh with one for a token expiring
// in expiresIn.
func (c *Controller) ScheduleRefresh(expiresIn time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.scheduleLocked(expiresIn)
}

func (c *Controller) scheduleLocked(expiresIn time.Duration) {
	c.stopTimerLocked()
	delay := RefreshDelay(expiresIn, c.cfg.RefreshBuffer, c.cfg.MinRefreshDelay)
	c.timer = c.clock.AfterFunc(delay, func() {
		log.LogDebugWithFields("bootstrap", "Refreshing session", nil)
		c.load(context.Background())
	})
	log.LogDebugWithFields("bootstrap", "Scheduled token refresh", map[string]any{
		"delay": delay.String(),
	})
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// SignOut clears the refresh cookie and local state, then sends the user to
// the login surface outside development mode. Failures along the way are
// logged and never keep the client signed in.
func (c *Controller) SignOut(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	accessToken := c.snap.AccessToken
	c.mu.Unlock()

	if err := c.clear(ctx, accessToken); err != nil {
		log.LogWarnWithFields("bootstrap", "Failed to clear refresh cookie", map[string]any{
			"error": err.Error(),
		})
	}
	if c.auth != nil {
		if err := c.auth.SignOut(ctx); err != nil {
			log.LogWarnWithFields("bootstrap", "Provider sign-out failed", map[string]any{
				"error": err.Error(),
			})
		}
	}

	c.mu.Lock()
	c.snap = Snapshot{State: StateUnauthenticated}
	c.mu.Unlock()
	c.notify()

	if !c.devMode {
		c.navigator.Navigate(c.cfg.LoginURL)
	}
}

// Close cancels the pending refresh and the auth event subscription. Results
// of calls still in flight are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.stopTimerLocked()
	unsub := c.unsubAuth
	c.unsubAuth = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (c *Controller) load(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()

	resp, err := c.fetch(ctx)

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		log.LogDebugWithFields("bootstrap", "Discarding stale session fetch", nil)
		return
	}

	if err != nil || !resp.HasSession() {
		fields := map[string]any{}
		if err != nil {
			fields["error"] = err.Error()
			log.LogWarnWithFields("bootstrap", "Session fetch failed", fields)
		} else {
			if resp.Error != "" {
				fields["reason"] = resp.Error
			}
			log.LogInfoWithFields("bootstrap", "No valid session found", fields)
		}
		c.stopTimerLocked()
		c.snap = Snapshot{State: StateUnauthenticated}
		redirect := !c.devMode
		c.mu.Unlock()
		c.notify()

		if redirect {
			c.navigator.Navigate(LoginURL(c.cfg.LoginURL, c.cfg.ReturnTo))
		}
		return
	}

	now := c.clock.Now()
	expiresIn, known := c.expiresIn(resp, now)
	c.snap = Snapshot{
		State:       StateAuthenticated,
		Identity:    resp.User,
		AccessToken: resp.AccessToken,
	}
	// An expiry already in the past still schedules, clamped to the floor
	if known {
		c.snap.ExpiresAt = now.Add(expiresIn)
		c.scheduleLocked(expiresIn)
	}
	expiresAt := c.snap.ExpiresAt
	c.mu.Unlock()

	log.LogDebugWithFields("bootstrap", "Session retrieved", map[string]any{
		"user_id":    resp.User.ID,
		"expires_in": expiresIn.String(),
	})
	c.notify()

	if c.auth != nil {
		s := &session.Session{
			AccessToken: resp.AccessToken,
			ExpiresIn:   int64(max(expiresIn, 0).Seconds()),
			User:        resp.User,
		}
		if !expiresAt.IsZero() {
			s.ExpiresAt = expiresAt.Unix()
		}
		c.auth.SetSession(s)
	}
}

// expiresIn prefers the relay's expires_in, then expires_at, then the
// token's own exp claim. The result may be negative; false means no expiry
// is known at all.
func (c *Controller) expiresIn(resp *session.FetchResponse, now time.Time) (time.Duration, bool) {
	if resp.ExpiresIn > 0 {
		return time.Duration(resp.ExpiresIn) * time.Second, true
	}
	if resp.ExpiresAt > 0 {
		return time.Unix(resp.ExpiresAt, 0).Sub(now), true
	}
	if exp, err := idp.TokenExpiry(resp.AccessToken); err == nil {
		return exp.Sub(now), true
	}
	return 0, false
}

func (c *Controller) fetch(ctx context.Context) (*session.FetchResponse, error) {
	resp, err := c.post(ctx, session.FetchPath, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching session: relay returned %d", resp.StatusCode)
	}

	var out session.FetchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding session response: %w", err)
	}
	return &out, nil
}

func (c *Controller) clear(ctx context.Context, accessToken string) error {
	resp, err := c.post(ctx, session.ClearPath, accessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("clearing session: relay returned %d", resp.StatusCode)
	}
	return nil
}

// post calls a relay endpoint. The returned response body must be closed.
// The request context carries the relay timeout until the body is closed.
func (c *Controller) post(ctx context.Context, path, accessToken string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RelayURL+path, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("calling relay %s: %w", path, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// handleAuthEvent follows the auth client in development mode, where the
// relay cookie may not be available.
func (c *Controller) handleAuthEvent(event idp.AuthEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch {
	case event.Session != nil && event.Session.User != nil:
		c.snap = Snapshot{
			State:       StateAuthenticated,
			Identity:    event.Session.User,
			AccessToken: event.Session.AccessToken,
		}
		if event.Session.ExpiresAt > 0 {
			c.snap.ExpiresAt = time.Unix(event.Session.ExpiresAt, 0)
		}
	case event.Type == idp.EventSignedOut:
		c.snap = Snapshot{State: StateUnauthenticated}
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	log.LogDebugWithFields("bootstrap", "Auth state change", map[string]any{
		"event": string(event.Type),
	})
	c.notify()
}

func (c *Controller) notify() {
	c.mu.Lock()
	snap := c.snap
	fns := make([]func(Snapshot), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
