package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgellow/sso-relay/internal/activity"
	"github.com/dgellow/sso-relay/internal/cookie"
	"github.com/dgellow/sso-relay/internal/idp"
	jsonwriter "github.com/dgellow/sso-relay/internal/json"
	"github.com/dgellow/sso-relay/internal/log"
	"github.com/dgellow/sso-relay/internal/session"
)

const (
	endpointIssue = "issue"
	endpointFetch = "fetch"
	endpointClear = "clear"

	msgSessionExpired = "Session expired"
	msgInvalidSession = "Invalid session"
)

// RelayHandlers serves the session relay: issuing the durable refresh cookie,
// trading it for a fresh session, and clearing it. The handlers keep no
// session state; the cookie is the only store.
type RelayHandlers struct {
	provider idp.Provider
	cookie   *cookie.Refresh
	activity *activity.Recorder
	metrics  *Metrics
	appID    string
	now      func() time.Time

	refreshes singleflight.Group
}

// RelayOption configures RelayHandlers
type RelayOption func(*RelayHandlers)

// WithActivity records login and logout events through rec
func WithActivity(rec *activity.Recorder) RelayOption {
	return func(h *RelayHandlers) { h.activity = rec }
}

// WithMetrics counts requests and provider latency into m
func WithMetrics(m *Metrics) RelayOption {
	return func(h *RelayHandlers) { h.metrics = m }
}

// WithAppID tags activity events with the application they came from
func WithAppID(appID string) RelayOption {
	return func(h *RelayHandlers) { h.appID = appID }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) RelayOption {
	return func(h *RelayHandlers) { h.now = now }
}

// NewRelayHandlers creates the relay handlers
func NewRelayHandlers(provider idp.Provider, refresh *cookie.Refresh, opts ...RelayOption) *RelayHandlers {
	h := &RelayHandlers{
		provider: provider,
		cookie:   refresh,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Issue validates the caller's session and stores its refresh token in the
// shared HttpOnly cookie.
func (h *RelayHandlers) Issue(w http.ResponseWriter, r *http.Request) {
	req, err := decodeIssueRequest(r)
	if err != nil {
		h.writeIssueError(w, r, err)
		return
	}

	user, err := h.resolveUser(r.Context(), req.AccessToken)
	if err != nil {
		h.writeIssueError(w, r, err)
		return
	}

	h.cookie.Set(w, req.RefreshToken)
	h.record(activity.EventLogin, user, map[string]any{"source": "relay"})
	h.metrics.observeRequest(endpointIssue, outcomeSuccess)

	log.LogInfoWithFields("relay", "Refresh cookie issued", map[string]any{
		"user_id":    user.ID,
		"request_id": RequestID(r.Context()),
	})
	_ = jsonwriter.Write(w, session.IssueResponse{Success: true, UserID: user.ID})
}

func decodeIssueRequest(r *http.Request) (session.IssueRequest, error) {
	var req session.IssueRequest
	if err := jsonwriter.DecodeRequest(r, &req); err != nil {
		return req, invalidInput("Invalid JSON body", err)
	}
	if req.RefreshToken == "" {
		return req, invalidInput("Missing refresh_token", nil)
	}
	return req, nil
}

func (h *RelayHandlers) resolveUser(ctx context.Context, accessToken string) (*session.Identity, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("missing access_token: %w", ErrUnauthorized)
	}
	start := time.Now()
	user, err := h.provider.ResolveUser(ctx, accessToken)
	h.metrics.observeProvider("resolve_user", start)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", classify(err), err)
	}
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("provider returned no user: %w", ErrUnauthorized)
	}
	return user, nil
}

func (h *RelayHandlers) writeIssueError(w http.ResponseWriter, r *http.Request, err error) {
	fields := map[string]any{
		"error":      err.Error(),
		"request_id": RequestID(r.Context()),
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		log.LogDebugWithFields("relay", "Rejected issue request body", fields)
		h.metrics.observeRequest(endpointIssue, outcomeInvalid)
	case errors.Is(err, ErrUnauthorized):
		log.LogInfoWithFields("relay", "Issue refused: session not valid", fields)
		h.metrics.observeRequest(endpointIssue, outcomeRejected)
	default:
		log.LogErrorWithFields("relay", "Issue failed: provider unavailable", fields)
		h.metrics.observeRequest(endpointIssue, outcomeUpstream)
	}
	jsonwriter.WriteError(w, statusFor(err), clientMessage(err), "")
}

// Fetch trades the refresh cookie for a new session and rotates the cookie.
// Every failure answers 200 with an explicit "no session" body.
func (h *RelayHandlers) Fetch(w http.ResponseWriter, r *http.Request) {
	refreshToken := h.cookie.Get(r)
	if refreshToken == "" {
		h.metrics.observeRequest(endpointFetch, outcomeNoSession)
		_ = jsonwriter.Write(w, session.NoSession{})
		return
	}

	s, err := h.refresh(r.Context(), refreshToken)
	if err != nil {
		fields := map[string]any{
			"error":      err.Error(),
			"request_id": RequestID(r.Context()),
		}
		if errors.Is(classify(err), ErrUnauthorized) {
			log.LogInfoWithFields("relay", "Refresh token rejected, clearing cookie", fields)
			h.cookie.Clear(w)
			h.metrics.observeRequest(endpointFetch, outcomeRejected)
			_ = jsonwriter.Write(w, session.NoSession{Error: msgSessionExpired})
			return
		}
		// The cookie may still be good once the provider recovers
		log.LogErrorWithFields("relay", "Refresh failed: provider unavailable", fields)
		h.metrics.observeRequest(endpointFetch, outcomeUpstream)
		_ = jsonwriter.Write(w, session.NoSession{})
		return
	}

	if s.RefreshToken != "" {
		h.cookie.Set(w, s.RefreshToken)
	}
	h.metrics.observeRequest(endpointFetch, outcomeSuccess)

	log.LogDebugWithFields("relay", "Session refreshed", map[string]any{
		"user_id":    s.User.ID,
		"expires_at": s.ExpiresAt,
		"request_id": RequestID(r.Context()),
	})
	_ = jsonwriter.Write(w, s.Record())
}

// refresh exchanges refreshToken, sharing one provider call between
// concurrent requests presenting the same token. Refresh tokens are single
// use, so a second exchange of the same token would be refused as reuse.
func (h *RelayHandlers) refresh(ctx context.Context, refreshToken string) (*session.Session, error) {
	sum := sha256.Sum256([]byte(refreshToken))
	key := hex.EncodeToString(sum[:])

	// Detached from the request so one caller going away does not fail the others
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := h.refreshes.Do(key, func() (any, error) {
		start := time.Now()
		s, err := h.provider.ExchangeRefreshToken(flightCtx, refreshToken)
		h.metrics.observeProvider("refresh", start)
		if err != nil {
			return nil, err
		}
		if s.User == nil {
			return nil, fmt.Errorf("refresh returned no user: %w", idp.ErrRejected)
		}
		s.Normalize(h.now())
		return s, nil
	})
	if shared {
		h.metrics.observeCoalesced()
	}
	if err != nil {
		return nil, err
	}

	// Callers share one *Session; hand each a copy
	s := *v.(*session.Session)
	return &s, nil
}

// Clear expires the refresh cookie. It always succeeds.
func (h *RelayHandlers) Clear(w http.ResponseWriter, r *http.Request) {
	h.cookie.Clear(w)

	user := h.bearerIdentity(r)
	h.record(activity.EventLogout, user, nil)
	h.metrics.observeRequest(endpointClear, outcomeSuccess)

	log.LogInfoWithFields("relay", "Refresh cookie cleared", map[string]any{
		"user_id":    user.ID,
		"request_id": RequestID(r.Context()),
	})
	_ = jsonwriter.Write(w, session.ClearResponse{Success: true})
}

// bearerIdentity resolves the Authorization bearer token when the caller sent
// one. Failures yield an anonymous identity.
func (h *RelayHandlers) bearerIdentity(r *http.Request) *session.Identity {
	anonymous := &session.Identity{}
	if h.activity == nil {
		return anonymous
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return anonymous
	}
	user, err := h.resolveUser(r.Context(), strings.TrimSpace(token))
	if err != nil {
		log.LogDebugWithFields("relay", "Could not resolve user on clear", map[string]any{
			"error": err.Error(),
		})
		return anonymous
	}
	return user
}

func (h *RelayHandlers) record(eventType activity.EventType, user *session.Identity, data map[string]any) {
	if h.activity == nil {
		return
	}
	h.activity.Record(activity.Event{
		Type:      eventType,
		UserID:    user.ID,
		UserEmail: user.Email,
		AppID:     h.appID,
		Data:      data,
		CreatedAt: h.now().UTC(),
	})
}
