package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const fakeGoTruePort = "9191"

// Supabase user IDs are UUIDs
const (
	lifecycleUserID = "0b7d5c1e-3f2a-4e8b-9c6d-1a2b3c4d5e01"
	cliUserID     = "0b7d5c1e-3f2a-4e8b-9c6d-1a2b3c4d5e02"
	signoutUserID   = "0b7d5c1e-3f2a-4e8b-9c6d-1a2b3c4d5e03"
)

type fakeUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// FakeGoTrueServer mimics the Supabase Auth endpoints the relay calls.
// Refresh tokens rotate on every use and the previous one stops working.
type FakeGoTrueServer struct {
	server *http.Server
	port   string

	mu            sync.Mutex
	refreshTokens map[string]fakeUser
	accessTokens  map[string]fakeUser
	issued        int
	refreshCalls  int
}

// NewFakeGoTrueServer creates a new fake GoTrue server
func NewFakeGoTrueServer(port string) *FakeGoTrueServer {
	f := &FakeGoTrueServer{
		port:          port,
		refreshTokens: make(map[string]fakeUser),
		accessTokens:  make(map[string]fakeUser),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", f.handleToken)
	mux.HandleFunc("GET /auth/v1/user", f.handleUser)
	mux.HandleFunc("POST /auth/v1/logout", f.handleLogout)

	f.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return f
}

// URL returns the project URL the relay should be configured with
func (f *FakeGoTrueServer) URL() string {
	return "http://localhost:" + f.port
}

// Seed creates a signed-in session and returns its refresh and access tokens
func (f *FakeGoTrueServer) Seed(userID, email string) (refreshToken, accessToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueLocked(fakeUser{ID: userID, Email: email})
}

// RefreshCalls reports how many refresh grants the server has handled
func (f *FakeGoTrueServer) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func (f *FakeGoTrueServer) issueLocked(u fakeUser) (string, string) {
	f.issued++
	rt := fmt.Sprintf("rt-%s-%d", u.ID, f.issued)
	at := fmt.Sprintf("at-%s-%d", u.ID, f.issued)
	f.refreshTokens[rt] = u
	f.accessTokens[at] = u
	return rt, at
}

func (f *FakeGoTrueServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") == "" {
		writeFakeError(w, http.StatusUnauthorized, "no_api_key")
		return
	}
	if r.URL.Query().Get("grant_type") != "refresh_token" {
		writeFakeError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFakeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	f.mu.Lock()
	f.refreshCalls++
	u, ok := f.refreshTokens[body.RefreshToken]
	if !ok {
		f.mu.Unlock()
		writeFakeError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	delete(f.refreshTokens, body.RefreshToken)
	rt, at := f.issueLocked(u)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  at,
		"refresh_token": rt,
		"token_type":    "bearer",
		"expires_in":    3600,
		"expires_at":    time.Now().Add(time.Hour).Unix(),
		"user":          u,
	})
}

func (f *FakeGoTrueServer) handleUser(w http.ResponseWriter, r *http.Request) {
	u, ok := f.bearerUser(r)
	if !ok {
		writeFakeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(u)
}

func (f *FakeGoTrueServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	delete(f.accessTokens, token)
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeGoTrueServer) bearerUser(r *http.Request) (fakeUser, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return fakeUser{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.accessTokens[token]
	return u, ok
}

func writeFakeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":             code,
		"error_description": code,
	})
}

// Start starts the fake GoTrue server
func (f *FakeGoTrueServer) Start() error {
	go func() {
		if err := f.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the fake GoTrue server
func (f *FakeGoTrueServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.server.Shutdown(ctx)
}
