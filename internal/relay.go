package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/sso-relay/internal/activity"
	"github.com/dgellow/sso-relay/internal/authstorage"
	"github.com/dgellow/sso-relay/internal/config"
	"github.com/dgellow/sso-relay/internal/cookie"
	"github.com/dgellow/sso-relay/internal/idp"
	"github.com/dgellow/sso-relay/internal/log"
	"github.com/dgellow/sso-relay/internal/server"
	"github.com/dgellow/sso-relay/internal/session"
)

const shutdownTimeout = 30 * time.Second

// Relay is the complete session relay application
type Relay struct {
	config     config.Config
	httpServer *server.HTTPServer
	sink       activity.Sink
	recorder   *activity.Recorder
}

// NewRelay creates the relay application with all dependencies built
func NewRelay(ctx context.Context, cfg config.Config) (*Relay, error) {
	log.LogInfoWithFields("relay", "Building session relay", map[string]any{
		"rootDomain": cfg.Relay.RootDomain,
		"provider":   cfg.Provider.Type,
		"origins":    len(cfg.Relay.AllowedOrigins),
	})

	provider, err := idp.NewProvider(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to setup identity provider: %w", err)
	}

	sink, err := setupActivity(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup activity storage: %w", err)
	}

	var recorder *activity.Recorder
	if sink != nil {
		recorder = activity.NewRecorder(sink, 0)
	}

	handler, err := buildHTTPHandler(cfg, provider, recorder)
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	return &Relay{
		config:     cfg,
		httpServer: server.NewHTTPServer(handler, cfg.Relay.Addr),
		sink:       sink,
		recorder:   recorder,
	}, nil
}

// Run starts and manages the relay lifecycle until a signal or server error
func (r *Relay) Run() error {
	log.LogInfoWithFields("relay", "Starting session relay", map[string]any{
		"addr": r.config.Relay.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if r.recorder != nil {
		r.recorder.Start(ctx)
	}

	// Channel to signal errors that should trigger shutdown
	errChan := make(chan error, 1)

	go func() {
		if err := r.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("relay", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("relay", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("relay", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": shutdownTimeout.String(),
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := r.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("relay", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	// Flush activity after the last request has finished
	if r.recorder != nil {
		r.recorder.Stop()
	}
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			log.LogWarnWithFields("relay", "Failed to close activity storage", map[string]any{
				"error": err.Error(),
			})
		}
	}

	log.LogInfoWithFields("relay", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return nil
}

// setupActivity creates the activity sink. A nil sink disables recording.
func setupActivity(ctx context.Context, cfg config.Config) (activity.Sink, error) {
	act := cfg.Activity
	if act == nil || act.Storage == "" || act.Storage == config.ActivityStorageNone {
		log.LogInfoWithFields("activity", "Activity recording disabled", nil)
		return nil, nil
	}

	switch act.Storage {
	case config.ActivityStorageFirestore:
		log.LogInfoWithFields("activity", "Using Firestore activity storage", map[string]any{
			"project":    act.GCPProject,
			"database":   act.FirestoreDatabase,
			"collection": act.FirestoreCollection,
		})
		return activity.NewFirestoreSink(ctx, act.GCPProject, act.FirestoreDatabase, act.FirestoreCollection)
	case config.ActivityStorageMemory:
		log.LogInfoWithFields("activity", "Using in-memory activity storage", nil)
		return activity.NewMemorySink(activity.DefaultMemoryCapacity), nil
	default:
		return nil, fmt.Errorf("unknown activity storage: %s", act.Storage)
	}
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(cfg config.Config, provider idp.Provider, recorder *activity.Recorder) (http.Handler, error) {
	mux := http.NewServeMux()

	metrics := server.NewMetrics()
	refresh := cookie.NewRefresh(
		cfg.Relay.Cookie.Name,
		authstorage.CookieDomain(cfg.Relay.RootDomain),
		cfg.Relay.Cookie.MaxAge,
	)

	opts := []server.RelayOption{
		server.WithMetrics(metrics),
		server.WithAppID(cfg.Relay.AppID),
	}
	if recorder != nil {
		opts = append(opts, server.WithActivity(recorder))
	}
	relayHandlers := server.NewRelayHandlers(provider, refresh, opts...)

	relayMiddleware := []server.MiddlewareFunc{
		server.NewMethodMiddleware(http.MethodPost),
		server.NewCORSMiddleware(cfg.Relay.AllowedOrigins),
		server.NewRecoverMiddleware("relay"),
		server.NewLoggerMiddleware("relay"),
	}

	mux.Handle(session.IssuePath, server.ChainMiddleware(http.HandlerFunc(relayHandlers.Issue), relayMiddleware...))
	mux.Handle(session.FetchPath, server.ChainMiddleware(http.HandlerFunc(relayHandlers.Fetch), relayMiddleware...))
	mux.Handle(session.ClearPath, server.ChainMiddleware(http.HandlerFunc(relayHandlers.Clear), relayMiddleware...))

	mux.Handle("/health", server.NewHealthHandler(provider.Type()))

	if m := cfg.Relay.Metrics; m != nil && m.Enabled {
		var handler http.Handler = metrics.Handler()
		if m.Username != "" {
			if m.HashedPassword == "" {
				return nil, fmt.Errorf("metrics user %q has no password", m.Username)
			}
			handler = server.ChainMiddleware(handler,
				server.NewBasicAuthMiddleware("sso-relay metrics", m.Username, []byte(m.HashedPassword)))
		}
		mux.Handle("/metrics", handler)
		log.LogInfoWithFields("relay", "Metrics endpoint enabled", map[string]any{
			"basicAuth": m.Username != "",
		})
	}

	log.LogInfoWithFields("relay", "Registered relay endpoints", map[string]any{
		"issue": session.IssuePath,
		"fetch": session.FetchPath,
		"clear": session.ClearPath,
	})
	return mux, nil
}
