// Command sso-session signs in through a session relay the way a browser
// application on the root domain would, and reports the resulting session.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/dgellow/sso-relay/internal/activity"
	"github.com/dgellow/sso-relay/internal/authstorage"
	"github.com/dgellow/sso-relay/internal/bootstrap"
	"github.com/dgellow/sso-relay/internal/cookie"
	"github.com/dgellow/sso-relay/internal/idp"
	"github.com/dgellow/sso-relay/internal/log"
	"github.com/dgellow/sso-relay/internal/server"
)

type sessionConfig struct {
	RelayURL     string        `env:"SSO_RELAY_URL,required"`
	AppURL       string        `env:"SSO_APP_URL" envDefault:"http://localhost:5173/"`
	RootDomain   string        `env:"SSO_ROOT_DOMAIN"`
	LoginURL     string        `env:"SSO_LOGIN_URL"`
	CookieName   string        `env:"SSO_COOKIE_NAME" envDefault:"sb-refresh-token"`
	RefreshToken string        `env:"SSO_REFRESH_TOKEN"`
	AppAddr      string        `env:"SSO_APP_ADDR" envDefault:":5173"`
	Timeout      time.Duration `env:"SSO_TIMEOUT" envDefault:"10s"`
}

type snapshotOutput struct {
	State       string `json:"state"`
	UserID      string `json:"user_id,omitempty"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	HasToken    bool   `json:"has_access_token"`
	Development bool   `json:"development"`
}

func snapshotOf(snap bootstrap.Snapshot, dev bool) snapshotOutput {
	out := snapshotOutput{
		State:       snap.State.String(),
		HasToken:    snap.AccessToken != "",
		Development: dev,
	}
	if snap.Identity != nil {
		out.UserID = snap.Identity.ID
		out.Email = snap.Identity.Email
		out.Name = snap.Identity.DisplayName()
	}
	if !snap.ExpiresAt.IsZero() {
		out.ExpiresAt = snap.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out
}

func printSnapshot(snap bootstrap.Snapshot, dev bool) {
	data, _ := json.Marshal(snapshotOf(snap, dev))
	fmt.Println(string(data))
}

func run(command string, cfg sessionConfig) (int, error) {
	appURL, err := url.Parse(cfg.AppURL)
	if err != nil {
		return 1, fmt.Errorf("invalid app URL: %w", err)
	}
	relayURL, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return 1, fmt.Errorf("invalid relay URL: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return 1, err
	}
	if cfg.RefreshToken != "" {
		jar.SetCookies(relayURL, []*http.Cookie{{
			Name:  cfg.CookieName,
			Value: cookie.EncodeURIComponent(cfg.RefreshToken),
			Path:  "/",
		}})
	}

	// Session hints live where a browser app on this host would keep them
	store := authstorage.NewSSOStore(authstorage.Select(
		appURL.Hostname(),
		cfg.RootDomain,
		authstorage.NewClientJar(jar, appURL),
		authstorage.NewLocalStore(),
		authstorage.WithSecure(appURL.Scheme == "https"),
	))
	authClient := idp.NewClient(store)

	controller, err := bootstrap.New(bootstrap.Config{
		RelayURL:   cfg.RelayURL,
		Host:       appURL.Host,
		RootDomain: cfg.RootDomain,
		LoginURL:   cfg.LoginURL,
		ReturnTo:   appURL.String(),
		Timeout:    cfg.Timeout,
	},
		bootstrap.WithHTTPClient(&http.Client{Jar: jar}),
		bootstrap.WithAuthClient(authClient),
		bootstrap.WithNavigator(bootstrap.NavigatorFunc(func(target string) {
			fmt.Fprintf(os.Stderr, "login required: %s\n", target)
		})),
	)
	if err != nil {
		return 1, err
	}
	defer controller.Close()

	ctx := context.Background()
	switch command {
	case "fetch":
		controller.Start(ctx)
		snap := controller.Snapshot()
		printSnapshot(snap, controller.DevMode())
		if !snap.Authenticated() {
			return 2, nil
		}
		if hint, ok := authClient.Hint(); ok {
			log.LogDebugWithFields("sso-session", "Session hint stored", map[string]any{
				"user_id":    hint.UserID,
				"expires_at": hint.ExpiresAt,
			})
		}
		return 0, nil

	case "watch":
		unsubscribe := controller.Subscribe(func(s bootstrap.Snapshot) {
			printSnapshot(s, controller.DevMode())
		})
		defer unsubscribe()
		controller.Start(ctx)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		return 0, nil

	case "serve":
		return serve(ctx, controller, cfg, appURL)

	case "signout":
		controller.Start(ctx)
		controller.SignOut(ctx)
		printSnapshot(controller.Snapshot(), controller.DevMode())
		return 0, nil

	default:
		return 1, fmt.Errorf("unknown command %q (want fetch, watch, serve or signout)", command)
	}
}

// serve runs a protected app on cfg.AppAddr behind the identity context of
// controller until interrupted.
func serve(ctx context.Context, controller *bootstrap.Controller, cfg sessionConfig, appURL *url.URL) (int, error) {
	sink := activity.NewMemorySink(0)
	recorder := activity.NewRecorder(sink, 0)
	recorder.Start(ctx)
	defer recorder.Stop()

	httpServer := server.NewHTTPServer(newAppHandler(controller, appOptions{
		loginURL:   cfg.LoginURL,
		rootDomain: cfg.RootDomain,
		scheme:     appURL.Scheme,
		recorder:   recorder,
		sink:       sink,
	}), cfg.AppAddr)

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.Start()
	}()
	go controller.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errChan:
		if err != nil {
			return 1, err
		}
		return 0, nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		return 1, err
	}
	return 0, nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [fetch|watch|serve|signout]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Configured through SSO_* environment variables or a .env file.\n")
	}
	flag.Parse()

	_ = godotenv.Load() // a missing .env is fine

	var cfg sessionConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.CookieName == "" {
		cfg.CookieName = cookie.RefreshCookie
	}

	command := "fetch"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	code, err := run(command, cfg)
	if err != nil {
		log.LogError("sso-session: %v", err)
	}
	os.Exit(code)
}
