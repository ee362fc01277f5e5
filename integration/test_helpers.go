package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

const (
	relayURL    = "http://localhost:8080"
	appOrigin   = "http://app.localhost:5173"
	loginURL    = "http://localhost:3000/login"
	testAnonKey = "test-anon-key"
)

// writeTestConfig writes a config map to a temporary JSON file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTestConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("Failed to marshal test config: %v", err)
	}
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	if err != nil {
		t.Fatalf("Failed to create temp config file: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Failed to close temp config: %v", err)
	}
	return f.Name()
}

type relayOption func(relay map[string]any)

func withMetrics(username, passwordEnvVar string) relayOption {
	return func(relay map[string]any) {
		relay["metrics"] = map[string]any{
			"enabled":  true,
			"username": username,
			"password": map[string]string{"$env": passwordEnvVar},
		}
	}
}

// buildTestConfig builds a complete sso-relay config pointing at the fake GoTrue server.
func buildTestConfig(opts ...relayOption) map[string]any {
	relay := map[string]any{
		"addr":           ":8080",
		"rootDomain":     "localhost",
		"allowedOrigins": []string{appOrigin, "http://hub.localhost:5174"},
		"loginUrl":       loginURL,
		"appId":          "integration",
	}
	for _, opt := range opts {
		opt(relay)
	}
	return map[string]any{
		"version": "v1",
		"relay":   relay,
		"provider": map[string]any{
			"type":    "supabase",
			"url":     fakeGoTrue.URL(),
			"anonKey": map[string]string{"$env": "SUPABASE_ANON_KEY"},
			"timeout": "5s",
		},
		"activity": map[string]any{
			"storage": "memory",
		},
	}
}

// trace logs a message if TRACE environment variable is set
func trace(t *testing.T, format string, args ...any) {
	if os.Getenv("TRACE") == "1" {
		t.Logf("TRACE: "+format, args...)
	}
}

// startRelay starts sso-relay with the given config. Cookies are issued
// without the Secure attribute so they travel over plain HTTP.
func startRelay(t *testing.T, configPath string, extraEnv ...string) {
	relayCmd := exec.Command(relayBinary, "-config", configPath)

	relayCmd.Env = os.Environ()
	relayCmd.Env = append(relayCmd.Env,
		"SSO_RELAY_ENV=development",
		"SUPABASE_ANON_KEY="+testAnonKey,
	)
	relayCmd.Env = append(relayCmd.Env, extraEnv...)

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		relayCmd.Env = append(relayCmd.Env, "LOG_LEVEL="+logLevel)
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		relayCmd.Env = append(relayCmd.Env, "LOG_FORMAT="+logFormat)
	}

	if logFile := os.Getenv("RELAY_LOG_FILE"); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			relayCmd.Stderr = f
			relayCmd.Stdout = f
			t.Cleanup(func() { f.Close() })
		}
	}

	if err := relayCmd.Start(); err != nil {
		t.Fatalf("Failed to start sso-relay: %v", err)
	}

	t.Cleanup(func() {
		stopRelay(relayCmd)
	})
}

// stopRelay stops the relay gracefully, killing it after five seconds
func stopRelay(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-done:
		return
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

// waitForRelay waits for the relay to answer its health check
func waitForRelay(t *testing.T) {
	t.Helper()
	for range 20 {
		resp, err := http.Get(relayURL + "/health")
		if err == nil && resp.StatusCode == 200 {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatal("sso-relay failed to become ready after 10 seconds")
}

// postRelay POSTs a JSON body to a relay endpoint as a browser app on
// appOrigin would.
func postRelay(t *testing.T, client *http.Client, path string, body any, header http.Header) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, relayURL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", appOrigin)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request to %s failed: %v", path, err)
	}
	trace(t, "POST %s -> %d", path, resp.StatusCode)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
	return body
}
