package integration

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIConfigInitGeneratesValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "generated-config.json")

	t.Run("generate and validate config", func(t *testing.T) {
		cmd := exec.Command(relayBinary, "-config-init", configPath)
		output, err := cmd.CombinedOutput()

		t.Logf("config-init output: %s", output)

		require.NoError(t, err, "config-init should succeed")
		assert.Contains(t, string(output), "Generated default config at:", "should report generation")

		fi, err := os.Stat(configPath)
		require.NoError(t, err, "config file should exist")
		require.Greater(t, fi.Size(), int64(0), "config file should not be empty")

		cmd = exec.Command(relayBinary, "-config", configPath, "-validate")
		output, err = cmd.CombinedOutput()

		t.Logf("validate output: %s", output)

		require.NoError(t, err, "validate should succeed for config-init generated file")
		assert.Contains(t, string(output), "Result: PASS", "validation should pass")
	})
}

type cliSnapshot struct {
	State       string `json:"state"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	ExpiresAt   string `json:"expires_at"`
	HasToken    bool   `json:"has_access_token"`
	Development bool   `json:"development"`
}

func runSessionCLI(t *testing.T, refreshToken string, args ...string) (cliSnapshot, string, int) {
	t.Helper()
	cmd := exec.Command(sessionBinary, args...)
	cmd.Dir = t.TempDir()
	cmd.Env = append(os.Environ(),
		"SSO_RELAY_URL="+relayURL,
		"SSO_APP_URL="+appOrigin+"/dashboard",
		"SSO_ROOT_DOMAIN=localhost",
		"SSO_LOGIN_URL="+loginURL,
		"SSO_REFRESH_TOKEN="+refreshToken,
		"SSO_TIMEOUT=5s",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.Output()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else {
		require.NoError(t, err)
	}

	trace(t, "sso-session stdout: %s", stdout)
	trace(t, "sso-session stderr: %s", stderr.String())

	var snap cliSnapshot
	require.NoError(t, json.Unmarshal(stdout, &snap), "sso-session should print a snapshot: %s", stdout)
	return snap, stderr.String(), code
}

func TestSessionCLIBootstrapsThroughRelay(t *testing.T) {
	startRelay(t, writeTestConfig(t, buildTestConfig()))
	waitForRelay(t)

	t.Run("valid cookie authenticates", func(t *testing.T) {
		refreshToken, _ := fakeGoTrue.Seed(cliUserID, "cli@localhost")

		snap, _, code := runSessionCLI(t, refreshToken, "fetch")
		assert.Equal(t, 0, code)
		assert.Equal(t, "authenticated", snap.State)
		assert.Equal(t, cliUserID, snap.UserID)
		assert.Equal(t, "cli@localhost", snap.Email)
		assert.True(t, snap.HasToken)
		assert.NotEmpty(t, snap.ExpiresAt)
		assert.False(t, snap.Development)
	})

	t.Run("missing session redirects to login", func(t *testing.T) {
		snap, stderr, code := runSessionCLI(t, "", "fetch")
		assert.Equal(t, 2, code)
		assert.Equal(t, "unauthenticated", snap.State)
		assert.False(t, snap.HasToken)
		assert.Contains(t, stderr, "login required: "+loginURL+"?redirect=")
	})

	t.Run("signout clears the session", func(t *testing.T) {
		refreshToken, _ := fakeGoTrue.Seed(signoutUserID, "signout@localhost")

		snap, stderr, code := runSessionCLI(t, refreshToken, "signout")
		assert.Equal(t, 0, code)
		assert.Equal(t, "unauthenticated", snap.State)
		assert.Contains(t, stderr, "login required: "+loginURL)
	})
}
