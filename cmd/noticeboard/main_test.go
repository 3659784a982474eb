package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noticeboard/internal/app"
)

const waitFor = 5 * time.Second

// testEnv points the service at a temp database and an ephemeral port
func testEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "noticeboard.db")
	t.Setenv("NOTICEBOARD_DATABASE_PATH", dbPath)
	t.Setenv("NOTICEBOARD_HTTP_HOST", "127.0.0.1")
	t.Setenv("NOTICEBOARD_HTTP_PORT", "0")
	t.Setenv("NOTICEBOARD_PUSH_TOKEN", "secret")
	t.Setenv(configEnv, "")
	return dbPath
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--short"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestMigrateCommand(t *testing.T) {
	dbPath := testEnv(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate"})
	require.NoError(t, cmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestMigrateCommandRejectsMissingConfigFile(t *testing.T) {
	testEnv(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, cmd.Execute())
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configEnv, "/etc/noticeboard.yaml")

	assert.Equal(t, "/etc/noticeboard.yaml", resolveConfigPath(""))
	assert.Equal(t, "local.json", resolveConfigPath("local.json"))
}

func TestServe_ReloadsAndStops(t *testing.T) {
	testEnv(t)
	configPath := filepath.Join(t.TempDir(), "noticeboard.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log:\n  level: warn\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	started := make(chan *app.Application, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, configPath, signals, func(a *app.Application) { started <- a })
	}()

	var application *app.Application
	select {
	case application = <-started:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(waitFor):
		t.Fatal("serve did not start")
	}

	resp, err := http.Get("http://" + application.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The new token takes effect on SIGHUP
	t.Setenv("NOTICEBOARD_PUSH_TOKEN", "rotated")
	signals <- syscall.SIGHUP
	assert.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodPost, "http://"+application.Addr()+"/notify",
			strings.NewReader(`{"userId":"alice","notification":{}}`))
		req.Header.Set("X-Notification-Token", "rotated")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, waitFor, 20*time.Millisecond)

	signals <- syscall.SIGTERM
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("serve did not stop")
	}
}

func TestServe_StopsWhenContextEnds(t *testing.T) {
	testEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, "", make(chan os.Signal), func(*app.Application) { cancel() })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("serve did not stop")
	}
}

func TestServe_RejectsInvalidConfig(t *testing.T) {
	testEnv(t)
	t.Setenv("NOTICEBOARD_MAX_SESSIONS_PER_USER", "0")

	err := serve(context.Background(), "", make(chan os.Signal), nil)
	assert.Error(t, err)
}
