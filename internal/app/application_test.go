package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"noticeboard/internal/api"
	"noticeboard/internal/config"
	"noticeboard/internal/testutil"
	"noticeboard/pkg/types"
)

const waitFor = 3 * time.Second

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "data", "noticeboard.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = waitFor
	cfg.Notify.PushToken = "first-secret"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()

	app, err := NewApplication(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	return app
}

func stopApp(t *testing.T, app *Application) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout())
	defer cancel()
	assert.NoError(t, app.Stop(ctx))
}

func push(t *testing.T, app *Application, token, body string) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, "http://"+app.Addr()+"/notify", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(api.PushTokenHeader, token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func connect(t *testing.T, app *Application, userID string) *testutil.TestClient {
	t.Helper()

	client, _, err := testutil.Dial(context.Background(),
		testutil.WebSocketURL("http://"+app.Addr(), "/ws", userID), nil)
	require.NoError(t, err)

	ack, err := client.ReceiveJSON(waitFor)
	require.NoError(t, err)
	require.Equal(t, types.MessageTypeConnected, ack["type"])
	return client
}

func TestApplication_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	app := startApp(t, cfg)

	client := connect(t, app, "alice")

	require.Equal(t, http.StatusOK, push(t, app, "first-secret", `{"userId":"alice","notification":{"type":"mention"}}`))
	frame, err := client.Receive(waitFor)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"mention"}`, string(frame))

	reloaded := testConfig(t)
	reloaded.Notify.PushToken = "second-secret"
	reloaded.Notify.MaxSessionsPerUser = 1
	recovered, err := app.Reload(context.Background(), reloaded)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, app.hub.MaxChannelsPerIdentity())

	// The socket survived the recycle and is reachable under the new token
	assert.Equal(t, http.StatusUnauthorized, push(t, app, "first-secret", `{"userId":"alice","notification":{"n":1}}`))
	require.Equal(t, http.StatusOK, push(t, app, "second-secret", `{"userId":"alice","notification":{"n":2}}`))
	frame, err = client.Receive(waitFor)
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(frame))

	stopApp(t, app)

	code, err := client.WaitClosed(waitFor)
	require.NoError(t, err)
	assert.Equal(t, types.CloseGoingAway, code)
}

func TestApplication_StartPrunesStaleAttachments(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApplication(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	data := []byte(`{"userId":"ghost","connectedAt":1}`)
	require.NoError(t, app.dbManager.PutAttachment(context.Background(), "stale-channel", data))

	require.NoError(t, app.Start(context.Background()))
	defer stopApp(t, app)

	ids, err := app.dbManager.ListAttachmentIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestApplication_SweepKeepsLiveAttachments(t *testing.T) {
	cfg := testConfig(t)
	app := startApp(t, cfg)
	defer stopApp(t, app)

	client := connect(t, app, "alice")
	defer client.Close()

	data := []byte(`{"userId":"ghost","connectedAt":1}`)
	require.NoError(t, app.dbManager.PutAttachment(context.Background(), "orphan", data))

	app.sweepAttachments()

	ids, err := app.dbManager.ListAttachmentIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.NotContains(t, ids, "orphan")
	assert.Equal(t, float64(1), promtest.ToFloat64(app.metrics.AttachmentsPruned))
}

func TestApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.MaxSessionsPerUser = 0

	_, err := NewApplication(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestApplication_ReloadRejectsInvalidConfig(t *testing.T) {
	app := startApp(t, testConfig(t))
	defer stopApp(t, app)

	bad := testConfig(t)
	bad.Notify.PushPath = bad.Notify.UpgradePath
	_, err := app.Reload(context.Background(), bad)
	assert.Error(t, err)
	assert.True(t, app.hub.Running())
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t)

	require.NoError(t, Migrate(cfg, zaptest.NewLogger(t)))

	_, err := os.Stat(cfg.Database.Path)
	assert.NoError(t, err)

	// Applying again is a no-op
	require.NoError(t, Migrate(cfg, zaptest.NewLogger(t)))
}
