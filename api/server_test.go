package api_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/adatp/api"
	"github.com/opd-ai/adatp/keystore"
	"github.com/opd-ai/adatp/metrics"
	"github.com/opd-ai/adatp/room"
	"github.com/opd-ai/adatp/router"
	"github.com/opd-ai/adatp/server"
	"github.com/opd-ai/adatp/transfer"
)

type testAPI struct {
	srv   *api.Server
	stats *metrics.Collector
	rooms *room.Registry
	keys  *keystore.Store
	token string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	stats := metrics.NewCollector("test")
	rooms := room.NewRegistry()
	rt := router.New(rooms, transfer.NewCoordinator(transfer.DefaultLimits()), stats)
	core := server.New(server.DefaultOptions(), nil, rt, stats)

	keys, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })

	token, err := keys.Create(context.Background(), "test")
	require.NoError(t, err)

	return &testAPI{
		srv:   api.New(api.Options{Version: "1.2.3"}, core, stats, rooms, keys),
		stats: stats,
		rooms: rooms,
		keys:  keys,
		token: token,
	}
}

func (a *testAPI) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("x-api-key", token)
	}
	a.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestBannerAndHealthArePublic(t *testing.T) {
	a := newTestAPI(t)

	w := a.get(t, "/", "")
	require.Equal(t, http.StatusOK, w.Code)

	var banner map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &banner))
	assert.Equal(t, "adatpd", banner["service"])
	assert.Equal(t, "adatp", banner["protocol"])

	w = a.get(t, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestGuardedEndpointsRequireKey(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/api/status", "/api/metrics", "/api/rooms", "/metrics"} {
		w := a.get(t, path, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		w = a.get(t, path, "not-a-key")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestAPI(t)

	w := a.get(t, "/api/status", a.token)
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		Version     string `json:"version"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		StartedAt   string `json:"started_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, 0, status.Connections)
	assert.NotEmpty(t, status.StartedAt)
}

func TestMetricsSnapshotEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.stats.TransferStarted()
	a.stats.TransferCompleted()

	w := a.get(t, "/api/metrics", a.token)
	require.Equal(t, http.StatusOK, w.Code)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, uint64(1), snap.TransfersStarted)
	assert.Equal(t, uint64(1), snap.TransfersCompleted)
}

func TestRoomEndpoints(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.rooms.Create("ops", room.VisibilityPublic, true))

	w := a.get(t, "/api/rooms", a.token)
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Count int             `json:"count"`
		Rooms []room.Snapshot `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "ops", listing.Rooms[0].Name)
	assert.Equal(t, "public", listing.Rooms[0].Visibility)

	w = a.get(t, "/api/rooms/ops", a.token)
	require.Equal(t, http.StatusOK, w.Code)

	var snap room.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "ops", snap.Name)
	assert.True(t, snap.PersistEmpty)

	w = a.get(t, "/api/rooms/missing", a.token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrometheusEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.stats.ConnectionOpened()

	w := a.get(t, "/metrics", a.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_connections_active")
}

func TestRevokedKeyIsRejected(t *testing.T) {
	a := newTestAPI(t)

	require.Equal(t, http.StatusOK, a.get(t, "/api/status", a.token).Code)

	infos, err := a.keys.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.NoError(t, a.keys.Revoke(context.Background(), infos[0].ID))

	assert.Equal(t, http.StatusUnauthorized, a.get(t, "/api/status", a.token).Code)
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	a := newTestAPI(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.srv.Serve(ctx, ln) }()

	// The listener accepts before shutdown.
	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
