package debug

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberweb/resourced/internal/config"
	"github.com/emberweb/resourced/internal/dispatch"
	"github.com/emberweb/resourced/internal/fetch"
	"github.com/emberweb/resourced/internal/filemgr"
	"github.com/emberweb/resourced/internal/monitoring"
	"github.com/emberweb/resourced/internal/state"
	"github.com/emberweb/resourced/internal/workers"
)

func newDebugServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Debug.Host = "127.0.0.1"
	cfg.Debug.Port = "0"

	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	pool := workers.NewPool(2, 16, nil, nil)
	files := filemgr.NewManager(pool, nil)
	pub := state.New("public", "", cfg, nil, metrics)
	priv := state.New("private", "", cfg, nil, metrics)
	client := fetch.NewClient(cfg, nil, nil)

	mgr := dispatch.NewManager(cfg,
		dispatch.Lane{Profile: pub, Fetcher: fetch.NewFetcher(cfg, client, pub, files, nil, nil, metrics)},
		dispatch.Lane{Profile: priv, Fetcher: fetch.NewFetcher(cfg, client, priv, files, nil, nil, metrics)},
		files, pool, nil, metrics)
	mgr.Start()
	t.Cleanup(func() {
		reply := make(chan struct{}, 1)
		mgr.PublicChannel() <- dispatch.Exit{Reply: reply}
		select {
		case <-reply:
		case <-time.After(5 * time.Second):
			t.Error("timed out waiting for exit ack")
		}
	})

	srv := New(cfg, mgr, pool, files, metrics, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestRootEndpoint(t *testing.T) {
	srv := newDebugServer(t)

	status, body := get(t, "http://"+srv.Addr()+"/")
	require.Equal(t, http.StatusOK, status)

	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "online", got["status"])
	assert.Equal(t, "resourced", got["service"])
}

func TestHealthEndpoint(t *testing.T) {
	srv := newDebugServer(t)

	status, body := get(t, "http://"+srv.Addr()+"/health")
	require.Equal(t, http.StatusOK, status)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "healthy", got["status"])
	assert.Contains(t, got, "dispatch")
	assert.Contains(t, got, "pool")
	assert.Contains(t, got, "files")
}

func TestStatsEndpoint(t *testing.T) {
	srv := newDebugServer(t)

	status, body := get(t, "http://"+srv.Addr()+"/stats")
	require.Equal(t, http.StatusOK, status)

	var got struct {
		Profiles []state.Usage       `json:"profiles"`
		Fetch    monitoring.Snapshot `json:"fetch"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Profiles, 2)
	assert.Equal(t, "public", got.Profiles[0].Profile)
	assert.Equal(t, "private", got.Profiles[1].Profile)
	assert.GreaterOrEqual(t, got.Fetch.UptimeSeconds, 0.0)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newDebugServer(t)

	status, body := get(t, "http://"+srv.Addr()+"/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "go_goroutines")
}
