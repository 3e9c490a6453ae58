package admin_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/changefeed/admin"
	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/cfg"
	"github.com/maxpert/changefeed/flow/flowtest"
	"github.com/maxpert/changefeed/mutation"
	"github.com/maxpert/changefeed/mutation/mutationtest"
	"github.com/maxpert/changefeed/notify"
	"github.com/maxpert/changefeed/observer"
	"github.com/maxpert/changefeed/relay"
	"github.com/maxpert/changefeed/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type view struct {
	name    string
	version int64
}

func (v view) Name() string   { return v.name }
func (v view) Version() int64 { return v.version }

type fakeRelay []relay.WorkerInfo

func (f fakeRelay) Workers() []relay.WorkerInfo { return f }

func upserts(n int) []capture.Mutation {
	out := make([]capture.Mutation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &mutation.EntityUpsert{EntityType: "product", PrimaryKey: int32(i + 1)})
	}
	return out
}

func newServer(t *testing.T) (*httptest.Server, *observer.CatalogObserver) {
	t.Helper()
	hub := notify.NewHub()
	l, err := wal.Open(t.TempDir(), wal.Options{Catalog: "products", Compression: "lz4", Notifier: hub})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	for i := 0; i < 3; i++ {
		_, _, err := l.Commit(upserts(5)...)
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncateBefore(2))
	require.NoError(t, l.SaveCursor("kafka-main", capture.Position{Version: 3, Index: 2}))

	catalog := observer.NewCatalogObserver("products", observer.Config{Source: l})
	t.Cleanup(catalog.Close)
	require.NoError(t, catalog.NotifyCatalogPresentInLiveView(view{"products", l.CommittedVersion()}))

	follower := observer.NewFollower(observer.FollowerConfig{
		Log:      l,
		Target:   catalog,
		Hub:      hub,
		Catalog:  "products",
		Interval: time.Hour,
	})
	follower.Start()
	t.Cleanup(follower.Stop)

	engine := observer.NewEngineObserver(observer.Config{Source: mutationtest.NewSource()})
	t.Cleanup(engine.Close)

	handlers := admin.NewAdminHandlers(
		map[string]admin.Registry{"products": catalog, observer.EngineScope: engine},
		map[string]admin.Log{"products": l},
		fakeRelay{{Name: "kafka-main", Scope: "products", Running: true, Delivered: 7}},
	)
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, handlers)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, catalog
}

func do(t *testing.T, method, url string, header http.Header) (int, map[string]interface{}) {
	t.Helper()
	return doBody(t, method, url, header, nil)
}

func doBody(t *testing.T, method, url string, header http.Header, payload []byte) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestScopes(t *testing.T) {
	srv, _ := newServer(t)

	status, body := do(t, http.MethodGet, srv.URL+"/admin/scopes", nil)
	require.Equal(t, http.StatusOK, status)
	scopes := body["data"].([]interface{})
	require.Len(t, scopes, 2)
	assert.Equal(t, "engine", scopes[0].(map[string]interface{})["scope"])
	products := scopes[1].(map[string]interface{})
	assert.Equal(t, "products", products["scope"])
	assert.Equal(t, float64(3), products["visible_version"])
}

func TestSubscriptionLifecycle(t *testing.T) {
	srv, catalog := newServer(t)

	cp, err := catalog.RegisterObserver(observer.Request{SinceVersion: 2})
	require.NoError(t, err)

	status, body := do(t, http.MethodGet, srv.URL+"/admin/scopes/products/subscriptions", nil)
	require.Equal(t, http.StatusOK, status)
	subs := body["data"].([]interface{})
	require.Len(t, subs, 1)
	assert.Equal(t, cp.ID().String(), subs[0].(map[string]interface{})["id"])

	status, _ = do(t, http.MethodDelete, srv.URL+"/admin/scopes/products/subscriptions/"+cp.ID().String(), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, catalog.Subscriptions())

	status, _ = do(t, http.MethodDelete, srv.URL+"/admin/scopes/products/subscriptions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodDelete, srv.URL+"/admin/scopes/products/subscriptions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, http.MethodPost, srv.URL+"/admin/scopes/products/clean", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["data"], "removed")
}

func TestUnknownScope(t *testing.T) {
	srv, _ := newServer(t)

	status, body := do(t, http.MethodGet, srv.URL+"/admin/scopes/orders/subscriptions", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body["error"], "orders")
}

func TestRelayAndLog(t *testing.T) {
	srv, _ := newServer(t)

	status, body := do(t, http.MethodGet, srv.URL+"/admin/relay", nil)
	require.Equal(t, http.StatusOK, status)
	workers := body["data"].([]interface{})
	require.Len(t, workers, 1)
	assert.Equal(t, "kafka-main", workers[0].(map[string]interface{})["name"])

	status, body = do(t, http.MethodGet, srv.URL+"/admin/scopes/products/log", nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(3), data["committed_version"])
	assert.Equal(t, float64(2), data["horizon"])
	assert.Contains(t, data["cursors"], "kafka-main")

	status, _ = do(t, http.MethodGet, srv.URL+"/admin/scopes/engine/log", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCommitReachesSubscribers(t *testing.T) {
	srv, catalog := newServer(t)

	cp, err := catalog.RegisterObserver(observer.Request{
		SinceVersion: observer.SinceNow,
		Criteria:     capture.Criteria{Areas: []capture.Area{capture.AreaData}},
	})
	require.NoError(t, err)
	rec := flowtest.NewRecorder[capture.Event](100, 0)
	require.NoError(t, cp.Subscribe(rec))

	payload, err := mutation.EncodeBatch([]capture.Mutation{
		&mutation.EntityUpsert{EntityType: "product", PrimaryKey: 42},
		&mutation.EntityRemove{EntityType: "product", PrimaryKey: 7},
	})
	require.NoError(t, err)

	status, body := doBody(t, http.MethodPost, srv.URL+"/admin/scopes/products/commit", nil, payload)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(4), body["data"].(map[string]interface{})["version"])

	require.Eventually(t, func() bool { return rec.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
	events := rec.Items()
	assert.Equal(t, capture.Position{Version: 4, Index: 1}, events[0].Position)
	assert.Equal(t, int32(42), events[0].PrimaryKey)
	assert.Equal(t, capture.OpRemove, events[1].Operation)
}

func TestCommitRejectsInvalidBatches(t *testing.T) {
	srv, _ := newServer(t)
	url := srv.URL + "/admin/scopes/products/commit"

	status, _ := doBody(t, http.MethodPost, url, nil, []byte("not msgpack"))
	assert.Equal(t, http.StatusBadRequest, status)

	empty, err := mutation.EncodeBatch(nil)
	require.NoError(t, err)
	status, _ = doBody(t, http.MethodPost, url, nil, empty)
	assert.Equal(t, http.StatusBadRequest, status)

	withBoundary, err := mutation.EncodeBatch([]capture.Mutation{&mutation.Transaction{Version: 9}})
	require.NoError(t, err)
	status, body := doBody(t, http.MethodPost, url, nil, withBoundary)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "boundary")

	status, _ = doBody(t, http.MethodPost, srv.URL+"/admin/scopes/engine/commit", nil, empty)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newServer(t)
	prev := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = "s3cret"
	defer func() { cfg.Config.Admin.Secret = prev }()

	status, _ := do(t, http.MethodGet, srv.URL+"/admin/scopes", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/admin/scopes", http.Header{"Authorization": {"Basic abc"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/admin/scopes", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/admin/scopes", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/admin/scopes", http.Header{"X-Changefeed-Secret": {"s3cret"}})
	assert.Equal(t, http.StatusOK, status)
}
