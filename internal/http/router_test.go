package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"docsync/internal/app"
	"docsync/internal/engine"
	"docsync/internal/session"
	"docsync/internal/store"
	"docsync/internal/ws"
	"docsync/pkg/metrics"
	"docsync/pkg/protocol"
)

type nopSink struct{}

func (nopSink) Send(protocol.Envelope) bool { return true }

type brokenStore struct{ *store.Memory }

func (brokenStore) Get(context.Context, string) (store.Snapshot, error) {
	return store.Snapshot{}, errors.New("connection refused")
}

type fixture struct {
	handler http.Handler
	reg     *session.Registry
	eng     *engine.Engine
	store   store.Store
}

func newFixture(t *testing.T, st store.Store, cfg app.Config) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	promReg := prometheus.NewRegistry()
	reg := session.NewRegistry(st, log)
	eng := engine.New(reg, st, metrics.New(promReg), log, engine.Config{AutosaveDelay: time.Second})
	hub := ws.NewHub(log, eng, session.NewPresence(reg, log), ws.Options{})
	api := &DocsAPI{Registry: reg, Store: st, Log: log}
	if cfg.CORSAllow == "" {
		cfg.CORSAllow = "*"
	}
	return &fixture{handler: NewRouter(cfg, log, hub, api, promReg), reg: reg, eng: eng, store: st}
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t, store.NewMemory(), app.Config{})
	require.Equal(t, http.StatusOK, f.get("/healthz").Code)
	require.Equal(t, http.StatusOK, f.get("/readyz").Code)

	broken := newFixture(t, brokenStore{store.NewMemory()}, app.Config{})
	require.Equal(t, http.StatusServiceUnavailable, broken.get("/readyz").Code)
}

func TestRouter_Metrics(t *testing.T) {
	f := newFixture(t, store.NewMemory(), app.Config{})
	_, err := f.eng.Join(context.Background(), "m1", protocol.Participant{ID: "a"}, nopSink{})
	require.NoError(t, err)

	rec := f.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "docsync_sessions_active 1")
}

func TestDocsAPI_List_Live_Sessions(t *testing.T) {
	f := newFixture(t, store.NewMemory(), app.Config{})
	rec := f.get("/api/docs")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	ctx := context.Background()
	_, err := f.eng.Join(ctx, "b", protocol.Participant{ID: "x"}, nopSink{})
	require.NoError(t, err)
	_, err = f.eng.Join(ctx, "a", protocol.Participant{ID: "y"}, nopSink{})
	require.NoError(t, err)
	require.NoError(t, f.eng.OnEdit("a", "y", "text"))

	var got []sessionResponse
	require.NoError(t, json.Unmarshal(f.get("/api/docs").Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, "dirty", got[0].State)
	require.Equal(t, 1, got[0].Participants)
	require.Equal(t, protocol.DefaultTitle, got[1].Title)
}

func TestDocsAPI_Get_Prefers_Live_Session(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Put(context.Background(), store.Snapshot{ID: "d", Title: "Saved", Content: "old", SavedAt: time.Now()}))
	f := newFixture(t, st, app.Config{})

	var got docResponse
	rec := f.get("/api/docs/d")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "old", got.Content)
	require.False(t, got.Live)
	require.NotNil(t, got.LastSaved)

	_, err := f.eng.Join(context.Background(), "d", protocol.Participant{ID: "a"}, nopSink{})
	require.NoError(t, err)
	require.NoError(t, f.eng.OnEdit("d", "a", "new"))

	require.NoError(t, json.Unmarshal(f.get("/api/docs/d").Body.Bytes(), &got))
	require.Equal(t, "new", got.Content)
	require.Equal(t, "Saved", got.Title)
	require.True(t, got.Live)
	require.True(t, got.Dirty)
}

func TestDocsAPI_Get_Unknown(t *testing.T) {
	f := newFixture(t, store.NewMemory(), app.Config{})
	require.Equal(t, http.StatusNotFound, f.get("/api/docs/nope").Code)

	broken := newFixture(t, brokenStore{store.NewMemory()}, app.Config{})
	require.Equal(t, http.StatusServiceUnavailable, broken.get("/api/docs/nope").Code)
}

func TestRouter_Rate_Limit(t *testing.T) {
	f := newFixture(t, store.NewMemory(), app.Config{RateLimitPerMinute: 2})
	require.Equal(t, http.StatusOK, f.get("/healthz").Code)
	require.Equal(t, http.StatusOK, f.get("/healthz").Code)
	require.Equal(t, http.StatusTooManyRequests, f.get("/healthz").Code)
}

func TestRouter_CORS(t *testing.T) {
	f := newFixture(t, store.NewMemory(), app.Config{CORSAllow: "http://editor.local, http://other.local"})

	req := httptest.NewRequest(http.MethodGet, "/api/docs", nil)
	req.Header.Set("Origin", "http://editor.local")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, "http://editor.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/docs", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
}
