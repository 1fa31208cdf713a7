package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ensure", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Query().Get("recover") == "true" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"errorKind":"LOCKED","message":"another copy is starting","fix":"wait","recoverable":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"state":"READY","connection":{"host":"127.0.0.1","port":54329,"database":"pgdesk","user":"postgres","runMode":"` +
			r.URL.Query().Get("mode") + `"}}`))
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"READY","server":{"running":true,"pid":7,"port":54329},"runMode":"user_session","port":54329}`))
	})
	mux.HandleFunc("/api/shutdown", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/strategy/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"reason":"administrator rights are required","kind":"ELEVATION_REQUIRED"}`))
	})
	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"limit"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"type":"stop","occurred_at":"2026-10-18T08:00:00Z","outcome":"ok"},{"type":"start","occurred_at":"2026-10-18T07:00:00Z","outcome":"ok"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{BaseURL: srv.URL + "/api"})
}

func TestEnsure(t *testing.T) {
	c := newTestClient(newTestServer(t))
	res, err := c.Ensure(context.Background(), EnsureOptions{Mode: "service"})
	require.NoError(t, err)
	assert.Equal(t, "READY", res.State)
	assert.Equal(t, 54329, res.Connection.Port)
	assert.Equal(t, "service", res.Connection.RunMode)
}

func TestEnsureFault(t *testing.T) {
	c := newTestClient(newTestServer(t))
	_, err := c.Ensure(context.Background(), EnsureOptions{Recover: true})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "LOCKED", apiErr.Kind)
	assert.Equal(t, "wait", apiErr.Fix)
	assert.True(t, apiErr.Recoverable)
}

func TestStatusAndShutdown(t *testing.T) {
	c := newTestClient(newTestServer(t))
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Server.Running)
	assert.Equal(t, 7, st.Server.PID)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, c.IsReachable(context.Background()))
}

func TestStrategyRefused(t *testing.T) {
	c := newTestClient(newTestServer(t))
	res, err := c.Strategy(context.Background(), "start", "service")
	require.Error(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "ELEVATION_REQUIRED", res.Kind)
	assert.Equal(t, "administrator rights are required", res.Reason)
}

func TestHistory(t *testing.T) {
	c := newTestClient(newTestServer(t))
	events, err := c.History(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "stop", events[0].Type)
}

func TestUnreachable(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(srv)
	srv.Close()
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
