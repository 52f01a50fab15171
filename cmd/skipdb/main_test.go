package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/skipdb/internal/shard"
	"github.com/dreamware/skipdb/internal/skipdb"
)

// newTestServer opens a store in a temp directory and returns an
// httptest server over the full route table.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := skipdb.Open(t.TempDir(), shard.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mux := http.NewServeMux()
	NewServer(db).routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// do issues a request and returns the response with its body read.
func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(respBody)
}

// TestHealthEndpoint tests the liveness probe.
func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", body)
}

// TestDataRoundTrip tests PUT → GET → DELETE → GET over HTTP.
func TestDataRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := do(t, http.MethodPut, ts.URL+"/data/user:123", "42")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := do(t, http.MethodGet, ts.URL+"/data/user:123", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "42", body)

	resp, _ = do(t, http.MethodDelete, ts.URL+"/data/user:123", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/data/user:123", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestDataValidation tests the request validation paths.
func TestDataValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "missing key", method: http.MethodGet, path: "/data/", status: http.StatusBadRequest},
		{name: "non-numeric value", method: http.MethodPut, path: "/data/k", body: "not-a-number", status: http.StatusBadRequest},
		{name: "unsupported method", method: http.MethodPost, path: "/data/k", body: "1", status: http.StatusMethodNotAllowed},
		{name: "missing key reads not found", method: http.MethodGet, path: "/data/nope", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, tt.method, ts.URL+tt.path, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

// TestInfoEndpoint tests the shard statistics listing.
func TestInfoEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := do(t, http.MethodPut, ts.URL+"/data/a", "1")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := do(t, http.MethodGet, ts.URL+"/info", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info struct {
		Shards []skipdb.ShardInfo `json:"shards"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	require.Len(t, info.Shards, 1)
	require.Equal(t, uint64(1), info.Shards[0].Keys)
	require.Equal(t, "a", info.Shards[0].MaxKey)
}
