// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package manager

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), testTools())
	serv := &HTTPServer{Addr: "127.0.0.1:0", StartTime: time.Now(), Manager: mgr}
	ts := httptest.NewServer(serv.router())
	defer ts.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/graph")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	graph, err := mgr.seed()
	require.NoError(t, err)
	mgr.mu.Lock()
	mgr.graph = graph
	mgr.mu.Unlock()

	code, body := get("/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, graph.RunID.String())

	code, body = get("/graph")
	assert.Equal(t, http.StatusOK, code)
	got := new(Graph)
	require.NoError(t, json.Unmarshal([]byte(body), got))
	assert.Equal(t, graph.RunID, got.RunID)
	assert.Equal(t, 2, got.Size())

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "fitm_round")

	code, body = get("/lineage/fitm-gen2-state0")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state_path": "fitm-gen2-state0"`)
	code, _ = get("/lineage/fitm-gen9-state0")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get("/nonexistent")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServeDisabled(t *testing.T) {
	serv := &HTTPServer{}
	assert.Error(t, serv.Serve(t.Context()))
}
