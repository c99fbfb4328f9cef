package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/backstage/services/headset/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/headsets", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"headsets": []core.HeadsetSnapshot{{Serial: "1WMH", Battery: 80, AppVersion: "1.4.0"}},
			"count":    1,
		})
	})

	mux.HandleFunc("/api/v1/headsets/1WMH/tasks", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Action == "reboot" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown task", "code": "UNKNOWN_TASK"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "t-1", "action": req.Action})
	})

	mux.HandleFunc("/api/v1/library/refresh", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"added": []string{"Safety"}, "removed": []string{}, "count": 2})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ListHeadsets(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	headsets, err := NewClient(srv.URL+"/", "tok").ListHeadsets(ctx)
	require.NoError(t, err)
	require.Len(t, headsets, 1)
	assert.Equal(t, "1WMH", headsets[0].Serial)
	assert.Equal(t, 80, headsets[0].Battery)

	_, err = NewClient(srv.URL, "").ListHeadsets(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid token", apiErr.Message)
}

func TestClient_SubmitTask(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, "tok")

	receipt, err := c.SubmitTask(context.Background(), "1WMH", core.TaskPush)
	require.NoError(t, err)
	assert.Equal(t, "t-1", receipt.TaskID)
	assert.Equal(t, "push", receipt.Action)

	_, err = c.SubmitTask(context.Background(), "1WMH", core.TaskKind("reboot"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "UNKNOWN_TASK", apiErr.Code)
}

func TestClient_RefreshLibrary(t *testing.T) {
	srv := newTestServer(t)

	change, err := NewClient(srv.URL, "").RefreshLibrary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Safety"}, change.Added)
	assert.Empty(t, change.Removed)
	assert.Equal(t, 2, change.Count)
}
