package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/jobwatch/internal/config"
	"github.com/reelforge/jobwatch/internal/watch"
)

func testKinds() []config.KindConfig {
	return []config.KindConfig{
		{Name: "render", SubmitPath: "/api/render", StatusPath: "/api/render/{jobId}", PersistPath: "/api/videos", Shape: config.ShapeRender},
		{Name: "generation", SubmitPath: "/api/avatar/generate", StatusPath: "/api/avatar/status/{jobId}", PersistPath: "/api/videos", Shape: config.ShapeQueue},
		{Name: "download", SubmitPath: "/api/download", StatusPath: "/api/download/{jobId}", Shape: config.ShapeQueue},
	}
}

func newTestClient(t *testing.T, h http.Handler) *BackendClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBackendClient(&config.BackendConfig{BaseURL: srv.URL + "/", APIKey: "k-123", Timeout: 2 * time.Second}, testKinds(), logger)
}

func TestSubmit_ExpandsStatusPath(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/avatar/generate", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		assert.Len(t, r.Header.Get("Idempotency-Key"), 36)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"jobId":"gen 42"}`))
	}))

	d, err := c.Submit(context.Background(), watch.KindGeneration, map[string]string{"script": "hello"})
	require.NoError(t, err)

	assert.Equal(t, "gen 42", d.JobID)
	assert.Equal(t, watch.KindGeneration, d.Kind)
	assert.Equal(t, "/api/avatar/status/gen%2042", d.StatusPath)
	assert.Equal(t, "Bearer k-123", gotAuth)
	assert.Equal(t, "hello", gotBody["script"])
}

func TestSubmit_AcceptsIDAndStatusPath(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"r-1","statusPath":"/custom/r-1"}`))
	}))

	d, err := c.Submit(context.Background(), watch.KindRender, nil)
	require.NoError(t, err)
	assert.Equal(t, "r-1", d.JobID)
	assert.Equal(t, "/custom/r-1", d.StatusPath)
}

func TestSubmit_HTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded\n"))
	}))

	_, err := c.Submit(context.Background(), watch.KindRender, nil)
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, "overloaded", httpErr.Body)
}

func TestSubmit_UnknownKind(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.Submit(context.Background(), watch.Kind("transcode"), nil)
	assert.ErrorIs(t, err, watch.ErrUnknownKind)
}

func TestCheckStatus_RenderShape(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantRaw string
		wantURL string
		wantMsg string
	}{
		{"running", `{"done":false,"progress":0.3}`, watch.RawRunning, "", ""},
		{"succeeded", `{"done":true,"success":true,"url":"https://cdn/x.mp4"}`, watch.RawSucceeded, "https://cdn/x.mp4", ""},
		{"failed", `{"done":true,"success":false,"error":"encoder crashed"}`, watch.RawFailed, "", "encoder crashed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/render/r-9", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}))

			st, err := c.CheckStatus(context.Background(), watch.Descriptor{JobID: "r-9", Kind: watch.KindRender})
			require.NoError(t, err)
			assert.Equal(t, tt.wantRaw, st.Raw)
			assert.Equal(t, tt.wantURL, st.OutputURL)
			assert.Equal(t, tt.wantMsg, st.Message)
		})
	}
}

func TestCheckStatus_QueueShape(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/avatar/status/g-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"completed","progress":100,"outputUrl":"https://cdn/g-1.mp4"}`))
	}))

	st, err := c.CheckStatus(context.Background(), watch.Descriptor{JobID: "g-1", Kind: watch.KindGeneration, StatusPath: "/api/avatar/status/g-1"})
	require.NoError(t, err)
	assert.Equal(t, "completed", st.Raw)
	require.NotNil(t, st.Progress)
	assert.Equal(t, 100.0, *st.Progress)
	assert.Equal(t, "https://cdn/g-1.mp4", st.OutputURL)
}

func TestCheckStatus_MalformedBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway</html>`))
	}))

	_, err := c.CheckStatus(context.Background(), watch.Descriptor{JobID: "d-1", Kind: watch.KindDownload})
	assert.Error(t, err)
}

func TestCheckStatus_ContextCancelled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.CheckStatus(ctx, watch.Descriptor{JobID: "d-1", Kind: watch.KindDownload})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPersist(t *testing.T) {
	var got watch.Record
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/videos", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))

	rec := watch.Record{Kind: watch.KindRender, JobID: "r-1", OutputURL: "https://cdn/r-1.mp4", Format: "mp4"}
	require.NoError(t, c.Persist(context.Background(), rec))
	assert.Equal(t, rec, got)
}

func TestPersist_NoPathIsNoop(t *testing.T) {
	called := false
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	require.NoError(t, c.Persist(context.Background(), watch.Record{Kind: watch.KindDownload, JobID: "d-1"}))
	assert.False(t, called)
}

func TestPersist_Rejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	err := c.Persist(context.Background(), watch.Record{Kind: watch.KindRender, JobID: "r-1"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.StatusCode)
}
