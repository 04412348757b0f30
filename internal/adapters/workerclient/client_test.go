package workerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/domain/model"
	apperrors "github.com/veridoc/veridoc/internal/errors"
)

func TestClientInfer(t *testing.T) {
	t.Run("returns parsed result and raw body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/infer", r.URL.Path)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var body inferRequestBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "job-1", body.JobID)
			assert.Equal(t, "s3://docs/scan.pdf", body.DocumentRef)
			assert.Equal(t, "pdf", body.DocumentClass)

			_, _ = w.Write([]byte(`{"result_ref":"s3://results/job-1.json","pages":4,"worker_id":"w-7","confidence_raw":0.91}`))
		}))
		defer srv.Close()

		c := NewClient(ClientOptions{})
		res, err := c.Infer(context.Background(), srv.URL, core.InferRequest{
			JobID:         "job-1",
			DocumentRef:   "s3://docs/scan.pdf",
			DocumentClass: model.DocumentClassPDF,
		})
		require.NoError(t, err)
		assert.Equal(t, "s3://results/job-1.json", res.ResultRef)
		assert.Equal(t, 4, res.Pages)
		assert.Equal(t, "w-7", res.WorkerID)
		assert.Contains(t, string(res.Raw), "confidence_raw")
	})

	t.Run("5xx is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "gpu OOM", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := NewClient(ClientOptions{})
		_, err := c.Infer(context.Background(), srv.URL, core.InferRequest{JobID: "job-1"})
		require.Error(t, err)
		assert.True(t, apperrors.IsTransient(err))
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("429 is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c := NewClient(ClientOptions{})
		_, err := c.Infer(context.Background(), srv.URL, core.InferRequest{JobID: "job-1"})
		require.Error(t, err)
		assert.True(t, apperrors.IsTransient(err))
	})

	t.Run("4xx is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unsupported document", http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		c := NewClient(ClientOptions{})
		_, err := c.Infer(context.Background(), srv.URL, core.InferRequest{JobID: "job-1"})
		require.Error(t, err)
		assert.False(t, apperrors.IsTransient(err))
		assert.Contains(t, err.Error(), "422")
	})

	t.Run("rejects response without result_ref", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"pages":2}`))
		}))
		defer srv.Close()

		c := NewClient(ClientOptions{})
		_, err := c.Infer(context.Background(), srv.URL, core.InferRequest{JobID: "job-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "result_ref")
	})

	t.Run("connection failure is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()

		c := NewClient(ClientOptions{})
		_, err := c.Infer(context.Background(), srv.URL, core.InferRequest{JobID: "job-1"})
		require.Error(t, err)
		assert.True(t, apperrors.IsTransient(err))
	})
}

func TestClientHealth(t *testing.T) {
	t.Run("reports readiness", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			require.Equal(t, "/health", r.URL.Path)
			_, _ = w.Write([]byte(`{"model_loaded":true,"queue_length":3}`))
		}))
		defer srv.Close()

		c := NewClient(ClientOptions{})
		h, err := c.Health(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.True(t, h.ModelLoaded)
		assert.Equal(t, 3, h.QueueLength)
	})

	t.Run("non-200 is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := NewClient(ClientOptions{})
		_, err := c.Health(context.Background(), srv.URL)
		require.Error(t, err)
		assert.True(t, apperrors.IsTransient(err))
	})
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://w:9090/infer", joinURL("http://w:9090/", "/infer"))
	assert.Equal(t, "http://w:9090/infer", joinURL("http://w:9090", "/infer"))
}
