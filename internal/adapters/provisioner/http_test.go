package provisioner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/core"
	apperrors "github.com/veridoc/veridoc/internal/errors"
)

func TestNewHTTPBackend(t *testing.T) {
	t.Run("requires base URL", func(t *testing.T) {
		_, err := NewHTTPBackend(HTTPBackendOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "base URL")
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		b, err := NewHTTPBackend(HTTPBackendOptions{BaseURL: "http://backend:8080/"})
		require.NoError(t, err)
		assert.Equal(t, "http://backend:8080", b.baseURL)
	})
}

func TestHTTPBackendProvision(t *testing.T) {
	t.Run("creates instance", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/instances", r.URL.Path)
			gotAuth = r.Header.Get("Authorization")

			var body createInstanceBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gpu-standard", body.InstanceClass)
			assert.True(t, body.Prewarmed)

			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(instanceResponseBody{
				ID:        "inst-1",
				Endpoint:  "http://10.0.0.5:9090",
				Prewarmed: true,
			})
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{BaseURL: srv.URL, Token: "secret"})
		require.NoError(t, err)

		inst, err := b.Provision(context.Background(), core.ProvisionRequest{
			InstanceClass: "gpu-standard",
			Prewarmed:     true,
		})
		require.NoError(t, err)
		assert.Equal(t, "inst-1", inst.ID)
		assert.Equal(t, "http://10.0.0.5:9090", inst.Endpoint)
		assert.True(t, inst.Prewarmed)
		assert.Equal(t, "Bearer secret", gotAuth)
	})

	t.Run("5xx is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "capacity exhausted", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = b.Provision(context.Background(), core.ProvisionRequest{InstanceClass: "gpu-standard"})
		require.Error(t, err)
		assert.True(t, apperrors.IsTransient(err))
	})

	t.Run("4xx is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unknown instance class", http.StatusBadRequest)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = b.Provision(context.Background(), core.ProvisionRequest{InstanceClass: "nope"})
		require.Error(t, err)
		assert.False(t, apperrors.IsTransient(err))
		assert.Contains(t, err.Error(), "unknown instance class")
	})

	t.Run("rejects incomplete response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(instanceResponseBody{ID: "inst-1"})
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = b.Provision(context.Background(), core.ProvisionRequest{InstanceClass: "gpu-standard"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "incomplete instance")
	})
}

func TestHTTPBackendTerminate(t *testing.T) {
	t.Run("deletes instance", func(t *testing.T) {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{BaseURL: srv.URL})
		require.NoError(t, err)

		require.NoError(t, b.Terminate(context.Background(), "inst-9"))
		assert.Equal(t, "/instances/inst-9", gotPath)
	})

	t.Run("404 counts as success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{BaseURL: srv.URL})
		require.NoError(t, err)

		assert.NoError(t, b.Terminate(context.Background(), "long-gone"))
	})

	t.Run("5xx is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{BaseURL: srv.URL})
		require.NoError(t, err)

		err = b.Terminate(context.Background(), "inst-9")
		require.Error(t, err)
		assert.True(t, apperrors.IsTransient(err))
	})
}

func TestStaticBackend(t *testing.T) {
	b := NewStaticBackend("http://worker.local:9090")

	inst, err := b.Provision(context.Background(), core.ProvisionRequest{InstanceClass: "gpu-standard"})
	require.NoError(t, err)
	assert.Equal(t, "http://worker.local:9090", inst.Endpoint)
	assert.True(t, inst.Prewarmed)
	assert.Equal(t, 1, b.LiveCount())

	require.NoError(t, b.Terminate(context.Background(), inst.ID))
	assert.Equal(t, 0, b.LiveCount())

	err = b.Terminate(context.Background(), inst.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown instance")
}
