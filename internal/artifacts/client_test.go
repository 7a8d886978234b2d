package artifacts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func TestList(t *testing.T) {
	t.Run("UnconfiguredRepository", func(t *testing.T) {
		c := New("", 50, time.Second)
		_, err := c.List(context.Background(), "tomcat", 10)
		assert.True(t, model.IsKind(err, model.ErrPreconditionFailed))
	})

	t.Run("PassesAppAndLimit", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/artifacts", r.URL.Path)
			assert.Equal(t, "tomcat", r.URL.Query().Get("app"))
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(map[string]any{
				"artifacts": []Artifact{
					{Name: "orders", Version: "1.2.0", URL: "http://repo/orders-1.2.0.war"},
					{Name: "orders", Version: "1.1.0", URL: "http://repo/orders-1.1.0.war"},
				},
			})
		}))
		defer ts.Close()

		got, err := New(ts.URL, 50, time.Second).List(context.Background(), "tomcat", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "1.2.0", got[0].Version)
	})

	t.Run("ClampsRequestedLimit", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(map[string]any{"artifacts": []Artifact{}})
		}))
		defer ts.Close()

		c := New(ts.URL, 5, time.Second)
		_, err := c.List(context.Background(), "tomcat", 500)
		require.NoError(t, err)
	})

	t.Run("ReCapsOversizedListing", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var many []Artifact
			for i := 0; i < 10; i++ {
				many = append(many, Artifact{Name: "orders", Version: "1.0.0"})
			}
			json.NewEncoder(w).Encode(map[string]any{"artifacts": many})
		}))
		defer ts.Close()

		got, err := New(ts.URL, 3, time.Second).List(context.Background(), "tomcat", 3)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("RepositoryError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := New(ts.URL, 50, time.Second).List(context.Background(), "tomcat", 10)
		assert.True(t, model.IsKind(err, model.ErrRemoteUnavailable))
	})

	t.Run("MalformedListing", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"artifacts": [`))
		}))
		defer ts.Close()

		_, err := New(ts.URL, 50, time.Second).List(context.Background(), "tomcat", 10)
		assert.True(t, model.IsKind(err, model.ErrRemoteMalformed))
	})
}
