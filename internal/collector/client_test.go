package collector

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func serverFor(t *testing.T, ts *httptest.Server) model.Server {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return model.Server{ID: 1, Name: "test-host", IP: host, AgentPort: port}
}

func TestFetchState(t *testing.T) {
	t.Run("ParsesFullReport", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/state", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{
				"instances": [{"instance_name": "web-1", "app_type": "tomcat", "status": "online", "version": "1.0.0", "ip": "10.0.0.5", "port": 8080}],
				"haproxy": {"servers": [{"backend": "web_pool", "name": "web-1", "ip": "10.0.0.5", "port": 8080, "status": "UP", "scur": 3}]},
				"eureka": {"instances": [{"app": "ORDERS", "instance_id": "web1:orders:8080", "ip": "10.0.0.5", "port": 8080, "status": "UP"}]}
			}`))
		}))
		defer ts.Close()

		state, err := NewClient().FetchState(context.Background(), serverFor(t, ts))
		require.NoError(t, err)
		require.Len(t, state.Instances, 1)
		assert.Equal(t, "web-1", state.Instances[0].InstanceName)
		require.NotNil(t, state.HAProxy)
		require.Len(t, state.HAProxy.Servers, 1)
		assert.Equal(t, 3, state.HAProxy.Servers[0].CurrentSessions)
		require.NotNil(t, state.Eureka)
		assert.Equal(t, "web1:orders:8080", state.Eureka.Instances[0].InstanceID)
	})

	t.Run("MissingBlocksStayNil", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"instances": []}`))
		}))
		defer ts.Close()

		state, err := NewClient().FetchState(context.Background(), serverFor(t, ts))
		require.NoError(t, err)
		assert.Nil(t, state.HAProxy)
		assert.Nil(t, state.Eureka)
	})

	t.Run("NotFoundIsHard", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		_, err := NewClient().FetchState(context.Background(), serverFor(t, ts))
		assert.True(t, model.IsKind(err, model.ErrNotFound))
	})

	t.Run("ServerErrorIsRemoteUnavailable", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		_, err := NewClient().FetchState(context.Background(), serverFor(t, ts))
		assert.True(t, model.IsKind(err, model.ErrRemoteUnavailable))
	})

	t.Run("BadJSONIsRemoteMalformed", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"instances": [`))
		}))
		defer ts.Close()

		_, err := NewClient().FetchState(context.Background(), serverFor(t, ts))
		assert.True(t, model.IsKind(err, model.ErrRemoteMalformed))
	})

	t.Run("DeadlineIsTimeout", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer ts.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := NewClient().FetchState(ctx, serverFor(t, ts))
		assert.True(t, model.IsKind(err, model.ErrTimeout))
	})

	t.Run("UnreachableHost", func(t *testing.T) {
		srv := model.Server{IP: "127.0.0.1", AgentPort: 1}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := NewClient().FetchState(ctx, srv)
		require.Error(t, err)
		kind := model.KindOf(err)
		assert.Contains(t, []model.ErrorKind{model.ErrRemoteUnavailable, model.ErrTimeout}, kind)
	})
}
