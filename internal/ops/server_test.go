package ops

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
)

func newTestServer(t *testing.T, registry *prometheus.Registry) *Server {
	t.Helper()

	checker := NewChecker("test")
	cfg := config.MetricsConfig{ListenAddress: "127.0.0.1:0", Path: "/metrics"}
	srv := NewServer(cfg, checker, registry, WithServerLogger(observability.NopLogger()))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func get(t *testing.T, srv *Server, path string) (int, string) {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://%s%s", srv.Addr(), path))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_ServesOperationalEndpoints(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	probes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kontainers_test_scrapes_total",
	})
	registry.MustRegister(probes)
	probes.Inc()

	srv := newTestServer(t, registry)

	code, body := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "kontainers_test_scrapes_total")

	code, body = get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"healthy"`)

	code, _ = get(t, srv, "/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, srv, "/live")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestServer_ReadinessReflectsChecks(t *testing.T) {
	t.Parallel()

	checker := NewChecker("test")
	checker.RegisterCheck("redis", func() Check {
		return Check{Status: StatusUnhealthy, Message: "dial tcp: refused"}
	})
	cfg := config.MetricsConfig{ListenAddress: "127.0.0.1:0"}
	srv := NewServer(cfg, checker, prometheus.NewRegistry(),
		WithServerLogger(observability.NopLogger()))
	require.NoError(t, srv.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	code, body := get(t, srv, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "dial tcp: refused")
}

func TestServer_StartFailsWhenPortTaken(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.MetricsConfig{ListenAddress: ln.Addr().String()}
	srv := NewServer(cfg, NewChecker("test"), prometheus.NewRegistry(),
		WithServerLogger(observability.NopLogger()))
	err = srv.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestServer_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, prometheus.NewRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))

	_, err := http.Get(fmt.Sprintf("http://%s/live", srv.Addr()))
	assert.Error(t, err)
}

func TestBuildRegistry(t *testing.T) {
	t.Parallel()

	registry := BuildRegistry()
	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, fam := range families {
		names[fam.GetName()] = true
	}
	assert.True(t, names["go_goroutines"], "runtime collectors registered")

	// Singleton collectors tolerate being attached to a second registry.
	assert.NotPanics(t, func() { BuildRegistry() })
}
