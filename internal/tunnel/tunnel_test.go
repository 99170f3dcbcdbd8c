package tunnel

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/hewenyu/edge-fabric/internal/balancer"
	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/ingress"
	"github.com/hewenyu/edge-fabric/internal/registry"
	"github.com/hewenyu/edge-fabric/internal/router"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidTarget(t *testing.T) {
	for _, target := range []string{"", "127.0.0.1:8000", "ftp://host", "http://"} {
		_, err := New(target, config.NewNopLogger(), Options{})
		assert.Error(t, err, target)
	}
}

func TestForwardsToTargetUnchanged(t *testing.T) {
	var seen *http.Request
	var seenBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.Header().Set("X-Upstream", "1")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "accepted")
	}))
	defer upstream.Close()

	tun, err := New(upstream.URL, config.NewNopLogger(), Options{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/any/path?x=1", strings.NewReader("payload"))
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	tun.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Upstream"))

	require.NotNil(t, seen)
	assert.Equal(t, http.MethodPatch, seen.Method)
	assert.Equal(t, "/any/path", seen.URL.Path)
	assert.Equal(t, "x=1", seen.URL.RawQuery)
	assert.Equal(t, "Bearer abc", seen.Header.Get("Authorization"))
	assert.Equal(t, "payload", seenBody)

	// 请求ID在请求和响应中保持一致
	id := seen.Header.Get(echo.HeaderXRequestID)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, id, rec.Header().Get(echo.HeaderXRequestID))
}

func TestKeepsIncomingRequestID(t *testing.T) {
	var seenID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = r.Header.Get(echo.HeaderXRequestID)
	}))
	defer upstream.Close()

	tun, err := New(upstream.URL, config.NewNopLogger(), Options{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-123")
	rec := httptest.NewRecorder()
	tun.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", seenID)
}

func TestUnreachableTargetReturns502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	tun, err := New("http://"+addr, config.NewNopLogger(), Options{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	tun.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// TestEndToEnd 隧道 -> 私有入口 -> 后端实例
func TestEndToEnd(t *testing.T) {
	logger := config.NewNopLogger()

	reg := registry.New(logger)
	for _, name := range []string{"items", "ratings"} {
		require.NoError(t, reg.Declare(model.Service{
			Name:        name,
			Port:        80,
			HealthCheck: model.HealthCheckConfig{HealthyThreshold: 1},
		}))
	}
	r, err := router.New([]model.Route{
		{Patterns: []string{"/api/items*"}, Priority: 1, Service: "items"},
		{Patterns: []string{"/api/ratings*"}, Priority: 2, Service: "ratings"},
	}, model.DefaultAction{})
	require.NoError(t, err)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "item "+strings.TrimPrefix(r.URL.Path, "/api/items/"))
	}))
	defer backend.Close()
	require.NoError(t, reg.Register("items", "a", strings.TrimPrefix(backend.URL, "http://")))
	_, err = reg.SetHealth("items", "a", model.VerdictSuccess)
	require.NoError(t, err)

	in := ingress.New(r, balancer.NewSelector(reg), reg, logger, ingress.Options{})
	private := httptest.NewServer(in.Handler())
	defer private.Close()

	tun, err := New(private.URL, logger, Options{})
	require.NoError(t, err)

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/api/items/42", http.StatusOK, "item 42"},
		{"/other", http.StatusOK, ""},
		{"/api/ratings/1", http.StatusServiceUnavailable, ""},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		tun.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.status, rec.Code, tc.path)
		if tc.body != "" || tc.status == http.StatusOK {
			assert.Equal(t, tc.body, rec.Body.String(), tc.path)
		}
	}
}
