package debug

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	logx "nudge/pkg/logx"
)

func TestHandlerEndpoints(t *testing.T) {
	busy := false
	s := New(Config{Token: "sekret"},
		func() any { return map[string]int{"scans": 3} },
		func(context.Context) (any, bool) { return map[string]string{"trigger": "http"}, !busy },
		logx.Nop(),
	)
	h := s.Handler()

	do := func(method, target string, auth bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		if auth {
			req.Header.Set("Authorization", "Bearer sekret")
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusUnauthorized, do("GET", "/healthz", false).Code)
	require.Equal(t, http.StatusOK, do("GET", "/healthz?token=sekret", false).Code)

	rec := do("GET", "/status", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"scans":3}`, rec.Body.String())

	rec = do("POST", "/scan", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"trigger":"http"}`, rec.Body.String())

	busy = true
	require.Equal(t, http.StatusConflict, do("POST", "/scan", true).Code)
	require.Equal(t, http.StatusMethodNotAllowed, do("GET", "/scan", true).Code)
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, func() any { return "ok" }, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "ok", string(body))

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	require.Error(t, s.Start(context.Background()))
}

func TestDisabledStartIsNoop(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestIsLoopbackAddr(t *testing.T) {
	require.True(t, isLoopbackAddr("127.0.0.1:6060"))
	require.True(t, isLoopbackAddr("localhost:1"))
	require.True(t, isLoopbackAddr("[::1]:1"))
	require.False(t, isLoopbackAddr(":6060"))
	require.False(t, isLoopbackAddr("10.0.0.1:80"))
	require.False(t, isLoopbackAddr("nonsense"))
}
