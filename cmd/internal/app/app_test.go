package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dmrelay/cmd/internal/auth/session"
	"dmrelay/cmd/internal/realtime"
	v1 "dmrelay/shared/contracts/relay/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://relay.example.com", want: "wss://relay.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func testSessionConfig(t *testing.T) (session.Config, session.AccessTokenManager) {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewAccessTokenManager(cfg)
	require.NoError(t, err)
	return cfg, tokens
}

func testWSConfig() realtime.GatewayConfig {
	cfg := realtime.DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func newTestApp(t *testing.T, cfg Config) (*App, session.AccessTokenManager) {
	t.Helper()
	sessCfg, tokens := testSessionConfig(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := build(context.Background(), cfg, sessCfg, testWSConfig(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.store.Close() })
	return a, tokens
}

func TestApp_HealthReadyMetrics(t *testing.T) {
	a, _ := newTestApp(t, Config{HTTPAddr: "127.0.0.1:0", LogFormat: "json"})
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, want, resp.StatusCode, path)
		require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	}

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "dmrelay_connected_users")
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	a, _ := newTestApp(t, Config{HTTPAddr: "127.0.0.1:0", LogFormat: "json", ReadinessRequireDB: true})
	require.Equal(t, "memory", a.store.kind)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestApp_SQLiteStoreSelected(t *testing.T) {
	a, _ := newTestApp(t, Config{
		HTTPAddr:           "127.0.0.1:0",
		LogFormat:          "json",
		SQLitePath:         filepath.Join(t.TempDir(), "relay.db"),
		ReadinessRequireDB: true,
	})
	require.Equal(t, "sqlite", a.store.kind)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestApp_CheckSessionsRequiresPostgres(t *testing.T) {
	sessCfg, _ := testSessionConfig(t)
	sessCfg.CheckSessions = true
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := build(context.Background(), Config{HTTPAddr: "127.0.0.1:0", LogFormat: "json"}, sessCfg, testWSConfig(), log)
	require.Error(t, err)
}

func TestApp_WebSocketEndToEnd(t *testing.T) {
	a, tokens := newTestApp(t, Config{HTTPAddr: "127.0.0.1:0", LogFormat: "json"})
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	tok, _, err := tokens.Issue("dana", "", time.Now().UTC())
	require.NoError(t, err)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": {"Bearer " + tok}},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env v1.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, v1.TypeUnreadCounts, env.Type)

	require.Eventually(t, func() bool {
		_, ok := a.relay.Presence().Lookup("dana")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// Handshake without a token never upgrades.
	_, resp, err = websocket.Dial(ctx, u.String(), &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("RELAY_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("RELAY_LOG_FORMAT", "pretty")
	t.Setenv("RELAY_DB_MAX_CONNS", "4")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	require.Equal(t, "pretty", cfg.LogFormat)
	require.EqualValues(t, 4, cfg.DBMaxConns)
	require.Equal(t, "relay", cfg.DBSchema)
	require.True(t, cfg.DBAutoMigrate)
	require.Equal(t, 3*time.Second, cfg.DBConnectTimeout)

	t.Setenv("RELAY_LOG_FORMAT", "xml")
	_, err = LoadConfig()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "RELAY_LOG_FORMAT"))
}
