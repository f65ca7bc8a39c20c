package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/dispatch"
	"github.com/playlistgate/playlistgate/internal/events"
	"github.com/playlistgate/playlistgate/internal/observability"
	"github.com/playlistgate/playlistgate/internal/redis"
	"github.com/playlistgate/playlistgate/internal/respond"
	"github.com/playlistgate/playlistgate/internal/share"
)

const validPlaylist = "https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Backend.URL = "https://api.example.com"
	cfg.Backend.Backoff = []string{"1ms"}
	cfg.Backend.AttemptTimeout = "2s"
	return cfg
}

// fakeUpstream is a dispatch.HTTPClient that records every attempt.
type fakeUpstream struct {
	mu      sync.Mutex
	reqs    []*http.Request
	bodies  []string
	respond func(n int, req *http.Request) (*dispatch.Response, error)
}

func (f *fakeUpstream) Send(ctx context.Context, req *http.Request, _ time.Duration) (*dispatch.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	f.mu.Lock()
	n := len(f.reqs) + 1
	f.reqs = append(f.reqs, req)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()
	if f.respond == nil {
		return jsonResponse(200, `{"ok":true}`), nil
	}
	return f.respond(n, req)
}

func (f *fakeUpstream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeUpstream) last() *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func jsonResponse(status int, body string) *dispatch.Response {
	return &dispatch.Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/json"}},
		Body:   []byte(body),
	}
}

func newTestGateway(t *testing.T, cfg *config.Config, deps Deps) (*Gateway, *observability.Metrics) {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	g, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, deps.Metrics
}

func serve(g http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func envelopeOf(t *testing.T, rec *httptest.ResponseRecorder) respond.Envelope {
	t.Helper()
	var env respond.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func playlistRequest() *http.Request {
	return httptest.NewRequest(http.MethodGet, "/api/playlist?url="+validPlaylist, nil)
}

func TestForwardSuccess(t *testing.T) {
	up := &fakeUpstream{}
	g, m := newTestGateway(t, testConfig(), Deps{Client: up})

	rec := serve(g, playlistRequest())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
	assert.Equal(t, "api.example.com", rec.Header().Get(respond.HeaderBackendHost))
	assert.Equal(t, "200", rec.Header().Get(respond.HeaderUpstreamStatus))
	assert.NotEmpty(t, rec.Header().Get(respond.HeaderUpstreamLatency))
	assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))

	reqID := rec.Header().Get(respond.HeaderRequestID)
	require.Len(t, reqID, 32)

	out := up.last()
	assert.Equal(t, "https://api.example.com/api/playlist?url="+validPlaylist, out.URL.String())
	assert.Equal(t, reqID, out.Header.Get("X-Request-Id"))
	assert.Equal(t, "identity", out.Header.Get("Accept-Encoding"))
	assert.Equal(t, "192.0.2.1", out.Header.Get("X-Forwarded-For"))

	assert.Equal(t, int64(1), m.Snapshot().Admitted)
}

func TestForwardPathPrefixAndPost(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.URL = `  "https://api.example.com/v2/"  `
	up := &fakeUpstream{}
	g, _ := newTestGateway(t, cfg, Deps{Client: up})

	req := httptest.NewRequest(http.MethodPost, "/api/match_snapshot_with_xml", strings.NewReader("<xml/>"))
	req.Header.Set("Content-Type", "application/xml")
	rec := serve(g, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://api.example.com/v2/api/match_snapshot_with_xml", up.last().URL.String())
	assert.Equal(t, "<xml/>", up.bodies[0])
	assert.Equal(t, "application/xml", up.last().Header.Get("Content-Type"))
}

func TestHopByHopHeadersNeverReachUpstream(t *testing.T) {
	up := &fakeUpstream{}
	g, _ := newTestGateway(t, testConfig(), Deps{Client: up})

	for _, conn := range []string{"keep-alive", "close", "X-Hop, Upgrade"} {
		req := playlistRequest()
		req.Header.Set("Connection", conn)
		req.Header.Set("X-Hop", "secret")
		req.Header.Set("Upgrade", "websocket")
		req.Header.Set("Keep-Alive", "timeout=5")
		req.Header.Set("Proxy-Authorization", "Basic x")
		rec := serve(g, req)
		require.Equal(t, http.StatusOK, rec.Code)

		out := up.last().Header
		assert.Empty(t, out.Values("Connection"), conn)
		assert.Empty(t, out.Values("Keep-Alive"))
		assert.Empty(t, out.Values("Upgrade"))
		assert.Empty(t, out.Values("Proxy-Authorization"))
		if strings.Contains(conn, "X-Hop") {
			assert.Empty(t, out.Values("X-Hop"))
		}
	}
}

func TestUpstreamResponseHeadersSanitized(t *testing.T) {
	up := &fakeUpstream{respond: func(int, *http.Request) (*dispatch.Response, error) {
		return &dispatch.Response{
			Status: 201,
			Header: http.Header{
				"Content-Type":     {"application/vnd.api+json"},
				"Content-Encoding": {"gzip"},
				"Set-Cookie":       {"session=1"},
				"Connection":       {"close"},
				"X-Custom":         {"kept"},
			},
			Body: []byte(`{}`),
		}, nil
	}}
	g, _ := newTestGateway(t, testConfig(), Deps{Client: up})

	rec := serve(g, playlistRequest())
	assert.Equal(t, 201, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Equal(t, "kept", rec.Header().Get("X-Custom"))
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "201", rec.Header().Get(respond.HeaderUpstreamStatus))
}

func TestAdmissionRejectsOverLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.Limits["playlist"] = 3
	up := &fakeUpstream{}
	g, m := newTestGateway(t, cfg, Deps{Client: up})

	for range 3 {
		require.Equal(t, http.StatusOK, serve(g, playlistRequest()).Code)
	}
	rec := serve(g, playlistRequest())

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retryAfter)
	assert.LessOrEqual(t, retryAfter, 60)

	env := envelopeOf(t, rec)
	assert.Equal(t, respond.KindRateLimited, env.Error)
	assert.Equal(t, retryAfter, env.RetryAfter)
	assert.Equal(t, "playlist", env.Endpoint)
	assert.Equal(t, 3, up.calls(), "rejected requests never reach the backend")
	assert.Equal(t, int64(1), m.Snapshot().Rejected)

	other := httptest.NewRequest(http.MethodGet, "/api/playlist?url="+validPlaylist, nil)
	other.RemoteAddr = "198.51.100.7:4000"
	assert.Equal(t, http.StatusOK, serve(g, other).Code, "limits are per client")
}

func TestAdmissionLimitReloads(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.Limits["playlist"] = 1
	g, _ := newTestGateway(t, cfg, Deps{Client: &fakeUpstream{}})

	require.Equal(t, http.StatusOK, serve(g, playlistRequest()).Code)
	require.Equal(t, http.StatusTooManyRequests, serve(g, playlistRequest()).Code)

	next := testConfig()
	next.Admission.Limits["playlist"] = 0
	g.Reload(next)
	assert.Equal(t, http.StatusOK, serve(g, playlistRequest()).Code, "zero limit disables admission")
}

func TestAdmissionIgnoresForwardedForWithoutTrustedProxies(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.Limits["playlist"] = 1
	up := &fakeUpstream{}
	g, _ := newTestGateway(t, cfg, Deps{Client: up})

	for i, xff := range []string{"", "1.1.1.1", "garbage-key-", "2.2.2.2"} {
		req := playlistRequest()
		req.RemoteAddr = "203.0.113.5:5000"
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		want := http.StatusTooManyRequests
		if i == 0 {
			want = http.StatusOK
		}
		assert.Equal(t, want, serve(g, req).Code, "X-Forwarded-For %q", xff)
	}
	assert.Equal(t, 1, up.calls())
}

func TestConfigFatal(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		message string
	}{
		{"missing backend", func(c *config.Config) { c.Backend.URL = "" }, "not configured"},
		{"private literal", func(c *config.Config) { c.Backend.URL = "http://10.1.2.3:8080" }, "private network"},
		{"loopback v6", func(c *config.Config) { c.Backend.URL = "http://[::1]/" }, "private network"},
		{"bad scheme", func(c *config.Config) { c.Backend.URL = "ftp://api.example.com" }, "invalid"},
		{"allowlist", func(c *config.Config) { c.Backend.AllowedHosts = []string{"other.example.com"} }, "allowlist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			up := &fakeUpstream{}
			g, m := newTestGateway(t, cfg, Deps{Client: up})

			rec := serve(g, playlistRequest())
			require.Equal(t, http.StatusInternalServerError, rec.Code)
			env := envelopeOf(t, rec)
			assert.Equal(t, respond.KindConfigFatal, env.Error)
			assert.Contains(t, env.Message, tt.message)
			assert.Zero(t, up.calls())
			assert.Equal(t, int64(1), m.Snapshot().ConfigFatal)
		})
	}
}

func TestLegacyBackendAlias(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.URL = ""
	cfg.SetLegacyBackend("", " 'https://legacy.example.com' ")
	up := &fakeUpstream{}
	g, _ := newTestGateway(t, cfg, Deps{Client: up})

	require.Equal(t, http.StatusOK, serve(g, playlistRequest()).Code)
	assert.Equal(t, "legacy.example.com", up.last().URL.Host)
}

func TestValidation(t *testing.T) {
	up := &fakeUpstream{}
	g, m := newTestGateway(t, testConfig(), Deps{Client: up})

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"missing url on GET", http.MethodGet, "/api/playlist", http.StatusBadRequest},
		{"empty url", http.MethodGet, "/api/playlist-with-rekordbox?url=%20", http.StatusBadRequest},
		{"wrong domain", http.MethodGet, "/api/playlist?url=https://example.com/playlist/37i9dQZF1DXcBWIGoYBM5M", http.StatusBadRequest},
		{"album path", http.MethodGet, "/api/playlist_with_rekordbox?url=https://open.spotify.com/album/37i9dQZF1DXcBWIGoYBM5M", http.StatusBadRequest},
		{"shorthand", http.MethodGet, "/api/playlist?url=spotify:playlist:37i9dQZF1DXcBWIGoYBM5M", http.StatusOK},
		{"POST without url", http.MethodPost, "/api/playlist", http.StatusOK},
		{"POST with bad url", http.MethodPost, "/api/playlist?url=nope", http.StatusBadRequest},
		{"upload without url", http.MethodPost, "/api/playlist-with-rekordbox-upload", http.StatusOK},
		{"upload bad url", http.MethodPost, "/api/playlist-with-rekordbox-upload?url=nope", http.StatusBadRequest},
		{"snapshot ignores url", http.MethodPost, "/api/match-snapshot-with-xml?url=nope", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(g, httptest.NewRequest(tt.method, tt.target, nil))
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusBadRequest {
				env := envelopeOf(t, rec)
				assert.Equal(t, respond.KindValidationFailed, env.Error)
				assert.NotContains(t, env.Message, "parse")
			}
		})
	}
	assert.Equal(t, int64(6), m.Snapshot().ValidationFailed)
}

func TestRepeatedURLParamRejected(t *testing.T) {
	up := &fakeUpstream{}
	g, m := newTestGateway(t, testConfig(), Deps{Client: up})

	for _, target := range []string{
		"/api/playlist?url=" + validPlaylist + "&url=http://169.254.169.254/latest/meta-data",
		"/api/playlist?url=http://169.254.169.254/latest/meta-data&url=" + validPlaylist,
		"/api/playlist-with-rekordbox-upload?url=" + validPlaylist + "&url=" + validPlaylist,
	} {
		method := http.MethodGet
		if strings.Contains(target, "upload") {
			method = http.MethodPost
		}
		rec := serve(g, httptest.NewRequest(method, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
		env := envelopeOf(t, rec)
		assert.Equal(t, respond.KindValidationFailed, env.Error)
		assert.Contains(t, env.Message, "only once")
	}
	assert.Zero(t, up.calls(), "rejected requests never reach the backend")
	assert.Equal(t, int64(3), m.Snapshot().ValidationFailed)
}

func TestSecondaryDomainFlag(t *testing.T) {
	cfg := testConfig()
	g, _ := newTestGateway(t, cfg, Deps{Client: &fakeUpstream{}})
	apple := "/api/playlist?url=https://music.apple.com/us/playlist/x/pl.u-123"

	assert.Equal(t, http.StatusBadRequest, serve(g, httptest.NewRequest(http.MethodGet, apple, nil)).Code)

	next := testConfig()
	next.Validation.AllowSecondaryDomain = true
	g.Reload(next)
	assert.Equal(t, http.StatusOK, serve(g, httptest.NewRequest(http.MethodGet, apple, nil)).Code)
}

func TestRetriesThenSuccess(t *testing.T) {
	up := &fakeUpstream{respond: func(n int, _ *http.Request) (*dispatch.Response, error) {
		if n < 3 {
			return jsonResponse(503, `{"error":"busy"}`), nil
		}
		return jsonResponse(200, `{"ok":true}`), nil
	}}
	g, m := newTestGateway(t, testConfig(), Deps{Client: up})

	req := httptest.NewRequest(http.MethodPost, "/api/playlist", strings.NewReader(`{"url":"x"}`))
	rec := serve(g, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, up.calls())
	for _, b := range up.bodies {
		assert.Equal(t, `{"url":"x"}`, b, "body replayed on every attempt")
	}
	assert.Equal(t, int64(2), m.Snapshot().Retries)
}

func TestNonRetryableStatusPassesThrough(t *testing.T) {
	up := &fakeUpstream{respond: func(int, *http.Request) (*dispatch.Response, error) {
		return jsonResponse(422, `{"detail":"bad playlist"}`), nil
	}}
	g, _ := newTestGateway(t, testConfig(), Deps{Client: up})

	rec := serve(g, playlistRequest())
	assert.Equal(t, 422, rec.Code)
	assert.JSONEq(t, `{"detail":"bad playlist"}`, rec.Body.String())
	assert.Equal(t, 1, up.calls())
}

func TestPermanentTimeoutYieldsProxyFailed(t *testing.T) {
	up := &fakeUpstream{respond: func(int, *http.Request) (*dispatch.Response, error) {
		return nil, &dispatch.TimeoutError{Timeout: time.Second, Err: context.DeadlineExceeded}
	}}
	g, m := newTestGateway(t, testConfig(), Deps{Client: up})

	req := playlistRequest()
	req.Header.Set("X-Request-Id", "client-supplied-42")
	rec := serve(g, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	env := envelopeOf(t, rec)
	assert.Equal(t, respond.KindProxyFailed, env.Error)
	assert.Equal(t, "client-supplied-42", env.RequestID)
	assert.Equal(t, "client-supplied-42", rec.Header().Get(respond.HeaderRequestID))
	assert.Equal(t, "api.example.com", env.UpstreamHost)
	assert.Zero(t, env.UpstreamStatus)
	assert.Equal(t, "0", rec.Header().Get(respond.HeaderUpstreamStatus))
	assert.Nil(t, env.Diagnostics)
	assert.Contains(t, env.Message, "3 attempts")
	assert.Equal(t, 3, up.calls())
	assert.Equal(t, int64(1), m.Snapshot().DispatchFailures)
}

func TestExhaustedCarriesUpstreamStatus(t *testing.T) {
	up := &fakeUpstream{respond: func(int, *http.Request) (*dispatch.Response, error) {
		return jsonResponse(504, `{}`), nil
	}}
	cfg := testConfig()
	cfg.Backend.MaxAttempts = 2
	cfg.Diagnostics.Enabled = true
	g, _ := newTestGateway(t, cfg, Deps{Client: up})

	rec := serve(g, playlistRequest())
	require.Equal(t, http.StatusBadGateway, rec.Code)
	env := envelopeOf(t, rec)
	assert.Equal(t, 504, env.UpstreamStatus)
	assert.Equal(t, "504", rec.Header().Get(respond.HeaderUpstreamStatus))
	require.NotNil(t, env.Diagnostics)
	assert.Equal(t, "*dispatch.Failure", env.Diagnostics.Name)
	assert.Equal(t, 2, up.calls())
}

func TestClientCancelWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	up := &fakeUpstream{respond: func(int, *http.Request) (*dispatch.Response, error) {
		cancel()
		return nil, context.Canceled
	}}
	g, m := newTestGateway(t, testConfig(), Deps{Client: up})

	rec := serve(g, playlistRequest().WithContext(ctx))
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 1, up.calls())
	assert.Zero(t, m.Snapshot().DispatchFailures)
}

func TestBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.MaxRequestBodySize = 8
	up := &fakeUpstream{}
	g, _ := newTestGateway(t, cfg, Deps{Client: up})

	rec := serve(g, httptest.NewRequest(http.MethodPost, "/api/playlist-with-rekordbox-upload", strings.NewReader("0123456789")))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, respond.KindBodyTooLarge, envelopeOf(t, rec).Error)

	req := httptest.NewRequest(http.MethodPost, "/api/playlist-with-rekordbox-upload", io.NopCloser(strings.NewReader("0123456789")))
	req.ContentLength = -1
	rec = serve(g, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, "streamed bodies are capped too")
	assert.Zero(t, up.calls())
}

func TestRouting(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(), Deps{Client: &fakeUpstream{}})

	rec := serve(g, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, respond.KindNotFound, envelopeOf(t, rec).Error)

	rec = serve(g, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(g, httptest.NewRequest(http.MethodDelete, "/api/playlist", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
	assert.Equal(t, respond.KindMethodNotAllowed, envelopeOf(t, rec).Error)

	rec = serve(g, httptest.NewRequest(http.MethodPost, "/api/share", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "share is off without a service")
}

func TestRequestIDHandling(t *testing.T) {
	up := &fakeUpstream{}
	g, _ := newTestGateway(t, testConfig(), Deps{Client: up})

	req := playlistRequest()
	req.Header.Set("X-Request-Id", "bad id\r\nX-Injected: 1")
	rec := serve(g, req)
	id := rec.Header().Get(respond.HeaderRequestID)
	assert.Len(t, id, 32, "unsafe ids are replaced")
	assert.Equal(t, id, up.last().Header.Get("X-Request-Id"))

	assert.True(t, validRequestID("abc-123_x.y:z"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID(strings.Repeat("a", 129)))
	assert.NotEqual(t, generateRequestID(), generateRequestID())
}

func TestPanicRecovered(t *testing.T) {
	up := &fakeUpstream{respond: func(int, *http.Request) (*dispatch.Response, error) {
		panic("boom")
	}}
	g, _ := newTestGateway(t, testConfig(), Deps{Client: up})

	rec := serve(g, playlistRequest())
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, respond.KindInternal, envelopeOf(t, rec).Error)
}

func TestEndToEndOverHTTP(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		assert.Equal(t, "/api/playlist", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tracks":[]}`))
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	rt := &http.Transport{DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}}
	defer rt.CloseIdleConnections()

	cfg := testConfig()
	cfg.Backend.URL = "http://backend.example.com"
	g, _ := newTestGateway(t, cfg, Deps{Client: dispatch.NewClientWithTransport(rt)})

	front := httptest.NewServer(g)
	defer front.Close()

	req, err := http.NewRequest(http.MethodGet, front.URL+"/api/playlist?url="+validPlaylist, nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "X-Secret")
	req.Header.Set("X-Secret", "hop")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"tracks":[]}`, string(body))
	assert.Equal(t, "backend.example.com", resp.Header.Get(respond.HeaderBackendHost))
	assert.Empty(t, seen.Get("X-Secret"))
	assert.Equal(t, resp.Header.Get(respond.HeaderRequestID), seen.Get("X-Request-Id"))
}

func newTestRedis(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestShareRoutes(t *testing.T) {
	client, _ := newTestRedis(t)
	cfg := testConfig()
	cfg.Share.Enabled = true
	svc, err := share.NewService(share.NewRedisStore(client), share.OptionsFromConfig(cfg.Share),
		observability.NewMetrics(prometheus.NewRegistry()), testLogger())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	up := &fakeUpstream{}
	g, _ := newTestGateway(t, cfg, Deps{Client: up, Share: svc})

	body := `{"snapshot":{"schema":"playlist_snapshot","version":1,"tracks":[]},"ttl_seconds":3600}`
	rec := serve(g, httptest.NewRequest(http.MethodPost, "/api/share", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created share.Created
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ShareID)

	rec = serve(g, httptest.NewRequest(http.MethodGet, "/api/share/"+created.ShareID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"snapshot":{"schema":"playlist_snapshot","version":1,"tracks":[]}}`, rec.Body.String())

	rec = serve(g, httptest.NewRequest(http.MethodGet, "/api/share/not-a-uuid", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, "share_get", raw["endpoint"])
	assert.Contains(t, raw, "duration_ms")

	rec = serve(g, httptest.NewRequest(http.MethodGet, "/api/share", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec = serve(g, httptest.NewRequest(http.MethodPost, "/api/share/"+created.ShareID, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Zero(t, up.calls(), "share routes never reach the backend")

	next := testConfig()
	next.Share.Enabled = false
	g.Reload(next)
	rec = serve(g, httptest.NewRequest(http.MethodGet, "/api/share/"+created.ShareID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnosticsToggle(t *testing.T) {
	up := &fakeUpstream{respond: func(int, *http.Request) (*dispatch.Response, error) {
		return nil, &dispatch.NetworkError{Err: errors.New("connection refused")}
	}}
	cfg := testConfig()
	cfg.Backend.MaxAttempts = 1
	g, _ := newTestGateway(t, cfg, Deps{Client: up})

	env := envelopeOf(t, serve(g, playlistRequest()))
	assert.Nil(t, env.Diagnostics)

	next := testConfig()
	next.Backend.MaxAttempts = 1
	next.Diagnostics.Enabled = true
	g.Reload(next)

	env = envelopeOf(t, serve(g, playlistRequest()))
	require.NotNil(t, env.Diagnostics)
	assert.Contains(t, env.Diagnostics.Message, "connection refused")
}

func TestRedisAdmissionFailClosed(t *testing.T) {
	client, mr := newTestRedis(t)
	cfg := testConfig()
	cfg.Admission.Backend = config.AdmissionBackendRedis
	cfg.Admission.FailurePolicy = config.FailurePolicyFailClosed
	up := &fakeUpstream{}
	g, m := newTestGateway(t, cfg, Deps{Client: up, Redis: client})

	require.Equal(t, http.StatusOK, serve(g, playlistRequest()).Code)

	mr.Close()
	rec := serve(g, playlistRequest())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, respond.KindAdmissionUnavailable, envelopeOf(t, rec).Error)
	assert.Equal(t, 1, up.calls())
	assert.Equal(t, int64(1), m.Snapshot().AdmissionErrors)
}

func TestRedisAdmissionRequiresClient(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.Backend = config.AdmissionBackendRedis
	_, err := New(cfg, Deps{Client: &fakeUpstream{}, Logger: testLogger()})
	assert.Error(t, err)
}

func TestOutcomeEventsEmitted(t *testing.T) {
	var (
		mu  sync.Mutex
		got []events.OutcomeEvent
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch struct {
			Events []events.OutcomeEvent `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&batch); err == nil {
			mu.Lock()
			got = append(got, batch.Events...)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	m := observability.NewMetrics(prometheus.NewRegistry())
	em := events.NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           sink.URL,
		BatchSize:     10,
		FlushInterval: "1h",
		BufferSize:    100,
	}, testLogger(), m)

	cfg := testConfig()
	cfg.Admission.Limits["playlist"] = 1
	g, _ := newTestGateway(t, cfg, Deps{Client: &fakeUpstream{}, Events: em, Metrics: m})

	okRec := serve(g, playlistRequest())
	serve(g, playlistRequest())
	require.NoError(t, em.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, okRec.Header().Get(respond.HeaderRequestID), got[0].RequestID)
	assert.Equal(t, 200, got[0].Status)
	assert.True(t, got[0].Admitted)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, 429, got[1].Status)
	assert.False(t, got[1].Admitted)
	assert.Equal(t, string(respond.KindRateLimited), got[1].ErrorKind)
}
