package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/kaibot/internal/bus"
	"github.com/nextlevelbuilder/kaibot/internal/channels"
	"github.com/nextlevelbuilder/kaibot/internal/config"
)

type stubChannel struct {
	*channels.BaseChannel
	hits int
}

func (s *stubChannel) Start(ctx context.Context) error { s.SetRunning(true); return nil }
func (s *stubChannel) Stop(ctx context.Context) error  { s.SetRunning(false); return nil }
func (s *stubChannel) Reply(ctx context.Context, token string, msgs []bus.OutboundMessage) error {
	return nil
}
func (s *stubChannel) Push(ctx context.Context, userID string, msgs []bus.OutboundMessage) error {
	return nil
}
func (s *stubChannel) WebhookPath() string { return "/webhook" }
func (s *stubChannel) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits++
		w.WriteHeader(http.StatusAccepted)
	})
}

func newTestServer(t *testing.T) (*Server, *stubChannel) {
	t.Helper()
	mgr := channels.NewManager()
	ch := &stubChannel{BaseChannel: channels.NewBaseChannel("line", nil)}
	mgr.RegisterChannel("line", ch)
	return NewServer(config.Default(), mgr, "v1.2.3"), ch
}

func TestRoutes(t *testing.T) {
	s, ch := newTestServer(t)
	mux := s.BuildMux()

	tests := []struct {
		method, path string
		code         int
		body         string
	}{
		{"GET", "/", http.StatusOK, "Kai bot running"},
		{"GET", "/webhook", http.StatusOK, "OK"},
		{"POST", "/webhook", http.StatusAccepted, ""},
		{"GET", "/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
	assert.Equal(t, 1, ch.hits)
	assert.Same(t, mux, s.BuildMux(), "mux is cached")
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"status": "ok", "version": "v1.2.3"}, body)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return string(b) == "Kai bot running"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
