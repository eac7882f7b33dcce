package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wiregate/internal/auth"
	"github.com/vovakirdan/wiregate/internal/broker"
	"github.com/vovakirdan/wiregate/internal/broker/memory"
	"github.com/vovakirdan/wiregate/internal/cache"
	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/directory"
	"github.com/vovakirdan/wiregate/internal/proto"
	"github.com/vovakirdan/wiregate/internal/store/sqlite"
)

type testEnv struct {
	ts        *httptest.Server
	transport *memory.Transport
	auth      *auth.Service
	store     *sqlite.SQLiteStore
}

// newTestEnv serves the full HTTP surface on an in-memory broker and store.
// alice is a member, bob a moderator; both use the password "password123".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	})
	for _, acct := range []auth.NewAccount{
		{Username: "alice", Email: "alice@example.com", Password: "password123"},
		{Username: "bob", Email: "bob@example.com", Password: "password123", IsModerator: true},
	} {
		if _, err := authService.CreateUser(context.Background(), acct); err != nil {
			t.Fatalf("failed to create %s: %v", acct.Username, err)
		}
	}

	logger := zerolog.Nop()
	tr := memory.New()
	b := broker.New(tr, broker.Options{
		ReconnectAttempts:   2,
		ReconnectInitial:    5 * time.Millisecond,
		ReconnectMax:        10 * time.Millisecond,
		ReconnectMaxElapsed: time.Second,
		BreakerFailures:     3,
		BreakerTimeout:      time.Hour,
		Buffer:              16,
	}, &logger)

	dir := directory.New(st, st, cache.NewMemory(), time.Minute, time.Minute, &logger)
	opts := core.DefaultOptions()
	opts.GracePeriod = 500 * time.Millisecond
	gw := core.NewGateway(b, dir, opts, &logger)

	cfg := config.Default()
	cfg.Addr = ":0"
	server := NewServer(Deps{
		Gateway: gw,
		Health:  b,
		Auth:    authService,
		Posts:   st,
		Content: dir,
	}, &cfg, &logger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{
		ts:        ts,
		transport: tr,
		auth:      authService,
		store:     st,
	}
}

func (e *testEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?" + query
}

// dial opens a websocket client; it is closed when the test ends.
func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.wsURL(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()

	frame, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

// mustEvent reads frames until one of type typ arrives.
func mustEvent(t *testing.T, conn *websocket.Conn, typ string) proto.Outbound {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		msg, err := proto.DecodeOutbound(data)
		require.NoError(t, err)
		if msg.OutboundType() == typ {
			return msg
		}
	}
}

// closeStatus reads until the server closes and returns the close code.
func closeStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}
