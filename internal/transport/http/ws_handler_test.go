package http

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/proto"
)

func TestWSUnknownIdentityIsClosedWith4001(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "user_id=ghost")
	assert.Equal(t, websocket.StatusCode(core.CloseIdentityNotFound), closeStatus(t, conn))

	conn = env.dial(t, "")
	assert.Equal(t, websocket.StatusCode(core.CloseIdentityNotFound), closeStatus(t, conn))
}

func TestWSApprovedSubscriptionDeliversChat(t *testing.T) {
	env := newTestEnv(t)

	bob := env.dial(t, "user_id=bob")
	alice := env.dial(t, "user_id=alice")

	send(t, alice, map[string]string{"type": "subscribe_request", "channel": "news"})
	ack := mustEvent(t, alice, proto.OutboundTypeSystem).(proto.SystemNotice)
	if ack.Message != "Subscription request sent for news" {
		t.Fatalf("unexpected ack %q", ack.Message)
	}

	req := mustEvent(t, bob, proto.OutboundTypeSubscriptionRequest).(proto.SubscriptionRequested)
	if req.RequestingUser != "alice" || req.Channel != "news" {
		t.Fatalf("unexpected request %+v", req)
	}

	send(t, bob, map[string]string{
		"type":            "approve_subscription",
		"requesting_user": "alice",
		"channel":         "news",
	})
	approved := mustEvent(t, alice, proto.OutboundTypeSubscriptionApproved).(proto.SubscriptionDecision)
	if approved.Channel != "news" {
		t.Fatalf("expected approval for news, got %+v", approved)
	}

	send(t, alice, map[string]string{"type": "chat_message", "channel": "news", "message": "hello"})
	chat := mustEvent(t, alice, proto.OutboundTypeChat).(proto.ChatDelivery)
	if chat.User != "alice" || chat.Message != "hello" || chat.Channel != "news" {
		t.Fatalf("unexpected chat %+v", chat)
	}
}

func TestWSChatOutsideChannelSetIsRejected(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "user_id=alice")
	send(t, alice, map[string]string{"type": "chat_message", "channel": "news", "message": "hi"})

	errFrame := mustEvent(t, alice, proto.OutboundTypeError).(proto.ErrorNotice)
	assert.Equal(t, core.ErrCodeNotSubscribed, errFrame.Code)
	assert.Equal(t, "Not subscribed to this channel", errFrame.Message)
	assert.Empty(t, env.transport.Published("news"))
}

func TestWSTokenHint(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.auth.Login(context.Background(), "bob", "password123")
	require.NoError(t, err)

	bob := env.dial(t, "token="+url.QueryEscape(result.Token))
	alice := env.dial(t, "user_id=alice")
	send(t, alice, map[string]string{"type": "subscribe_request", "channel": "sports"})

	req := mustEvent(t, bob, proto.OutboundTypeSubscriptionRequest).(proto.SubscriptionRequested)
	assert.Equal(t, "alice", req.RequestingUser)
}

func TestWSInvalidTokenIsRefusedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, env.wsURL("token=not-a-token"), nil)
	if err == nil {
		_ = conn.CloseNow()
		t.Fatal("expected handshake to fail")
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSBrokerFailureClosesWith1013(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "user_id=alice")
	send(t, alice, map[string]string{"type": "subscribe_request", "channel": "news"})
	mustEvent(t, alice, proto.OutboundTypeSystem)

	env.transport.SetDown(true)
	assert.Equal(t, websocket.StatusTryAgainLater, closeStatus(t, alice))

	refused := env.dial(t, "user_id=alice")
	assert.Equal(t, websocket.StatusTryAgainLater, closeStatus(t, refused))
}
