package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/pflag"

	"github.com/vovakirdan/wiregate/internal/proto"
)

// ws_smoke walks a running gateway through request, approval and chat with
// one member and one moderator identity. Both must exist in the store.
func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := pflag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	member := pflag.String("member", "alice", "member identity")
	moderator := pflag.String("moderator", "bob", "moderator identity")
	channel := pflag.String("channel", "smoke", "channel to request")
	text := pflag.String("text", "hello from smoke test", "chat text to send")
	timeout := pflag.Duration("timeout", 5*time.Second, "total timeout for the run")
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	mod, err := dial(ctx, *addr, *moderator)
	if err != nil {
		return err
	}
	defer mod.Close(websocket.StatusNormalClosure, "bye")

	mem, err := dial(ctx, *addr, *member)
	if err != nil {
		return err
	}
	defer mem.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, mem, map[string]string{
		"type":    proto.InboundTypeSubscribeRequest,
		"channel": *channel,
	}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	if _, err := await(ctx, mod, proto.OutboundTypeSubscriptionRequest); err != nil {
		return err
	}

	if err := wsjson.Write(ctx, mod, map[string]string{
		"type":            proto.InboundTypeApprove,
		"requesting_user": *member,
		"channel":         *channel,
	}); err != nil {
		return fmt.Errorf("send approve: %w", err)
	}
	if _, err := await(ctx, mem, proto.OutboundTypeSubscriptionApproved); err != nil {
		return err
	}

	if err := wsjson.Write(ctx, mem, map[string]string{
		"type":    proto.InboundTypeChat,
		"channel": *channel,
		"message": *text,
	}); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}
	msg, err := await(ctx, mem, proto.OutboundTypeChat)
	if err != nil {
		return err
	}
	chat := msg.(proto.ChatDelivery)
	if chat.Message != *text {
		return fmt.Errorf("echo mismatch: got %q", chat.Message)
	}

	fmt.Println("smoke ok")
	return nil
}

func dial(ctx context.Context, addr, user string) (*websocket.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	q := u.Query()
	q.Set("user_id", user)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", user, err)
	}
	return conn, nil
}

// await prints every frame until one of type typ arrives.
func await(ctx context.Context, conn *websocket.Conn, typ string) (proto.Outbound, error) {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", typ, err)
		}
		fmt.Printf("Received: %s\n", raw)

		msg, err := proto.DecodeOutbound(raw)
		if err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		if msg.OutboundType() == typ {
			return msg, nil
		}
	}
}
