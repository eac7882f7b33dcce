package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"

	"github.com/vovakirdan/wiregate/internal/proto"
)

const usage = `Commands:
  /sub <channel>              request a subscription
  /unsub <channel>            leave a channel
  /approve <user> <channel>   approve a request (moderators)
  /deny <user> <channel>      deny a request (moderators)
  /to <channel>               change the channel plain lines are sent to
  anything else               chat on the current channel`

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := pflag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	user := pflag.String("user", "", "identity name (user_id hint)")
	token := pflag.String("token", "", "token from /auth/login, used instead of --user")
	channel := pflag.String("channel", "", "initial channel for chat lines")
	pflag.Parse()

	target, err := url.Parse(*addr)
	if err != nil {
		return fmt.Errorf("parse addr: %w", err)
	}
	query := target.Query()
	if *token != "" {
		query.Set("token", *token)
	} else {
		query.Set("user_id", *user)
	}
	target.RawQuery = query.Encode()

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, target.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	fmt.Printf("Connected to %s\n%s\n", *addr, usage)

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn, *channel)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				fmt.Printf("connection closed: %d %s\n", status, closeReason(err))
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		msg, err := proto.DecodeOutbound(data)
		if err != nil {
			log.Printf("decode: %v", err)
			continue
		}
		switch m := msg.(type) {
		case proto.ChatDelivery:
			fmt.Printf("[%s] %s: %s\n", m.Channel, m.User, m.Message)
		case proto.SystemNotice:
			fmt.Printf("* %s\n", m.Message)
		case proto.ErrorNotice:
			fmt.Printf("! %s (%s)\n", m.Message, m.Code)
		case proto.SubscriptionRequested:
			fmt.Printf("? %s wants %s  (/approve %s %s)\n", m.RequestingUser, m.Channel, m.RequestingUser, m.Channel)
		case proto.SubscriptionDecision:
			fmt.Printf("* %s\n", m.Message)
		default:
			fmt.Printf("%s\n", data)
		}
	}
}

func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

func writeLoop(ctx context.Context, conn *websocket.Conn, channel string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			frame, next, err := parseLine(strings.TrimSpace(line), channel)
			channel = next
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			if frame == nil {
				continue
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				log.Printf("marshal: %v", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				log.Printf("send: %v", err)
				return
			}
		}
	}
}

// parseLine turns a console line into a client frame. It returns the
// possibly changed current channel.
func parseLine(line, channel string) (map[string]string, string, error) {
	if line == "" {
		return nil, channel, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/sub", "/unsub", "/to":
		if len(fields) != 2 {
			return nil, channel, fmt.Errorf("usage: %s <channel>", fields[0])
		}
		switch fields[0] {
		case "/sub":
			return map[string]string{"type": proto.InboundTypeSubscribeRequest, "channel": fields[1]}, channel, nil
		case "/unsub":
			return map[string]string{"type": proto.InboundTypeUnsubscribe, "channel": fields[1]}, channel, nil
		default:
			return nil, fields[1], nil
		}
	case "/approve", "/deny":
		if len(fields) != 3 {
			return nil, channel, fmt.Errorf("usage: %s <user> <channel>", fields[0])
		}
		typ := proto.InboundTypeApprove
		if fields[0] == "/deny" {
			typ = proto.InboundTypeDeny
		}
		return map[string]string{"type": typ, "requesting_user": fields[1], "channel": fields[2]}, channel, nil
	}
	if channel == "" {
		return nil, channel, errors.New("no channel selected, use /to <channel>")
	}
	return map[string]string{"type": proto.InboundTypeChat, "channel": channel, "message": line}, channel, nil
}
