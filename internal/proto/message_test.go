package proto

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeInboundVariants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Inbound
	}{
		{"subscribe", `{"type":"subscribe_request","channel":"news"}`, SubscribeRequest{Channel: "news"}},
		{"approve", `{"type":"approve_subscription","requesting_user":"alice","channel":"news"}`,
			ApproveSubscription{RequestingUser: "alice", Channel: "news"}},
		{"deny", `{"type":"deny_subscription","requesting_user":"alice","channel":"news"}`,
			DenySubscription{RequestingUser: "alice", Channel: "news"}},
		{"chat", `{"type":"chat_message","channel":"news","message":"hi"}`, ChatMessage{Channel: "news", Message: "hi"}},
		{"empty chat text", `{"type":"chat_message","channel":"news"}`, ChatMessage{Channel: "news"}},
		{"unsubscribe", `{"type":"unsubscribe","channel":"news"}`, Unsubscribe{Channel: "news"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.frame))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeInboundRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"not json", `{nope`, CodeBadRequest},
		{"no type", `{"channel":"news"}`, CodeBadRequest},
		{"unknown type", `{"type":"hello"}`, CodeInvalidMessage},
		{"missing channel", `{"type":"subscribe_request"}`, CodeBadRequest},
		{"blank channel", `{"type":"unsubscribe","channel":"  "}`, CodeBadRequest},
		{"missing user", `{"type":"approve_subscription","channel":"news"}`, CodeBadRequest},
		{"wrong field type", `{"type":"chat_message","channel":7}`, CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.frame))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %v", err)
			}
			if de.Code != tt.code {
				t.Fatalf("expected code %s, got %s (%s)", tt.code, de.Code, de.Msg)
			}
		})
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	frame, err := Encode(NewChatDelivery("alice", "news", "hello", ts))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := DecodeOutbound(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	chat, ok := msg.(ChatDelivery)
	if !ok {
		t.Fatalf("expected ChatDelivery, got %T", msg)
	}
	if chat.User != "alice" || chat.Channel != "news" || chat.Message != "hello" || !chat.Timestamp.Equal(ts) {
		t.Fatalf("unexpected chat %+v", chat)
	}

	decision, err := DecodeOutbound(mustEncode(t, NewSubscriptionDenied("news", ts)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decision.OutboundType() != OutboundTypeSubscriptionDenied {
		t.Fatalf("unexpected type %s", decision.OutboundType())
	}
}

func TestDecodeOutboundPassthrough(t *testing.T) {
	for _, raw := range []string{`{"type":"custom","x":1}`, `{"x":1}`, `"just text"`, `[1,2]`} {
		msg, err := DecodeOutbound([]byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		pt, ok := msg.(Passthrough)
		if !ok {
			t.Fatalf("%s: expected Passthrough, got %T", raw, msg)
		}
		out, err := Encode(pt)
		if err != nil {
			t.Fatalf("%s: encode: %v", raw, err)
		}
		if string(out) != raw {
			t.Fatalf("passthrough altered payload: %s -> %s", raw, out)
		}
	}

	if _, err := DecodeOutbound([]byte(`{broken`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func mustEncode(t *testing.T, m Outbound) []byte {
	t.Helper()
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return frame
}
