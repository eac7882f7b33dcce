package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	InboundTypeSubscribeRequest = "subscribe_request"
	InboundTypeApprove          = "approve_subscription"
	InboundTypeDeny             = "deny_subscription"
	InboundTypeChat             = "chat_message"
	InboundTypeUnsubscribe      = "unsubscribe"

	OutboundTypeSystem               = "system"
	OutboundTypeError                = "error"
	OutboundTypeSubscriptionRequest  = "subscription_request"
	OutboundTypeSubscriptionApproved = "subscription_approved"
	OutboundTypeSubscriptionDenied   = "subscription_denied"
	OutboundTypeChat                 = "chat_message"
)

// Decode error codes.
const (
	CodeBadRequest     = "bad_request"
	CodeInvalidMessage = "invalid_message"
)

// DecodeError describes why an inbound frame was rejected.
type DecodeError struct {
	Code string
	Msg  string
}

func (e *DecodeError) Error() string {
	return e.Msg
}

func decodeError(code, format string, args ...any) *DecodeError {
	return &DecodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Inbound is a decoded client frame. The set of implementations is closed.
type Inbound interface {
	inbound()
}

// SubscribeRequest asks moderators for access to a channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
}

// ApproveSubscription grants a pending request.
type ApproveSubscription struct {
	RequestingUser string `json:"requesting_user"`
	Channel        string `json:"channel"`
}

// DenySubscription rejects a pending request.
type DenySubscription struct {
	RequestingUser string `json:"requesting_user"`
	Channel        string `json:"channel"`
}

// ChatMessage publishes text to a channel the sender is subscribed to.
type ChatMessage struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// Unsubscribe leaves a previously granted channel.
type Unsubscribe struct {
	Channel string `json:"channel"`
}

func (SubscribeRequest) inbound()    {}
func (ApproveSubscription) inbound() {}
func (DenySubscription) inbound()    {}
func (ChatMessage) inbound()         {}
func (Unsubscribe) inbound()         {}

type envelope struct {
	Type string `json:"type"`
}

// DecodeInbound parses a raw client frame into one of the Inbound variants.
// Every failure is returned as *DecodeError.
func DecodeInbound(frame []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, decodeError(CodeBadRequest, "malformed frame: %v", err)
	}

	switch env.Type {
	case InboundTypeSubscribeRequest:
		var m SubscribeRequest
		if err := unmarshal(frame, &m); err != nil {
			return nil, err
		}
		if err := requireFields("channel", m.Channel); err != nil {
			return nil, err
		}
		return m, nil
	case InboundTypeApprove:
		var m ApproveSubscription
		if err := unmarshal(frame, &m); err != nil {
			return nil, err
		}
		if err := requireFields("requesting_user", m.RequestingUser, "channel", m.Channel); err != nil {
			return nil, err
		}
		return m, nil
	case InboundTypeDeny:
		var m DenySubscription
		if err := unmarshal(frame, &m); err != nil {
			return nil, err
		}
		if err := requireFields("requesting_user", m.RequestingUser, "channel", m.Channel); err != nil {
			return nil, err
		}
		return m, nil
	case InboundTypeChat:
		var m ChatMessage
		if err := unmarshal(frame, &m); err != nil {
			return nil, err
		}
		if err := requireFields("channel", m.Channel); err != nil {
			return nil, err
		}
		return m, nil
	case InboundTypeUnsubscribe:
		var m Unsubscribe
		if err := unmarshal(frame, &m); err != nil {
			return nil, err
		}
		if err := requireFields("channel", m.Channel); err != nil {
			return nil, err
		}
		return m, nil
	case "":
		return nil, decodeError(CodeBadRequest, "type is required")
	default:
		return nil, decodeError(CodeInvalidMessage, "unknown message type %q", env.Type)
	}
}

func unmarshal(frame []byte, v any) error {
	if err := json.Unmarshal(frame, v); err != nil {
		return decodeError(CodeBadRequest, "malformed payload: %v", err)
	}
	return nil
}

// requireFields takes name/value pairs and rejects blank values.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return decodeError(CodeBadRequest, "%s is required", pairs[i])
		}
	}
	return nil
}

// Outbound is a frame delivered to a client.
type Outbound interface {
	OutboundType() string
}

// SystemNotice acknowledges a client action.
type SystemNotice struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorNotice reports a failed client action to the sender only.
type ErrorNotice struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SubscriptionRequested is published to moderators.
type SubscriptionRequested struct {
	Type           string    `json:"type"`
	RequestingUser string    `json:"requesting_user"`
	Channel        string    `json:"channel"`
	Timestamp      time.Time `json:"timestamp"`
}

// SubscriptionDecision is published to the requester's private channel.
type SubscriptionDecision struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatDelivery is the fan-out form of a chat message.
type ChatDelivery struct {
	Type      string    `json:"type"`
	User      string    `json:"user"`
	Message   string    `json:"message"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

// Passthrough carries broker payloads without gateway framing.
type Passthrough struct {
	Kind string
	Raw  json.RawMessage
}

func (m SystemNotice) OutboundType() string          { return m.Type }
func (m ErrorNotice) OutboundType() string           { return m.Type }
func (m SubscriptionRequested) OutboundType() string { return m.Type }
func (m SubscriptionDecision) OutboundType() string  { return m.Type }
func (m ChatDelivery) OutboundType() string          { return m.Type }
func (m Passthrough) OutboundType() string           { return m.Kind }

// MarshalJSON emits the raw payload unchanged.
func (m Passthrough) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("null"), nil
	}
	return m.Raw, nil
}

// NewSystem builds a system notice.
func NewSystem(msg string, ts time.Time) SystemNotice {
	return SystemNotice{Type: OutboundTypeSystem, Message: msg, Timestamp: ts}
}

// NewError builds an error notice.
func NewError(code, msg string) ErrorNotice {
	return ErrorNotice{Type: OutboundTypeError, Code: code, Message: msg}
}

// NewSubscriptionRequested builds the moderation notice for a request.
func NewSubscriptionRequested(user, channel string, ts time.Time) SubscriptionRequested {
	return SubscriptionRequested{
		Type:           OutboundTypeSubscriptionRequest,
		RequestingUser: user,
		Channel:        channel,
		Timestamp:      ts,
	}
}

// NewSubscriptionApproved builds the approval notice.
func NewSubscriptionApproved(channel string, ts time.Time) SubscriptionDecision {
	return SubscriptionDecision{
		Type:      OutboundTypeSubscriptionApproved,
		Channel:   channel,
		Message:   fmt.Sprintf("Your subscription to %s was approved", channel),
		Timestamp: ts,
	}
}

// NewSubscriptionDenied builds the denial notice.
func NewSubscriptionDenied(channel string, ts time.Time) SubscriptionDecision {
	return SubscriptionDecision{
		Type:      OutboundTypeSubscriptionDenied,
		Channel:   channel,
		Message:   fmt.Sprintf("Your subscription to %s was denied", channel),
		Timestamp: ts,
	}
}

// NewChatDelivery builds a chat message for fan-out.
func NewChatDelivery(user, channel, text string, ts time.Time) ChatDelivery {
	return ChatDelivery{
		Type:      OutboundTypeChat,
		User:      user,
		Message:   text,
		Channel:   channel,
		Timestamp: ts,
	}
}

// Encode serializes an outbound frame.
func Encode(m Outbound) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeOutbound parses a frame produced by Encode. Unknown or untyped
// payloads come back as Passthrough.
func DecodeOutbound(payload []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		if !json.Valid(payload) {
			return nil, fmt.Errorf("decode outbound: %w", err)
		}
		// valid JSON that is not an object
		return Passthrough{Raw: append(json.RawMessage(nil), payload...)}, nil
	}

	var (
		out Outbound
		err error
	)
	switch env.Type {
	case OutboundTypeSystem:
		var m SystemNotice
		err = json.Unmarshal(payload, &m)
		out = m
	case OutboundTypeError:
		var m ErrorNotice
		err = json.Unmarshal(payload, &m)
		out = m
	case OutboundTypeSubscriptionRequest:
		var m SubscriptionRequested
		err = json.Unmarshal(payload, &m)
		out = m
	case OutboundTypeSubscriptionApproved, OutboundTypeSubscriptionDenied:
		var m SubscriptionDecision
		err = json.Unmarshal(payload, &m)
		out = m
	case OutboundTypeChat:
		var m ChatDelivery
		err = json.Unmarshal(payload, &m)
		out = m
	default:
		return Passthrough{Kind: env.Type, Raw: append(json.RawMessage(nil), payload...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode outbound %s: %w", env.Type, err)
	}
	return out, nil
}
