package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/broker"
	"github.com/vovakirdan/wiregate/internal/proto"
)

// Directory resolves identity hints. FindByName returns ErrIdentityNotFound
// for unknown names.
type Directory interface {
	FindByName(ctx context.Context, name string) (Identity, error)
}

// Options tunes per-connection behavior.
type Options struct {
	// SendBuffer is the capacity of each connection's outbox.
	SendBuffer   int
	WriteTimeout time.Duration
	// GracePeriod bounds teardown before the socket is force-closed.
	GracePeriod time.Duration
	// RateLimit is inbound frames per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		SendBuffer:   32,
		WriteTimeout: 5 * time.Second,
		GracePeriod:  2 * time.Second,
		RateLimit:    20,
		RateBurst:    40,
	}
}

// Gateway accepts sockets as connections and dispatches their frames. It
// keeps no subscription state of its own.
type Gateway struct {
	broker  *broker.Broker
	dir     Directory
	manager *Manager
	subs    *SubscriptionMachine
	opts    Options
	now     func() time.Time
	log     *zerolog.Logger
}

// NewGateway builds a gateway around a shared broker and an identity directory.
func NewGateway(b *broker.Broker, dir Directory, opts Options, logger *zerolog.Logger) *Gateway {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = def.GracePeriod
	}
	if opts.RateLimit > 0 && opts.RateBurst <= 0 {
		opts.RateBurst = int(opts.RateLimit) + 1
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	manager := NewManager(opts.GracePeriod, logger)
	return &Gateway{
		broker:  b,
		dir:     dir,
		manager: manager,
		subs:    NewSubscriptionMachine(NewRequests(), b, manager, logger),
		opts:    opts,
		now:     time.Now,
		log:     logger,
	}
}

// Manager returns the connection registry.
func (g *Gateway) Manager() *Manager {
	return g.manager
}

// Subscriptions returns the subscription state machine.
func (g *Gateway) Subscriptions() *SubscriptionMachine {
	return g.subs
}

// Accept resolves hint and turns socket into a registered connection joined
// to its private channel, plus the moderation channel for moderators. On
// failure the socket is closed with a matching close code and no connection
// is registered.
func (g *Gateway) Accept(ctx context.Context, socket Socket, hint string) (*Connection, error) {
	if err := g.broker.Ready(ctx); err != nil {
		_ = socket.Close(CloseTryAgainLater, "Broker unavailable")
		return nil, fmt.Errorf("accept: %w", err)
	}

	hint = strings.TrimSpace(hint)
	if hint == "" {
		_ = socket.Close(CloseIdentityNotFound, "User not found")
		return nil, fmt.Errorf("accept: empty identity hint: %w", ErrIdentityNotFound)
	}
	ident, err := g.dir.FindByName(ctx, hint)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			g.log.Info().Str("user", hint).Msg("rejecting unknown identity")
			_ = socket.Close(CloseIdentityNotFound, "User not found")
		} else {
			_ = socket.Close(CloseInternal, "internal error")
		}
		return nil, fmt.Errorf("accept %s: %w", hint, err)
	}

	sub, err := g.broker.Open(ctx)
	if err != nil {
		_ = socket.Close(CloseTryAgainLater, "Broker unavailable")
		return nil, fmt.Errorf("accept %s: %w: %w", hint, ErrUnavailable, err)
	}

	c := newConnection(uuid.NewString(), ident, socket, sub, g.opts, g.log)
	initial := []string{PrivateChannel(ident.Name)}
	if ident.IsModerator() {
		initial = append(initial, ModeratorChannel)
	}
	for _, ch := range initial {
		if err := c.join(ctx, ch); err != nil {
			_ = sub.Close()
			_ = socket.Close(CloseTryAgainLater, "Broker unavailable")
			return nil, fmt.Errorf("accept %s: %w", hint, err)
		}
	}

	g.manager.Register(c)

	if ident.IsModerator() {
		g.replayPending(c)
	}
	return c, nil
}

// replayPending queues requests made while c was offline. It never blocks;
// requests that do not fit in the outbox are left for the broker notice.
func (g *Gateway) replayPending(c *Connection) {
	for _, req := range g.subs.Requests().Pending() {
		if !c.offer(proto.NewSubscriptionRequested(req.User, req.Channel, req.CreatedAt)) {
			c.log.Warn().Str("channel", req.Channel).Msg("outbox full, pending replay truncated")
			return
		}
	}
}

// Serve runs c until it ends. See Manager.Serve.
func (g *Gateway) Serve(ctx context.Context, c *Connection) error {
	return g.manager.Serve(ctx, c, g)
}

// Dispatch handles one client frame. Client mistakes are answered with an
// error frame; the returned error is non-nil only when c must be torn down.
func (g *Gateway) Dispatch(ctx context.Context, c *Connection, frame []byte) error {
	msg, err := proto.DecodeInbound(frame)
	if err != nil {
		var de *proto.DecodeError
		if errors.As(err, &de) {
			return g.settle(ctx, c, &Error{Kind: ErrProtocol, Code: de.Code, Message: de.Msg})
		}
		return g.settle(ctx, c, newError(ErrProtocol, ErrCodeBadRequest, "%v", err))
	}

	switch m := msg.(type) {
	case proto.SubscribeRequest:
		return g.settle(ctx, c, g.handleSubscribe(ctx, c, m.Channel))
	case proto.ApproveSubscription:
		err := g.subs.Approve(ctx, c.Identity, m.RequestingUser, m.Channel)
		if err == nil {
			err = c.reply(ctx, proto.NewSystem(fmt.Sprintf("Approved %s for %s", m.RequestingUser, m.Channel), g.now()))
		}
		return g.settle(ctx, c, err)
	case proto.DenySubscription:
		err := g.subs.Deny(ctx, c.Identity, m.RequestingUser, m.Channel)
		if err == nil {
			err = c.reply(ctx, proto.NewSystem(fmt.Sprintf("Denied %s for %s", m.RequestingUser, m.Channel), g.now()))
		}
		return g.settle(ctx, c, err)
	case proto.ChatMessage:
		return g.settle(ctx, c, g.handleChat(ctx, c, m))
	case proto.Unsubscribe:
		return g.settle(ctx, c, g.handleUnsubscribe(ctx, c, m.Channel))
	default:
		return g.settle(ctx, c, newError(ErrProtocol, ErrCodeInvalidMessage, "unsupported message %T", msg))
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, c *Connection, channel string) error {
	if reservedChannel(channel) {
		return newError(ErrProtocol, ErrCodeReservedChannel, "Channel %s cannot be requested", channel)
	}
	if c.HasChannel(channel) {
		return newError(ErrProtocol, ErrCodeAlreadySubscribed, "Already subscribed to %s", channel)
	}
	if err := g.subs.Request(ctx, c.Identity, channel); err != nil {
		return err
	}
	return c.reply(ctx, proto.NewSystem(fmt.Sprintf("Subscription request sent for %s", channel), g.now()))
}

func (g *Gateway) handleChat(ctx context.Context, c *Connection, m proto.ChatMessage) error {
	if !c.HasChannel(m.Channel) {
		return newError(ErrUnauthorized, ErrCodeNotSubscribed, "Not subscribed to this channel")
	}
	return publishFrame(ctx, g.broker, &c.log, m.Channel, proto.NewChatDelivery(c.Identity.Name, m.Channel, m.Message, g.now()))
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, c *Connection, channel string) error {
	if reservedChannel(channel) {
		return newError(ErrProtocol, ErrCodeReservedChannel, "Channel %s cannot be left", channel)
	}
	if !c.HasChannel(channel) {
		return newError(ErrProtocol, ErrCodeNotSubscribed, "Not subscribed to this channel")
	}
	if err := c.leave(ctx, channel); err != nil {
		return err
	}
	c.log.Info().Str("channel", channel).Msg("channel left")
	return c.reply(ctx, proto.NewSystem(fmt.Sprintf("Unsubscribed from %s", channel), g.now()))
}

// settle answers client-caused errors with an error frame and passes
// everything else up to end the connection.
func (g *Gateway) settle(ctx context.Context, c *Connection, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if !errors.As(err, &ce) {
		return err
	}
	c.log.Debug().Str("code", ce.Code).Str("reason", ce.Message).Msg("rejecting client message")
	return c.reply(ctx, proto.NewError(ce.Code, ce.Message))
}
