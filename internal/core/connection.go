package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/wiregate/internal/broker"
	"github.com/vovakirdan/wiregate/internal/proto"
)

// ConnState is the lifecycle stage of a Connection.
type ConnState int32

const (
	StateActive ConnState = iota
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// errHangup ends the inbound relay when the peer closes cleanly.
var errHangup = errors.New("peer closed connection")

type grantRequest struct {
	channel string
	done    chan error
}

// Connection is one live client session. Its channel set is written only by
// its own relays; other goroutines may read it.
type Connection struct {
	ID       string
	Identity Identity

	socket Socket
	sub    *broker.Subscription

	mu       sync.RWMutex
	channels map[string]struct{}

	outbox chan []byte
	grants chan grantRequest

	state     atomic.Int32
	closing   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	limiter      *rate.Limiter
	writeTimeout time.Duration
	log          zerolog.Logger
}

func newConnection(id string, ident Identity, socket Socket, sub *broker.Subscription, opts Options, logger *zerolog.Logger) *Connection {
	c := &Connection{
		ID:           id,
		Identity:     ident,
		socket:       socket,
		sub:          sub,
		channels:     make(map[string]struct{}),
		outbox:       make(chan []byte, opts.SendBuffer),
		grants:       make(chan grantRequest),
		closing:      make(chan struct{}),
		closed:       make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		log:          logger.With().Str("conn_id", id).Str("user", ident.Name).Logger(),
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return c
}

// Channels returns the connection's channel set, sorted.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		list = append(list, ch)
	}
	sort.Strings(list)
	return list
}

// HasChannel reports whether channel is in the connection's channel set.
func (c *Connection) HasChannel(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

// Subscription exposes the broker side of the connection.
func (c *Connection) Subscription() *broker.Subscription {
	return c.sub
}

// State returns the current lifecycle stage.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Closed is closed once teardown has released every resource.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// join subscribes at the broker before the channel enters the set, so the
// outbound filter never admits a channel the broker is not delivering.
func (c *Connection) join(ctx context.Context, channel string) error {
	if c.HasChannel(channel) {
		return nil
	}
	if err := c.sub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
	return nil
}

// leave removes channel from the set before releasing it at the broker.
func (c *Connection) leave(ctx context.Context, channel string) error {
	c.mu.Lock()
	_, ok := c.channels[channel]
	delete(c.channels, channel)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.sub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// reply queues a frame for the outbound relay, waiting for room in the outbox.
func (c *Connection) reply(ctx context.Context, msg proto.Outbound) error {
	frame, err := proto.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.OutboundType(), err)
	}
	select {
	case c.outbox <- frame:
		return nil
	case <-c.closing:
		return fmt.Errorf("%w: connection closing", ErrTransport)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// offer queues a frame without waiting. It reports false when the outbox is full.
func (c *Connection) offer(msg proto.Outbound) bool {
	frame, err := proto.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", msg.OutboundType()).Msg("encode outbound")
		return false
	}
	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

// grant asks the outbound relay to join channel and waits until it has.
func (c *Connection) grant(ctx context.Context, channel string) error {
	req := grantRequest{channel: channel, done: make(chan error, 1)}
	select {
	case c.grants <- req:
	case <-c.closing:
		return fmt.Errorf("%w: connection closing", ErrTransport)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-c.closing:
		return fmt.Errorf("%w: connection closing", ErrTransport)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) write(ctx context.Context, frame []byte) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := c.socket.Write(ctx, frame); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

// outboundRelay is the only writer to the socket.
func (c *Connection) outboundRelay(ctx context.Context) error {
	messages := c.sub.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				err := c.sub.Err()
				if err == nil {
					err = broker.ErrClosed
				}
				return fmt.Errorf("%w: broker stream ended: %w", ErrTransport, err)
			}
			if !c.HasChannel(msg.Channel) {
				c.log.Debug().Str("channel", msg.Channel).Msg("dropping message outside channel set")
				continue
			}
			if err := c.write(ctx, msg.Payload); err != nil {
				return err
			}
		case req := <-c.grants:
			err := c.join(ctx, req.channel)
			req.done <- err
			if err != nil {
				return err
			}
			c.log.Info().Str("channel", req.channel).Msg("channel granted")
		case frame := <-c.outbox:
			if err := c.write(ctx, frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// inboundRelay reads client frames under readCtx and hands them to h under ctx.
func (c *Connection) inboundRelay(readCtx, ctx context.Context, h Handler) error {
	for {
		frame, err := c.socket.Read(readCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errHangup
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.limiter != nil && !c.limiter.Allow() {
			if err := c.reply(ctx, proto.NewError(ErrCodeRateLimited, "Too many messages, slow down")); err != nil {
				return err
			}
			continue
		}

		if err := h.Dispatch(ctx, c, frame); err != nil {
			return err
		}
	}
}

func (c *Connection) markClosing() {
	if c.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		close(c.closing)
	}
}

func (c *Connection) markClosed() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.closed)
	})
}
