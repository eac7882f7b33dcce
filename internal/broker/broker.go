package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var (
	// ErrUnavailable is returned once the transport cannot be reached any more.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrClosed is returned by a Subscription after Close.
	ErrClosed = errors.New("subscription closed")
)

// Message is a payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Transport is the publish/subscribe service behind the adapter.
type Transport interface {
	// Publish delivers payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Open starts a dedicated subscription stream with no channels.
	Open(ctx context.Context) (Stream, error)
	// Ping checks that the transport is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Stream is one subscription connection on the transport.
type Stream interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Receive blocks until a message arrives, the stream breaks or ctx ends.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Options tunes reconnect and publish behavior.
type Options struct {
	ReconnectAttempts   uint
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxElapsed time.Duration
	BreakerFailures     uint32
	BreakerTimeout      time.Duration
	// Buffer is the capacity of each Subscription's message channel.
	Buffer int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		ReconnectAttempts:   10,
		ReconnectInitial:    100 * time.Millisecond,
		ReconnectMax:        5 * time.Second,
		ReconnectMaxElapsed: time.Minute,
		BreakerFailures:     5,
		BreakerTimeout:      10 * time.Second,
		Buffer:              64,
	}
}

// Broker is the shared entry point to the transport. It publishes on behalf of
// all connections and opens one Subscription per connection.
type Broker struct {
	transport Transport
	opts      Options
	breaker   *gobreaker.CircuitBreaker
	failed    atomic.Bool
	log       *zerolog.Logger
}

// New wraps a transport.
func New(t Transport, opts Options, logger *zerolog.Logger) *Broker {
	def := DefaultOptions()
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = def.ReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.ReconnectMaxElapsed <= 0 {
		opts.ReconnectMaxElapsed = def.ReconnectMaxElapsed
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = def.BreakerFailures
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = def.BreakerTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = def.Buffer
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	b := &Broker{
		transport: t,
		opts:      opts,
		log:       logger,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("broker circuit breaker state changed")
		},
	})
	return b
}

// Publish sends payload to channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.transport.Publish(ctx, channel, payload)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("publish %s: %w: %w", channel, ErrUnavailable, err)
	}
	return fmt.Errorf("publish %s: %w", channel, err)
}

// Open starts a Subscription with its own transport stream and listen loop.
func (b *Broker) Open(ctx context.Context) (*Subscription, error) {
	stream, err := b.transport.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return newSubscription(b, stream), nil
}

// Ready reports whether new connections may be accepted. After a terminal
// failure it probes the transport and clears the failure once it answers.
func (b *Broker) Ready(ctx context.Context) error {
	if !b.failed.Load() {
		return nil
	}
	if err := b.transport.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if b.failed.CompareAndSwap(true, false) {
		b.log.Info().Msg("broker transport recovered")
	}
	return nil
}

// Failed reports whether a subscription exhausted its reconnect attempts.
func (b *Broker) Failed() bool {
	return b.failed.Load()
}

// Close closes the underlying transport.
func (b *Broker) Close() error {
	return b.transport.Close()
}

func (b *Broker) markFailed(err error) {
	if b.failed.CompareAndSwap(false, true) {
		b.log.Error().Err(err).Msg("broker transport unreachable, refusing new connections")
	}
}

func (b *Broker) markHealthy() {
	if b.failed.CompareAndSwap(true, false) {
		b.log.Info().Msg("broker transport recovered")
	}
}
