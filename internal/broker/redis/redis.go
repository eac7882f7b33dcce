// Package redis implements the broker transport on Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vovakirdan/wiregate/internal/broker"
)

// Options is the host/port/db connection descriptor.
type Options struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// Addr returns host:port.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// NewClient builds a go-redis client from the descriptor. The client is shared
// by the broker transport and the redis cache backend.
func NewClient(opts Options) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr(),
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// Transport publishes with the shared client and opens one PubSub per stream.
type Transport struct {
	client *goredis.Client
}

// New wraps an existing client.
func New(client *goredis.Client) *Transport {
	return &Transport{client: client}
}

// Publish implements broker.Transport.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

// Open implements broker.Transport. The stream is pinged once so an
// unreachable server fails here rather than on the first Receive.
func (t *Transport) Open(ctx context.Context) (broker.Stream, error) {
	ps := t.client.Subscribe(ctx)
	if err := ps.Ping(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis pubsub ping: %w", err)
	}
	return &stream{ps: ps}, nil
}

// Ping implements broker.Transport.
func (t *Transport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the shared client.
func (t *Transport) Close() error {
	return t.client.Close()
}

type stream struct {
	ps *goredis.PubSub
}

func (s *stream) Subscribe(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *stream) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *stream) Receive(ctx context.Context) (broker.Message, error) {
	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			return broker.Message{}, err
		}
		switch m := msg.(type) {
		case *goredis.Message:
			return broker.Message{Channel: m.Channel, Payload: []byte(m.Payload)}, nil
		case *goredis.Subscription, *goredis.Pong:
			// control replies
		}
	}
}

func (s *stream) Close() error {
	return s.ps.Close()
}
