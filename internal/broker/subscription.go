package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const unsubscribeTimeout = 2 * time.Second

// Subscription is one connection's view of the broker. It remembers the
// channels it holds so they can be restored after the stream breaks.
type Subscription struct {
	b *Broker

	mu       sync.Mutex
	stream   Stream
	channels map[string]struct{}
	closed   bool
	err      error

	out       chan Message
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSubscription(b *Broker, stream Stream) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		b:        b,
		stream:   stream,
		channels: make(map[string]struct{}),
		out:      make(chan Message, b.opts.Buffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.listen(ctx)
	return s
}

// Subscribe adds channel to the subscription. Subscribing twice is a no-op.
func (s *Subscription) Subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.channels[channel]; ok {
		return nil
	}
	if err := s.stream.Subscribe(ctx, channel); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		// Held anyway: the listen loop restores it on the replacement stream.
		s.channels[channel] = struct{}{}
		s.breakStream(err, "subscribe")
		return nil
	}
	s.channels[channel] = struct{}{}
	return nil
}

// Unsubscribe removes channel from the subscription.
func (s *Subscription) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.channels[channel]; !ok {
		return nil
	}
	delete(s.channels, channel)
	if err := s.stream.Unsubscribe(ctx, channel); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("unsubscribe %s: %w", channel, err)
		}
		s.breakStream(err, "unsubscribe")
	}
	return nil
}

// breakStream closes a stream that failed a (un)subscribe call so the listen
// loop reconnects with the held channels. Callers hold s.mu.
func (s *Subscription) breakStream(err error, op string) {
	s.b.log.Warn().Err(err).Str("op", op).Msg("broker stream failed, forcing reconnect")
	_ = s.stream.Close()
}

// Channels returns the channels currently held, sorted.
func (s *Subscription) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelList()
}

func (s *Subscription) channelList() []string {
	list := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		list = append(list, ch)
	}
	sort.Strings(list)
	return list
}

// Messages is the listen sequence. It blocks while idle and is closed only
// after Close or a terminal transport failure; Err tells which.
func (s *Subscription) Messages() <-chan Message {
	return s.out
}

// Err returns why Messages was closed, or nil while it is open.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases every channel at the transport and stops the listen loop.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.closed = true
		channels := s.channelList()
		stream := s.stream
		s.channels = make(map[string]struct{})
		s.mu.Unlock()

		if len(channels) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			if err := stream.Unsubscribe(ctx, channels...); err != nil {
				s.b.log.Debug().Err(err).Strs("channels", channels).Msg("unsubscribe on close")
			}
			cancel()
		}
		s.closeErr = stream.Close()
		<-s.done
	})
	return s.closeErr
}

func (s *Subscription) listen(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	for {
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()

		msg, err := stream.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setErr(ErrClosed)
				return
			}
			s.b.log.Warn().Err(err).Msg("broker stream broken, reconnecting")
			if err := s.reconnect(ctx); err != nil {
				s.setErr(err)
				return
			}
			continue
		}

		select {
		case s.out <- msg:
		case <-ctx.Done():
			s.setErr(ErrClosed)
			return
		}
	}
}

// reconnect replaces the broken stream and restores every held channel. The
// lock is held throughout so Subscribe and Unsubscribe wait for the new stream.
func (s *Subscription) reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.stream.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.b.opts.ReconnectInitial
	bo.MaxInterval = s.b.opts.ReconnectMax

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(s.b.opts.ReconnectMaxElapsed),
	}
	if s.b.opts.ReconnectAttempts > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(s.b.opts.ReconnectAttempts))
	}

	attempt := 0
	stream, err := backoff.Retry(ctx, func() (Stream, error) {
		attempt++
		st, err := s.b.transport.Open(ctx)
		if err != nil {
			s.b.log.Debug().Err(err).Int("attempt", attempt).Msg("broker reconnect failed")
			return nil, err
		}
		if channels := s.channelList(); len(channels) > 0 {
			if err := st.Subscribe(ctx, channels...); err != nil {
				_ = st.Close()
				return nil, err
			}
		}
		return st, nil
	}, retryOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return ErrClosed
		}
		s.b.markFailed(err)
		return fmt.Errorf("%w: reconnect after %d attempts: %w", ErrUnavailable, attempt, err)
	}

	s.stream = stream
	s.b.markHealthy()
	s.b.log.Info().Int("attempts", attempt).Strs("channels", s.channelList()).Msg("broker stream restored")
	return nil
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
