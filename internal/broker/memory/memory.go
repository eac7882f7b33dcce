// Package memory is an in-process broker transport. It backs single-process
// deployments and lets tests break streams on demand.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/vovakirdan/wiregate/internal/broker"
)

var (
	// ErrDown is returned while the transport is marked unreachable.
	ErrDown = errors.New("memory transport down")
	// ErrDropped is returned by Receive on a stream broken by Drop.
	ErrDropped = errors.New("memory stream dropped")
)

var errStreamClosed = errors.New("memory stream closed")

// Transport fans messages out to streams in the same process.
type Transport struct {
	mu        sync.Mutex
	streams   map[*stream]struct{}
	down      bool
	published map[string][][]byte
}

// New creates an empty transport.
func New() *Transport {
	return &Transport{
		streams:   make(map[*stream]struct{}),
		published: make(map[string][][]byte),
	}
}

// Publish implements broker.Transport.
func (t *Transport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.down {
		return ErrDown
	}
	data := append([]byte(nil), payload...)
	t.published[channel] = append(t.published[channel], data)
	for st := range t.streams {
		st.deliver(channel, data)
	}
	return nil
}

// Open implements broker.Transport.
func (t *Transport) Open(_ context.Context) (broker.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.down {
		return nil, ErrDown
	}
	st := &stream{
		t:        t,
		channels: make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
	t.streams[st] = struct{}{}
	return st, nil
}

// Ping implements broker.Transport.
func (t *Transport) Ping(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return ErrDown
	}
	return nil
}

// Close breaks every stream.
func (t *Transport) Close() error {
	t.Drop()
	return nil
}

// Drop breaks every open stream; the next Receive on each returns ErrDropped.
func (t *Transport) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for st := range t.streams {
		st.breakWith(ErrDropped)
		delete(t.streams, st)
	}
}

// Sever breaks every open stream without waking blocked receivers, so a
// break is noticed first by whoever touches the stream next.
func (t *Transport) Sever() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for st := range t.streams {
		st.mu.Lock()
		if st.broken == nil {
			st.broken = ErrDropped
		}
		st.mu.Unlock()
		delete(t.streams, st)
	}
}

// SetDown marks the transport unreachable (dropping open streams) or
// reachable again.
func (t *Transport) SetDown(down bool) {
	t.mu.Lock()
	t.down = down
	t.mu.Unlock()
	if down {
		t.Drop()
	}
}

// Subscribers counts open streams subscribed to channel.
func (t *Transport) Subscribers(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for st := range t.streams {
		if st.has(channel) {
			n++
		}
	}
	return n
}

// Published returns copies of every payload published to channel.
func (t *Transport) Published(channel string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.published[channel]))
	copy(out, t.published[channel])
	return out
}

func (t *Transport) remove(st *stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, st)
}

type stream struct {
	t *Transport

	mu       sync.Mutex
	channels map[string]struct{}
	queue    []broker.Message
	broken   error
	notify   chan struct{}
}

func (s *stream) Subscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return s.broken
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *stream) Unsubscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return s.broken
	}
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *stream) Receive(ctx context.Context) (broker.Message, error) {
	for {
		s.mu.Lock()
		if s.broken != nil {
			err := s.broken
			s.mu.Unlock()
			return broker.Message{}, err
		}
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return broker.Message{}, ctx.Err()
		}
	}
}

func (s *stream) Close() error {
	s.breakWith(errStreamClosed)
	s.t.remove(s)
	return nil
}

func (s *stream) has(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *stream) deliver(channel string, payload []byte) {
	s.mu.Lock()
	if _, ok := s.channels[channel]; !ok || s.broken != nil {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, broker.Message{Channel: channel, Payload: payload})
	s.mu.Unlock()
	s.wake()
}

func (s *stream) breakWith(err error) {
	s.mu.Lock()
	if s.broken == nil {
		s.broken = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
