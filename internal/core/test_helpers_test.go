package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wiregate/internal/broker"
	"github.com/vovakirdan/wiregate/internal/broker/memory"
	"github.com/vovakirdan/wiregate/internal/proto"
)

var errSocketClosed = errors.New("socket closed")

// fakeSocket is an in-memory client. Frames sent with send are read by the
// gateway; frames the gateway writes land in out.
type fakeSocket struct {
	in   chan []byte
	out  chan []byte
	eof  chan struct{}
	done chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
	forced      bool
	once        sync.Once
	hangupOnce  sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 256),
		eof:  make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-s.in:
		return frame, nil
	case <-s.eof:
		return nil, io.EOF
	case <-s.done:
		return nil, errSocketClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return errSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *fakeSocket) CloseNow() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.forced = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// send queues a client frame.
func (s *fakeSocket) send(t *testing.T, v any) {
	t.Helper()
	frame, ok := v.([]byte)
	if !ok {
		var err error
		frame, err = json.Marshal(v)
		require.NoError(t, err)
	}
	s.in <- frame
}

// hangup closes the client side cleanly.
func (s *fakeSocket) hangup() {
	s.hangupOnce.Do(func() { close(s.eof) })
}

func (s *fakeSocket) code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// mustFrame waits for the next frame of type typ, skipping others.
func mustFrame(t *testing.T, s *fakeSocket, typ string) proto.Outbound {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case frame := <-s.out:
			msg, err := proto.DecodeOutbound(frame)
			require.NoError(t, err)
			if msg.OutboundType() == typ {
				return msg
			}
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatalf("expected frame type %q not received", typ)
	return nil
}

// mustFrames waits until one frame of each type in types has arrived, in
// any order, skipping others.
func mustFrames(t *testing.T, s *fakeSocket, types ...string) {
	t.Helper()

	want := make(map[string]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(want) > 0 && time.Now().Before(deadline) {
		select {
		case frame := <-s.out:
			msg, err := proto.DecodeOutbound(frame)
			require.NoError(t, err)
			delete(want, msg.OutboundType())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(want) > 0 {
		t.Fatalf("expected frame types not received: %v", want)
	}
}

// noFrame asserts that no frame of type typ arrives within wait.
func noFrame(t *testing.T, s *fakeSocket, typ string, wait time.Duration) {
	t.Helper()

	timeout := time.After(wait)
	for {
		select {
		case frame := <-s.out:
			msg, err := proto.DecodeOutbound(frame)
			require.NoError(t, err)
			if msg.OutboundType() == typ {
				t.Fatalf("unexpected frame %s", frame)
			}
		case <-timeout:
			return
		}
	}
}

// stubDirectory resolves identities from a fixed set.
type stubDirectory map[string]Identity

func (d stubDirectory) FindByName(_ context.Context, name string) (Identity, error) {
	ident, ok := d[name]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return ident, nil
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	transport *memory.Transport
	broker    *broker.Broker
	gw        *Gateway
}

var (
	alice = Identity{ID: 1, Name: "alice", Role: RoleMember}
	bob   = Identity{ID: 2, Name: "bob", Role: RoleModerator}
	carol = Identity{ID: 3, Name: "carol", Role: RoleMember}
	dave  = Identity{ID: 4, Name: "dave", Role: RoleModerator}
)

func testBrokerOptions() broker.Options {
	return broker.Options{
		ReconnectAttempts:   2,
		ReconnectInitial:    5 * time.Millisecond,
		ReconnectMax:        10 * time.Millisecond,
		ReconnectMaxElapsed: time.Second,
		BreakerFailures:     3,
		BreakerTimeout:      time.Hour,
		Buffer:              16,
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	tr := memory.New()
	b := broker.New(tr, testBrokerOptions(), nil)
	dir := stubDirectory{}
	for _, ident := range []Identity{alice, bob, carol, dave} {
		dir[ident.Name] = ident
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 500 * time.Millisecond
	}
	return &harness{
		t:         t,
		ctx:       ctx,
		transport: tr,
		broker:    b,
		gw:        NewGateway(b, dir, opts, nil),
	}
}

type client struct {
	conn   *Connection
	sock   *fakeSocket
	served chan error
}

// connect accepts name and serves the connection in the background.
func (h *harness) connect(name string) *client {
	h.t.Helper()

	sock := newFakeSocket()
	conn, err := h.gw.Accept(h.ctx, sock, name)
	require.NoError(h.t, err)

	cl := &client{conn: conn, sock: sock, served: make(chan error, 1)}
	go func() { cl.served <- h.gw.Serve(h.ctx, conn) }()
	h.t.Cleanup(func() {
		sock.hangup()
		<-conn.Closed()
	})
	return cl
}

// grant walks name through request and approval by moderator.
func (h *harness) grant(cl, moderator *client, channel string) {
	h.t.Helper()

	cl.sock.send(h.t, map[string]string{"type": "subscribe_request", "channel": channel})
	mustFrame(h.t, cl.sock, proto.OutboundTypeSystem)
	moderator.sock.send(h.t, map[string]string{
		"type":            "approve_subscription",
		"requesting_user": cl.conn.Identity.Name,
		"channel":         channel,
	})
	if cl == moderator {
		mustFrames(h.t, cl.sock, proto.OutboundTypeSubscriptionApproved, proto.OutboundTypeSystem)
	} else {
		mustFrame(h.t, cl.sock, proto.OutboundTypeSubscriptionApproved)
		mustFrame(h.t, moderator.sock, proto.OutboundTypeSystem)
	}
	require.True(h.t, cl.conn.HasChannel(channel))
}

// mustRequestFrom waits for the moderation notice of user's request.
func mustRequestFrom(t *testing.T, s *fakeSocket, user string) proto.SubscriptionRequested {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req := mustFrame(t, s, proto.OutboundTypeSubscriptionRequest).(proto.SubscriptionRequested)
		if req.RequestingUser == user {
			return req
		}
	}
	t.Fatalf("no subscription request from %s", user)
	return proto.SubscriptionRequested{}
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Closed():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s not closed", c.ID)
	}
}
