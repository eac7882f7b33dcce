package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler receives every frame read from a connection.
type Handler interface {
	Dispatch(ctx context.Context, c *Connection, frame []byte) error
}

// Manager is the registry of live connections and runs their relays.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byName map[string]map[string]*Connection

	grace time.Duration
	log   *zerolog.Logger
}

// NewManager creates an empty registry. grace bounds how long teardown waits
// for relays before force-closing the socket.
func NewManager(grace time.Duration, logger *zerolog.Logger) *Manager {
	return &Manager{
		conns:  make(map[string]*Connection),
		byName: make(map[string]map[string]*Connection),
		grace:  grace,
		log:    logger,
	}
}

// Register adds c to the registry.
func (m *Manager) Register(c *Connection) {
	m.mu.Lock()
	m.conns[c.ID] = c
	named, ok := m.byName[c.Identity.Name]
	if !ok {
		named = make(map[string]*Connection)
		m.byName[c.Identity.Name] = named
	}
	named[c.ID] = c
	total := len(m.conns)
	m.mu.Unlock()

	m.log.Info().
		Str("conn_id", c.ID).
		Str("user", c.Identity.Name).
		Str("role", c.Identity.Role.String()).
		Int("connections", total).
		Msg("connection registered")
}

func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[c.ID]; !ok {
		return
	}
	delete(m.conns, c.ID)
	if named, ok := m.byName[c.Identity.Name]; ok {
		delete(named, c.ID)
		if len(named) == 0 {
			delete(m.byName, c.Identity.Name)
		}
	}
}

// Get returns the live connection with id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Lookup returns every live connection of the identity name.
func (m *Manager) Lookup(name string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	named := m.byName[name]
	list := make([]*Connection, 0, len(named))
	for _, c := range named {
		list = append(list, c)
	}
	return list
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Grant joins channel on every live connection of name. Each join is run by
// the target's own outbound relay; Grant returns once all of them have
// completed. Connections that close meanwhile are skipped.
func (m *Manager) Grant(ctx context.Context, name, channel string) (int, error) {
	granted := 0
	for _, c := range m.Lookup(name) {
		err := c.grant(ctx, channel)
		switch {
		case err == nil:
			granted++
		case errors.Is(err, ErrTransport):
			m.log.Debug().Err(err).Str("conn_id", c.ID).Str("channel", channel).Msg("grant skipped")
		default:
			return granted, fmt.Errorf("grant %s to %s: %w", channel, name, err)
		}
	}
	return granted, nil
}

// Serve runs the two relays of c until either ends, then tears c down: c is
// unregistered and marked closing, the socket is closed with a code matching
// the cause, and both relays are awaited for at most the grace period before
// the socket is dropped. The broker subscription is released last. Serve
// returns nil when the peer closed cleanly.
func (m *Manager) Serve(ctx context.Context, c *Connection, h Handler) error {
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	first := make(chan error, 2)
	g, gctx := errgroup.WithContext(relayCtx)
	g.Go(func() error {
		err := c.outboundRelay(gctx)
		first <- err
		return err
	})
	g.Go(func() error {
		// reads follow ctx so a failing sibling does not abort the socket
		// before it is closed with a proper code
		err := c.inboundRelay(ctx, gctx, h)
		first <- err
		return err
	})

	relays := make(chan error, 1)
	go func() { relays <- g.Wait() }()

	var cause error
	select {
	case cause = <-first:
	case <-ctx.Done():
		cause = ctx.Err()
	}
	cancel()
	m.unregister(c)
	c.markClosing()

	code, reason := closeStatus(cause)
	closed := make(chan struct{})
	go func() {
		_ = c.socket.Close(code, reason)
		close(closed)
	}()

	forced := false
	deadline := time.NewTimer(m.grace)
	defer deadline.Stop()
	for relays != nil || closed != nil {
		select {
		case <-relays:
			relays = nil
		case <-closed:
			closed = nil
		case <-deadline.C:
			forced = true
			_ = c.socket.CloseNow()
			if relays != nil {
				<-relays
				relays = nil
			}
			if closed != nil {
				<-closed
				closed = nil
			}
		}
	}

	if err := c.sub.Close(); err != nil {
		c.log.Debug().Err(err).Msg("close subscription")
	}
	c.markClosed()

	if errors.Is(cause, errHangup) || errors.Is(cause, context.Canceled) {
		cause = nil
	}
	ev := c.log.Info()
	if cause != nil {
		ev = c.log.Warn().Err(cause)
	}
	ev.Bool("forced", forced).Int("close_code", code).Msg("connection closed")
	return cause
}

func closeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return CloseGoingAway, "server shutting down"
	case err == nil, errors.Is(err, errHangup):
		return CloseNormal, "closing"
	case errors.Is(err, ErrUnavailable):
		return CloseTryAgainLater, "broker unavailable"
	default:
		return CloseInternal, "internal error"
	}
}
