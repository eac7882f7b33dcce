package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/proto"
)

// RequestStatus is the state of an (identity, channel) key. Resolved requests
// are not retained, so an approved or denied key reads as StatusNone again.
type RequestStatus int

const (
	StatusNone RequestStatus = iota
	StatusPending
)

func (s RequestStatus) String() string {
	if s == StatusPending {
		return "pending"
	}
	return "none"
}

// Request is a pending subscription request.
type Request struct {
	User      string
	Channel   string
	CreatedAt time.Time
}

type requestKey struct {
	user    string
	channel string
}

// Requests holds pending subscription requests. Every transition runs under
// one mutex, which makes resolve a check-and-set.
type Requests struct {
	mu      sync.Mutex
	pending map[requestKey]Request
}

// NewRequests creates an empty registry.
func NewRequests() *Requests {
	return &Requests{pending: make(map[requestKey]Request)}
}

// put stores req, replacing any pending request for the same key. It reports
// whether one was replaced.
func (r *Requests) put(req Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := requestKey{user: req.User, channel: req.Channel}
	_, superseded := r.pending[key]
	r.pending[key] = req
	return superseded
}

// resolve removes and returns the pending request for the key. Only one of
// several concurrent callers gets ok == true.
func (r *Requests) resolve(user, channel string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := requestKey{user: user, channel: channel}
	req, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	return req, ok
}

// Status returns the state of the key.
func (r *Requests) Status(user, channel string) RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[requestKey{user: user, channel: channel}]; ok {
		return StatusPending
	}
	return StatusNone
}

// Pending returns every pending request, oldest first.
func (r *Requests) Pending() []Request {
	r.mu.Lock()
	list := make([]Request, 0, len(r.pending))
	for _, req := range r.pending {
		list = append(list, req)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		if list[i].User != list[j].User {
			return list[i].User < list[j].User
		}
		return list[i].Channel < list[j].Channel
	})
	return list
}

// Publisher sends a payload to a broker channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Granter adds a channel to every live connection of an identity.
type Granter interface {
	Grant(ctx context.Context, name, channel string) (int, error)
}

// SubscriptionMachine applies request, approve and deny transitions and their
// side effects.
type SubscriptionMachine struct {
	requests  *Requests
	publisher Publisher
	granter   Granter
	now       func() time.Time
	log       *zerolog.Logger
}

// NewSubscriptionMachine wires the machine to its collaborators.
func NewSubscriptionMachine(requests *Requests, pub Publisher, granter Granter, logger *zerolog.Logger) *SubscriptionMachine {
	return &SubscriptionMachine{
		requests:  requests,
		publisher: pub,
		granter:   granter,
		now:       time.Now,
		log:       logger,
	}
}

// Requests exposes the pending request registry.
func (m *SubscriptionMachine) Requests() *Requests {
	return m.requests
}

// Request moves (ident, channel) to pending and notifies moderators.
func (m *SubscriptionMachine) Request(ctx context.Context, ident Identity, channel string) error {
	if reservedChannel(channel) {
		return newError(ErrProtocol, ErrCodeReservedChannel, "Channel %s cannot be requested", channel)
	}

	req := Request{User: ident.Name, Channel: channel, CreatedAt: m.now()}
	superseded := m.requests.put(req)

	if err := m.publish(ctx, ModeratorChannel, proto.NewSubscriptionRequested(req.User, req.Channel, req.CreatedAt)); err != nil {
		return err
	}
	m.log.Info().
		Str("user", req.User).
		Str("channel", channel).
		Bool("superseded", superseded).
		Msg("subscription requested")
	return nil
}

// Approve resolves a pending request, grants the channel to the target's live
// connections and then notifies the target.
func (m *SubscriptionMachine) Approve(ctx context.Context, moderator Identity, target, channel string) error {
	if !moderator.IsModerator() {
		return newError(ErrUnauthorized, ErrCodeUnauthorized, "Unauthorized: Only moderators can approve subscriptions")
	}
	if _, ok := m.requests.resolve(target, channel); !ok {
		return newError(ErrNotPending, ErrCodeNotPending, "No pending request from %s for %s", target, channel)
	}

	granted, err := m.granter.Grant(ctx, target, channel)
	if err != nil {
		return err
	}
	if err := m.publish(ctx, PrivateChannel(target), proto.NewSubscriptionApproved(channel, m.now())); err != nil {
		return err
	}
	m.log.Info().
		Str("moderator", moderator.Name).
		Str("user", target).
		Str("channel", channel).
		Int("connections", granted).
		Msg("subscription approved")
	return nil
}

// Deny resolves a pending request and notifies the target.
func (m *SubscriptionMachine) Deny(ctx context.Context, moderator Identity, target, channel string) error {
	if !moderator.IsModerator() {
		return newError(ErrUnauthorized, ErrCodeUnauthorized, "Unauthorized: Only moderators can deny subscriptions")
	}
	if _, ok := m.requests.resolve(target, channel); !ok {
		return newError(ErrNotPending, ErrCodeNotPending, "No pending request from %s for %s", target, channel)
	}

	if err := m.publish(ctx, PrivateChannel(target), proto.NewSubscriptionDenied(channel, m.now())); err != nil {
		return err
	}
	m.log.Info().
		Str("moderator", moderator.Name).
		Str("user", target).
		Str("channel", channel).
		Msg("subscription denied")
	return nil
}

// publish reports broker failures as error frames; the connection stays open.
func (m *SubscriptionMachine) publish(ctx context.Context, channel string, msg proto.Outbound) error {
	return publishFrame(ctx, m.publisher, m.log, channel, msg)
}

func publishFrame(ctx context.Context, pub Publisher, log *zerolog.Logger, channel string, msg proto.Outbound) error {
	payload, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, channel, payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("channel", channel).Str("type", msg.OutboundType()).Msg("publish failed")
		kind := ErrTransport
		if errors.Is(err, ErrUnavailable) {
			kind = ErrUnavailable
		}
		return newError(kind, ErrCodeUnavailable, "Message could not be delivered, try again")
	}
	return nil
}
