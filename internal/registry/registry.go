// Package registry owns durable space state: spaces, participants, roles and
// speaker requests. It enforces the role transition rules and authorization
// table and emits an event for every mutation; the signaling layer consumes
// those events and broadcasts them to connected clients.
package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shep95/maldek-sub002/internal/types"
)

const criticalEmitTimeout = 100 * time.Millisecond

type Registry struct {
	store  Store
	logger zerolog.Logger
	events chan *types.Event

	dropped         atomic.Int64
	droppedCritical atomic.Int64
}

func New(store Store, logger zerolog.Logger, eventBuffer int) *Registry {
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &Registry{
		store:  store,
		logger: logger.With().Str("component", "registry").Logger(),
		events: make(chan *types.Event, eventBuffer),
	}
}

// Events is the stream of mutation events. Delivery is best-effort: when the
// consumer lags, non-critical events are dropped and counted.
func (r *Registry) Events() <-chan *types.Event {
	return r.events
}

// CreateSpace creates a live space with hostID as its sole host participant.
func (r *Registry) CreateSpace(ctx context.Context, hostID, title, description string) (*types.Space, error) {
	now := time.Now().UTC()
	space := &types.Space{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		HostID:      hostID,
		Status:      types.SpaceLive,
		StartedAt:   now,
	}
	if err := r.store.CreateSpace(ctx, space); err != nil {
		return nil, err
	}
	host := &types.Participant{
		SpaceID:  space.ID,
		UserID:   hostID,
		Role:     types.RoleHost,
		JoinedAt: now,
	}
	if err := r.store.UpsertParticipant(ctx, host); err != nil {
		return nil, err
	}
	r.logger.Info().Str("space", space.ID).Str("user", hostID).Msg("space created")
	return space, nil
}

func (r *Registry) GetSpace(ctx context.Context, spaceID string) (*types.Space, error) {
	return r.store.GetSpace(ctx, spaceID)
}

func (r *Registry) ListLiveSpaces(ctx context.Context) ([]*types.Space, error) {
	return r.store.ListLiveSpaces(ctx)
}

func (r *Registry) GetParticipant(ctx context.Context, spaceID, userID string) (*types.Participant, error) {
	return r.store.GetParticipant(ctx, spaceID, userID)
}

func (r *Registry) ListParticipants(ctx context.Context, spaceID string) ([]*types.Participant, error) {
	return r.store.ListParticipants(ctx, spaceID)
}

// JoinSpace adds userID to a live space as a listener. A returning user
// resumes the role recorded on their retained participant row.
func (r *Registry) JoinSpace(ctx context.Context, spaceID, userID string) (*types.Participant, error) {
	space, err := r.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if space.Status != types.SpaceLive {
		return nil, ErrSpaceEnded
	}

	p, err := r.store.GetParticipant(ctx, spaceID, userID)
	switch {
	case err == nil:
		if !p.Left {
			return p, nil
		}
		p.Left = false
		p.LeftAt = nil
	case err == ErrParticipantNotFound:
		p = &types.Participant{
			SpaceID:  spaceID,
			UserID:   userID,
			Role:     types.RoleListener,
			JoinedAt: time.Now().UTC(),
		}
	default:
		return nil, err
	}

	if err := r.store.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	r.logger.Info().Str("space", spaceID).Str("user", userID).Str("role", string(p.Role)).Msg("participant joined")
	return p, nil
}

// LeaveSpace marks the participant row as left. The row itself is retained.
func (r *Registry) LeaveSpace(ctx context.Context, spaceID, userID string) error {
	p, err := r.store.GetParticipant(ctx, spaceID, userID)
	if err != nil {
		return err
	}
	if p.Left {
		return nil
	}
	now := time.Now().UTC()
	p.Left = true
	p.LeftAt = &now
	if err := r.store.UpsertParticipant(ctx, p); err != nil {
		return err
	}
	r.logger.Info().Str("space", spaceID).Str("user", userID).Msg("participant left")
	return nil
}

// ChangeRole moves target to newRole on behalf of requester, subject to the
// authorization table in CheckRoleChange. A no-op change emits no event.
func (r *Registry) ChangeRole(ctx context.Context, requesterID, spaceID, targetID string, newRole types.Role) (*types.Participant, error) {
	space, err := r.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if space.Status != types.SpaceLive {
		return nil, ErrSpaceEnded
	}

	actor, err := r.store.GetParticipant(ctx, spaceID, requesterID)
	if err != nil {
		return nil, ErrAuthorization
	}
	target, err := r.store.GetParticipant(ctx, spaceID, targetID)
	if err != nil {
		return nil, err
	}

	if err := CheckRoleChange(requesterID, targetID, actor.Role, target.Role, newRole); err != nil {
		r.logger.Warn().Str("space", spaceID).Str("user", requesterID).
			Str("target", targetID).Str("role", string(newRole)).Err(err).
			Msg("role change refused")
		return nil, err
	}
	if target.Role == newRole {
		return target, nil
	}

	target.Role = newRole
	if err := r.store.UpsertParticipant(ctx, target); err != nil {
		return nil, err
	}

	r.emit(&types.Event{
		Type:      types.EventRoleChanged,
		SpaceID:   spaceID,
		UserID:    targetID,
		Role:      newRole,
		ActorID:   requesterID,
		Timestamp: time.Now().UTC(),
	})
	r.logger.Info().Str("space", spaceID).Str("user", targetID).
		Str("role", string(newRole)).Str("actor", requesterID).Msg("role changed")
	return target, nil
}

// EndSpace terminates a live space. Only the host may end it. Every pending
// speaker request is auto-rejected so nothing dangles against a dead space.
func (r *Registry) EndSpace(ctx context.Context, requesterID, spaceID string) (*types.Space, error) {
	space, err := r.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if space.HostID != requesterID {
		return nil, ErrAuthorization
	}

	now := time.Now().UTC()
	if err := r.store.EndSpace(ctx, spaceID, now); err != nil {
		return nil, err
	}
	space.Status = types.SpaceEnded
	space.EndedAt = &now

	rejected, err := r.store.RejectAllPending(ctx, spaceID, requesterID, now)
	if err != nil {
		return nil, err
	}
	for _, req := range rejected {
		r.emit(&types.Event{
			Type:      types.EventRequestResolved,
			SpaceID:   spaceID,
			UserID:    req.UserID,
			ActorID:   requesterID,
			Request:   req,
			Timestamp: now,
		})
	}
	r.emit(&types.Event{
		Type:      types.EventSpaceEnded,
		SpaceID:   spaceID,
		ActorID:   requesterID,
		Timestamp: now,
	})
	r.logger.Info().Str("space", spaceID).Str("user", requesterID).
		Int("rejected_requests", len(rejected)).Msg("space ended")
	return space, nil
}

// RequestSpeaker records a listener's promotion request. Calling it again
// while a request is already pending is idempotent: the existing pending
// request is returned instead of creating a duplicate row.
func (r *Registry) RequestSpeaker(ctx context.Context, spaceID, userID string) (*types.SpeakerRequest, error) {
	space, err := r.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if space.Status != types.SpaceLive {
		return nil, ErrSpaceEnded
	}
	p, err := r.store.GetParticipant(ctx, spaceID, userID)
	if err != nil {
		return nil, err
	}
	if p.Role != types.RoleListener {
		return nil, ErrConflict
	}

	if existing, err := r.store.PendingRequest(ctx, spaceID, userID); err == nil {
		return existing, nil
	} else if err != ErrRequestNotFound {
		return nil, err
	}

	req := &types.SpeakerRequest{
		ID:          uuid.NewString(),
		SpaceID:     spaceID,
		UserID:      userID,
		Status:      types.RequestPending,
		RequestedAt: time.Now().UTC(),
	}
	if err := r.store.CreateRequest(ctx, req); err != nil {
		if err == ErrConflict {
			// Lost a race with another connection of the same user.
			return r.store.PendingRequest(ctx, spaceID, userID)
		}
		return nil, err
	}

	r.emit(&types.Event{
		Type:      types.EventRequestPending,
		SpaceID:   spaceID,
		UserID:    userID,
		Request:   req,
		Timestamp: req.RequestedAt,
	})
	r.logger.Info().Str("space", spaceID).Str("user", userID).Str("request", req.ID).Msg("speaker request created")
	return req, nil
}

// ListPending returns a space's pending requests in FIFO order. Restricted
// to moderators so listeners cannot enumerate each other's requests.
func (r *Registry) ListPending(ctx context.Context, requesterID, spaceID string) ([]*types.SpeakerRequest, error) {
	actor, err := r.store.GetParticipant(ctx, spaceID, requesterID)
	if err != nil || !actor.Role.CanModerate() {
		return nil, ErrAuthorization
	}
	return r.store.ListPendingRequests(ctx, spaceID)
}

// ResolveRequest accepts or rejects a pending request. Acceptance promotes
// the requester to speaker atomically with flipping the request status; of
// two concurrent resolvers exactly one wins, the loser gets ErrConflict.
func (r *Registry) ResolveRequest(ctx context.Context, resolverID, requestID string, accept bool) (*types.SpeakerRequest, error) {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	actor, err := r.store.GetParticipant(ctx, req.SpaceID, resolverID)
	if err != nil || !actor.Role.CanModerate() {
		return nil, ErrAuthorization
	}

	now := time.Now().UTC()
	resolved, promoted, err := r.store.ResolveRequest(ctx, requestID, resolverID, accept, now)
	if err != nil {
		return nil, err
	}

	r.emit(&types.Event{
		Type:      types.EventRequestResolved,
		SpaceID:   resolved.SpaceID,
		UserID:    resolved.UserID,
		ActorID:   resolverID,
		Request:   resolved,
		Timestamp: now,
	})
	if promoted != nil {
		r.emit(&types.Event{
			Type:      types.EventRoleChanged,
			SpaceID:   promoted.SpaceID,
			UserID:    promoted.UserID,
			Role:      promoted.Role,
			ActorID:   resolverID,
			Timestamp: now,
		})
	}
	r.logger.Info().Str("space", resolved.SpaceID).Str("request", requestID).
		Str("user", resolved.UserID).Bool("accepted", accept).Str("actor", resolverID).
		Msg("speaker request resolved")
	return resolved, nil
}

// Stats reports event-buffer health alongside the live space count.
func (r *Registry) Stats(ctx context.Context) types.RegistryStats {
	live, _ := r.store.ListLiveSpaces(ctx)
	return types.RegistryStats{
		LiveSpaces:            len(live),
		DroppedEvents:         r.dropped.Load(),
		DroppedCriticalEvents: r.droppedCritical.Load(),
		EventBufferLength:     len(r.events),
		EventBufferCapacity:   cap(r.events),
	}
}

// emit never blocks the mutation path indefinitely. Critical events get a
// short grace window before being dropped; the rest are dropped immediately
// when the buffer is full. Clients recover from lost events by resyncing
// the roster.
func (r *Registry) emit(ev *types.Event) {
	select {
	case r.events <- ev:
		return
	default:
	}
	if ev.Type.IsCritical() {
		select {
		case r.events <- ev:
			return
		case <-time.After(criticalEmitTimeout):
			r.droppedCritical.Add(1)
		}
	} else {
		r.dropped.Add(1)
	}
	r.logger.Warn().Str("space", ev.SpaceID).Str("event", string(ev.Type)).Msg("event dropped, buffer full")
}
