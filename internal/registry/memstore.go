package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shep95/maldek-sub002/internal/types"
)

// MemStore is an in-memory Store guarded by a single RWMutex. All CAS
// semantics fall out of holding the write lock across read-and-flip.
type MemStore struct {
	mu            sync.RWMutex
	spaces        map[string]*types.Space
	participants  map[string]map[string]*types.Participant // spaceID -> userID
	requests      map[string]*types.SpeakerRequest         // requestID
	pendingByUser map[string]map[string]string             // spaceID -> userID -> requestID
}

func NewMemStore() *MemStore {
	return &MemStore{
		spaces:        make(map[string]*types.Space),
		participants:  make(map[string]map[string]*types.Participant),
		requests:      make(map[string]*types.SpeakerRequest),
		pendingByUser: make(map[string]map[string]string),
	}
}

func (s *MemStore) CreateSpace(_ context.Context, space *types.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *space
	s.spaces[space.ID] = &cp
	return nil
}

func (s *MemStore) GetSpace(_ context.Context, spaceID string) (*types.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	space, ok := s.spaces[spaceID]
	if !ok {
		return nil, ErrSpaceNotFound
	}
	cp := *space
	return &cp, nil
}

func (s *MemStore) ListLiveSpaces(_ context.Context) ([]*types.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := make([]*types.Space, 0, len(s.spaces))
	for _, space := range s.spaces {
		if space.Status == types.SpaceLive {
			cp := *space
			live = append(live, &cp)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].StartedAt.Before(live[j].StartedAt)
	})
	return live, nil
}

func (s *MemStore) EndSpace(_ context.Context, spaceID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	space, ok := s.spaces[spaceID]
	if !ok {
		return ErrSpaceNotFound
	}
	if space.Status != types.SpaceLive {
		return ErrConflict
	}
	space.Status = types.SpaceEnded
	space.EndedAt = &endedAt
	return nil
}

func (s *MemStore) UpsertParticipant(_ context.Context, p *types.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.participants[p.SpaceID]
	if !ok {
		byUser = make(map[string]*types.Participant)
		s.participants[p.SpaceID] = byUser
	}
	cp := *p
	byUser[p.UserID] = &cp
	return nil
}

func (s *MemStore) GetParticipant(_ context.Context, spaceID, userID string) (*types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[spaceID][userID]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) ListParticipants(_ context.Context, spaceID string) ([]*types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Participant, 0, len(s.participants[spaceID]))
	for _, p := range s.participants[spaceID] {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemStore) CreateRequest(_ context.Context, req *types.SpeakerRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pendingByUser[req.SpaceID][req.UserID]; exists {
		return ErrConflict
	}
	cp := *req
	s.requests[req.ID] = &cp
	pending, ok := s.pendingByUser[req.SpaceID]
	if !ok {
		pending = make(map[string]string)
		s.pendingByUser[req.SpaceID] = pending
	}
	pending[req.UserID] = req.ID
	return nil
}

func (s *MemStore) GetRequest(_ context.Context, requestID string) (*types.SpeakerRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemStore) PendingRequest(_ context.Context, spaceID, userID string) (*types.SpeakerRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pendingByUser[spaceID][userID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *s.requests[id]
	return &cp, nil
}

func (s *MemStore) ListPendingRequests(_ context.Context, spaceID string) ([]*types.SpeakerRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.SpeakerRequest, 0, len(s.pendingByUser[spaceID]))
	for _, id := range s.pendingByUser[spaceID] {
		cp := *s.requests[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (s *MemStore) ResolveRequest(_ context.Context, requestID, resolverID string, accept bool, resolvedAt time.Time) (*types.SpeakerRequest, *types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return nil, nil, ErrRequestNotFound
	}
	if req.Status != types.RequestPending {
		return nil, nil, ErrConflict
	}

	req.ResolvedAt = &resolvedAt
	req.ResolvedBy = resolverID
	delete(s.pendingByUser[req.SpaceID], req.UserID)

	if !accept {
		req.Status = types.RequestRejected
		cp := *req
		return &cp, nil, nil
	}

	req.Status = types.RequestAccepted
	var promoted *types.Participant
	// Only a listener gets promoted. A requester moved off listener since
	// filing (for example promoted to co_host directly) keeps their role;
	// the stale request is simply marked accepted.
	if p, ok := s.participants[req.SpaceID][req.UserID]; ok && p.Role == types.RoleListener {
		p.Role = types.RoleSpeaker
		cp := *p
		promoted = &cp
	}
	cp := *req
	return &cp, promoted, nil
}

func (s *MemStore) RejectAllPending(_ context.Context, spaceID, resolverID string, resolvedAt time.Time) ([]*types.SpeakerRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rejected []*types.SpeakerRequest
	for _, id := range s.pendingByUser[spaceID] {
		req := s.requests[id]
		req.Status = types.RequestRejected
		req.ResolvedAt = &resolvedAt
		req.ResolvedBy = resolverID
		cp := *req
		rejected = append(rejected, &cp)
	}
	delete(s.pendingByUser, spaceID)

	sort.Slice(rejected, func(i, j int) bool {
		return rejected[i].RequestedAt.Before(rejected[j].RequestedAt)
	})
	return rejected, nil
}
