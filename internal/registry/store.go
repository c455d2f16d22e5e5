package registry

import (
	"context"
	"time"

	"github.com/shep95/maldek-sub002/internal/types"
)

// Store is the durable persistence surface behind the registry. Two
// implementations exist: MemStore for tests and single-node deployments,
// PgStore backed by Postgres.
//
// Implementations must make ResolveRequest and EndSpace atomic
// compare-and-swap operations: of two concurrent calls on the same row,
// exactly one succeeds and the other observes ErrConflict.
type Store interface {
	CreateSpace(ctx context.Context, space *types.Space) error
	GetSpace(ctx context.Context, spaceID string) (*types.Space, error)
	ListLiveSpaces(ctx context.Context) ([]*types.Space, error)
	// EndSpace flips status live->ended. ErrConflict if already ended.
	EndSpace(ctx context.Context, spaceID string, endedAt time.Time) error

	UpsertParticipant(ctx context.Context, p *types.Participant) error
	GetParticipant(ctx context.Context, spaceID, userID string) (*types.Participant, error)
	ListParticipants(ctx context.Context, spaceID string) ([]*types.Participant, error)

	CreateRequest(ctx context.Context, req *types.SpeakerRequest) error
	GetRequest(ctx context.Context, requestID string) (*types.SpeakerRequest, error)
	// PendingRequest returns the pending request for (spaceID, userID),
	// or ErrRequestNotFound when none exists.
	PendingRequest(ctx context.Context, spaceID, userID string) (*types.SpeakerRequest, error)
	// ListPendingRequests returns pending requests ordered by RequestedAt
	// ascending so the oldest request is resolved first.
	ListPendingRequests(ctx context.Context, spaceID string) ([]*types.SpeakerRequest, error)
	// ResolveRequest CASes the request from pending to accepted/rejected and,
	// on accept, promotes the requesting participant to speaker in the same
	// atomic step. Losers of the race get ErrConflict.
	ResolveRequest(ctx context.Context, requestID, resolverID string, accept bool, resolvedAt time.Time) (*types.SpeakerRequest, *types.Participant, error)
	// RejectAllPending rejects every pending request of a space and returns
	// the requests that were flipped. Used by the end-space cascade.
	RejectAllPending(ctx context.Context, spaceID, resolverID string, resolvedAt time.Time) ([]*types.SpeakerRequest, error)
}
