package types

import "time"

// Role is a participant's permission tier within a space.
// Ordering: host > co_host > speaker > listener.
type Role string

const (
	RoleHost     Role = "host"
	RoleCoHost   Role = "co_host"
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleCoHost, RoleSpeaker, RoleListener:
		return true
	default:
		return false
	}
}

// CanModerate reports whether r may promote/demote other participants
// and resolve speaker requests.
func (r Role) CanModerate() bool {
	return r == RoleHost || r == RoleCoHost
}

type SpaceStatus string

const (
	SpaceLive  SpaceStatus = "live"
	SpaceEnded SpaceStatus = "ended"
)

// Space is a live multi-participant audio room. The live->ended
// transition is one-way; an ended space never comes back.
type Space struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	HostID      string      `json:"host_id"`
	Status      SpaceStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
}

// Participant is a user's membership record in a space. Rows are kept
// after leave (Left=true) so history survives; (SpaceID, UserID) is unique.
type Participant struct {
	SpaceID  string     `json:"space_id"`
	UserID   string     `json:"user_id"`
	Role     Role       `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
	Left     bool       `json:"left,omitempty"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// SpeakerRequest is a listener's request to be promoted to speaker.
// At most one pending request exists per (SpaceID, UserID).
type SpeakerRequest struct {
	ID          string        `json:"id"`
	SpaceID     string        `json:"space_id"`
	UserID      string        `json:"user_id"`
	Status      RequestStatus `json:"status"`
	RequestedAt time.Time     `json:"requested_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy  string        `json:"resolved_by,omitempty"`
}

type EventType string

const (
	EventUserJoined      EventType = "user-joined"
	EventUserLeft        EventType = "user-left"
	EventRoleChanged     EventType = "role-changed"
	EventSpaceEnded      EventType = "space-ended"
	EventRequestPending  EventType = "speaker-request-pending"
	EventRequestResolved EventType = "speaker-request-resolved"
)

// IsCritical returns true for events whose loss would leave clients with a
// stale role or space view; these are delivered with timeout protection
// instead of being dropped outright when the event buffer is full.
func (e EventType) IsCritical() bool {
	switch e {
	case EventRoleChanged, EventSpaceEnded, EventRequestResolved:
		return true
	default:
		return false
	}
}

// Event is emitted by the registry on every mutation and fanned out to
// connected clients by the signaling relay.
type Event struct {
	Type      EventType       `json:"type"`
	SpaceID   string          `json:"space_id"`
	UserID    string          `json:"user_id,omitempty"`
	Role      Role            `json:"role,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	Request   *SpeakerRequest `json:"request,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RegistryStats is exposed on the stats endpoint for operational visibility.
type RegistryStats struct {
	LiveSpaces            int   `json:"live_spaces"`
	DroppedEvents         int64 `json:"dropped_events"`
	DroppedCriticalEvents int64 `json:"dropped_critical_events"`
	EventBufferLength     int   `json:"event_buffer_length"`
	EventBufferCapacity   int   `json:"event_buffer_capacity"`
}
