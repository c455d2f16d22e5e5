// Package protocol defines the signaling wire format shared by server and
// clients: a small envelope carrying a type tag, the server-stamped sender,
// and a payload. Known control types decode into concrete payload structs;
// everything else is opaque pass-through for peer-negotiated protocols.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the unit of signaling. From is always stamped by the server
// with the authenticated sender identity; a client-supplied From is ignored.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server-emitted control types.
const (
	TypeRoster          string = "roster"
	TypeUserJoined      string = "user-joined"
	TypeUserLeft        string = "user-left"
	TypeRoleChanged     string = "role-changed"
	TypeSpaceEnded      string = "space-ended"
	TypeRequestPending  string = "speaker-request-pending"
	TypeRequestResolved string = "speaker-request-resolved"
	TypeError           string = "error"
	TypeHeartbeatAck    string = "heartbeat-ack"
)

// Client-initiated control types.
const (
	TypeHeartbeat      string = "heartbeat"
	TypeSpeakerRequest string = "speaker-request"
	TypeResolveRequest string = "resolve-request"
	TypeChangeRole     string = "change-role"
	TypeEndSpace       string = "end-space"
)

// Error codes carried by TypeError payloads.
const (
	CodeNotAuthorized = "not_authorized"
	CodeNotFound      = "not_found"
	CodeConflict      = "conflict"
	CodeSpaceEnded    = "space_ended"
	CodeBadPayload    = "bad_payload"
)

// RosterUser is one entry of a roster snapshot, deduplicated by user.
type RosterUser struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role,omitempty"`
	Connections int    `json:"connections,omitempty"`
}

type RosterPayload struct {
	SpaceID string       `json:"space_id"`
	Users   []RosterUser `json:"users"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
}

type RoleChangedPayload struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	ChangedBy string `json:"changed_by,omitempty"`
}

type SpaceEndedPayload struct {
	SpaceID string    `json:"space_id"`
	EndedAt time.Time `json:"ended_at"`
}

type RequestPendingPayload struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	RequestedAt time.Time `json:"requested_at"`
}

type RequestResolvedPayload struct {
	RequestID  string `json:"request_id"`
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

type ResolveRequestPayload struct {
	RequestID string `json:"request_id"`
	Accept    bool   `json:"accept"`
}

type ChangeRolePayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Opaque marks a payload the protocol does not interpret. The relay fans
// these out untouched to the other participants of the space.
type Opaque struct {
	Type    string
	Payload json.RawMessage
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType, from string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, From: from}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Encode renders an envelope to wire bytes.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope parses wire bytes into an envelope without touching the
// payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing type")
	}
	return env, nil
}

// ParsePayload decodes the payload of known control types into their
// concrete structs. Unknown types come back as Opaque — never an error —
// so peer-established protocols pass through untouched.
func ParsePayload(env Envelope) (any, error) {
	switch env.Type {
	case TypeRoster:
		return decodeAs[RosterPayload](env)
	case TypeUserJoined, TypeUserLeft:
		return decodeAs[PresencePayload](env)
	case TypeRoleChanged:
		return decodeAs[RoleChangedPayload](env)
	case TypeSpaceEnded:
		return decodeAs[SpaceEndedPayload](env)
	case TypeRequestPending:
		return decodeAs[RequestPendingPayload](env)
	case TypeRequestResolved:
		return decodeAs[RequestResolvedPayload](env)
	case TypeResolveRequest:
		return decodeAs[ResolveRequestPayload](env)
	case TypeChangeRole:
		return decodeAs[ChangeRolePayload](env)
	case TypeError:
		return decodeAs[ErrorPayload](env)
	case TypeHeartbeat, TypeHeartbeatAck, TypeSpeakerRequest, TypeEndSpace:
		return struct{}{}, nil
	default:
		return Opaque{Type: env.Type, Payload: env.Payload}, nil
	}
}

func decodeAs[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("protocol: %s envelope missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("protocol: decode %s payload: %w", env.Type, err)
	}
	return out, nil
}

// ServerEmitted reports whether msgType may only originate from the server.
// The relay refuses to pass these through from clients so nobody can forge
// roster or role updates.
func ServerEmitted(msgType string) bool {
	switch msgType {
	case TypeRoster, TypeUserJoined, TypeUserLeft, TypeRoleChanged,
		TypeSpaceEnded, TypeRequestPending, TypeRequestResolved,
		TypeError, TypeHeartbeatAck:
		return true
	default:
		return false
	}
}
