package registry

import "errors"

var (
	ErrSpaceNotFound       = errors.New("space not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrRequestNotFound     = errors.New("speaker request not found")
	ErrSpaceEnded          = errors.New("space has ended")
	ErrAuthorization       = errors.New("not authorized")
	ErrConflict            = errors.New("conflicting update")
	ErrInvalidRole         = errors.New("invalid role")
)
