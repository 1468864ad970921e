package domain

import "errors"

// Ошибки, которые доходят до Control Plane.
var (
	ErrNotFound          = errors.New("bot not found")
	ErrAlreadyRunning    = errors.New("the bot is already running")
	ErrActionUnsupported = errors.New("this bot is unable to perform this action")
	ErrBotDestroyed      = errors.New("bot is destroyed")
)

// Ошибки, которые гасятся на месте вызова (внутри агента или диспетчера).
var (
	ErrTransportFailure = errors.New("transport failure")
	ErrLookupFailure    = errors.New("lookup failure")
)

// Групповые операции.
var (
	ErrUserNotAdded    = errors.New("user not added in group")
	ErrUserNotRemoved  = errors.New("user was not removed from the group")
	ErrMaxParticipants = errors.New("total number of participants reached")
	ErrGroupNotDeleted = errors.New("no groups were deleted")
)

// Ошибки Console API.
var (
	ErrInvalidCredentials = errors.New("invalid username/password")
	ErrInvalidInput       = errors.New("invalid input")
)
