package history

import "errors"

var (
	// ErrMissingThingID is returned when an entry or query has no thing ID.
	ErrMissingThingID = errors.New("history: thing id is required")

	// ErrMissingChannelID is returned when an entry or query has no channel ID.
	ErrMissingChannelID = errors.New("history: channel id is required")

	// ErrInvalidRetention is returned by Prune for a non-positive duration.
	ErrInvalidRetention = errors.New("history: retention must be positive")
)
