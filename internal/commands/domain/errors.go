package commands

import "errors"

var (
	// ErrNotFound indicates the referenced command does not exist.
	ErrNotFound = errors.New("commands: command not found")
	// ErrForbidden indicates the caller does not own the command.
	ErrForbidden = errors.New("commands: agent does not own command")
	// ErrInvalidTransition indicates an illegal lifecycle transition.
	ErrInvalidTransition = errors.New("commands: invalid status transition")
	// ErrNotClaimed indicates the command is not currently claimed by the caller.
	ErrNotClaimed = errors.New("commands: command not claimed by caller")
	// ErrValidation indicates malformed input rejected before any mutation.
	ErrValidation = errors.New("commands: validation failed")
	// ErrConflictingUpdate indicates a concurrent mutation won the status race.
	ErrConflictingUpdate = errors.New("commands: concurrent status update")
)
