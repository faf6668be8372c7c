package protocol

import "errors"

// Channel error taxonomy. Timeout and ConnectionLost leave the remote outcome
// undetermined: the command may or may not have executed.
var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrNotConnected          = errors.New("node not connected")
	ErrTimeout               = errors.New("command timed out")
	ErrConnectionLost        = errors.New("connection lost")
	ErrMalformedFrame        = errors.New("malformed frame")
)
