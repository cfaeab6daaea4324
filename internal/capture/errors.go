package capture

import "errors"

var (
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	ErrEmptyCapture     = errors.New("capture: recorder produced no data")
	ErrRetrievalFailed  = errors.New("capture: recording could not be retrieved")
	ErrSessionNotJoined = errors.New("capture: session is not joined")
)

// Page-side error codes returned in the handoff.
const (
	codePermissionDenied = "permission_denied"
	codeEmptyCapture     = "empty_capture"
)
