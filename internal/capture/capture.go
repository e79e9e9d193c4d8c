// Package capture orchestrates the end-to-end liveness flow: identifier
// intake, session creation, live guidance, timed capture, remote
// verification, and result display.
package capture

import (
	"errors"
	"regexp"
)

// State is one phase of the capture flow.
type State string

const (
	StateInput        State = "input"
	StateCameraActive State = "camera_active"
	StateCapturing    State = "capturing"
	StateProcessing   State = "processing"
	StateResult       State = "result"
)

// Intake and transition failures surfaced inline to the caller. All of
// them leave the machine in a recoverable state.
var (
	ErrInvalidIdentifier = errors.New("capture: identifier must be 16 digits")
	ErrInvalidMethod     = errors.New("capture: method must be passive or active")
	ErrAttemptInProgress = errors.New("capture: an attempt is already in progress")
	ErrNoAttempt         = errors.New("capture: no attempt awaiting confirmation")
	ErrNotEligible       = errors.New("capture: presentation not ready for capture")
)

// Error codes carried on failure-shaped results.
const (
	CodeEmptyCapture   = "EMPTY_CAPTURE"
	CodeCaptureFailed  = "CAPTURE_FAILED"
	CodeNetworkFailure = "NETWORK_FAILURE"
)

var identifierPattern = regexp.MustCompile(`^[0-9]{16}$`)
