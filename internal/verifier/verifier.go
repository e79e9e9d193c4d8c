// Package verifier talks to the remote liveness-decision service: it
// creates verification sessions and submits captured frame buffers for a
// verdict. The anti-spoofing decision itself is opaque to this process.
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/example/livecapture/internal/sequencer"
)

// Method selects how liveness is captured.
type Method string

const (
	// MethodPassive requires no user action beyond holding still.
	MethodPassive Method = "passive"
	// MethodActive prompts the user through an ordered challenge sequence.
	MethodActive Method = "active"
)

// Valid reports whether the method is one of the supported capture modes.
func (m Method) Valid() bool {
	return m == MethodPassive || m == MethodActive
}

// Challenge is one prompted action in the active method's sequence. The
// set is fixed; adding a kind means extending the server enumeration and
// the instruction mapping below in lockstep.
type Challenge string

const (
	ChallengeBlink     Challenge = "blink"
	ChallengeSmile     Challenge = "smile"
	ChallengeNod       Challenge = "nod"
	ChallengeTurnRight Challenge = "turnRight"
	ChallengeTurnLeft  Challenge = "turnLeft"
)

var challengeInstructions = map[Challenge]string{
	ChallengeBlink:     "Blink your eyes",
	ChallengeSmile:     "Smile",
	ChallengeNod:       "Nod your head",
	ChallengeTurnRight: "Turn your head to the right",
	ChallengeTurnLeft:  "Turn your head to the left",
}

// Known reports whether the challenge kind is part of the fixed set.
func (c Challenge) Known() bool {
	_, ok := challengeInstructions[c]
	return ok
}

// Instruction returns the human prompt for the challenge.
func (c Challenge) Instruction() string {
	if text, ok := challengeInstructions[c]; ok {
		return text
	}
	return string(c)
}

// Session is one remote verification session. The challenge list is
// authoritative and ordered; callers never reorder or regenerate it.
type Session struct {
	SessionID  string
	Identifier string
	Method     Method
	Challenges []Challenge
	ExpiresAt  time.Time
}

// Result is the verdict for one attempt, immutable once received. A
// transport or server failure is represented as a Result with IsLive
// false and FailureReason/ErrorCode populated, so the user always reaches
// a terminal, actionable screen.
type Result struct {
	SessionID     string  `json:"session_id"`
	Identifier    string  `json:"identifier"`
	Method        Method  `json:"method"`
	IsLive        bool    `json:"is_live"`
	Confidence    float64 `json:"confidence"`
	FaceImageRef  string  `json:"face_image_ref,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
	ErrorCode     string  `json:"error_code,omitempty"`
}

// APIError is a structured error payload reported by the verifier.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("verifier: %s (code=%s)", e.Message, e.Code)
}

// Client is the remote verification capability used by the capture flow.
type Client interface {
	CreateSession(ctx context.Context, identifier string, method Method) (*Session, error)
	Submit(ctx context.Context, sessionID string, frames []sequencer.Frame) (*Result, error)
}
