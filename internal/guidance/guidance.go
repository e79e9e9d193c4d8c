// Package guidance turns raw face detections into positioning feedback:
// distance classification, adaptive guide-overlay sizing, a color signal,
// and the instruction shown to the user.
package guidance

import (
	"github.com/example/livecapture/internal/detector"
)

// DistanceClass categorizes the face-to-frame size ratio.
type DistanceClass string

const (
	DistanceUnknown  DistanceClass = "unknown"
	DistanceTooFar   DistanceClass = "too_far"
	DistanceGood     DistanceClass = "good"
	DistanceTooClose DistanceClass = "too_close"
)

// ColorSignal drives the guide-overlay color.
type ColorSignal string

const (
	SignalNeutral  ColorSignal = "neutral"
	SignalPositive ColorSignal = "positive"
	SignalNegative ColorSignal = "negative"
)

// Face-to-frame ratio thresholds and overlay size bounds.
const (
	ratioTooFar   = 0.15
	ratioTooClose = 0.35

	overlayMin = 60.0
	overlayMax = 85.0
)

// Instruction texts shown to the user.
const (
	InstructionNoFace     = "No face detected"
	InstructionWarmingUp  = "Preparing face detection, please wait"
	InstructionOneFace    = "Only one face allowed"
	InstructionMoveCloser = "Move closer"
	InstructionMoveBack   = "Move back"
	InstructionFaceOK     = "Face detected"
)

// State is one tick's worth of guidance output.
type State struct {
	FaceDetected       bool          `json:"face_detected"`
	FaceCount          int           `json:"face_count"`
	Distance           DistanceClass `json:"distance"`
	OverlaySizePercent float64       `json:"overlay_size_percent"`
	Color              ColorSignal   `json:"color"`
	Instruction        string        `json:"instruction"`
}

// CaptureReady reports whether the presentation is good enough to start
// capturing: exactly one face at a good distance.
func (s State) CaptureReady() bool {
	return s.FaceDetected && s.FaceCount == 1 && s.Distance == DistanceGood
}

// Evaluate computes the guidance state for one detection tick.
func Evaluate(detections []detector.Detection, frameWidth, frameHeight int) State {
	switch {
	case len(detections) == 0:
		return State{
			Distance:           DistanceUnknown,
			OverlaySizePercent: overlayMin,
			Color:              SignalNeutral,
			Instruction:        InstructionNoFace,
		}
	case len(detections) > 1:
		return State{
			FaceDetected:       true,
			FaceCount:          len(detections),
			Distance:           DistanceUnknown,
			OverlaySizePercent: overlayMin,
			Color:              SignalNegative,
			Instruction:        InstructionOneFace,
		}
	}

	box := detections[0].Bounds
	faceRatio := 0.0
	if frameWidth > 0 && frameHeight > 0 {
		faceRatio = float64(box.Dx()*box.Dy()) / float64(frameWidth*frameHeight)
	}

	state := State{FaceDetected: true, FaceCount: 1}
	switch {
	case faceRatio < ratioTooFar:
		state.Distance = DistanceTooFar
		state.OverlaySizePercent = overlayMin
		state.Color = SignalNeutral
		state.Instruction = InstructionMoveCloser
	case faceRatio > ratioTooClose:
		state.Distance = DistanceTooClose
		state.OverlaySizePercent = overlayMax
		state.Color = SignalNeutral
		state.Instruction = InstructionMoveBack
	default:
		state.Distance = DistanceGood
		state.OverlaySizePercent = overlaySize(faceRatio)
		state.Color = SignalPositive
		state.Instruction = InstructionFaceOK
	}
	return state
}

// overlaySize maps a good-range ratio onto [overlayMin, overlayMax].
func overlaySize(faceRatio float64) float64 {
	size := overlayMin + ((faceRatio-ratioTooFar)/(ratioTooClose-ratioTooFar))*(overlayMax-overlayMin)
	if size < overlayMin {
		return overlayMin
	}
	if size > overlayMax {
		return overlayMax
	}
	return size
}
