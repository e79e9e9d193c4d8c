// Package detector wraps the external face-detection capability: given a
// still image it returns zero or more face bounding boxes with confidence.
package detector

import (
	"context"
	"errors"
	"image"
)

// ErrModelNotReady is returned by Detect before one-time initialization of
// the remote model has completed. Callers fail fast instead of blocking.
var ErrModelNotReady = errors.New("detector: model not ready")

// Detection is one face found on an image. Recomputed every tick, never
// persisted.
type Detection struct {
	Bounds     image.Rectangle
	Confidence float64
}

// Detector is the face-detection capability used by the guidance engine.
// Detect is a pure function of the input image: same image, same model
// version, same output.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}
