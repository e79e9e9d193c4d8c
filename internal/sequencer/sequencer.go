// Package sequencer captures full-resolution stills from the active
// stream and accumulates them into the ordered buffer submitted to the
// remote verifier.
package sequencer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/example/livecapture/internal/camera"
)

// ErrEmptyCapture is returned when a still is requested with no active
// stream.
var ErrEmptyCapture = errors.New("sequencer: no stream to capture from")

// Frame is one captured still, stamped with the capture time and, for the
// active method, the challenge it answers.
type Frame struct {
	Timestamp    time.Time
	ChallengeTag string
	ImageData    string // base64-encoded JPEG
}

// Sequencer produces frames from the camera manager's stream.
type Sequencer struct {
	cam     *camera.Manager
	quality int
}

// New builds a sequencer reading through the given manager.
func New(cam *camera.Manager) *Sequencer {
	return &Sequencer{cam: cam, quality: 90}
}

// CaptureStill samples the current frame, normalizes it to the stream's
// target resolution, mirrors it horizontally to match the user-facing
// preview, and encodes it. tag is empty for passive captures.
func (s *Sequencer) CaptureStill(ctx context.Context, tag string) (Frame, error) {
	frame, err := s.cam.Frame(ctx)
	if err != nil {
		if errors.Is(err, camera.ErrNoStream) {
			return Frame{}, ErrEmptyCapture
		}
		return Frame{}, fmt.Errorf("sequencer: sample frame: %w", err)
	}

	constraints := s.cam.Constraints()
	mirrored := mirror(normalize(frame, constraints.Width, constraints.Height))

	var encoded bytes.Buffer
	if err := jpeg.Encode(&encoded, mirrored, &jpeg.Options{Quality: s.quality}); err != nil {
		return Frame{}, fmt.Errorf("sequencer: encode frame: %w", err)
	}

	return Frame{
		Timestamp:    time.Now(),
		ChallengeTag: tag,
		ImageData:    base64.StdEncoding.EncodeToString(encoded.Bytes()),
	}, nil
}

// normalize scales the frame to the target resolution when the device
// delivered a different size.
func normalize(img image.Image, width, height int) image.Image {
	bounds := img.Bounds()
	if width <= 0 || height <= 0 || (bounds.Dx() == width && bounds.Dy() == height) {
		return img
	}
	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Over, nil)
	return scaled
}

// mirror flips the frame horizontally.
func mirror(img image.Image) image.Image {
	bounds := img.Bounds()
	flipped := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			flipped.Set(bounds.Max.X-1-x, y-bounds.Min.Y, img.At(x, y))
		}
	}
	return flipped
}
