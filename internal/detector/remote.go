package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/livecapture/internal/logging"
)

// RemoteDetector calls a face-detection service over HTTP. The service
// loads its model lazily, so the detector performs a one-time warm-up via
// Init before the first Detect call is allowed through.
type RemoteDetector struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	initOnce sync.Once
	ready    atomic.Bool
	initErr  error
}

// NewRemoteDetector builds a detector client for the given base URL.
func NewRemoteDetector(baseURL string, logger *zap.Logger) *RemoteDetector {
	return &RemoteDetector{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("detector"),
	}
}

// Init performs the one-time model warm-up. Subsequent calls return the
// outcome of the first. Detect calls made before Init completes fail with
// ErrModelNotReady.
func (d *RemoteDetector) Init(ctx context.Context) error {
	d.initOnce.Do(func() {
		url := fmt.Sprintf("%s/api/model/warmup", d.baseURL)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			d.initErr = logging.NewOperationError("detector.warmup", "", err)
			return
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			d.initErr = logging.NewOperationError("detector.warmup", "", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			d.initErr = logging.NewOperationError("detector.warmup", "",
				fmt.Errorf("warmup failed with status %d: %s", resp.StatusCode, string(body)))
			return
		}

		d.ready.Store(true)
		d.logger.Info("detection model ready")
	})
	return d.initErr
}

type detectRequest struct {
	Image string `json:"image"`
}

type detectResponse struct {
	Faces []struct {
		X          int     `json:"x"`
		Y          int     `json:"y"`
		Width      int     `json:"width"`
		Height     int     `json:"height"`
		Confidence float64 `json:"confidence"`
	} `json:"faces"`
}

// Detect submits the image to the detection service and returns the face
// boxes it found.
func (d *RemoteDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if !d.ready.Load() {
		return nil, ErrModelNotReady
	}

	var encoded bytes.Buffer
	if err := jpeg.Encode(&encoded, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, logging.NewOperationError("detector.encode_frame", "", err)
	}

	payload, err := json.Marshal(detectRequest{
		Image: base64.StdEncoding.EncodeToString(encoded.Bytes()),
	})
	if err != nil {
		return nil, logging.NewOperationError("detector.marshal_request", "", err)
	}

	url := fmt.Sprintf("%s/api/detect", d.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, logging.NewOperationError("detector.build_request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, logging.NewOperationError("detector.detect", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, logging.NewOperationError("detector.detect", "",
			fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var decoded detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, logging.NewOperationError("detector.decode_response", "", err)
	}

	detections := make([]Detection, 0, len(decoded.Faces))
	for _, face := range decoded.Faces {
		detections = append(detections, Detection{
			Bounds:     image.Rect(face.X, face.Y, face.X+face.Width, face.Y+face.Height),
			Confidence: face.Confidence,
		})
	}
	return detections, nil
}
