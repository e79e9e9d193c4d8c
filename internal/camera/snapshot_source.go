package camera

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SnapshotOpener opens streams backed by a kiosk camera daemon that serves
// the latest frame as a JPEG still on a fixed URL.
type SnapshotOpener struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSnapshotOpener builds an opener for the given snapshot URL.
func NewSnapshotOpener(url string, logger *zap.Logger) *SnapshotOpener {
	return &SnapshotOpener{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger.Named("camera"),
	}
}

// Open probes the daemon once so acquisition failures surface immediately
// instead of on the first guidance tick.
func (o *SnapshotOpener) Open(ctx context.Context, constraints Constraints) (Source, error) {
	source := &snapshotSource{opener: o}
	if _, err := source.Frame(ctx); err != nil {
		return nil, err
	}
	o.logger.Info("camera stream acquired",
		zap.Int("width", constraints.Width),
		zap.Int("height", constraints.Height))
	return source, nil
}

type snapshotSource struct {
	opener *SnapshotOpener
	closed atomic.Bool
}

func (s *snapshotSource) Frame(ctx context.Context) (image.Image, error) {
	if s.closed.Load() {
		return nil, ErrNoStream
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opener.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	resp, err := s.opener.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: daemon returned status %d", ErrPermissionDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: daemon returned status %d", ErrDeviceUnavailable, resp.StatusCode)
	}

	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: bad frame: %v", ErrDeviceUnavailable, err)
	}
	return img, nil
}

func (s *snapshotSource) Close() error {
	s.closed.Store(true)
	return nil
}
