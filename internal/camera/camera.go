package camera

import (
	"context"
	"errors"
	"image"
	"sync"
)

// Acquisition failures a caller can branch on with errors.Is.
var (
	ErrPermissionDenied  = errors.New("camera: permission denied")
	ErrDeviceUnavailable = errors.New("camera: device unavailable")
	ErrNoStream          = errors.New("camera: no active stream")
)

// Constraints describe the stream the manager asks the device for.
// Width and height are the ideal resolution, not a hard requirement.
type Constraints struct {
	Width       int
	Height      int
	FacingFront bool
}

// Source is one open video stream. Frame returns the most recent frame;
// Close stops the stream and releases the device.
type Source interface {
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener produces a Source for the given constraints. Implementations map
// device-level failures onto ErrPermissionDenied / ErrDeviceUnavailable.
type Opener interface {
	Open(ctx context.Context, constraints Constraints) (Source, error)
}

// Manager owns the process-wide camera stream. At most one Source is open
// at any time; consumers read frames only through the manager and never
// open or close the device themselves.
type Manager struct {
	mu          sync.Mutex
	opener      Opener
	constraints Constraints
	source      Source
}

// NewManager builds a manager around the given device opener.
func NewManager(opener Opener, constraints Constraints) *Manager {
	return &Manager{opener: opener, constraints: constraints}
}

// Acquire opens the stream. An already active stream is released first, so
// the single-stream invariant holds across repeated calls.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source != nil {
		m.source.Close() //nolint:errcheck
		m.source = nil
	}

	source, err := m.opener.Open(ctx, m.constraints)
	if err != nil {
		return err
	}
	m.source = source
	return nil
}

// Release stops the active stream. Safe to call repeatedly and when no
// stream is active.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source == nil {
		return
	}
	m.source.Close() //nolint:errcheck
	m.source = nil
}

// Active reports whether a stream is currently open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source != nil
}

// Constraints returns the constraints the manager opens streams with.
func (m *Manager) Constraints() Constraints {
	return m.constraints
}

// Frame samples the current frame from the active stream. Returns
// ErrNoStream when nothing is acquired.
func (m *Manager) Frame(ctx context.Context) (image.Image, error) {
	m.mu.Lock()
	source := m.source
	m.mu.Unlock()

	if source == nil {
		return nil, ErrNoStream
	}
	return source.Frame(ctx)
}
