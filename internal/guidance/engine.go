package guidance

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/livecapture/internal/camera"
	"github.com/example/livecapture/internal/detector"
)

// DefaultInterval is the detection tick period.
const DefaultInterval = 100 * time.Millisecond

// Engine samples the camera on a fixed cadence, runs the detector, and
// keeps the latest guidance State. It owns no camera or detector state of
// its own; it only reads frames through the manager's accessor.
type Engine struct {
	cam      *camera.Manager
	det      detector.Detector
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

// NewEngine builds an engine ticking at DefaultInterval.
func NewEngine(cam *camera.Manager, det detector.Detector, logger *zap.Logger) *Engine {
	return &Engine{
		cam:      cam,
		det:      det,
		interval: DefaultInterval,
		logger:   logger.Named("guidance"),
	}
}

// SetInterval overrides the tick period. Intended for tests.
func (e *Engine) SetInterval(d time.Duration) {
	e.interval = d
}

// Run ticks until the context is cancelled. The caller cancels it for the
// entire capture phase so guidance and still capture never touch the
// stream at the same time.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	frame, err := e.cam.Frame(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn("frame sample failed", zap.Error(err))
		}
		e.setState(State{Distance: DistanceUnknown, OverlaySizePercent: overlayMin, Color: SignalNeutral, Instruction: InstructionNoFace})
		return
	}

	detections, err := e.det.Detect(ctx, frame)
	if err != nil {
		// Recoverable: a failed tick only delays feedback, it never
		// aborts the flow. A still-warming model is reported as such
		// rather than as an absent face.
		instruction := InstructionNoFace
		if errors.Is(err, detector.ErrModelNotReady) {
			instruction = InstructionWarmingUp
		} else if !errors.Is(err, context.Canceled) {
			e.logger.Warn("detection tick failed", zap.Error(err))
		}
		e.setState(State{Distance: DistanceUnknown, OverlaySizePercent: overlayMin, Color: SignalNeutral, Instruction: instruction})
		return
	}

	bounds := frame.Bounds()
	e.setState(Evaluate(detections, bounds.Dx(), bounds.Dy()))
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State returns the most recent guidance state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Clear resets the engine to its zero state, used on attempt reset.
func (e *Engine) Clear() {
	e.setState(State{})
}
