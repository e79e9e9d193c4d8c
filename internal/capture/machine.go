package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/livecapture/internal/camera"
	"github.com/example/livecapture/internal/detector"
	"github.com/example/livecapture/internal/guidance"
	"github.com/example/livecapture/internal/logging"
	"github.com/example/livecapture/internal/sequencer"
	"github.com/example/livecapture/internal/verifier"
)

// ResultHook is invoked once per attempt when a terminal verdict lands.
type ResultHook func(attemptID string, result *verifier.Result, frameCount int)

// Machine drives one capture attempt at a time through
// Input → CameraActive → Capturing → Processing → Result, with Reset back
// to Input from any state. At most one session and one frame buffer are
// live at any moment.
//
// Guidance ticks and still captures contend for the same stream; the
// machine keeps them mutually exclusive in time by stopping the guidance
// loop for the whole Capturing state rather than locking per call.
type Machine struct {
	logger *zap.Logger
	cam    *camera.Manager
	engine *guidance.Engine
	seq    *sequencer.Sequencer
	client verifier.Client

	countdownTicks  int
	countdownTick   time.Duration
	passiveFrames   int
	passiveInterval time.Duration
	challengeDelay  time.Duration

	onResult ResultHook

	mu              sync.Mutex
	state           State
	starting        bool
	attemptID       string
	identifier      string
	method          verifier.Method
	session         *verifier.Session
	buffer          *sequencer.Buffer
	result          *verifier.Result
	countdown       int
	challengePrompt string
	attemptCtx      context.Context
	attemptCancel   context.CancelFunc
	guidanceCancel  context.CancelFunc

	wg         sync.WaitGroup
	guidanceWG sync.WaitGroup
}

// Snapshot is a consistent view of the machine for the control API.
type Snapshot struct {
	AttemptID       string           `json:"attempt_id,omitempty"`
	State           State            `json:"state"`
	Identifier      string           `json:"identifier,omitempty"`
	Method          verifier.Method  `json:"method,omitempty"`
	Guidance        guidance.State   `json:"guidance"`
	Countdown       int              `json:"countdown,omitempty"`
	ChallengePrompt string           `json:"challenge_prompt,omitempty"`
	FramesCaptured  int              `json:"frames_captured"`
	Result          *verifier.Result `json:"result,omitempty"`
}

// NewMachine wires the capture flow around its collaborators.
func NewMachine(cam *camera.Manager, det detector.Detector, client verifier.Client, logger *zap.Logger) *Machine {
	logger = logger.Named("capture")
	return &Machine{
		logger: logger,
		cam:    cam,
		engine: guidance.NewEngine(cam, det, logger),
		seq:    sequencer.New(cam),
		client: client,

		countdownTicks:  3,
		countdownTick:   time.Second,
		passiveFrames:   5,
		passiveInterval: 400 * time.Millisecond,
		challengeDelay:  2500 * time.Millisecond,

		state:  StateInput,
		buffer: sequencer.NewBuffer(),
	}
}

// OnResult registers the terminal-result hook. Must be called before the
// first attempt starts.
func (m *Machine) OnResult(hook ResultHook) {
	m.onResult = hook
}

// Start validates the intake, creates the remote session, acquires the
// camera, and begins live guidance. Intake and acquisition failures leave
// the machine in Input so the user may retry.
func (m *Machine) Start(ctx context.Context, identifier string, method verifier.Method) (string, error) {
	if !identifierPattern.MatchString(identifier) {
		return "", ErrInvalidIdentifier
	}
	if !method.Valid() {
		return "", ErrInvalidMethod
	}

	// Reserve the attempt slot before the remote calls below release the
	// lock, so a second Start cannot slip past the guard while this one is
	// still creating its session.
	m.mu.Lock()
	if m.state != StateInput || m.starting {
		m.mu.Unlock()
		return "", ErrAttemptInProgress
	}
	m.starting = true
	m.mu.Unlock()

	attemptID := uuid.NewString()
	opLogger := logging.WithOperation(m.logger, "capture.start", attemptID)

	session, err := m.client.CreateSession(ctx, identifier, method)
	if err != nil {
		m.abortStart()
		opLogger.Error("session create failed", zap.Error(err))
		return "", logging.NewOperationError("capture.create_session", attemptID, err)
	}

	if err := m.cam.Acquire(ctx); err != nil {
		m.abortStart()
		opLogger.Error("camera acquisition failed", zap.Error(err))
		return "", logging.NewOperationError("capture.acquire_camera", attemptID, err)
	}

	// The attempt outlives the HTTP request that started it, so its
	// timers hang off a fresh context cancelled only by Reset.
	attemptCtx, attemptCancel := context.WithCancel(context.Background())
	guidanceCtx, guidanceCancel := context.WithCancel(attemptCtx)

	m.mu.Lock()
	m.starting = false
	m.state = StateCameraActive
	m.attemptID = attemptID
	m.identifier = identifier
	m.method = method
	m.session = session
	m.buffer = sequencer.NewBuffer()
	m.result = nil
	m.countdown = 0
	m.challengePrompt = ""
	m.attemptCtx = attemptCtx
	m.attemptCancel = attemptCancel
	m.guidanceCancel = guidanceCancel
	m.mu.Unlock()

	m.engine.Clear()
	m.wg.Add(1)
	m.guidanceWG.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.guidanceWG.Done()
		m.engine.Run(guidanceCtx)
	}()

	opLogger.Info("attempt started",
		zap.String("session_id", session.SessionID),
		zap.String("method", string(method)))
	return attemptID, nil
}

func (m *Machine) abortStart() {
	m.mu.Lock()
	m.starting = false
	m.mu.Unlock()
}

// Confirm accepts the user's go-ahead. It is gated by the guidance
// engine's capture-eligibility predicate; once accepted, the guidance
// loop is stopped for the remainder of the attempt and the timed capture
// sequence runs to a terminal Result.
func (m *Machine) Confirm() error {
	m.mu.Lock()
	if m.state != StateCameraActive {
		m.mu.Unlock()
		return ErrNoAttempt
	}
	if !m.engine.State().CaptureReady() {
		m.mu.Unlock()
		return ErrNotEligible
	}
	m.state = StateCapturing
	ctx := m.attemptCtx
	session := m.session
	guidanceCancel := m.guidanceCancel
	m.mu.Unlock()

	// Suspend guidance before touching the stream: the loop must be
	// fully stopped, not merely ignored.
	guidanceCancel()
	m.guidanceWG.Wait()

	m.wg.Add(1)
	go m.runCapture(ctx, session)
	return nil
}

func (m *Machine) runCapture(ctx context.Context, session *verifier.Session) {
	defer m.wg.Done()

	opLogger := logging.WithOperation(m.logger, "capture.sequence", m.AttemptID())

	for i := m.countdownTicks; i > 0; i-- {
		m.setCountdown(i)
		if sleep(ctx, m.countdownTick) != nil {
			return
		}
	}
	m.setCountdown(0)

	var captureErr error
	switch session.Method {
	case verifier.MethodActive:
		captureErr = m.captureActive(ctx, session.Challenges)
	default:
		captureErr = m.capturePassive(ctx)
	}
	if ctx.Err() != nil {
		return
	}

	// Capturing → Processing: the stream is not needed during remote
	// verification.
	m.cam.Release()

	m.mu.Lock()
	frames := m.buffer.Frames()
	m.mu.Unlock()

	if captureErr != nil || len(frames) == 0 {
		code := CodeCaptureFailed
		reason := "frame capture failed"
		if captureErr == nil || errors.Is(captureErr, sequencer.ErrEmptyCapture) {
			code = CodeEmptyCapture
			reason = "no frames were captured"
		}
		if captureErr != nil {
			opLogger.Error("capture sequence failed", zap.Error(captureErr))
		}
		m.finish(m.failureResult(session, reason, code))
		return
	}

	m.setState(StateProcessing)

	result, err := m.client.Submit(ctx, session.SessionID, frames)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		opLogger.Error("verification submit failed", zap.Error(err))
		reason, code := err.Error(), CodeNetworkFailure
		var apiErr *verifier.APIError
		if errors.As(err, &apiErr) {
			reason, code = apiErr.Message, apiErr.Code
		}
		m.finish(m.failureResult(session, reason, code))
		return
	}

	result.Identifier = session.Identifier
	result.Method = session.Method
	m.finish(result)
}

func (m *Machine) capturePassive(ctx context.Context) error {
	for i := 0; i < m.passiveFrames; i++ {
		if err := sleep(ctx, m.passiveInterval); err != nil {
			return err
		}
		frame, err := m.seq.CaptureStill(ctx, "")
		if err != nil {
			return err
		}
		m.appendFrame(frame)
	}
	return nil
}

func (m *Machine) captureActive(ctx context.Context, challenges []verifier.Challenge) error {
	for _, challenge := range challenges {
		m.setChallengePrompt(challenge.Instruction())
		if err := sleep(ctx, m.challengeDelay); err != nil {
			return err
		}
		frame, err := m.seq.CaptureStill(ctx, string(challenge))
		if err != nil {
			return err
		}
		m.appendFrame(frame)
	}
	m.setChallengePrompt("")
	return nil
}

func (m *Machine) failureResult(session *verifier.Session, reason, code string) *verifier.Result {
	return &verifier.Result{
		SessionID:     session.SessionID,
		Identifier:    session.Identifier,
		Method:        session.Method,
		IsLive:        false,
		FailureReason: reason,
		ErrorCode:     code,
	}
}

func (m *Machine) finish(result *verifier.Result) {
	m.mu.Lock()
	m.state = StateResult
	m.result = result
	attemptID := m.attemptID
	frameCount := m.buffer.Len()
	m.mu.Unlock()

	m.logger.Info("attempt finished",
		zap.String("attempt_id", attemptID),
		zap.Bool("is_live", result.IsLive),
		zap.Float64("confidence", result.Confidence),
		zap.String("error_code", result.ErrorCode))

	if m.onResult != nil {
		m.onResult(attemptID, result, frameCount)
	}
}

// Reset returns the machine to Input from any state: it cancels every
// pending timer and wait as a unit, waits for the attempt goroutines to
// stop, releases the camera, and discards session, buffer, guidance state
// and result. Safe to call repeatedly.
func (m *Machine) Reset() {
	m.mu.Lock()
	cancel := m.attemptCancel
	m.attemptCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.cam.Release()
	m.engine.Clear()

	m.mu.Lock()
	m.state = StateInput
	m.attemptID = ""
	m.identifier = ""
	m.method = ""
	m.session = nil
	m.buffer = sequencer.NewBuffer()
	m.result = nil
	m.countdown = 0
	m.challengePrompt = ""
	m.attemptCtx = nil
	m.guidanceCancel = nil
	m.mu.Unlock()
}

// State returns the current flow state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AttemptID returns the identifier of the in-flight attempt, if any.
func (m *Machine) AttemptID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptID
}

// Guidance returns the latest guidance state.
func (m *Machine) Guidance() guidance.State {
	return m.engine.State()
}

// Result returns the terminal verdict, or nil before Result is reached.
func (m *Machine) Result() *verifier.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Snapshot returns a consistent view of the machine.
func (m *Machine) Snapshot() Snapshot {
	state := m.engine.State()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		AttemptID:       m.attemptID,
		State:           m.state,
		Identifier:      m.identifier,
		Method:          m.method,
		Guidance:        state,
		Countdown:       m.countdown,
		ChallengePrompt: m.challengePrompt,
		FramesCaptured:  m.buffer.Len(),
		Result:          m.result,
	}
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Machine) setCountdown(n int) {
	m.mu.Lock()
	m.countdown = n
	m.mu.Unlock()
}

func (m *Machine) setChallengePrompt(text string) {
	m.mu.Lock()
	m.challengePrompt = text
	m.mu.Unlock()
}

func (m *Machine) appendFrame(frame sequencer.Frame) {
	m.mu.Lock()
	m.buffer.Append(frame)
	m.mu.Unlock()
}

// sleep waits for d or until the context is cancelled, whichever comes
// first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
