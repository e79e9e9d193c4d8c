package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/livecapture/internal/camera"
	"github.com/example/livecapture/internal/detector"
	"github.com/example/livecapture/internal/sequencer"
	"github.com/example/livecapture/internal/verifier"
)

const testIdentifier = "3275035402950020"

type fakeSource struct {
	frame image.Image
	fail  *atomic.Bool
}

func (s *fakeSource) Frame(ctx context.Context) (image.Image, error) {
	if s.fail != nil && s.fail.Load() {
		return nil, camera.ErrNoStream
	}
	return s.frame, nil
}

func (s *fakeSource) Close() error { return nil }

type fakeOpener struct {
	openErr error
	fail    *atomic.Bool
}

func (o *fakeOpener) Open(ctx context.Context, constraints camera.Constraints) (camera.Source, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	return &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 100, 100)), fail: o.fail}, nil
}

type fakeDetector struct {
	faces atomic.Int32
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image) ([]detector.Detection, error) {
	n := int(d.faces.Load())
	detections := make([]detector.Detection, 0, n)
	for i := 0; i < n; i++ {
		detections = append(detections, detector.Detection{Bounds: image.Rect(0, 0, 50, 50), Confidence: 0.99})
	}
	return detections, nil
}

type fakeClient struct {
	mu sync.Mutex

	session      *verifier.Session
	createErr    error
	createDelay  time.Duration
	createCalls  int
	submitResult *verifier.Result
	submitErr    error
	submitCalls  int
	submitted    []sequencer.Frame
}

func (c *fakeClient) CreateSession(ctx context.Context, identifier string, method verifier.Method) (*verifier.Session, error) {
	if c.createDelay > 0 {
		time.Sleep(c.createDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createCalls++
	if c.createErr != nil {
		return nil, c.createErr
	}
	if c.session != nil {
		return c.session, nil
	}
	return &verifier.Session{
		SessionID:  "sess-1",
		Identifier: identifier,
		Method:     method,
		ExpiresAt:  time.Now().Add(5 * time.Minute),
	}, nil
}

func (c *fakeClient) Submit(ctx context.Context, sessionID string, frames []sequencer.Frame) (*verifier.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitCalls++
	c.submitted = append([]sequencer.Frame(nil), frames...)
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	if c.submitResult != nil {
		result := *c.submitResult
		result.SessionID = sessionID
		return &result, nil
	}
	return &verifier.Result{SessionID: sessionID, IsLive: true, Confidence: 98.5}, nil
}

func (c *fakeClient) submittedFrames() []sequencer.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted
}

func (c *fakeClient) calls() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createCalls, c.submitCalls
}

type testRig struct {
	machine *Machine
	cam     *camera.Manager
	det     *fakeDetector
	client  *fakeClient
	fail    *atomic.Bool
}

func newTestRig(t *testing.T, client *fakeClient) *testRig {
	t.Helper()

	fail := &atomic.Bool{}
	cam := camera.NewManager(&fakeOpener{fail: fail}, camera.Constraints{Width: 100, Height: 100})
	det := &fakeDetector{}
	det.faces.Store(1)

	machine := NewMachine(cam, det, client, zap.NewNop())
	machine.countdownTick = time.Millisecond
	machine.passiveInterval = time.Millisecond
	machine.challengeDelay = time.Millisecond
	machine.engine.SetInterval(time.Millisecond)
	t.Cleanup(machine.Reset)

	return &testRig{machine: machine, cam: cam, det: det, client: client, fail: fail}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (rig *testRig) startAndConfirm(t *testing.T, method verifier.Method) string {
	t.Helper()

	attemptID, err := rig.machine.Start(context.Background(), testIdentifier, method)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "capture eligibility", func() bool { return rig.machine.Guidance().CaptureReady() })
	if err := rig.machine.Confirm(); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	return attemptID
}

func TestStartRejectsShortIdentifier(t *testing.T) {
	client := &fakeClient{}
	rig := newTestRig(t, client)

	_, err := rig.machine.Start(context.Background(), "12345", verifier.MethodPassive)
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
	if creates, _ := client.calls(); creates != 0 {
		t.Fatal("intake must be rejected before any session call")
	}
	if rig.machine.State() != StateInput {
		t.Fatalf("expected Input state, got %s", rig.machine.State())
	}
}

func TestStartRejectsUnknownMethod(t *testing.T) {
	rig := newTestRig(t, &fakeClient{})

	_, err := rig.machine.Start(context.Background(), testIdentifier, verifier.Method("hybrid"))
	if !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
}

func TestStartSessionCreateFailureStaysInput(t *testing.T) {
	client := &fakeClient{createErr: errors.New("upstream down")}
	rig := newTestRig(t, client)

	_, err := rig.machine.Start(context.Background(), testIdentifier, verifier.MethodPassive)
	if err == nil {
		t.Fatal("expected session create failure")
	}
	if rig.machine.State() != StateInput {
		t.Fatalf("expected Input state, got %s", rig.machine.State())
	}
	if rig.cam.Active() {
		t.Fatal("camera must not be acquired when session creation fails")
	}

	// A failed start must not hold the attempt slot.
	client.mu.Lock()
	client.createErr = nil
	client.mu.Unlock()
	if _, err := rig.machine.Start(context.Background(), testIdentifier, verifier.MethodPassive); err != nil {
		t.Fatalf("retry after failed start must succeed, got %v", err)
	}
}

func TestStartCameraFailureStaysInput(t *testing.T) {
	fail := &atomic.Bool{}
	cam := camera.NewManager(&fakeOpener{openErr: camera.ErrDeviceUnavailable, fail: fail}, camera.Constraints{Width: 100, Height: 100})
	det := &fakeDetector{}
	machine := NewMachine(cam, det, &fakeClient{}, zap.NewNop())
	t.Cleanup(machine.Reset)

	_, err := machine.Start(context.Background(), testIdentifier, verifier.MethodPassive)
	if !errors.Is(err, camera.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if machine.State() != StateInput {
		t.Fatalf("expected Input state, got %s", machine.State())
	}
}

func TestConfirmRequiresEligiblePresentation(t *testing.T) {
	rig := newTestRig(t, &fakeClient{})
	rig.det.faces.Store(0)

	if _, err := rig.machine.Start(context.Background(), testIdentifier, verifier.MethodPassive); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// Give guidance a few ticks; with no face it must stay ineligible.
	time.Sleep(20 * time.Millisecond)

	if err := rig.machine.Confirm(); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}

	// Two faces keep capture disabled as well.
	rig.det.faces.Store(2)
	waitFor(t, "multi-face guidance", func() bool { return rig.machine.Guidance().FaceCount == 2 })
	if err := rig.machine.Confirm(); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible with two faces, got %v", err)
	}
}

func TestConfirmWithoutAttempt(t *testing.T) {
	rig := newTestRig(t, &fakeClient{})
	if err := rig.machine.Confirm(); !errors.Is(err, ErrNoAttempt) {
		t.Fatalf("expected ErrNoAttempt, got %v", err)
	}
}

func TestPassiveCaptureEndToEnd(t *testing.T) {
	client := &fakeClient{}
	rig := newTestRig(t, client)

	var hookedID string
	var hookedResult *verifier.Result
	var hookedFrames int
	var hookCalls atomic.Int32
	rig.machine.OnResult(func(attemptID string, result *verifier.Result, frameCount int) {
		hookedID = attemptID
		hookedResult = result
		hookedFrames = frameCount
		hookCalls.Add(1)
	})

	attemptID := rig.startAndConfirm(t, verifier.MethodPassive)
	waitFor(t, "terminal result", func() bool { return rig.machine.State() == StateResult })

	frames := client.submittedFrames()
	if len(frames) != 5 {
		t.Fatalf("expected exactly 5 frames, got %d", len(frames))
	}
	for i, frame := range frames {
		if frame.ChallengeTag != "" {
			t.Fatalf("passive frame %d must be untagged, got %q", i, frame.ChallengeTag)
		}
		if i > 0 && frames[i].Timestamp.Before(frames[i-1].Timestamp) {
			t.Fatal("frames must be in capture order")
		}
	}

	result := rig.machine.Result()
	if result == nil || !result.IsLive || result.Confidence != 98.5 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Identifier != testIdentifier || result.Method != verifier.MethodPassive {
		t.Fatalf("result not annotated with attempt intake: %+v", result)
	}

	if rig.cam.Active() {
		t.Fatal("camera must be released before verification")
	}
	if hookCalls.Load() != 1 {
		t.Fatalf("expected one result hook call, got %d", hookCalls.Load())
	}
	if hookedID != attemptID || hookedResult == nil || hookedFrames != 5 {
		t.Fatalf("hook saw attempt=%s frames=%d", hookedID, hookedFrames)
	}
}

func TestActiveCaptureFollowsChallengeOrder(t *testing.T) {
	client := &fakeClient{session: &verifier.Session{
		SessionID:  "sess-9",
		Identifier: testIdentifier,
		Method:     verifier.MethodActive,
		Challenges: []verifier.Challenge{verifier.ChallengeBlink, verifier.ChallengeSmile},
	}}
	rig := newTestRig(t, client)

	rig.startAndConfirm(t, verifier.MethodActive)
	waitFor(t, "terminal result", func() bool { return rig.machine.State() == StateResult })

	frames := client.submittedFrames()
	if len(frames) != 2 {
		t.Fatalf("expected one frame per challenge, got %d", len(frames))
	}
	if frames[0].ChallengeTag != "blink" || frames[1].ChallengeTag != "smile" {
		t.Fatalf("challenge order not preserved: %q, %q", frames[0].ChallengeTag, frames[1].ChallengeTag)
	}
}

func TestSubmitFailureLandsInResult(t *testing.T) {
	client := &fakeClient{submitErr: &verifier.APIError{Code: "SESSION_EXPIRED", Message: "session has expired"}}
	rig := newTestRig(t, client)

	rig.startAndConfirm(t, verifier.MethodPassive)
	waitFor(t, "terminal result", func() bool { return rig.machine.State() == StateResult })

	result := rig.machine.Result()
	if result == nil || result.IsLive {
		t.Fatalf("expected failure result, got %+v", result)
	}
	if result.ErrorCode != "SESSION_EXPIRED" || result.FailureReason != "session has expired" {
		t.Fatalf("error payload not carried over: %+v", result)
	}
}

func TestSubmitTransportFailureLandsInResult(t *testing.T) {
	client := &fakeClient{submitErr: errors.New("connection refused")}
	rig := newTestRig(t, client)

	rig.startAndConfirm(t, verifier.MethodPassive)
	waitFor(t, "terminal result", func() bool { return rig.machine.State() == StateResult })

	result := rig.machine.Result()
	if result == nil || result.IsLive || result.ErrorCode != CodeNetworkFailure {
		t.Fatalf("expected network failure result, got %+v", result)
	}
}

func TestEmptyCaptureSkipsSubmission(t *testing.T) {
	client := &fakeClient{}
	rig := newTestRig(t, client)
	// Leave room to kill the stream while the countdown is still running.
	rig.machine.countdownTick = 50 * time.Millisecond

	if _, err := rig.machine.Start(context.Background(), testIdentifier, verifier.MethodPassive); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "capture eligibility", func() bool { return rig.machine.Guidance().CaptureReady() })
	if err := rig.machine.Confirm(); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	// Stream dies before the first still.
	rig.fail.Store(true)

	waitFor(t, "terminal result", func() bool { return rig.machine.State() == StateResult })

	result := rig.machine.Result()
	if result == nil || result.IsLive || result.ErrorCode != CodeEmptyCapture {
		t.Fatalf("expected empty-capture result, got %+v", result)
	}
	if _, submits := client.calls(); submits != 0 {
		t.Fatal("empty buffer must not be submitted")
	}
}

func TestResetFromAnyStateIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	rig := newTestRig(t, client)

	// Reset with nothing running.
	rig.machine.Reset()
	rig.machine.Reset()

	// Reset from CameraActive.
	if _, err := rig.machine.Start(context.Background(), testIdentifier, verifier.MethodPassive); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	rig.machine.Reset()
	if rig.machine.State() != StateInput {
		t.Fatalf("expected Input after reset, got %s", rig.machine.State())
	}
	if rig.cam.Active() {
		t.Fatal("camera must be released on reset")
	}

	snapshot := rig.machine.Snapshot()
	if snapshot.FramesCaptured != 0 || snapshot.Result != nil || snapshot.AttemptID != "" {
		t.Fatalf("reset must discard session, buffer and result: %+v", snapshot)
	}
	if rig.machine.Guidance().FaceDetected {
		t.Fatal("reset must clear guidance state")
	}

	// Reset from Result, then a fresh attempt starts cleanly.
	rig.startAndConfirm(t, verifier.MethodPassive)
	waitFor(t, "terminal result", func() bool { return rig.machine.State() == StateResult })
	rig.machine.Reset()
	rig.machine.Reset()
	if rig.machine.State() != StateInput {
		t.Fatalf("expected Input after reset, got %s", rig.machine.State())
	}

	if _, err := rig.machine.Start(context.Background(), testIdentifier, verifier.MethodPassive); err != nil {
		t.Fatalf("fresh start after reset failed: %v", err)
	}
}

func TestConcurrentStartAdmitsOneAttempt(t *testing.T) {
	// A slow session create keeps the first Start in flight while the
	// second one races it past the admission guard.
	client := &fakeClient{createDelay: 50 * time.Millisecond}
	rig := newTestRig(t, client)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rig.machine.Start(context.Background(), testIdentifier, verifier.MethodPassive)
		}(i)
	}
	wg.Wait()

	var admitted, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrAttemptInProgress):
			refused++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	if admitted != 1 || refused != 1 {
		t.Fatalf("expected exactly one admitted attempt, got admitted=%d refused=%d", admitted, refused)
	}
	if creates, _ := client.calls(); creates != 1 {
		t.Fatalf("only the admitted attempt may create a session, got %d", creates)
	}

	// Reset must still tear the machine down cleanly.
	done := make(chan struct{})
	go func() {
		rig.machine.Reset()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reset did not complete")
	}
	if rig.machine.State() != StateInput {
		t.Fatalf("expected Input after reset, got %s", rig.machine.State())
	}
}

func TestStartWhileAttemptInProgress(t *testing.T) {
	rig := newTestRig(t, &fakeClient{})

	if _, err := rig.machine.Start(context.Background(), testIdentifier, verifier.MethodPassive); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_, err := rig.machine.Start(context.Background(), testIdentifier, verifier.MethodPassive)
	if !errors.Is(err, ErrAttemptInProgress) {
		t.Fatalf("expected ErrAttemptInProgress, got %v", err)
	}
}

func TestNegativeVerdictIsANormalResult(t *testing.T) {
	client := &fakeClient{submitResult: &verifier.Result{IsLive: false, Confidence: 12.0}}
	rig := newTestRig(t, client)

	rig.startAndConfirm(t, verifier.MethodPassive)
	waitFor(t, "terminal result", func() bool { return rig.machine.State() == StateResult })

	result := rig.machine.Result()
	if result == nil || result.IsLive {
		t.Fatalf("expected negative verdict, got %+v", result)
	}
	if result.Confidence != 12.0 {
		t.Fatalf("unexpected confidence: %f", result.Confidence)
	}
	if result.FaceImageRef != "" {
		t.Fatal("no face reference expected on a negative verdict")
	}
	if result.ErrorCode != "" {
		t.Fatal("a rejected verdict is not an error")
	}
}
