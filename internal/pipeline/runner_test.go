package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopsign-monitor-go/internal/detection"
	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/geo"
	"stopsign-monitor-go/internal/motion"
	"stopsign-monitor-go/internal/timeutil"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func submitUntilAccepted(t *testing.T, r *Runner, f Frame) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok, err := r.SubmitFrame(f)
		require.NoError(t, err)
		return ok
	}, waitFor, tick)
}

func TestRunnerSerializesAndDrainsOnClose(t *testing.T) {
	clock := timeutil.NewManualClock(t0)
	manager := drive.NewManager(clock, geo.NewCalculator(), nil, drive.DefaultLateEventGrace, quietLogger())
	session, _ := manager.StartDrive("driver-1", "")
	sink := &captureSink{}

	r := NewRunner(DefaultConfig(), Deps{
		UserID:   "driver-1",
		DriveID:  session.ID,
		Clock:    clock,
		Recorder: manager,
		Sink:     sink,
		Logger:   quietLogger(),
	}, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, r.SubmitLocation(motion.LocationSample{Speed: 0, Authorization: motion.AuthorizationGranted, At: t0}))
	require.Eventually(t, func() bool { return len(r.events) == 0 }, waitFor, tick)
	for i := 1; i <= 4; i++ {
		submitUntilAccepted(t, r, stopSignFrame(t0.Add(time.Duration(i)*100*time.Millisecond), signBox))
	}
	require.Eventually(t, func() bool { return len(sink.ofKind(KindAlertRequested)) == 1 }, waitFor, tick)

	r.Close()
	_, err := r.SubmitFrame(stopSignFrame(t0, signBox))
	assert.ErrorIs(t, err, ErrRunnerClosed)
	assert.ErrorIs(t, r.SubmitAccelerometer(motion.AccelerometerSample{}), ErrRunnerClosed)

	// проверка остановки дорабатывает после закрытия
	select {
	case <-r.Done():
		t.Fatal("runner exited with a pending verification")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(3 * time.Second)
	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("runner did not exit after the verification completed")
	}
	assert.Len(t, sink.ofKind(KindStopSignEvent), 1)
}

func TestRunnerDropsFramesWhenFull(t *testing.T) {
	clock := timeutil.NewManualClock(t0)
	r := NewRunner(DefaultConfig(), Deps{Clock: clock, Logger: quietLogger()}, 2)

	// цикл не запущен: первый кадр ждет в очереди, остальные отбрасываются
	ok, err := r.SubmitFrame(Frame{CapturedAt: t0})
	require.NoError(t, err)
	assert.True(t, ok)
	for i := 0; i < 3; i++ {
		ok, err = r.SubmitFrame(Frame{CapturedAt: t0})
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, int64(3), r.DroppedFrames())

	require.NoError(t, r.SubmitAccelerometer(motion.AccelerometerSample{}))
	require.NoError(t, r.SubmitAccelerometer(motion.AccelerometerSample{}))
	assert.Equal(t, int64(1), r.DroppedSamples())
}

func TestRunnerKeepsSensorArrivalOrder(t *testing.T) {
	for i := 0; i < 50; i++ {
		clock := timeutil.NewManualClock(t0)
		r := NewRunner(DefaultConfig(), Deps{Clock: clock, Logger: quietLogger()}, 8)

		// едем 5 м/с со свежим акселерометром
		r.Engine().OnLocation(motion.LocationSample{Speed: 5, Authorization: motion.AuthorizationGranted, At: t0})
		r.Engine().OnAccelerometer(calmTick(t0))
		require.True(t, r.Engine().Motion().IsMoving())

		stopAt := t0.Add(200 * time.Millisecond)
		require.NoError(t, r.SubmitLocation(motion.LocationSample{Speed: 0.3, Authorization: motion.AuthorizationGranted, At: t0.Add(100 * time.Millisecond)}))
		require.NoError(t, r.SubmitAccelerometer(calmTick(stopAt)))

		r.Close()
		r.Run(context.Background())

		started, stopped := r.Engine().Motion().StopStartedAt()
		require.True(t, stopped, "run %d: tick applied before the slower fix", i)
		assert.Equal(t, stopAt, started)
	}
}

func TestRunnerProcessesAcceptedFrameAfterClose(t *testing.T) {
	clock := timeutil.NewManualClock(t0)
	manager := drive.NewManager(clock, geo.NewCalculator(), nil, drive.DefaultLateEventGrace, quietLogger())
	session, _ := manager.StartDrive("driver-1", "")
	sink := &captureSink{}

	cfg := DefaultConfig()
	cfg.StabilityFrames = 1
	r := NewRunner(cfg, Deps{
		UserID:   "driver-1",
		DriveID:  session.ID,
		Clock:    clock,
		Recorder: manager,
		Sink:     sink,
		Logger:   quietLogger(),
	}, 8)

	ok, err := r.SubmitFrame(stopSignFrame(t0, signBox))
	require.NoError(t, err)
	require.True(t, ok)
	r.Close()

	go r.Run(context.Background())
	// кадр обработан целиком, проверка остановки уже запланирована
	require.Eventually(t, func() bool { return !r.frameQueued.Load() }, waitFor, tick)
	assert.Len(t, sink.ofKind(KindAlertRequested), 1)

	clock.Advance(3 * time.Second)
	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("runner did not exit after the verification completed")
	}
	assert.Len(t, sink.ofKind(KindVerificationSkipped), 1)
}

func calmTick(at time.Time) motion.AccelerometerSample {
	return motion.AccelerometerSample{X: 0.01, Y: -0.02, Z: 1.0, At: at}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	r := NewRunner(DefaultConfig(), Deps{Clock: timeutil.NewManualClock(t0), Logger: quietLogger()}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	cancel()
	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("runner ignored context cancellation")
	}
}

type blockingDetector struct {
	release chan struct{}
	calls   int
	mu      sync.Mutex
	err     error
}

func (d *blockingDetector) Detect(ctx context.Context, image []byte, filename string) ([]detection.Observation, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	<-d.release
	if d.err != nil {
		return nil, d.err
	}
	return []detection.Observation{{Label: "stop sign", Confidence: 0.9, BBox: signBox}}, nil
}

func TestInferenceStageOneInFlight(t *testing.T) {
	det := &blockingDetector{release: make(chan struct{})}
	frames := make(chan Frame, 4)
	stage := NewInferenceStage(det, func(f Frame) (bool, error) {
		frames <- f
		return true, nil
	}, timeutil.NewManualClock(t0), time.Second, quietLogger())

	assert.True(t, stage.Offer(context.Background(), []byte{1}, "a.jpg", t0))
	assert.False(t, stage.Offer(context.Background(), []byte{2}, "b.jpg", t0))
	assert.True(t, stage.Busy())
	assert.Equal(t, int64(1), stage.Dropped())

	close(det.release)
	select {
	case f := <-frames:
		assert.NoError(t, f.Err)
		assert.Len(t, f.Detections, 1)
		assert.Equal(t, t0, f.CapturedAt)
	case <-time.After(waitFor):
		t.Fatal("no frame from inference")
	}
	require.Eventually(t, func() bool { return !stage.Busy() }, waitFor, tick)
}

func TestInferenceStageErrorBecomesFrameError(t *testing.T) {
	det := &blockingDetector{release: make(chan struct{}), err: errors.New("503")}
	close(det.release)
	frames := make(chan Frame, 1)
	stage := NewInferenceStage(det, func(f Frame) (bool, error) {
		frames <- f
		return true, nil
	}, timeutil.NewManualClock(t0), 0, quietLogger())

	require.True(t, stage.Offer(context.Background(), nil, "a.jpg", time.Time{}))
	f := <-frames
	assert.Error(t, f.Err)
	assert.Equal(t, t0, f.CapturedAt)
}

func TestHubFanOut(t *testing.T) {
	h := NewHub(2)
	all, cancelAll := h.Subscribe("")
	mine, cancelMine := h.Subscribe("driver-1")
	defer cancelAll()

	h.Publish(Output{Kind: KindAlertRequested, UserID: "driver-1"})
	h.Publish(Output{Kind: KindAlertRequested, UserID: "driver-2"})
	h.Publish(Output{Kind: KindAlertRequested, UserID: "driver-2"})

	assert.Len(t, mine, 1)
	assert.Len(t, all, 2, "slow subscriber drops overflow")

	cancelMine()
	cancelMine()
	assert.Equal(t, 1, h.Subscribers())
	_, open := <-mine
	assert.True(t, open, "buffered message still readable")
	_, open = <-mine
	assert.False(t, open)
}

func TestOutputMessage(t *testing.T) {
	ev := drive.NewStopSignEvent(t0, true, nil, 0.9, nil)
	msg := Output{Kind: KindStopSignEvent, UserID: "u", Event: &ev, At: t0}.Message()
	assert.Equal(t, "stop_sign_event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, ev.ID.String(), msg.Event.ID)
	assert.Empty(t, msg.DriveID)
}
