package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/geo"
	"stopsign-monitor-go/internal/motion"
	"stopsign-monitor-go/internal/timeutil"
	"stopsign-monitor-go/pkg/models"
)

func newTestCoordinator(detector Detector) (*Coordinator, *timeutil.ManualClock, *captureSink) {
	clock := timeutil.NewManualClock(t0)
	manager := drive.NewManager(clock, geo.NewCalculator(), nil, drive.DefaultLateEventGrace, quietLogger())
	sink := &captureSink{}
	c := NewCoordinator(context.Background(), DefaultConfig(), CoordinatorOptions{SensorBuffer: 8}, manager, clock, nil, sink, detector, quietLogger())
	return c, clock, sink
}

func TestCoordinatorRequiresActiveDrive(t *testing.T) {
	c, _, _ := newTestCoordinator(nil)

	_, err := c.ProcessFrame("ghost", Frame{})
	assert.ErrorIs(t, err, drive.ErrNoActiveDrive)
	assert.ErrorIs(t, c.OnLocationUpdate("ghost", motion.LocationSample{}), drive.ErrNoActiveDrive)
	assert.ErrorIs(t, c.OnAccelerometerTick("ghost", motion.AccelerometerSample{}), drive.ErrNoActiveDrive)

	_, ended := c.EndDrive("ghost")
	assert.False(t, ended)
}

func TestCoordinatorDriveLifecycle(t *testing.T) {
	c, clock, sink := newTestCoordinator(nil)

	s, started := c.StartDrive("driver-1", "fam")
	require.True(t, started)
	again, started := c.StartDrive("driver-1", "fam")
	assert.False(t, started)
	assert.Equal(t, s.ID, again.ID)
	assert.Len(t, sink.ofKind(KindDriveStarted), 1)

	require.NoError(t, c.OnLocationUpdate("driver-1", motion.LocationSample{
		Speed:         0,
		Coordinate:    &models.Coordinates{Lat: 0, Lon: 0},
		Authorization: motion.AuthorizationGranted,
	}))
	require.NoError(t, c.OnLocationUpdate("driver-1", motion.LocationSample{
		Speed:         0,
		Coordinate:    &models.Coordinates{Lat: 0, Lon: 0.001},
		Authorization: motion.AuthorizationGranted,
	}))
	require.NoError(t, c.OnAccelerometerTick("driver-1", motion.AccelerometerSample{Z: 1}))
	runner := c.pipelines["driver-1"].runner
	require.Eventually(t, func() bool {
		return len(runner.events) == 0
	}, waitFor, tick)

	for i := 1; i <= 4; i++ {
		f := stopSignFrame(t0.Add(time.Duration(i)*100*time.Millisecond), signBox)
		require.Eventually(t, func() bool {
			ok, err := c.ProcessFrame("driver-1", f)
			require.NoError(t, err)
			return ok
		}, waitFor, tick)
	}
	require.Eventually(t, func() bool { return len(sink.ofKind(KindAlertRequested)) == 1 }, waitFor, tick)

	active, ok := c.Active("driver-1")
	require.True(t, ok)
	assert.InDelta(t, 111.2, active.DistanceMeters, 0.5)

	ended, ok := c.EndDrive("driver-1")
	require.True(t, ok)
	assert.False(t, ended.IsActive)
	assert.Len(t, sink.ofKind(KindDriveEnded), 1)

	_, err := c.ProcessFrame("driver-1", Frame{})
	assert.ErrorIs(t, err, drive.ErrNoActiveDrive)

	clock.Advance(3 * time.Second)
	require.NoError(t, c.Shutdown(context.Background()))
	events := sink.ofKind(KindStopSignEvent)
	require.Len(t, events, 1)
	assert.True(t, events[0].Event.DidFullStop)
}

func TestCoordinatorProcessImageWithoutDetector(t *testing.T) {
	c, _, _ := newTestCoordinator(nil)
	c.StartDrive("driver-1", "")
	_, err := c.ProcessImage(context.Background(), "driver-1", []byte{1}, "f.jpg", time.Time{})
	assert.ErrorIs(t, err, ErrNoDetector)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestCoordinatorProcessImage(t *testing.T) {
	det := &blockingDetector{release: make(chan struct{})}
	c, _, _ := newTestCoordinator(det)
	c.StartDrive("driver-1", "")

	ok, err := c.ProcessImage(context.Background(), "driver-1", []byte{1}, "f.jpg", time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.ProcessImage(context.Background(), "driver-1", []byte{2}, "g.jpg", time.Time{})
	require.NoError(t, err)
	assert.False(t, ok, "second frame dropped while inference is in flight")

	close(det.release)
	require.NoError(t, c.Shutdown(context.Background()))
}
