package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopsign-monitor-go/internal/database"
	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/geo"
	"stopsign-monitor-go/internal/repository"
	"stopsign-monitor-go/internal/timeutil"
	"stopsign-monitor-go/pkg/models"
)

var base = time.Date(2025, 11, 21, 16, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T) *DriveService {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Connect(database.Config{
		Driver:       database.DriverSQLite,
		SQLitePath:   fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name),
		MaxIdleConns: 1,
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return NewDriveService(repository.NewDriveRepository(db), quietLogger())
}

func sessionWithEvents(userID, familyID string, start time.Time, full ...bool) drive.Session {
	s := drive.NewSession(userID, familyID, start)
	for i, f := range full {
		var d *time.Duration
		if f {
			v := 2500 * time.Millisecond
			d = &v
		}
		loc := &models.Coordinates{Lat: 48.85 + float64(i)*0.001, Lon: 2.35}
		s.Events = append(s.Events, drive.NewStopSignEvent(start.Add(time.Duration(i+1)*time.Minute), f, d, 0.88, loc))
	}
	end := start.Add(30 * time.Minute)
	s.EndTime = &end
	s.IsActive = false
	return s
}

func TestSaveSessionRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	s := sessionWithEvents("u1", "fam", base, true, false)
	s.DistanceMeters = 1234.5
	require.NoError(t, svc.SaveSession(ctx, s))

	got, err := svc.GetDrive(ctx, s.ID.String())
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, 1234.5, got.DistanceMeters)
	require.Len(t, got.Events, 2)
	assert.Equal(t, s.Events[0].ID, got.Events[0].ID)
	d, ok := got.Events[0].Duration()
	require.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, d)
	_, ok = got.Events[1].Duration()
	assert.False(t, ok)
	assert.Equal(t, 95, drive.Summarize(got).Score)
}

func TestGetDriveNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.GetDrive(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, drive.ErrDriveNotFound)
	assert.ErrorIs(t, svc.DeleteDrive(context.Background(), uuid.NewString()), drive.ErrDriveNotFound)
}

func TestFamilyDrivesAndStatistics(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SaveSession(ctx, sessionWithEvents("u1", "fam", base, true, true)))
	require.NoError(t, svc.SaveSession(ctx, sessionWithEvents("u1", "fam", base.Add(time.Hour), false)))
	require.NoError(t, svc.SaveSession(ctx, sessionWithEvents("u2", "fam", base, false, false)))

	grouped, err := svc.FetchFamilyDrives(ctx, "fam")
	require.NoError(t, err)
	assert.Len(t, grouped["u1"], 2)
	assert.Len(t, grouped["u2"], 1)

	st, err := svc.Statistics(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalDrives)
	assert.Equal(t, 3, st.TotalStopSigns)
	assert.Equal(t, 2, st.FullStops)
	// (100 + 95) / 2
	assert.Equal(t, 97, st.AverageScore)
}

func TestEventsInArea(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SaveSession(ctx, sessionWithEvents("u1", "", base, true, false, true)))

	bounds, err := geo.NewBounds(models.Coordinates{Lat: 48.8515, Lon: 2.36}, models.Coordinates{Lat: 48.8495, Lon: 2.34})
	require.NoError(t, err)

	events, err := svc.EventsInArea(ctx, bounds)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.Before(events[1].Timestamp))
}

type flakySaver struct {
	mu       sync.Mutex
	failures int
	saved    map[uuid.UUID]drive.Session
	calls    int
}

func (f *flakySaver) SaveSession(ctx context.Context, s drive.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	if f.saved == nil {
		f.saved = make(map[uuid.UUID]drive.Session)
	}
	f.saved[s.ID] = s
	return nil
}

func TestSyncWorkerRetriesFailedSaves(t *testing.T) {
	saver := &flakySaver{failures: 1}
	w := NewSyncWorker(saver, timeutil.NewManualClock(base), time.Minute, quietLogger())

	s := drive.NewSession("u1", "", base)
	w.Enqueue(s)
	assert.Equal(t, 1, w.Flush(context.Background()))
	assert.Equal(t, 1, w.Pending(), "failed snapshot stays queued")

	assert.Equal(t, 0, w.Flush(context.Background()))
	assert.Equal(t, 0, w.Pending())
	assert.Contains(t, saver.saved, s.ID)
}

func TestSyncWorkerKeepsNewestSnapshot(t *testing.T) {
	saver := &flakySaver{}
	w := NewSyncWorker(saver, timeutil.NewManualClock(base), time.Minute, quietLogger())

	s := drive.NewSession("u1", "", base)
	w.Enqueue(s)
	s.Events = append(s.Events, drive.NewStopSignEvent(base, true, nil, 0.9, nil))
	w.Enqueue(s)
	assert.Equal(t, 1, w.Pending())

	w.Flush(context.Background())
	assert.Equal(t, 1, saver.calls)
	assert.Len(t, saver.saved[s.ID].Events, 1)
}

func TestSyncWorkerForget(t *testing.T) {
	w := NewSyncWorker(&flakySaver{}, timeutil.NewManualClock(base), time.Minute, quietLogger())
	s := drive.NewSession("u1", "", base)
	w.Enqueue(s)
	w.Forget(s.ID)
	assert.Equal(t, 0, w.Pending())
}

// gatedSaver блокирует сохранение до закрытия release
type gatedSaver struct {
	entered chan struct{}
	release chan struct{}
	err     error

	mu    sync.Mutex
	saved []uuid.UUID
}

func (g *gatedSaver) SaveSession(ctx context.Context, s drive.Session) error {
	close(g.entered)
	<-g.release
	if g.err != nil {
		return g.err
	}
	g.mu.Lock()
	g.saved = append(g.saved, s.ID)
	g.mu.Unlock()
	return nil
}

func TestSyncWorkerForgetWaitsForInFlightSave(t *testing.T) {
	saver := &gatedSaver{entered: make(chan struct{}), release: make(chan struct{})}
	w := NewSyncWorker(saver, timeutil.NewManualClock(base), time.Minute, quietLogger())
	s := drive.NewSession("u1", "", base)
	w.Enqueue(s)

	flushed := make(chan struct{})
	go func() {
		w.Flush(context.Background())
		close(flushed)
	}()
	<-saver.entered

	forgotten := make(chan struct{})
	go func() {
		w.Forget(s.ID)
		close(forgotten)
	}()

	select {
	case <-forgotten:
		t.Fatal("Forget returned while the snapshot was still being saved")
	case <-time.After(50 * time.Millisecond):
	}

	close(saver.release)
	<-flushed
	select {
	case <-forgotten:
	case <-time.After(time.Second):
		t.Fatal("Forget did not return after the flush finished")
	}

	// удаление после Forget больше не перезаписывается этим снимком
	saver.mu.Lock()
	assert.Equal(t, []uuid.UUID{s.ID}, saver.saved)
	saver.mu.Unlock()
	assert.Equal(t, 0, w.Pending())
}

func TestSyncWorkerForgetDropsRequeuedFailure(t *testing.T) {
	saver := &gatedSaver{entered: make(chan struct{}), release: make(chan struct{}), err: errors.New("connection refused")}
	w := NewSyncWorker(saver, timeutil.NewManualClock(base), time.Minute, quietLogger())
	s := drive.NewSession("u1", "", base)
	w.Enqueue(s)

	flushed := make(chan int, 1)
	go func() { flushed <- w.Flush(context.Background()) }()
	<-saver.entered

	forgotten := make(chan struct{})
	go func() {
		w.Forget(s.ID)
		close(forgotten)
	}()
	close(saver.release)

	assert.Equal(t, 1, <-flushed)
	<-forgotten
	assert.Equal(t, 0, w.Pending(), "failed snapshot must not come back after Forget")
}

func TestSyncWorkerBackgroundLoop(t *testing.T) {
	saver := &flakySaver{failures: 1}
	clock := timeutil.NewManualClock(base)
	w := NewSyncWorker(saver, clock, time.Minute, quietLogger())
	w.Start()

	s := drive.NewSession("u1", "", base)
	w.Enqueue(s)
	require.Eventually(t, func() bool {
		saver.mu.Lock()
		defer saver.mu.Unlock()
		return saver.calls == 1
	}, 2*time.Second, 5*time.Millisecond)

	// повтор по тикеру
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return w.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	w.Stop()
	saver.mu.Lock()
	defer saver.mu.Unlock()
	assert.Contains(t, saver.saved, s.ID)
}
