package repository

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stopsign-monitor-go/internal/database"
	"stopsign-monitor-go/internal/model"
)

var base = time.Date(2025, 11, 20, 7, 30, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Connect(database.Config{
		Driver:       database.DriverSQLite,
		SQLitePath:   fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		MaxIdleConns: 1,
	}, logger)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func ptr(f float64) *float64 { return &f }

func newDrive(userID, familyID string, start time.Time, events ...model.StopSignEvent) *model.Drive {
	return &model.Drive{
		ID:        uuid.NewString(),
		UserID:    userID,
		FamilyID:  familyID,
		StartTime: start,
		IsActive:  true,
		Score:     100,
		Grade:     "A",
		Events:    events,
	}
}

func event(at time.Time, full bool, lat, lon *float64) model.StopSignEvent {
	return model.StopSignEvent{
		ID:          uuid.NewString(),
		OccurredAt:  at,
		DidFullStop: full,
		Confidence:  0.9,
		Latitude:    lat,
		Longitude:   lon,
	}
}

func TestSaveAndGetByID(t *testing.T) {
	repo := NewDriveRepository(openTestDB(t))
	ctx := context.Background()

	d := newDrive("u1", "f1", base,
		event(base.Add(time.Minute), true, ptr(10), ptr(20)),
		event(base.Add(2*time.Minute), false, nil, nil),
		event(base.Add(3*time.Minute), true, nil, nil),
	)
	require.NoError(t, repo.Save(ctx, d))

	got, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	require.Len(t, got.Events, 3)
	for i, ev := range got.Events {
		assert.Equal(t, i, ev.SeqNo)
		assert.Equal(t, d.ID, ev.DriveID)
	}
	assert.WithinDuration(t, base.Add(time.Minute), got.Events[0].OccurredAt, time.Millisecond)
	assert.Nil(t, got.Events[1].Latitude)

	// повторное сохранение заменяет события и обновляет поездку
	end := base.Add(time.Hour)
	d.EndTime = &end
	d.IsActive = false
	d.Events = d.Events[:2]
	require.NoError(t, repo.Save(ctx, d))

	got, err = repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.EndTime)
	assert.Len(t, got.Events, 2)
}

func TestGetByIDNotFound(t *testing.T) {
	repo := NewDriveRepository(openTestDB(t))
	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByUserPaginates(t *testing.T) {
	repo := NewDriveRepository(openTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(ctx, newDrive("u1", "", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, repo.Save(ctx, newDrive("u2", "", base)))

	page, total, err := repo.ListByUser(ctx, "u1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.True(t, page[0].StartTime.After(page[1].StartTime), "newest first")

	all, _, err := repo.ListByUser(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	last, _, err := repo.ListByUser(ctx, "u1", 3, 2)
	require.NoError(t, err)
	assert.Len(t, last, 1)
}

func TestListByFamily(t *testing.T) {
	repo := NewDriveRepository(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, newDrive("u1", "fam", base)))
	require.NoError(t, repo.Save(ctx, newDrive("u2", "fam", base.Add(time.Hour))))
	require.NoError(t, repo.Save(ctx, newDrive("u3", "other", base)))

	drives, err := repo.ListByFamily(ctx, "fam")
	require.NoError(t, err)
	require.Len(t, drives, 2)
	assert.Equal(t, "u2", drives[0].UserID)
}

func TestGetEventsByArea(t *testing.T) {
	repo := NewDriveRepository(openTestDB(t))
	ctx := context.Background()

	inside := newDrive("u1", "", base,
		event(base, true, ptr(55.75), ptr(37.61)),
		event(base.Add(time.Minute), false, ptr(59.93), ptr(30.33)),
		event(base.Add(2*time.Minute), false, nil, nil),
	)
	deleted := newDrive("u2", "", base, event(base, true, ptr(55.76), ptr(37.62)))
	require.NoError(t, repo.Save(ctx, inside))
	require.NoError(t, repo.Save(ctx, deleted))
	require.NoError(t, repo.Delete(ctx, deleted.ID))

	events, err := repo.GetEventsByArea(ctx, Coordinates{Lat: 56, Lon: 38}, Coordinates{Lat: 55, Lon: 37})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, inside.ID, events[0].DriveID)
}

func TestDelete(t *testing.T) {
	repo := NewDriveRepository(openTestDB(t))
	ctx := context.Background()

	d := newDrive("u1", "", base, event(base, true, nil, nil))
	require.NoError(t, repo.Save(ctx, d))
	require.NoError(t, repo.Delete(ctx, d.ID))

	_, err := repo.GetByID(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, d.ID), ErrNotFound)

	_, total, err := repo.ListByUser(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}
