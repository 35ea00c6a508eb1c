package service

import (
	"time"

	"github.com/google/uuid"

	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/model"
	"stopsign-monitor-go/pkg/models"
)

// sessionToModel преобразует сессию в модель базы данных
func sessionToModel(s drive.Session) *model.Drive {
	sum := drive.Summarize(s)
	m := &model.Drive{
		ID:             s.ID.String(),
		UserID:         s.UserID,
		FamilyID:       s.FamilyID,
		StartTime:      s.StartTime,
		IsActive:       s.IsActive,
		DistanceMeters: s.DistanceMeters,
		TotalStopSigns: sum.TotalStopSigns,
		FullStops:      sum.FullStops,
		Score:          sum.Score,
		Grade:          sum.Grade,
		CreatedAt:      s.StartTime,
		Events:         make([]model.StopSignEvent, 0, len(s.Events)),
	}
	if s.EndTime != nil {
		end := *s.EndTime
		m.EndTime = &end
	}

	for _, ev := range s.Events {
		row := model.StopSignEvent{
			ID:          ev.ID.String(),
			DriveID:     m.ID,
			OccurredAt:  ev.Timestamp,
			DidFullStop: ev.DidFullStop,
			Confidence:  ev.Confidence,
		}
		if d, ok := ev.Duration(); ok {
			secs := d.Seconds()
			row.StopDuration = &secs
		}
		if ev.Location != nil {
			lat, lon := ev.Location.Lat, ev.Location.Lon
			row.Latitude = &lat
			row.Longitude = &lon
		}
		m.Events = append(m.Events, row)
	}
	return m
}

// modelToSession преобразует модель базы данных в сессию
func modelToSession(m *model.Drive) (drive.Session, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return drive.Session{}, err
	}

	s := drive.Session{
		ID:             id,
		UserID:         m.UserID,
		FamilyID:       m.FamilyID,
		StartTime:      m.StartTime,
		IsActive:       m.IsActive,
		DistanceMeters: m.DistanceMeters,
		Events:         make([]drive.StopSignEvent, 0, len(m.Events)),
	}
	if m.EndTime != nil {
		end := *m.EndTime
		s.EndTime = &end
	}

	for _, row := range m.Events {
		ev, err := modelToEvent(&row)
		if err != nil {
			return drive.Session{}, err
		}
		s.Events = append(s.Events, ev)
	}
	return s, nil
}

// modelToEvent преобразует строку события в событие поездки
func modelToEvent(row *model.StopSignEvent) (drive.StopSignEvent, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return drive.StopSignEvent{}, err
	}

	ev := drive.StopSignEvent{
		ID:          id,
		Timestamp:   row.OccurredAt,
		DidFullStop: row.DidFullStop,
		Confidence:  row.Confidence,
	}
	if row.StopDuration != nil {
		d := time.Duration(*row.StopDuration * float64(time.Second))
		ev.StopDuration = &d
	}
	if row.Latitude != nil && row.Longitude != nil {
		ev.Location = &models.Coordinates{Lat: *row.Latitude, Lon: *row.Longitude}
	}
	return ev, nil
}
