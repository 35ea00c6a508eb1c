// Package drive хранит сессии поездок, события проезда знаков STOP и
// вычисляет сводку, оценку и статистику по поездкам.
package drive

import (
	"time"

	"github.com/google/uuid"

	"stopsign-monitor-go/pkg/models"
)

// StopSignEvent событие проезда знака. Не изменяется после создания.
type StopSignEvent struct {
	ID           uuid.UUID
	Timestamp    time.Time
	DidFullStop  bool
	StopDuration *time.Duration
	Confidence   float64
	Location     *models.Coordinates
}

// NewStopSignEvent создает событие с новым ID
func NewStopSignEvent(at time.Time, didFullStop bool, stopDuration *time.Duration, confidence float64, location *models.Coordinates) StopSignEvent {
	ev := StopSignEvent{
		ID:          uuid.New(),
		Timestamp:   at,
		DidFullStop: didFullStop,
		Confidence:  confidence,
	}
	if stopDuration != nil {
		d := *stopDuration
		ev.StopDuration = &d
	}
	if location != nil {
		loc := *location
		ev.Location = &loc
	}
	return ev
}

// Duration длительность остановки, если она известна
func (e StopSignEvent) Duration() (time.Duration, bool) {
	if e.StopDuration == nil {
		return 0, false
	}
	return *e.StopDuration, true
}

// Session одна поездка пользователя. События добавляются только в конец.
type Session struct {
	ID             uuid.UUID
	UserID         string
	FamilyID       string
	StartTime      time.Time
	EndTime        *time.Time
	IsActive       bool
	DistanceMeters float64
	Events         []StopSignEvent
}

// NewSession создает активную сессию
func NewSession(userID, familyID string, start time.Time) Session {
	return Session{
		ID:        uuid.New(),
		UserID:    userID,
		FamilyID:  familyID,
		StartTime: start,
		IsActive:  true,
		Events:    []StopSignEvent{},
	}
}

// Duration длительность завершенной поездки
func (s Session) Duration() (time.Duration, bool) {
	if s.EndTime == nil {
		return 0, false
	}
	return s.EndTime.Sub(s.StartTime), true
}

// Clone возвращает копию, не разделяющую память с оригиналом
func (s Session) Clone() Session {
	out := s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	out.Events = make([]StopSignEvent, len(s.Events))
	copy(out.Events, s.Events)
	return out
}
