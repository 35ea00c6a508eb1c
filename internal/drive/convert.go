package drive

import (
	"stopsign-monitor-go/pkg/models"
)

// EventToDTO преобразует событие в формат API
func EventToDTO(ev StopSignEvent) models.StopSignEvent {
	dto := models.StopSignEvent{
		ID:          ev.ID.String(),
		Timestamp:   ev.Timestamp,
		DidFullStop: ev.DidFullStop,
		Confidence:  ev.Confidence,
	}
	if d, ok := ev.Duration(); ok {
		secs := d.Seconds()
		dto.StopDuration = &secs
	}
	if ev.Location != nil {
		loc := *ev.Location
		dto.Location = &loc
	}
	return dto
}

// SummaryToDTO преобразует сводку в формат API
func SummaryToDTO(s Summary) models.DriveSummary {
	return models.DriveSummary{
		TotalStopSigns:      s.TotalStopSigns,
		FullStops:           s.FullStops,
		RollingStops:        s.RollingStops,
		AverageStopDuration: s.AverageStopDuration.Seconds(),
		DurationSeconds:     s.Duration.Seconds(),
		Score:               s.Score,
		Grade:               s.Grade,
	}
}

// ToResponse преобразует сессию в ответ API
func ToResponse(s Session) models.DriveResponse {
	resp := models.DriveResponse{
		ID:             s.ID.String(),
		UserID:         s.UserID,
		FamilyID:       s.FamilyID,
		StartTime:      s.StartTime,
		IsActive:       s.IsActive,
		DistanceMeters: s.DistanceMeters,
		Events:         make([]models.StopSignEvent, 0, len(s.Events)),
		Summary:        SummaryToDTO(Summarize(s)),
	}
	if s.EndTime != nil {
		end := *s.EndTime
		resp.EndTime = &end
	}
	for _, ev := range s.Events {
		resp.Events = append(resp.Events, EventToDTO(ev))
	}
	return resp
}

// StatisticsToDTO преобразует статистику в формат API
func StatisticsToDTO(st Statistics) models.StatisticsResponse {
	return models.StatisticsResponse{
		TotalDrives:        st.TotalDrives,
		TotalStopSigns:     st.TotalStopSigns,
		FullStops:          st.FullStops,
		RollingStops:       st.RollingStops,
		AverageScore:       st.AverageScore,
		FullStopPercentage: st.FullStopPercentage(),
	}
}
