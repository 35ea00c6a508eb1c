package model

import (
	"time"

	"gorm.io/gorm"
)

// Drive представляет поездку в базе данных
type Drive struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID         string     `gorm:"type:varchar(64);not null;index" json:"user_id"`
	FamilyID       string     `gorm:"type:varchar(64);index" json:"family_id"`
	StartTime      time.Time  `gorm:"not null;index" json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	IsActive       bool       `gorm:"not null;default:true" json:"is_active"`
	DistanceMeters float64    `gorm:"not null;default:0" json:"distance_meters"`

	// Производная статистика, хранится для запросов без загрузки событий
	TotalStopSigns int    `gorm:"not null;default:0" json:"total_stop_signs"`
	FullStops      int    `gorm:"not null;default:0" json:"full_stops"`
	Score          int    `gorm:"not null;default:100" json:"score"`
	Grade          string `gorm:"type:varchar(2)" json:"grade"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	// Связь с событиями
	Events []StopSignEvent `gorm:"foreignKey:DriveID;constraint:OnDelete:CASCADE" json:"events"`
}

// StopSignEvent представляет событие проезда знака в базе данных
type StopSignEvent struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DriveID      string    `gorm:"type:varchar(36);not null;index" json:"drive_id"`
	SeqNo        int       `gorm:"not null" json:"seq_no"` // Порядок события в поездке
	OccurredAt   time.Time `gorm:"not null" json:"occurred_at"`
	DidFullStop  bool      `gorm:"not null" json:"did_full_stop"`
	StopDuration *float64  `json:"stop_duration"` // В секундах, NULL если неизвестна
	Confidence   float64   `gorm:"not null" json:"confidence"`
	Latitude     *float64  `gorm:"index:idx_event_location" json:"latitude"`
	Longitude    *float64  `gorm:"index:idx_event_location" json:"longitude"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName указывает имя таблицы для Drive
func (Drive) TableName() string {
	return "drives"
}

// TableName указывает имя таблицы для StopSignEvent
func (StopSignEvent) TableName() string {
	return "stop_sign_events"
}
