package models

import "time"

// Coordinates представляет географические координаты
type Coordinates struct {
	Lat float64 `json:"lat"` // Широта
	Lon float64 `json:"lon"` // Долгота
}

// Box нормализованная рамка детекции в координатах изображения [0,1]
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection одно наблюдение детектора
type Detection struct {
	Label      string  `json:"label"`      // Класс объекта
	Confidence float64 `json:"confidence"` // Уверенность [0,1]
	BBox       Box     `json:"bbox"`       // Рамка объекта
}

// FrameRequest результат детекции для одного кадра
type FrameRequest struct {
	CapturedAt *time.Time  `json:"captured_at,omitempty"` // Время захвата кадра (по умолчанию: время приема)
	Detections []Detection `json:"detections"`            // Наблюдения детектора
	Error      string      `json:"error,omitempty"`       // Ошибка инференса на кадре
}

// LocationRequest фикс геолокации
type LocationRequest struct {
	Speed         float64      `json:"speed"`                   // Скорость в м/с
	Coordinate    *Coordinates `json:"coordinate,omitempty"`    // Координата
	Authorization string       `json:"authorization,omitempty"` // Статус разрешения на геолокацию
	Timestamp     *time.Time   `json:"timestamp,omitempty"`     // Время фикса
}

// AccelerometerRequest тик акселерометра, ускорение в g
type AccelerometerRequest struct {
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	Z         float64    `json:"z"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// StartDriveRequest запрос на начало поездки
type StartDriveRequest struct {
	UserID   string `json:"user_id" binding:"required"` // Пользователь
	FamilyID string `json:"family_id,omitempty"`        // Семья (необязательно)
}

// EndDriveRequest запрос на завершение поездки
type EndDriveRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// StopSignEvent событие проезда знака STOP
type StopSignEvent struct {
	ID           string       `json:"id"`
	Timestamp    time.Time    `json:"timestamp"`
	DidFullStop  bool         `json:"did_full_stop"`           // Была ли полная остановка
	StopDuration *float64     `json:"stop_duration,omitempty"` // Длительность остановки в секундах
	Confidence   float64      `json:"confidence"`              // Уверенность детектора
	Location     *Coordinates `json:"location,omitempty"`      // Место события
}

// DriveSummary сводка по поездке
type DriveSummary struct {
	TotalStopSigns      int     `json:"total_stop_signs"`
	FullStops           int     `json:"full_stops"`
	RollingStops        int     `json:"rolling_stops"`
	AverageStopDuration float64 `json:"average_stop_duration"` // Средняя длительность остановки в секундах
	DurationSeconds     float64 `json:"duration_seconds"`      // Длительность поездки
	Score               int     `json:"score"`
	Grade               string  `json:"grade"`
}

// DriveResponse поездка со сводкой
type DriveResponse struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	FamilyID       string          `json:"family_id,omitempty"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	IsActive       bool            `json:"is_active"`
	DistanceMeters float64         `json:"distance_meters"` // Пройденное расстояние
	Events         []StopSignEvent `json:"events"`
	Summary        DriveSummary    `json:"summary"`
}

// ListDrivesResponse список поездок
type ListDrivesResponse struct {
	Drives []DriveResponse `json:"drives"`
	Total  int64           `json:"total"`
	Page   int             `json:"page"`
	Size   int             `json:"size"`
}

// FamilyDrivesResponse поездки семьи, сгруппированные по пользователю
type FamilyDrivesResponse struct {
	FamilyID string                     `json:"family_id"`
	Drives   map[string][]DriveResponse `json:"drives"`
}

// StatisticsResponse статистика по всем поездкам пользователя
type StatisticsResponse struct {
	TotalDrives        int     `json:"total_drives"`
	TotalStopSigns     int     `json:"total_stop_signs"`
	FullStops          int     `json:"full_stops"`
	RollingStops       int     `json:"rolling_stops"`
	AverageScore       int     `json:"average_score"`
	FullStopPercentage float64 `json:"full_stop_percentage"`
}

// EventsByAreaResponse события в заданной области
type EventsByAreaResponse struct {
	Events []StopSignEvent `json:"events"`
	Total  int             `json:"total"`
}

// Типы выходных сообщений конвейера
const (
	OutputAlert               = "alert"
	OutputStopSignEvent       = "stop_sign_event"
	OutputVerificationSkipped = "verification_skipped"
	OutputDriveStarted        = "drive_started"
	OutputDriveEnded          = "drive_ended"
)

// OutputMessage сообщение для UI/аудио слоя
type OutputMessage struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"`
	DriveID   string         `json:"drive_id,omitempty"`
	Text      string         `json:"text,omitempty"`   // Текст оповещения
	Spoken    bool           `json:"spoken,omitempty"` // Было ли оповещение озвучено
	Event     *StopSignEvent `json:"event,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DetectResponse ответ сервиса детекции
type DetectResponse struct {
	Status     string      `json:"status"`     // Статус выполнения
	Message    string      `json:"message"`    // Сообщение
	Detections []Detection `json:"detections"` // Наблюдения на кадре
}

// HealthResponse представляет ответ проверки здоровья сервиса
type HealthResponse struct {
	Status      string `json:"status"`       // Статус сервиса (healthy/unhealthy)
	ModelLoaded bool   `json:"model_loaded"` // Загружена ли модель
	Version     string `json:"version"`      // Версия сервиса
}
