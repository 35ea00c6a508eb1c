package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/geo"
	"stopsign-monitor-go/internal/model"
	"stopsign-monitor-go/internal/repository"
)

// DriveService сервис для работы с сохраненными поездками
type DriveService struct {
	driveRepo repository.DriveRepository
	logger    *logrus.Logger
}

// NewDriveService создает новый сервис для работы с поездками
func NewDriveService(driveRepo repository.DriveRepository, logger *logrus.Logger) *DriveService {
	return &DriveService{
		driveRepo: driveRepo,
		logger:    logger,
	}
}

// SaveSession сохраняет снимок поездки
func (s *DriveService) SaveSession(ctx context.Context, session drive.Session) error {
	m := sessionToModel(session)
	if err := s.driveRepo.Save(ctx, m); err != nil {
		return fmt.Errorf("failed to save drive %s: %w", session.ID, err)
	}
	s.logger.Debugf("Поездка %s сохранена, событий %d", session.ID, len(session.Events))
	return nil
}

// GetDrive получает поездку по ID
func (s *DriveService) GetDrive(ctx context.Context, driveID string) (drive.Session, error) {
	m, err := s.driveRepo.GetByID(ctx, driveID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return drive.Session{}, drive.ErrDriveNotFound
		}
		s.logger.Errorf("Ошибка получения поездки %s: %v", driveID, err)
		return drive.Session{}, fmt.Errorf("failed to get drive: %w", err)
	}
	return modelToSession(m)
}

// FetchDrives получает поездки пользователя, новые первыми
func (s *DriveService) FetchDrives(ctx context.Context, userID string, page, pageSize int) ([]drive.Session, int64, error) {
	s.logger.Infof("Получаем поездки пользователя %s: страница %d, размер %d", userID, page, pageSize)

	rows, total, err := s.driveRepo.ListByUser(ctx, userID, page, pageSize)
	if err != nil {
		s.logger.Errorf("Ошибка получения поездок: %v", err)
		return nil, 0, fmt.Errorf("failed to fetch drives: %w", err)
	}

	sessions, err := s.toSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// FetchFamilyDrives получает поездки семьи, сгруппированные по пользователю
func (s *DriveService) FetchFamilyDrives(ctx context.Context, familyID string) (map[string][]drive.Session, error) {
	rows, err := s.driveRepo.ListByFamily(ctx, familyID)
	if err != nil {
		s.logger.Errorf("Ошибка получения поездок семьи %s: %v", familyID, err)
		return nil, fmt.Errorf("failed to fetch family drives: %w", err)
	}

	sessions, err := s.toSessions(rows)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]drive.Session)
	for _, session := range sessions {
		grouped[session.UserID] = append(grouped[session.UserID], session)
	}

	s.logger.Infof("Найдено %d поездок семьи %s у %d пользователей", len(sessions), familyID, len(grouped))
	return grouped, nil
}

// DeleteDrive удаляет поездку
func (s *DriveService) DeleteDrive(ctx context.Context, driveID string) error {
	s.logger.Infof("Удаляем поездку %s", driveID)

	if err := s.driveRepo.Delete(ctx, driveID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return drive.ErrDriveNotFound
		}
		s.logger.Errorf("Ошибка удаления поездки: %v", err)
		return fmt.Errorf("failed to delete drive: %w", err)
	}
	return nil
}

// Statistics статистика по всем поездкам пользователя
func (s *DriveService) Statistics(ctx context.Context, userID string) (drive.Statistics, error) {
	sessions, _, err := s.FetchDrives(ctx, userID, 0, 0)
	if err != nil {
		return drive.Statistics{}, err
	}
	return drive.ComputeStatistics(sessions), nil
}

// EventsInArea события проезда знаков в заданной области
func (s *DriveService) EventsInArea(ctx context.Context, bounds geo.Bounds) ([]drive.StopSignEvent, error) {
	s.logger.Infof("Получаем события в области: NE(%.6f, %.6f) SW(%.6f, %.6f)",
		bounds.NorthEast.Lat, bounds.NorthEast.Lon, bounds.SouthWest.Lat, bounds.SouthWest.Lon)

	ne := repository.Coordinates{Lat: bounds.NorthEast.Lat, Lon: bounds.NorthEast.Lon}
	sw := repository.Coordinates{Lat: bounds.SouthWest.Lat, Lon: bounds.SouthWest.Lon}

	rows, err := s.driveRepo.GetEventsByArea(ctx, ne, sw)
	if err != nil {
		s.logger.Errorf("Ошибка получения событий по области: %v", err)
		return nil, fmt.Errorf("failed to get events by area: %w", err)
	}

	events := make([]drive.StopSignEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := modelToEvent(row)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", row.ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *DriveService) toSessions(rows []*model.Drive) ([]drive.Session, error) {
	sessions := make([]drive.Session, 0, len(rows))
	for _, row := range rows {
		session, err := modelToSession(row)
		if err != nil {
			return nil, fmt.Errorf("failed to decode drive %s: %w", row.ID, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}
