package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stopsign-monitor-go/internal/model"
)

// ErrNotFound запись не найдена
var ErrNotFound = errors.New("record not found")

// DriveRepository интерфейс для работы с поездками
type DriveRepository interface {
	Save(ctx context.Context, drive *model.Drive) error
	GetByID(ctx context.Context, id string) (*model.Drive, error)
	ListByUser(ctx context.Context, userID string, page, pageSize int) ([]*model.Drive, int64, error)
	ListByFamily(ctx context.Context, familyID string) ([]*model.Drive, error)
	GetEventsByArea(ctx context.Context, northEast, southWest Coordinates) ([]*model.StopSignEvent, error)
	Delete(ctx context.Context, id string) error
}

// Coordinates представляет координаты точки
type Coordinates struct {
	Lat float64
	Lon float64
}

// driveRepository реализация DriveRepository
type driveRepository struct {
	db *gorm.DB
}

// NewDriveRepository создает новый instance DriveRepository
func NewDriveRepository(db *gorm.DB) DriveRepository {
	return &driveRepository{
		db: db,
	}
}

// Save создает или обновляет поездку и полностью заменяет ее события
func (r *driveRepository) Save(ctx context.Context, drive *model.Drive) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	if err := tx.Omit(clause.Associations).Save(drive).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to save drive: %w", err)
	}

	// Удаляем старые события
	if err := tx.Where("drive_id = ?", drive.ID).Delete(&model.StopSignEvent{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete old events: %w", err)
	}

	// Создаем события заново в порядке поездки
	for i := range drive.Events {
		drive.Events[i].DriveID = drive.ID
		drive.Events[i].SeqNo = i
		if err := tx.Create(&drive.Events[i]).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create event %d: %w", i, err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetByID получает поездку по ID вместе с событиями
func (r *driveRepository) GetByID(ctx context.Context, id string) (*model.Drive, error) {
	var drive model.Drive
	err := r.db.WithContext(ctx).
		Preload("Events", orderEvents).
		Where("id = ?", id).
		First(&drive).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("drive with id %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get drive: %w", err)
	}
	return &drive, nil
}

// ListByUser получает поездки пользователя, новые первыми.
// pageSize <= 0 возвращает все поездки.
func (r *driveRepository) ListByUser(ctx context.Context, userID string, page, pageSize int) ([]*model.Drive, int64, error) {
	var drives []*model.Drive
	var total int64

	db := r.db.WithContext(ctx)

	// Подсчитываем общее количество
	if err := db.Model(&model.Drive{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count drives: %w", err)
	}

	query := db.Preload("Events", orderEvents).
		Where("user_id = ?", userID).
		Order("start_time DESC")
	if pageSize > 0 {
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * pageSize).Limit(pageSize)
	}

	if err := query.Find(&drives).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list drives: %w", err)
	}

	return drives, total, nil
}

// ListByFamily получает все поездки семьи
func (r *driveRepository) ListByFamily(ctx context.Context, familyID string) ([]*model.Drive, error) {
	var drives []*model.Drive

	err := r.db.WithContext(ctx).
		Preload("Events", orderEvents).
		Where("family_id = ?", familyID).
		Order("start_time DESC").
		Find(&drives).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list family drives: %w", err)
	}

	return drives, nil
}

// GetEventsByArea получает события с координатами в заданной области
func (r *driveRepository) GetEventsByArea(ctx context.Context, northEast, southWest Coordinates) ([]*model.StopSignEvent, error) {
	var events []*model.StopSignEvent

	// События удаленных поездок не возвращаются
	err := r.db.WithContext(ctx).
		Joins("JOIN drives ON drives.id = stop_sign_events.drive_id AND drives.deleted_at IS NULL").
		Where("stop_sign_events.latitude BETWEEN ? AND ? AND stop_sign_events.longitude BETWEEN ? AND ?",
			southWest.Lat, northEast.Lat, southWest.Lon, northEast.Lon).
		Order("stop_sign_events.occurred_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get events by area: %w", err)
	}

	return events, nil
}

// Delete удаляет поездку и ее события
func (r *driveRepository) Delete(ctx context.Context, id string) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	// Сначала удаляем события
	if err := tx.Where("drive_id = ?", id).Delete(&model.StopSignEvent{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete events: %w", err)
	}

	// Затем удаляем поездку
	result := tx.Where("id = ?", id).Delete(&model.Drive{})
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete drive: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("drive with id %s: %w", id, ErrNotFound)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func orderEvents(db *gorm.DB) *gorm.DB {
	return db.Order("seq_no ASC")
}
