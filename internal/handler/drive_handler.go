package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/geo"
	"stopsign-monitor-go/internal/service"
	"stopsign-monitor-go/pkg/models"
)

// HealthChecker внешний сервис с проверкой здоровья
type HealthChecker interface {
	CheckHealth(ctx context.Context) (*models.HealthResponse, error)
}

// DriveHandler обрабатывает HTTP запросы истории поездок
type DriveHandler struct {
	driveService *service.DriveService
	manager      *drive.Manager
	syncWorker   *service.SyncWorker
	detector     HealthChecker
	dbCheck      func() error
	logger       *logrus.Logger
}

// NewDriveHandler создает новый экземпляр DriveHandler. detector и dbCheck
// могут быть nil.
func NewDriveHandler(driveService *service.DriveService, manager *drive.Manager, syncWorker *service.SyncWorker, detector HealthChecker, dbCheck func() error, logger *logrus.Logger) *DriveHandler {
	return &DriveHandler{
		driveService: driveService,
		manager:      manager,
		syncWorker:   syncWorker,
		detector:     detector,
		dbCheck:      dbCheck,
		logger:       logger,
	}
}

// RegisterRoutes регистрирует маршруты API
func (h *DriveHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/users/:user_id/drives", h.ListDrives)
		api.GET("/users/:user_id/statistics", h.GetStatistics)
		api.GET("/drives/:id", h.GetDrive)
		api.DELETE("/drives/:id", h.DeleteDrive)
		api.GET("/families/:family_id/drives", h.ListFamilyDrives)
		api.GET("/events/area", h.GetEventsByArea)
		api.GET("/health", h.CheckHealth)
	}
}

// ListDrives возвращает поездки пользователя с пагинацией
func (h *DriveHandler) ListDrives(c *gin.Context) {
	userID := c.Param("user_id")

	// Получаем параметры пагинации
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	size, err := strconv.Atoi(c.DefaultQuery("size", "10"))
	if err != nil || size < 1 || size > 100 {
		size = 10
	}

	sessions, total, err := h.driveService.FetchDrives(c.Request.Context(), userID, page, size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ошибка получения списка поездок"})
		return
	}

	response := models.ListDrivesResponse{
		Drives: make([]models.DriveResponse, 0, len(sessions)),
		Total:  total,
		Page:   page,
		Size:   size,
	}
	for _, s := range sessions {
		response.Drives = append(response.Drives, drive.ToResponse(s))
	}

	h.logger.Infof("Возвращено %d поездок из %d", len(sessions), total)
	c.JSON(http.StatusOK, response)
}

// GetDrive возвращает поездку по ID. Активные и только что завершенные
// поездки берутся из памяти.
func (h *DriveHandler) GetDrive(c *gin.Context) {
	id, ok := parseDriveID(c)
	if !ok {
		return
	}

	if session, err := h.manager.Get(id); err == nil {
		c.JSON(http.StatusOK, drive.ToResponse(session))
		return
	}

	session, err := h.driveService.GetDrive(c.Request.Context(), id.String())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, drive.ToResponse(session))
}

// DeleteDrive удаляет поездку по ID
func (h *DriveHandler) DeleteDrive(c *gin.Context) {
	id, ok := parseDriveID(c)
	if !ok {
		return
	}
	h.logger.Infof("Получен запрос на удаление поездки с ID: %s", id)

	if session, err := h.manager.Get(id); err == nil && session.IsActive {
		c.JSON(http.StatusConflict, gin.H{"error": "Нельзя удалить активную поездку"})
		return
	}

	// Несохраненный снимок иначе воскресит удаленную поездку
	if h.syncWorker != nil {
		h.syncWorker.Forget(id)
	}

	if err := h.driveService.DeleteDrive(c.Request.Context(), id.String()); err != nil {
		writeError(c, err)
		return
	}

	h.logger.Info("Поездка успешно удалена")
	c.JSON(http.StatusOK, gin.H{"message": "Поездка успешно удалена"})
}

// ListFamilyDrives возвращает поездки семьи, сгруппированные по пользователю
func (h *DriveHandler) ListFamilyDrives(c *gin.Context) {
	familyID := c.Param("family_id")

	grouped, err := h.driveService.FetchFamilyDrives(c.Request.Context(), familyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ошибка получения поездок семьи"})
		return
	}

	response := models.FamilyDrivesResponse{
		FamilyID: familyID,
		Drives:   make(map[string][]models.DriveResponse, len(grouped)),
	}
	for userID, sessions := range grouped {
		for _, s := range sessions {
			response.Drives[userID] = append(response.Drives[userID], drive.ToResponse(s))
		}
	}
	c.JSON(http.StatusOK, response)
}

// GetStatistics возвращает статистику по поездкам пользователя
func (h *DriveHandler) GetStatistics(c *gin.Context) {
	userID := c.Param("user_id")

	stats, err := h.driveService.Statistics(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ошибка расчета статистики"})
		return
	}
	c.JSON(http.StatusOK, drive.StatisticsToDTO(stats))
}

// GetEventsByArea возвращает события проезда знаков в указанной области
func (h *DriveHandler) GetEventsByArea(c *gin.Context) {
	h.logger.Info("Получен запрос на получение событий по области")

	keys := []string{"ne_lat", "ne_lon", "sw_lat", "sw_lon"}
	values := make([]float64, len(keys))
	for i, key := range keys {
		raw := c.Query(key)
		if raw == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Отсутствуют обязательные параметры: ne_lat, ne_lon, sw_lat, sw_lon",
			})
			return
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат " + key})
			return
		}
		values[i] = v
	}

	bounds, err := geo.NewBounds(
		models.Coordinates{Lat: values[0], Lon: values[1]},
		models.Coordinates{Lat: values[2], Lon: values[3]},
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := h.driveService.EventsInArea(c.Request.Context(), bounds)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ошибка получения событий"})
		return
	}

	response := models.EventsByAreaResponse{
		Events: make([]models.StopSignEvent, 0, len(events)),
		Total:  len(events),
	}
	for _, ev := range events {
		response.Events = append(response.Events, drive.EventToDTO(ev))
	}

	h.logger.Infof("Найдено %d событий в указанной области", len(events))
	c.JSON(http.StatusOK, response)
}

// CheckHealth проверяет состояние сервиса
func (h *DriveHandler) CheckHealth(c *gin.Context) {
	if h.dbCheck != nil {
		if err := h.dbCheck(); err != nil {
			h.logger.Errorf("База данных недоступна: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "База данных недоступна",
			})
			return
		}
	}

	response := gin.H{
		"status":          "healthy",
		"active_drives":   len(h.manager.ActiveSessions()),
		"detector_status": "disabled",
	}
	if h.detector != nil {
		// Детектор не критичен: без него принимаются готовые результаты детекции
		if health, err := h.detector.CheckHealth(c.Request.Context()); err != nil {
			h.logger.Warnf("Сервис детекции недоступен: %v", err)
			response["detector_status"] = "unavailable"
		} else {
			response["detector_status"] = health.Status
		}
	}
	if h.syncWorker != nil {
		response["pending_sync"] = h.syncWorker.Pending()
	}

	c.JSON(http.StatusOK, response)
}

func parseDriveID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат ID поездки"})
		return uuid.Nil, false
	}
	return id, true
}

