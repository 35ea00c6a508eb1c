package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/motion"
	"stopsign-monitor-go/internal/pipeline"
	"stopsign-monitor-go/pkg/models"
)

// TelemetryHandler принимает данные поездки в реальном времени
type TelemetryHandler struct {
	coordinator *pipeline.Coordinator
	hub         *pipeline.Hub
	logger      *logrus.Logger
}

// NewTelemetryHandler создает новый обработчик телеметрии
func NewTelemetryHandler(coordinator *pipeline.Coordinator, hub *pipeline.Hub, logger *logrus.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		coordinator: coordinator,
		hub:         hub,
		logger:      logger,
	}
}

// RegisterRoutes регистрирует маршруты телеметрии
func (h *TelemetryHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/drives/start", h.StartDrive)
		api.POST("/drives/end", h.EndDrive)
		api.POST("/users/:user_id/frames", h.SubmitFrame)
		api.POST("/users/:user_id/frames/image", h.SubmitImage)
		api.POST("/users/:user_id/location", h.SubmitLocation)
		api.POST("/users/:user_id/accelerometer", h.SubmitAccelerometer)
		api.GET("/users/:user_id/outputs", h.StreamOutputs)
	}
}

// StartDrive начинает поездку
func (h *TelemetryHandler) StartDrive(c *gin.Context) {
	var req models.StartDriveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Поле user_id обязательно"})
		return
	}

	session, started := h.coordinator.StartDrive(req.UserID, req.FamilyID)
	if !started {
		h.logger.Infof("Поездка пользователя %s уже идет", req.UserID)
		c.JSON(http.StatusOK, drive.ToResponse(session))
		return
	}

	h.logger.Infof("Начата поездка %s пользователя %s", session.ID, req.UserID)
	c.JSON(http.StatusCreated, drive.ToResponse(session))
}

// EndDrive завершает поездку
func (h *TelemetryHandler) EndDrive(c *gin.Context) {
	var req models.EndDriveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Поле user_id обязательно"})
		return
	}

	session, ended := h.coordinator.EndDrive(req.UserID)
	if !ended {
		writeError(c, drive.ErrNoActiveDrive)
		return
	}

	h.logger.Infof("Завершена поездка %s пользователя %s", session.ID, req.UserID)
	c.JSON(http.StatusOK, drive.ToResponse(session))
}

// SubmitFrame принимает готовый результат детекции кадра
func (h *TelemetryHandler) SubmitFrame(c *gin.Context) {
	userID := c.Param("user_id")

	var req models.FrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат кадра"})
		return
	}

	frame := pipeline.Frame{Detections: pipeline.ObservationsFromDTO(req.Detections)}
	if req.CapturedAt != nil {
		frame.CapturedAt = *req.CapturedAt
	}
	if req.Error != "" {
		frame.Err = errors.New(req.Error)
	}

	accepted, err := h.coordinator.ProcessFrame(userID, frame)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

// SubmitImage принимает кадр и отправляет его в сервис детекции
func (h *TelemetryHandler) SubmitImage(c *gin.Context) {
	userID := c.Param("user_id")

	// Парсим multipart form
	if err := c.Request.ParseMultipartForm(8 << 20); err != nil {
		h.logger.Errorf("Ошибка парсинга multipart form: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ошибка парсинга формы"})
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Кадр обязателен"})
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		h.logger.Errorf("Ошибка чтения кадра: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ошибка чтения кадра"})
		return
	}

	var capturedAt time.Time
	if v := c.PostForm("captured_at"); v != "" {
		capturedAt, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат captured_at"})
			return
		}
	}

	// Инференс живет дольше запроса, поэтому контекст запроса не передаем
	accepted, err := h.coordinator.ProcessImage(context.WithoutCancel(c.Request.Context()), userID, image, header.Filename, capturedAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

// SubmitLocation принимает фикс геолокации
func (h *TelemetryHandler) SubmitLocation(c *gin.Context) {
	userID := c.Param("user_id")

	var req models.LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат геолокации"})
		return
	}

	sample := motion.LocationSample{
		Speed:         req.Speed,
		Coordinate:    req.Coordinate,
		Authorization: motion.ParseAuthorization(req.Authorization),
	}
	if req.Timestamp != nil {
		sample.At = *req.Timestamp
	}

	if err := h.coordinator.OnLocationUpdate(userID, sample); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitAccelerometer принимает тик акселерометра
func (h *TelemetryHandler) SubmitAccelerometer(c *gin.Context) {
	userID := c.Param("user_id")

	var req models.AccelerometerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат данных акселерометра"})
		return
	}

	sample := motion.AccelerometerSample{X: req.X, Y: req.Y, Z: req.Z}
	if req.Timestamp != nil {
		sample.At = *req.Timestamp
	}

	if err := h.coordinator.OnAccelerometerTick(userID, sample); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StreamOutputs отдает оповещения и события пользователя через SSE
func (h *TelemetryHandler) StreamOutputs(c *gin.Context) {
	userID := c.Param("user_id")
	outputs, cancel := h.hub.Subscribe(userID)
	defer cancel()

	h.logger.Infof("Подписка на сообщения пользователя %s", userID)
	ctx := c.Request.Context()

	// Заголовки уходят сразу, не дожидаясь первого сообщения
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case o, ok := <-outputs:
			if !ok {
				return false
			}
			c.SSEvent(o.Kind.String(), o.Message())
			return true
		case <-ctx.Done():
			return false
		}
	})
	h.logger.Infof("Подписка пользователя %s закрыта", userID)
}

// writeError отображает ошибки домена в HTTP статусы
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, drive.ErrNoActiveDrive), errors.Is(err, pipeline.ErrRunnerClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "Нет активной поездки"})
	case errors.Is(err, drive.ErrDriveNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Поездка не найдена"})
	case errors.Is(err, pipeline.ErrNoDetector):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Сервис детекции не настроен"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
