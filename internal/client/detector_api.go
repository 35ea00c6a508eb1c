package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/detection"
	"stopsign-monitor-go/pkg/models"
)

// DetectorClient клиент для сервиса детекции объектов на кадре
type DetectorClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewDetectorClient создает новый клиент сервиса детекции
func NewDetectorClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *DetectorClient {
	return &DetectorClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Detect отправляет кадр в сервис детекции и возвращает наблюдения
func (c *DetectorClient) Detect(ctx context.Context, image []byte, filename string) ([]detection.Observation, error) {
	// Создаем multipart form-data
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	imageWriter, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания form field для кадра: %w", err)
	}
	if _, err := imageWriter.Write(image); err != nil {
		return nil, fmt.Errorf("ошибка записи данных кадра: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("ошибка закрытия multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/detect", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания HTTP запроса: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.Debugf("Отправка кадра %s на %s", filename, url)
	var detectResponse models.DetectResponse
	if err := c.do(req, &detectResponse); err != nil {
		return nil, err
	}

	if detectResponse.Status != "" && detectResponse.Status != "success" {
		return nil, fmt.Errorf("сервис детекции вернул ошибку: %s", detectResponse.Message)
	}

	observations := make([]detection.Observation, 0, len(detectResponse.Detections))
	for _, d := range detectResponse.Detections {
		observations = append(observations, detection.Observation{
			Label:      d.Label,
			Confidence: d.Confidence,
			BBox: detection.BoundingBox{
				X:      d.BBox.X,
				Y:      d.BBox.Y,
				Width:  d.BBox.Width,
				Height: d.BBox.Height,
			},
		})
	}
	return observations, nil
}

// CheckHealth проверяет состояние сервиса детекции
func (c *DetectorClient) CheckHealth(ctx context.Context) (*models.HealthResponse, error) {
	c.logger.Debug("Проверка здоровья сервиса детекции")

	url := fmt.Sprintf("%s/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания HTTP запроса: %w", err)
	}

	var healthResponse models.HealthResponse
	if err := c.do(req, &healthResponse); err != nil {
		return nil, err
	}
	return &healthResponse, nil
}

// do выполняет запрос и разбирает JSON ответ в out
func (c *DetectorClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка отправки HTTP запроса: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("сервис детекции вернул ошибку: статус %d, тело: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("ошибка парсинга JSON ответа: %w", err)
	}
	return nil
}
