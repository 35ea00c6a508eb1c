package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"stopsign-monitor-go/pkg/models"
)

const baseURL = "http://localhost:8080/api/v1"

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	// Проверяем health endpoint
	fmt.Println("Проверяем health endpoint...")
	if err := get("/health"); err != nil {
		fmt.Printf("Ошибка при обращении к health endpoint: %v\n", err)
		return
	}

	userID := "test-client"
	if err := post("/drives/start", models.StartDriveRequest{UserID: userID, FamilyID: "test-family"}); err != nil {
		fmt.Printf("Ошибка начала поездки: %v\n", err)
		return
	}

	// Подъезд к знаку на скорости 8 м/с
	now := time.Now().UTC()
	coord := &models.Coordinates{Lat: 55.7558, Lon: 37.6176}
	send(fmt.Sprintf("/users/%s/location", userID), models.LocationRequest{Speed: 8, Coordinate: coord, Authorization: "authorized", Timestamp: &now})
	send(fmt.Sprintf("/users/%s/accelerometer", userID), models.AccelerometerRequest{X: 0.2, Y: 0.1, Z: 1.1, Timestamp: &now})

	if len(os.Args) > 1 {
		// Кадр с камеры уходит в сервис детекции
		imagePath := os.Args[1]
		fmt.Printf("Отправляем кадр %s на детекцию...\n", imagePath)
		if err := postImage(fmt.Sprintf("/users/%s/frames/image", userID), imagePath); err != nil {
			fmt.Printf("Ошибка отправки кадра: %v\n", err)
		}
	} else {
		// Готовые результаты детекции: знак стабильно виден на четырех кадрах
		for i := 0; i < 4; i++ {
			at := time.Now().UTC()
			send(fmt.Sprintf("/users/%s/frames", userID), models.FrameRequest{
				CapturedAt: &at,
				Detections: []models.Detection{{
					Label:      "stop sign",
					Confidence: 0.9,
					BBox:       models.Box{X: 0.4, Y: 0.3, Width: 0.2, Height: 0.22},
				}},
			})
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Полная остановка на три секунды
	for i := 0; i < 6; i++ {
		at := time.Now().UTC()
		send(fmt.Sprintf("/users/%s/location", userID), models.LocationRequest{Speed: 0.1, Coordinate: coord, Authorization: "authorized", Timestamp: &at})
		send(fmt.Sprintf("/users/%s/accelerometer", userID), models.AccelerometerRequest{X: 0.01, Y: 0, Z: 1, Timestamp: &at})
		time.Sleep(500 * time.Millisecond)
	}

	if err := post("/drives/end", models.EndDriveRequest{UserID: userID}); err != nil {
		fmt.Printf("Ошибка завершения поездки: %v\n", err)
	}
}

func send(path string, payload interface{}) {
	if err := post(path, payload); err != nil {
		fmt.Printf("Ошибка запроса %s: %v\n", path, err)
	}
}

func get(path string) error {
	resp, err := httpClient.Get(baseURL + path)
	if err != nil {
		return err
	}
	return printResponse(path, resp)
}

func post(path string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ошибка кодирования запроса: %w", err)
	}
	resp, err := httpClient.Post(baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("ошибка отправки запроса: %w", err)
	}
	return printResponse(path, resp)
}

func postImage(path, imagePath string) error {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("ошибка чтения кадра: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	imageWriter, err := writer.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return fmt.Errorf("ошибка создания form field: %w", err)
	}
	if _, err := imageWriter.Write(imageData); err != nil {
		return fmt.Errorf("ошибка записи кадра: %w", err)
	}
	writer.Close()

	resp, err := httpClient.Post(baseURL+path, writer.FormDataContentType(), &body)
	if err != nil {
		return fmt.Errorf("ошибка отправки запроса: %w", err)
	}
	return printResponse(path, resp)
}

func printResponse(path string, resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}
	fmt.Printf("%s (статус %d): %s\n", path, resp.StatusCode, string(body))
	return nil
}
