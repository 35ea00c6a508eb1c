// Package replay прогоняет записанный лог поездки через конвейер
// на ручных часах.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"stopsign-monitor-go/pkg/models"
)

// Типы записей лога
const (
	RecordFrame         = "frame"
	RecordLocation      = "location"
	RecordAccelerometer = "accelerometer"
)

// Record одна строка лога поездки
type Record struct {
	Line          int
	Type          string
	At            time.Time
	Frame         *models.FrameRequest
	Location      *models.LocationRequest
	Accelerometer *models.AccelerometerRequest
}

// header общие поля строки
type header struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseFile читает лог поездки в формате JSON Lines
func ParseFile(filename string) ([]Record, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse читает записи по одной на строку. Пустые строки и строки,
// начинающиеся с '#', пропускаются. Время записей не должно убывать.
func Parse(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var records []Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, err := parseLine([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		rec.Line = lineNum

		if n := len(records); n > 0 && rec.At.Before(records[n-1].At) {
			return nil, fmt.Errorf("line %d: timestamp %s is before previous record", lineNum, rec.At.Format(time.RFC3339Nano))
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return records, nil
}

func parseLine(line []byte) (Record, error) {
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return Record{}, fmt.Errorf("invalid json: %w", err)
	}
	if h.Timestamp.IsZero() {
		return Record{}, fmt.Errorf("missing timestamp")
	}

	rec := Record{Type: h.Type, At: h.Timestamp}
	switch h.Type {
	case RecordFrame:
		var f models.FrameRequest
		if err := json.Unmarshal(line, &f); err != nil {
			return Record{}, fmt.Errorf("invalid frame: %w", err)
		}
		rec.Frame = &f
	case RecordLocation:
		var l models.LocationRequest
		if err := json.Unmarshal(line, &l); err != nil {
			return Record{}, fmt.Errorf("invalid location: %w", err)
		}
		rec.Location = &l
	case RecordAccelerometer:
		var a models.AccelerometerRequest
		if err := json.Unmarshal(line, &a); err != nil {
			return Record{}, fmt.Errorf("invalid accelerometer sample: %w", err)
		}
		rec.Accelerometer = &a
	default:
		return Record{}, fmt.Errorf("unsupported record type %q", h.Type)
	}
	return rec, nil
}
