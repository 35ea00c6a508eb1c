package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"stopsign-monitor-go/internal/announcer"
	"stopsign-monitor-go/internal/database"
	"stopsign-monitor-go/internal/detection"
	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/pipeline"
)

// Config структура конфигурации приложения
type Config struct {
	Environment string

	Server struct {
		Port int
		Host string
	}
	GRPC struct {
		Port int
	}
	Database database.Config
	Detector struct {
		BaseURL string
		Timeout time.Duration
	}
	Logging struct {
		Level string
	}
	Kafka struct {
		Brokers string
		Topic   string
	}
	Pipeline struct {
		TargetLabel          string
		StabilityFrames      int
		MinConfidence        float64
		MaxOverlapForNew     float64
		ForgetAfter          time.Duration
		MovingSpeed          float64
		StoppedSpeed         float64
		AccelDeviation       float64
		RequiredStopDuration time.Duration
		VerificationMargin   time.Duration
		SpeakInterval        time.Duration
		LateEventGrace       time.Duration
		SensorBuffer         int
	}
	Sync struct {
		Interval time.Duration
	}
}

// LoadConfig загружает конфигурацию из переменных окружения.
// Файл .env, если он есть, подхватывается без перезаписи уже заданных переменных.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.Environment = getEnv("ENVIRONMENT", "development")

	// Конфигурация сервера
	cfg.Server.Port = getEnvInt("SERVER_PORT", 8080)
	cfg.Server.Host = getEnv("SERVER_HOST", "0.0.0.0")
	cfg.GRPC.Port = getEnvInt("GRPC_PORT", 9090)

	// Конфигурация базы данных
	cfg.Database = database.Config{
		Driver:       getEnv("DB_DRIVER", database.DriverPostgres),
		Host:         getEnv("DB_HOST", "localhost"),
		Port:         getEnv("DB_PORT", "5432"),
		Database:     getEnv("DB_NAME", "stopsign"),
		Username:     getEnv("DB_USER", "postgres"),
		Password:     getEnv("DB_PASSWORD", "postgres"),
		SSLMode:      getEnv("DB_SSLMODE", "disable"),
		SQLitePath:   getEnv("DB_SQLITE_PATH", "stopsign.db"),
		MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 10),
		MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 100),
	}

	// Конфигурация сервиса детекции
	cfg.Detector.BaseURL = getEnv("DETECTOR_URL", "http://localhost:8000")
	cfg.Detector.Timeout = getEnvDuration("DETECTOR_TIMEOUT", 2*time.Second)

	// Конфигурация логирования
	cfg.Logging.Level = getEnv("LOG_LEVEL", "info")

	// Kafka выключена, пока не заданы брокеры
	cfg.Kafka.Brokers = getEnv("KAFKA_BROKERS", "")
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", "stop-sign-events")

	defaults := pipeline.DefaultConfig()
	p := &cfg.Pipeline
	p.TargetLabel = getEnv("TARGET_LABEL", defaults.Filter.TargetLabel)
	p.StabilityFrames = getEnvInt("STABILITY_FRAMES", defaults.StabilityFrames)
	p.MinConfidence = getEnvFloat("MIN_CONFIDENCE", defaults.Dedup.MinConfidence)
	p.MaxOverlapForNew = getEnvFloat("MAX_OVERLAP_FOR_NEW", defaults.Dedup.MaxSpatialOverlapForNew)
	p.ForgetAfter = getEnvDuration("FORGET_AFTER", defaults.Dedup.ForgetAfter)
	p.MovingSpeed = getEnvFloat("MOVING_SPEED", defaults.Motion.MovingSpeed)
	p.StoppedSpeed = getEnvFloat("STOPPED_SPEED", defaults.Motion.StoppedSpeed)
	p.AccelDeviation = getEnvFloat("ACCEL_DEVIATION", defaults.Motion.AccelDeviation)
	p.RequiredStopDuration = getEnvDuration("REQUIRED_STOP_DURATION", defaults.Motion.RequiredStopDuration)
	p.VerificationMargin = getEnvDuration("VERIFICATION_MARGIN", defaults.Motion.VerificationMargin)
	p.SpeakInterval = getEnvDuration("SPEAK_INTERVAL", announcer.DefaultMinInterval)
	p.LateEventGrace = getEnvDuration("LATE_EVENT_GRACE", drive.DefaultLateEventGrace)
	p.SensorBuffer = getEnvInt("SENSOR_BUFFER", pipeline.DefaultSensorBuffer)

	cfg.Sync.Interval = getEnvDuration("SYNC_INTERVAL", 5*time.Second)

	return cfg
}

// Validate проверяет параметры конвейера
func (c *Config) Validate() error {
	var errs []error
	p := c.Pipeline

	if p.StabilityFrames < 2 {
		errs = append(errs, fmt.Errorf("STABILITY_FRAMES must be at least 2, got %d", p.StabilityFrames))
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("MIN_CONFIDENCE must be in [0,1], got %g", p.MinConfidence))
	}
	if p.MaxOverlapForNew < 0 || p.MaxOverlapForNew > 1 {
		errs = append(errs, fmt.Errorf("MAX_OVERLAP_FOR_NEW must be in [0,1], got %g", p.MaxOverlapForNew))
	}
	if p.ForgetAfter <= 0 {
		errs = append(errs, fmt.Errorf("FORGET_AFTER must be positive"))
	}
	if p.StoppedSpeed <= 0 || p.MovingSpeed <= p.StoppedSpeed {
		errs = append(errs, fmt.Errorf("speed thresholds must satisfy 0 < STOPPED_SPEED < MOVING_SPEED"))
	}
	if p.AccelDeviation <= 0 {
		errs = append(errs, fmt.Errorf("ACCEL_DEVIATION must be positive"))
	}
	if p.RequiredStopDuration <= 0 || p.VerificationMargin < 0 {
		errs = append(errs, fmt.Errorf("REQUIRED_STOP_DURATION must be positive and VERIFICATION_MARGIN non-negative"))
	}
	if p.LateEventGrace < 0 {
		errs = append(errs, fmt.Errorf("LATE_EVENT_GRACE must not be negative"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_INTERVAL must be positive"))
	}
	switch c.Database.Driver {
	case database.DriverPostgres, database.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}

// PipelineConfig собирает параметры конвейера
func (c *Config) PipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	p := c.Pipeline

	cfg.Filter.TargetLabel = p.TargetLabel
	cfg.StabilityFrames = p.StabilityFrames
	cfg.Dedup = detection.DedupParams{
		MinConfidence:           p.MinConfidence,
		MaxSpatialOverlapForNew: p.MaxOverlapForNew,
		ForgetAfter:             p.ForgetAfter,
	}
	cfg.Motion.MovingSpeed = p.MovingSpeed
	cfg.Motion.StoppedSpeed = p.StoppedSpeed
	cfg.Motion.AccelDeviation = p.AccelDeviation
	cfg.Motion.RequiredStopDuration = p.RequiredStopDuration
	cfg.Motion.VerificationMargin = p.VerificationMargin
	return cfg
}

// getEnv получает значение переменной окружения или возвращает значение по умолчанию
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt получает int значение переменной окружения или возвращает значение по умолчанию
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat получает float значение переменной окружения или возвращает значение по умолчанию
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration принимает "1.5s", "500ms" или число секунд
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
