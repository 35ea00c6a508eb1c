package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/detection"
	"stopsign-monitor-go/internal/timeutil"
)

// Detector внешний детектор объектов на кадре
type Detector interface {
	Detect(ctx context.Context, image []byte, filename string) ([]detection.Observation, error)
}

// InferenceStage держит не более одного запроса к детектору в полете.
// Кадры, пришедшие во время инференса, отбрасываются, а не ставятся в очередь.
type InferenceStage struct {
	detector Detector
	submit   func(Frame) (bool, error)
	clock    timeutil.Clock
	timeout  time.Duration
	logger   *logrus.Logger

	busy    atomic.Bool
	dropped atomic.Int64
}

// NewInferenceStage создает стадию инференса, отдающую результаты в submit
func NewInferenceStage(detector Detector, submit func(Frame) (bool, error), clock timeutil.Clock, timeout time.Duration, logger *logrus.Logger) *InferenceStage {
	return &InferenceStage{
		detector: detector,
		submit:   submit,
		clock:    clock,
		timeout:  timeout,
		logger:   logger,
	}
}

// Offer запускает инференс кадра, если детектор свободен.
// Возвращает false, если кадр отброшен.
func (s *InferenceStage) Offer(ctx context.Context, image []byte, filename string, capturedAt time.Time) bool {
	if !s.busy.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		return false
	}
	if capturedAt.IsZero() {
		capturedAt = s.clock.Now()
	}

	go func() {
		defer s.busy.Store(false)

		callCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		obs, err := s.detector.Detect(callCtx, image, filename)
		frame := Frame{CapturedAt: capturedAt, Detections: obs, Err: err}
		if _, err := s.submit(frame); err != nil {
			s.logger.Debugf("Результат инференса отброшен: %v", err)
		}
	}()
	return true
}

// Busy true, пока запрос к детектору в полете
func (s *InferenceStage) Busy() bool {
	return s.busy.Load()
}

// Dropped количество кадров, отброшенных из-за занятого детектора
func (s *InferenceStage) Dropped() int64 {
	return s.dropped.Load()
}
