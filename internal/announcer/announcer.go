// Package announcer озвучивает оповещения водителю с ограничением частоты.
package announcer

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/timeutil"
)

// DefaultMinInterval минимальный интервал между фразами
const DefaultMinInterval = 8 * time.Second

// Speaker одноразовое оповещение. Возвращает true, если фраза была произнесена.
type Speaker interface {
	Say(text string) bool
}

// Voice устройство вывода речи
type Voice interface {
	Speak(text string) error
}

// Announcer пропускает не более одной фразы за MinInterval.
// Это страховка поверх дедупликатора, а не основной механизм подавления.
type Announcer struct {
	mu          sync.Mutex
	voice       Voice
	clock       timeutil.Clock
	logger      *logrus.Logger
	minInterval time.Duration
	lastSpoken  time.Time
	spoken      bool
}

// NewAnnouncer создает новый Announcer
func NewAnnouncer(voice Voice, clock timeutil.Clock, minInterval time.Duration, logger *logrus.Logger) *Announcer {
	if minInterval < 0 {
		minInterval = 0
	}
	return &Announcer{
		voice:       voice,
		clock:       clock,
		logger:      logger,
		minInterval: minInterval,
	}
}

// Say произносит text, если с прошлой фразы прошло больше MinInterval
func (a *Announcer) Say(text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if a.spoken && now.Sub(a.lastSpoken) <= a.minInterval {
		a.logger.Debugf("Оповещение пропущено из-за ограничения частоты: %q", text)
		return false
	}

	if err := a.voice.Speak(text); err != nil {
		a.logger.Warnf("Не удалось озвучить оповещение %q: %v", text, err)
		return false
	}

	a.lastSpoken = now
	a.spoken = true
	return true
}

// LogVoice пишет фразы в лог вместо динамика
type LogVoice struct {
	logger *logrus.Logger
}

// NewLogVoice создает новый LogVoice
func NewLogVoice(logger *logrus.Logger) *LogVoice {
	return &LogVoice{logger: logger}
}

// Speak пишет фразу в лог
func (v *LogVoice) Speak(text string) error {
	if text == "" {
		return fmt.Errorf("empty utterance")
	}
	v.logger.WithField("utterance", text).Info("Озвучиваем оповещение")
	return nil
}

// Silent никогда ничего не произносит
type Silent struct{}

// Say всегда возвращает false
func (Silent) Say(string) bool { return false }
