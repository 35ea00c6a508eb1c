// Package pipeline связывает фильтр кандидатов, гейт стабильности,
// дедупликатор и состояние движения в конвейер, выдающий оповещения
// и события проезда знаков STOP.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/announcer"
	"stopsign-monitor-go/internal/detection"
	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/motion"
	"stopsign-monitor-go/internal/timeutil"
)

// Тексты оповещений
const (
	DefaultAlertText       = "Stop sign ahead"
	DefaultGoodStopText    = "Good stop"
	DefaultRollingStopText = "Rolling stop detected"
)

// Config параметры конвейера
type Config struct {
	Filter          detection.FilterConfig
	StabilityFrames int
	Dedup           detection.DedupParams
	Motion          motion.Config

	AlertText       string
	GoodStopText    string
	RollingStopText string
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		Filter:          detection.DefaultFilterConfig(),
		StabilityFrames: detection.DefaultStabilityFrames,
		Dedup:           detection.DefaultDedupParams(),
		Motion:          motion.DefaultConfig(),
		AlertText:       DefaultAlertText,
		GoodStopText:    DefaultGoodStopText,
		RollingStopText: DefaultRollingStopText,
	}
}

// Frame результат детектора для одного кадра
type Frame struct {
	CapturedAt time.Time
	Detections []detection.Observation
	Err        error
}

// FrameResult что произошло с кадром
type FrameResult struct {
	Present    bool
	Stabilized bool
	Verdict    detection.Verdict
	Announced  bool
}

// EventRecorder принимает события проезда знака в поездку
type EventRecorder interface {
	AddEvent(driveID uuid.UUID, ev drive.StopSignEvent) (drive.Session, error)
}

// Deps внешние зависимости конвейера одной поездки
type Deps struct {
	UserID   string
	DriveID  uuid.UUID
	Clock    timeutil.Clock
	Speaker  announcer.Speaker
	Recorder EventRecorder
	Sink     Sink
	Logger   *logrus.Logger
}

// Engine конвейер одной поездки. Не потокобезопасен: все методы, включая
// завершение проверок, должны вызываться из одного цикла (см. Runner).
type Engine struct {
	cfg  Config
	deps Deps

	filter   *detection.Filter
	gate     *detection.StabilityGate
	deduper  *detection.Deduper
	motion   *motion.State
	schedule motion.Scheduler

	pending int
	log     *logrus.Entry
}

// NewEngine создает конвейер. Если schedule nil, проверки планируются
// напрямую на часах deps.Clock.
func NewEngine(cfg Config, deps Deps, schedule motion.Scheduler) *Engine {
	if schedule == nil {
		schedule = deps.Clock.AfterFunc
	}
	if deps.Speaker == nil {
		deps.Speaker = announcer.Silent{}
	}
	if deps.Sink == nil {
		deps.Sink = MultiSink{}
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		filter:   detection.NewFilter(cfg.Filter),
		gate:     detection.NewStabilityGate(cfg.StabilityFrames),
		deduper:  detection.NewDeduper(),
		motion:   motion.NewState(cfg.Motion),
		schedule: schedule,
		log: deps.Logger.WithFields(logrus.Fields{
			"user_id":  deps.UserID,
			"drive_id": deps.DriveID.String(),
		}),
	}
}

// ProcessFrame обрабатывает кадр в порядке поступления
func (e *Engine) ProcessFrame(f Frame) FrameResult {
	if f.Err != nil {
		// ошибка инференса равносильна кадру без знака
		e.log.Warnf("Ошибка детектора на кадре: %v", f.Err)
		e.gate.Update(false)
		return FrameResult{}
	}

	cand, present := e.filter.Select(f.Detections, f.CapturedAt)
	res := FrameResult{Present: present}

	res.Stabilized = e.gate.Update(present)
	if !res.Stabilized {
		return res
	}

	res.Verdict = e.deduper.Evaluate(cand, e.filter.Target(), e.cfg.Dedup)
	if res.Verdict != detection.VerdictNew {
		return res
	}

	res.Announced = true
	e.log.WithField("confidence", cand.Confidence).Info("Обнаружен новый знак STOP")
	e.alert(e.cfg.AlertText)

	e.pending++
	e.motion.CheckIfStoppedAtStopSign(e.schedule, e.deps.Clock, func(r motion.Reading) {
		e.pending--
		e.completeVerification(cand, r)
	})
	return res
}

// OnLocation передает фикс геолокации в состояние движения
func (e *Engine) OnLocation(s motion.LocationSample) {
	e.motion.OnLocation(s)
}

// OnAccelerometer передает тик акселерометра в состояние движения
func (e *Engine) OnAccelerometer(s motion.AccelerometerSample) {
	e.motion.OnAccelerometer(s)
}

// Pending количество незавершенных проверок остановки
func (e *Engine) Pending() int {
	return e.pending
}

// Motion состояние движения (только для чтения из того же цикла)
func (e *Engine) Motion() *motion.State {
	return e.motion
}

// Reset сбрасывает гейт, память дедупликатора и состояние движения
func (e *Engine) Reset() {
	e.gate.Reset()
	e.deduper.Reset()
	e.motion.Reset()
}

func (e *Engine) completeVerification(cand detection.Candidate, r motion.Reading) {
	now := e.deps.Clock.Now()

	if !r.Available {
		e.log.Info("Проверка остановки пропущена: нет данных о движении")
		e.publish(Output{Kind: KindVerificationSkipped, Reason: "motion data unavailable", At: now})
		return
	}

	var stopDuration *time.Duration
	if r.HasDuration {
		d := r.StopDuration
		stopDuration = &d
	}
	ev := drive.NewStopSignEvent(now, r.DidFullStop, stopDuration, cand.Confidence, r.Location)

	if _, err := e.deps.Recorder.AddEvent(e.deps.DriveID, ev); err != nil {
		e.log.Debugf("Событие %s отброшено: %v", ev.ID, err)
		return
	}

	e.log.WithFields(logrus.Fields{
		"full_stop":     r.DidFullStop,
		"stop_duration": fmt.Sprintf("%.2fs", r.StopDuration.Seconds()),
	}).Info("Событие проезда знака записано")
	e.publish(Output{Kind: KindStopSignEvent, Event: &ev, At: now})

	if r.DidFullStop {
		e.alert(e.cfg.GoodStopText)
	} else {
		e.alert(e.cfg.RollingStopText)
	}
}

func (e *Engine) alert(text string) {
	spoken := e.deps.Speaker.Say(text)
	e.publish(Output{Kind: KindAlertRequested, Text: text, Spoken: spoken, At: e.deps.Clock.Now()})
}

func (e *Engine) publish(o Output) {
	o.UserID = e.deps.UserID
	o.DriveID = e.deps.DriveID
	e.deps.Sink.Publish(o)
}
