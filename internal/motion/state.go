// Package motion определяет движение/остановку автомобиля по скорости GPS
// и акселерометру и отслеживает длительность текущей остановки.
package motion

import (
	"math"
	"time"

	"stopsign-monitor-go/internal/timeutil"
	"stopsign-monitor-go/pkg/models"
)

// Config пороги классификации
type Config struct {
	MovingSpeed          float64       // м/с, выше: движение независимо от акселерометра
	StoppedSpeed         float64       // м/с, ниже: GPS считает остановкой
	AccelDeviation       float64       // g, допустимое отклонение модуля ускорения от 1g
	RequiredStopDuration time.Duration // длительность полной остановки
	VerificationMargin   time.Duration // запас к ожиданию перед проверкой
	AccelStaleAfter      time.Duration // после этого без тиков акселерометра: только GPS
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		MovingSpeed:          2.0,
		StoppedSpeed:         0.5,
		AccelDeviation:       0.1,
		RequiredStopDuration: 2 * time.Second,
		VerificationMargin:   500 * time.Millisecond,
		AccelStaleAfter:      time.Second,
	}
}

// VerificationDelay задержка одноразовой проверки остановки
func (c Config) VerificationDelay() time.Duration {
	return c.RequiredStopDuration + c.VerificationMargin
}

// Authorization статус разрешения на геолокацию
type Authorization int

const (
	AuthorizationNotDetermined Authorization = iota
	AuthorizationGranted
	AuthorizationDenied
)

// ParseAuthorization разбирает строковый статус
func ParseAuthorization(s string) Authorization {
	switch s {
	case "authorized", "authorized_always", "authorized_when_in_use", "granted":
		return AuthorizationGranted
	case "denied", "restricted":
		return AuthorizationDenied
	default:
		return AuthorizationNotDetermined
	}
}

// LocationSample фикс геолокации
type LocationSample struct {
	Speed         float64 // м/с, отрицательное значение: нет данных
	Coordinate    *models.Coordinates
	Authorization Authorization
	At            time.Time
}

// AccelerometerSample трехосевое ускорение в g
type AccelerometerSample struct {
	X, Y, Z float64
	At      time.Time
}

// Deviation отклонение модуля ускорения от 1g
func (s AccelerometerSample) Deviation() float64 {
	magnitude := math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
	return math.Abs(magnitude - 1.0)
}

// Phase классификация движения
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseMoving
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseMoving:
		return "moving"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reading результат одноразовой проверки остановки
type Reading struct {
	Available    bool
	DidFullStop  bool
	StopDuration time.Duration
	HasDuration  bool
	Location     *models.Coordinates
}

// State состояние движения. Не потокобезопасно: все вызовы идут из одного цикла.
// Инвариант: stopStartedAt задан тогда и только тогда, когда phase == PhaseStopped.
type State struct {
	cfg Config

	speed    float64
	location *models.Coordinates
	auth     Authorization
	hasFix   bool

	hasAccel    bool
	lastAccelAt time.Time

	phase         Phase
	stopStartedAt time.Time
}

// NewState создает состояние с неизвестной фазой
func NewState(cfg Config) *State {
	return &State{cfg: cfg}
}

// Config возвращает пороги
func (s *State) Config() Config {
	return s.cfg
}

// OnLocation обновляет скорость. Если акселерометр недоступен, классификация
// выполняется только по GPS.
func (s *State) OnLocation(sample LocationSample) {
	if sample.Authorization == AuthorizationDenied {
		s.auth = AuthorizationDenied
		s.hasFix = false
		return
	}
	s.auth = sample.Authorization

	s.speed = math.Max(0, sample.Speed)
	s.hasFix = true
	if sample.Coordinate != nil {
		coord := *sample.Coordinate
		s.location = &coord
	}

	if s.accelStale(sample.At) {
		s.apply(s.speed < s.cfg.StoppedSpeed, sample.At)
	}
}

// OnAccelerometer классифицирует движение на каждом тике акселерометра
func (s *State) OnAccelerometer(sample AccelerometerSample) {
	s.hasAccel = true
	s.lastAccelAt = sample.At

	var stopped bool
	if s.speed > s.cfg.MovingSpeed {
		// уверенная скорость GPS перекрывает шум акселерометра
		stopped = false
	} else {
		stopped = s.speed < s.cfg.StoppedSpeed && sample.Deviation() <= s.cfg.AccelDeviation
	}
	s.apply(stopped, sample.At)
}

// apply применяет классификацию и возвращает true при смене фазы
func (s *State) apply(stopped bool, at time.Time) bool {
	if stopped {
		if s.phase == PhaseStopped {
			return false
		}
		s.phase = PhaseStopped
		s.stopStartedAt = at
		return true
	}

	changed := s.phase != PhaseMoving
	s.phase = PhaseMoving
	s.stopStartedAt = time.Time{}
	return changed
}

func (s *State) accelStale(now time.Time) bool {
	if !s.hasAccel {
		return true
	}
	return now.Sub(s.lastAccelAt) > s.cfg.AccelStaleAfter
}

// Phase текущая фаза
func (s *State) Phase() Phase {
	return s.phase
}

// IsMoving true, если автомобиль классифицирован как движущийся
func (s *State) IsMoving() bool {
	return s.phase == PhaseMoving
}

// Speed последняя скорость GPS
func (s *State) Speed() float64 {
	return s.speed
}

// Location последняя известная координата
func (s *State) Location() *models.Coordinates {
	return s.location
}

// StopStartedAt начало текущей остановки
func (s *State) StopStartedAt() (time.Time, bool) {
	if s.phase != PhaseStopped {
		return time.Time{}, false
	}
	return s.stopStartedAt, true
}

// StopDuration длительность текущей остановки на момент now
func (s *State) StopDuration(now time.Time) (time.Duration, bool) {
	start, ok := s.StopStartedAt()
	if !ok {
		return 0, false
	}
	return now.Sub(start), true
}

// DidFullStop true, если остановка длится не меньше требуемого
func (s *State) DidFullStop(now time.Time) bool {
	d, ok := s.StopDuration(now)
	return ok && d >= s.cfg.RequiredStopDuration
}

// Available true, если данных о движении достаточно для вердикта
func (s *State) Available() bool {
	return s.auth != AuthorizationDenied && s.hasFix
}

// Read снимает показания на момент now
func (s *State) Read(now time.Time) Reading {
	r := Reading{Available: s.Available()}
	if !r.Available {
		return r
	}
	r.DidFullStop = s.DidFullStop(now)
	r.StopDuration, r.HasDuration = s.StopDuration(now)
	if s.location != nil {
		coord := *s.location
		r.Location = &coord
	}
	return r
}

// Scheduler планирует вызов f через d. Реализация обязана доставить f
// в тот же цикл, который владеет State.
type Scheduler func(d time.Duration, f func()) timeutil.Timer

// CheckIfStoppedAtStopSign планирует одноразовое чтение состояния через
// RequiredStopDuration + VerificationMargin и передает результат в done.
func (s *State) CheckIfStoppedAtStopSign(schedule Scheduler, clock timeutil.Clock, done func(Reading)) timeutil.Timer {
	return schedule(s.cfg.VerificationDelay(), func() {
		done(s.Read(clock.Now()))
	})
}

// Reset возвращает состояние к исходному
func (s *State) Reset() {
	cfg := s.cfg
	*s = State{cfg: cfg}
}
