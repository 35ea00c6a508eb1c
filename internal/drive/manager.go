package drive

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/geo"
	"stopsign-monitor-go/internal/timeutil"
	"stopsign-monitor-go/pkg/models"
)

// DefaultLateEventGrace окно, в котором событие еще прикрепляется к завершенной поездке
const DefaultLateEventGrace = 5 * time.Second

// minOdometerStep шаги GPS короче этого считаются дрожанием
const minOdometerStep = 2.0

var (
	// ErrNoActiveDrive у пользователя нет активной поездки
	ErrNoActiveDrive = errors.New("no active drive")
	// ErrDriveNotFound поездка не найдена
	ErrDriveNotFound = errors.New("drive not found")
	// ErrSessionGone поездка завершена и окно для поздних событий истекло
	ErrSessionGone = errors.New("drive session is gone")
)

// Persister принимает снимки сессий для асинхронного сохранения.
// Enqueue не должен блокироваться.
type Persister interface {
	Enqueue(s Session)
}

type entry struct {
	session  Session
	odometer *geo.Odometer
}

// Manager владеет сессиями поездок: не более одной активной на пользователя.
// Хранилище в памяти главнее персистентного: ошибки сохранения его не меняют.
type Manager struct {
	mu        sync.Mutex
	clock     timeutil.Clock
	calc      *geo.Calculator
	persister Persister
	logger    *logrus.Logger
	grace     time.Duration

	active map[string]*entry
	byID   map[uuid.UUID]*entry
}

// NewManager создает менеджер поездок. persister может быть nil.
func NewManager(clock timeutil.Clock, calc *geo.Calculator, persister Persister, grace time.Duration, logger *logrus.Logger) *Manager {
	return &Manager{
		clock:     clock,
		calc:      calc,
		persister: persister,
		logger:    logger,
		grace:     grace,
		active:    make(map[string]*entry),
		byID:      make(map[uuid.UUID]*entry),
	}
}

// StartDrive начинает поездку. Если поездка уже активна, возвращает ее и false.
func (m *Manager) StartDrive(userID, familyID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	if e, ok := m.active[userID]; ok {
		m.logger.Warnf("Поездка %s пользователя %s уже активна", e.session.ID, userID)
		return e.session.Clone(), false
	}

	e := &entry{
		session:  NewSession(userID, familyID, m.clock.Now()),
		odometer: geo.NewOdometer(m.calc, minOdometerStep),
	}
	m.active[userID] = e
	m.byID[e.session.ID] = e

	m.logger.Infof("Начата поездка %s пользователя %s", e.session.ID, userID)
	m.persistLocked(e)
	return e.session.Clone(), true
}

// EndDrive завершает активную поездку. Без активной поездки ничего не делает.
func (m *Manager) EndDrive(userID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	e, ok := m.active[userID]
	if !ok {
		m.logger.Infof("У пользователя %s нет активной поездки для завершения", userID)
		return Session{}, false
	}

	end := m.clock.Now()
	e.session.EndTime = &end
	e.session.IsActive = false
	delete(m.active, userID)

	m.logger.Infof("Завершена поездка %s: событий %d", e.session.ID, len(e.session.Events))
	m.persistLocked(e)
	return e.session.Clone(), true
}

// AddEvent добавляет событие в поездку. К завершенной поездке событие
// прикрепляется, только если оно произошло не позже grace после завершения.
func (m *Manager) AddEvent(driveID uuid.UUID, ev StopSignEvent) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	e, ok := m.byID[driveID]
	if !ok {
		return Session{}, ErrSessionGone
	}
	if !e.session.IsActive && ev.Timestamp.Sub(*e.session.EndTime) > m.grace {
		delete(m.byID, driveID)
		return Session{}, ErrSessionGone
	}

	e.session.Events = append(e.session.Events, ev)
	m.persistLocked(e)
	return e.session.Clone(), nil
}

// RecordLocation учитывает фикс в пройденном расстоянии активной поездки
func (m *Manager) RecordLocation(userID string, p models.Coordinates) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.active[userID]; ok {
		e.session.DistanceMeters = e.odometer.Add(p)
	}
}

// Active активная поездка пользователя
func (m *Manager) Active(userID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.active[userID]
	if !ok {
		return Session{}, false
	}
	return e.session.Clone(), true
}

// Get активная или недавно завершенная поездка
func (m *Manager) Get(driveID uuid.UUID) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	e, ok := m.byID[driveID]
	if !ok {
		return Session{}, ErrDriveNotFound
	}
	return e.session.Clone(), nil
}

// ActiveSessions снимки всех активных поездок
func (m *Manager) ActiveSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e.session.Clone())
	}
	return out
}

// pruneLocked забывает завершенные поездки, чье окно истекло
func (m *Manager) pruneLocked() {
	now := m.clock.Now()
	for id, e := range m.byID {
		if e.session.IsActive {
			continue
		}
		if now.Sub(*e.session.EndTime) > m.grace {
			delete(m.byID, id)
		}
	}
}

func (m *Manager) persistLocked(e *entry) {
	if m.persister == nil {
		return
	}
	m.persister.Enqueue(e.session.Clone())
}
