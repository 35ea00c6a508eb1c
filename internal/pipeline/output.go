package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/pkg/models"
)

// OutputKind тип выходного сообщения конвейера
type OutputKind int

const (
	// KindAlertRequested запрос на оповещение водителя
	KindAlertRequested OutputKind = iota
	// KindStopSignEvent событие проезда знака записано в поездку
	KindStopSignEvent
	// KindVerificationSkipped проверка остановки пропущена без данных о движении
	KindVerificationSkipped
	// KindDriveStarted поездка начата
	KindDriveStarted
	// KindDriveEnded поездка завершена
	KindDriveEnded
)

func (k OutputKind) String() string {
	switch k {
	case KindAlertRequested:
		return models.OutputAlert
	case KindStopSignEvent:
		return models.OutputStopSignEvent
	case KindVerificationSkipped:
		return models.OutputVerificationSkipped
	case KindDriveStarted:
		return models.OutputDriveStarted
	case KindDriveEnded:
		return models.OutputDriveEnded
	default:
		return "unknown"
	}
}

// Output выходное сообщение для UI/аудио слоя
type Output struct {
	Kind    OutputKind
	UserID  string
	DriveID uuid.UUID
	Text    string
	Spoken  bool
	Event   *drive.StopSignEvent
	Reason  string
	At      time.Time
}

// Message преобразует сообщение в формат API
func (o Output) Message() models.OutputMessage {
	msg := models.OutputMessage{
		Type:      o.Kind.String(),
		UserID:    o.UserID,
		Text:      o.Text,
		Spoken:    o.Spoken,
		Reason:    o.Reason,
		Timestamp: o.At,
	}
	if o.DriveID != uuid.Nil {
		msg.DriveID = o.DriveID.String()
	}
	if o.Event != nil {
		dto := drive.EventToDTO(*o.Event)
		msg.Event = &dto
	}
	return msg
}

// Sink получатель выходных сообщений. Publish не должен блокироваться.
type Sink interface {
	Publish(o Output)
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(o Output)

// Publish вызывает f
func (f SinkFunc) Publish(o Output) { f(o) }

// MultiSink рассылает сообщение всем получателям по порядку
type MultiSink []Sink

// Publish рассылает сообщение
func (m MultiSink) Publish(o Output) {
	for _, s := range m {
		if s != nil {
			s.Publish(o)
		}
	}
}

// Hub раздает сообщения подписчикам (SSE, gRPC). Медленный подписчик
// теряет сообщения, но не тормозит конвейер.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	buffer int
}

type subscription struct {
	userID string
	ch     chan Output
}

// NewHub создает хаб с буфером buffer сообщений на подписчика
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{subs: make(map[int]*subscription), buffer: buffer}
}

// Subscribe подписывается на сообщения пользователя (все, если userID пуст).
// Возвращенная функция отменяет подписку и закрывает канал.
func (h *Hub) Subscribe(userID string) (<-chan Output, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	sub := &subscription{userID: userID, ch: make(chan Output, h.buffer)}
	h.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish доставляет сообщение подходящим подписчикам без блокировки
func (h *Hub) Publish(o Output) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.userID != "" && sub.userID != o.UserID {
			continue
		}
		select {
		case sub.ch <- o:
		default:
		}
	}
}

// Subscribers количество подписчиков
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
