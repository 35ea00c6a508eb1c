package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/timeutil"
)

// SessionSaver сохраняет снимок поездки
type SessionSaver interface {
	SaveSession(ctx context.Context, session drive.Session) error
}

// SyncWorker асинхронно сохраняет снимки поездок. Для каждой поездки
// хранится только последний снимок; неудачные сохранения повторяются
// по тикеру, поэтому конвейер никогда не ждет базу данных.
type SyncWorker struct {
	saver  SessionSaver
	clock  timeutil.Clock
	logger *logrus.Logger

	Interval    time.Duration // период повторных попыток
	SaveTimeout time.Duration // таймаут одного сохранения

	mu      sync.Mutex
	pending map[uuid.UUID]drive.Session
	flushMu sync.Mutex

	wake     chan struct{}
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSyncWorker создает воркер синхронизации
func NewSyncWorker(saver SessionSaver, clock timeutil.Clock, interval time.Duration, logger *logrus.Logger) *SyncWorker {
	return &SyncWorker{
		saver:       saver,
		clock:       clock,
		logger:      logger,
		Interval:    interval,
		SaveTimeout: 10 * time.Second,
		pending:     make(map[uuid.UUID]drive.Session),
		wake:        make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Enqueue ставит снимок в очередь, заменяя более старый снимок той же поездки
func (w *SyncWorker) Enqueue(s drive.Session) {
	w.mu.Lock()
	w.pending[s.ID] = s
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Forget убирает поездку из очереди (например, после удаления). Ждет
// завершения текущего Flush, чтобы уже взятый снимок не был сохранен
// или возвращен в очередь после возврата из Forget.
func (w *SyncWorker) Forget(id uuid.UUID) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, id)
}

// Pending количество несохраненных поездок
func (w *SyncWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Start запускает цикл воркера в горутине
func (w *SyncWorker) Start() {
	go func() {
		defer close(w.done)

		ticker := w.clock.NewTicker(w.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.wake:
				w.Flush(context.Background())
			case <-ticker.C():
				w.Flush(context.Background())
			case <-w.stopChan:
				if failed := w.Flush(context.Background()); failed > 0 {
					w.logger.Warnf("При остановке не сохранено поездок: %d", failed)
				}
				return
			}
		}
	}()
}

// Stop останавливает воркер после последней попытки сохранения
func (w *SyncWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.done
}

// Flush пытается сохранить все снимки из очереди и возвращает число неудач.
// Неудачный снимок возвращается в очередь, если его не заменил более новый.
func (w *SyncWorker) Flush(ctx context.Context) int {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[uuid.UUID]drive.Session, len(batch))
	w.mu.Unlock()

	failed := 0
	for id, s := range batch {
		if err := w.save(ctx, s); err != nil {
			failed++
			w.logger.Warnf("Не удалось сохранить поездку %s, повторим позже: %v", id, err)

			w.mu.Lock()
			if _, newer := w.pending[id]; !newer {
				w.pending[id] = s
			}
			w.mu.Unlock()
		}
	}
	return failed
}

func (w *SyncWorker) save(ctx context.Context, s drive.Session) error {
	if w.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.SaveTimeout)
		defer cancel()
	}
	return w.saver.SaveSession(ctx, s)
}
