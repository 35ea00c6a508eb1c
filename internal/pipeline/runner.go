package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"stopsign-monitor-go/internal/motion"
	"stopsign-monitor-go/internal/timeutil"
)

var (
	// ErrRunnerClosed поездка завершена, входные данные больше не принимаются
	ErrRunnerClosed = errors.New("pipeline runner is closed")
	// ErrNoDetector детектор не настроен, принимаются только готовые детекции
	ErrNoDetector = errors.New("detector is not configured")
)

// DefaultSensorBuffer емкость очереди входных событий цикла
const DefaultSensorBuffer = 64

type loopEventKind int

const (
	eventFrame loopEventKind = iota
	eventLocation
	eventAccelerometer
	eventCall
)

// loopEvent входное событие цикла. Все события идут через одну очередь
// и обрабатываются в порядке поступления.
type loopEvent struct {
	kind     loopEventKind
	frame    Frame
	location motion.LocationSample
	accel    motion.AccelerometerSample
	call     func()
}

// Runner однопоточный цикл событий одной поездки. Кадры, фиксы,
// тики акселерометра и завершения проверок проходят через одну FIFO
// очередь, поэтому Engine никогда не вызывается конкурентно.
type Runner struct {
	engine *Engine

	events chan loopEvent
	// frameQueued: в очереди уже есть необработанный кадр
	frameQueued atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}

	droppedFrames  atomic.Int64
	droppedSamples atomic.Int64
}

// NewRunner создает цикл и его Engine. Проверки остановки планируются
// на часах deps.Clock, а их завершение возвращается в цикл.
func NewRunner(cfg Config, deps Deps, sensorBuffer int) *Runner {
	if sensorBuffer < 1 {
		sensorBuffer = DefaultSensorBuffer
	}
	r := &Runner{
		events:  make(chan loopEvent, sensorBuffer),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	clock := deps.Clock
	r.engine = NewEngine(cfg, deps, func(d time.Duration, f func()) timeutil.Timer {
		return clock.AfterFunc(d, func() { r.post(f) })
	})
	return r
}

// Engine конвейер этого цикла
func (r *Runner) Engine() *Engine {
	return r.engine
}

// SubmitFrame ставит кадр в очередь без блокировки. Возвращает false,
// если предыдущий кадр еще не обработан и этот кадр отброшен.
func (r *Runner) SubmitFrame(f Frame) (bool, error) {
	if r.isClosed() {
		return false, ErrRunnerClosed
	}
	if !r.frameQueued.CompareAndSwap(false, true) {
		r.droppedFrames.Add(1)
		return false, nil
	}
	select {
	case r.events <- loopEvent{kind: eventFrame, frame: f}:
		return true, nil
	default:
		r.frameQueued.Store(false)
		r.droppedFrames.Add(1)
		return false, nil
	}
}

// SubmitLocation ставит фикс в очередь
func (r *Runner) SubmitLocation(s motion.LocationSample) error {
	return r.submitSample(loopEvent{kind: eventLocation, location: s})
}

// SubmitAccelerometer ставит тик акселерометра в очередь
func (r *Runner) SubmitAccelerometer(s motion.AccelerometerSample) error {
	return r.submitSample(loopEvent{kind: eventAccelerometer, accel: s})
}

func (r *Runner) submitSample(ev loopEvent) error {
	if r.isClosed() {
		return ErrRunnerClosed
	}
	select {
	case r.events <- ev:
	default:
		r.droppedSamples.Add(1)
	}
	return nil
}

// DroppedFrames количество отброшенных кадров
func (r *Runner) DroppedFrames() int64 {
	return r.droppedFrames.Load()
}

// DroppedSamples количество отброшенных сенсорных отсчетов
func (r *Runner) DroppedSamples() int64 {
	return r.droppedSamples.Load()
}

// Close закрывает цикл для новых данных. Уже принятые события и
// запланированные проверки остановки дорабатывают, после чего Run завершается.
func (r *Runner) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// Done закрывается, когда Run завершился
func (r *Runner) Done() <-chan struct{} {
	return r.stopped
}

// Run обрабатывает события до закрытия и завершения всех проверок или отмены ctx
func (r *Runner) Run(ctx context.Context) {
	defer close(r.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closed:
			r.drain(ctx)
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

func (r *Runner) handle(ev loopEvent) {
	switch ev.kind {
	case eventFrame:
		r.engine.ProcessFrame(ev.frame)
		r.frameQueued.Store(false)
	case eventLocation:
		r.engine.OnLocation(ev.location)
	case eventAccelerometer:
		r.engine.OnAccelerometer(ev.accel)
	case eventCall:
		ev.call()
	}
}

// drain после закрытия обрабатывает принятые события и ждет завершения проверок
func (r *Runner) drain(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
			continue
		default:
		}
		if r.engine.Pending() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

// post передает колбэк таймера в цикл
func (r *Runner) post(fn func()) {
	select {
	case r.events <- loopEvent{kind: eventCall, call: fn}:
	case <-r.stopped:
	}
}

func (r *Runner) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
