// Package timeutil предоставляет абстракцию над временем для конвейера и тестов.
package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Clock абстракция над текущим временем и отложенными вызовами
type Clock interface {
	// Now возвращает текущее время
	Now() time.Time

	// AfterFunc вызывает f в отдельной горутине (или при Advance для ManualClock) через d
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker создает тикер с периодом d
	NewTicker(d time.Duration) Ticker
}

// Timer одноразовый таймер
type Timer interface {
	Stop() bool
}

// Ticker периодический тикер
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock реализация Clock на пакете time
type RealClock struct{}

// Now возвращает текущее время
func (RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc планирует вызов f через d
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NewTicker создает тикер
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }

// ManualClock часы с ручным управлением. Используются для воспроизведения
// записанных поездок и в тестах: таймеры срабатывают только при Advance/Set.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	tickers []*manualTicker
}

// NewManualClock создает ManualClock, установленные на время t
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now возвращает текущее время часов
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance сдвигает часы на d и вызывает просроченные таймеры
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set переводит часы на t (только вперед) и вызывает просроченные таймеры
// в порядке их дедлайнов. Колбэки вызываются без удержания блокировки.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	if t.Before(c.now) {
		c.mu.Unlock()
		return
	}

	var due []*manualTimer
	pending := c.timers[:0]
	for _, tm := range c.timers {
		if tm.isStopped() {
			continue
		}
		if !tm.deadline.After(t) {
			due = append(due, tm)
			continue
		}
		pending = append(pending, tm)
	}
	c.timers = pending
	tickers := append([]*manualTicker(nil), c.tickers...)
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	for _, tm := range due {
		// время выставляется на дедлайн, чтобы колбэк видел корректное Now
		c.mu.Lock()
		if tm.deadline.After(c.now) {
			c.now = tm.deadline
		}
		c.mu.Unlock()
		tm.fire()
	}

	c.mu.Lock()
	c.now = t
	c.mu.Unlock()

	for _, tk := range tickers {
		tk.checkAndFire(t)
	}
}

// AfterFunc регистрирует таймер, срабатывающий при Advance
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	tm := &manualTimer{deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, tm)
	return tm
}

// NewTicker создает ручной тикер
func (c *ManualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	tk := &manualTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		nextTick: c.now.Add(d),
	}
	c.tickers = append(c.tickers, tk)
	return tk
}

// Pending возвращает количество ожидающих таймеров
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, tm := range c.timers {
		if !tm.isStopped() {
			n++
		}
	}
	return n
}

type manualTimer struct {
	mu       sync.Mutex
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (t *manualTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped || t.fired
}

func (t *manualTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	f := t.f
	t.mu.Unlock()

	if f != nil {
		f()
	}
}

type manualTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	nextTick time.Time
	stopped  bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *manualTicker) checkAndFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || now.Before(t.nextTick) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	t.nextTick = now.Add(t.interval)
}
