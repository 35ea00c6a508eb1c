package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/announcer"
	"stopsign-monitor-go/internal/detection"
	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/motion"
	"stopsign-monitor-go/internal/timeutil"
	"stopsign-monitor-go/pkg/models"
)

// CoordinatorOptions настройки координатора
type CoordinatorOptions struct {
	SensorBuffer     int
	InferenceTimeout time.Duration
}

type userPipeline struct {
	session   drive.Session
	runner    *Runner
	inference *InferenceStage
	cancel    context.CancelFunc
}

// Coordinator держит по одному конвейеру на активную поездку пользователя
type Coordinator struct {
	mu        sync.Mutex
	ctx       context.Context
	cfg       Config
	opts      CoordinatorOptions
	manager   *drive.Manager
	clock     timeutil.Clock
	speaker   announcer.Speaker
	sink      Sink
	detector  Detector
	logger    *logrus.Logger
	pipelines map[string]*userPipeline
	wg        sync.WaitGroup
}

// NewCoordinator создает координатор. detector может быть nil, тогда
// принимаются только готовые результаты детекции.
func NewCoordinator(ctx context.Context, cfg Config, opts CoordinatorOptions, manager *drive.Manager, clock timeutil.Clock, speaker announcer.Speaker, sink Sink, detector Detector, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		ctx:       ctx,
		cfg:       cfg,
		opts:      opts,
		manager:   manager,
		clock:     clock,
		speaker:   speaker,
		sink:      sink,
		detector:  detector,
		logger:    logger,
		pipelines: make(map[string]*userPipeline),
	}
}

// StartDrive начинает поездку и запускает ее конвейер. Повторный старт
// возвращает текущую поездку и false.
func (c *Coordinator) StartDrive(userID, familyID string) (drive.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, started := c.manager.StartDrive(userID, familyID)
	if !started {
		return session, false
	}

	runner := NewRunner(c.cfg, Deps{
		UserID:   userID,
		DriveID:  session.ID,
		Clock:    c.clock,
		Speaker:  c.speaker,
		Recorder: c.manager,
		Sink:     c.sink,
		Logger:   c.logger,
	}, c.opts.SensorBuffer)

	p := &userPipeline{session: session, runner: runner}
	if c.detector != nil {
		p.inference = NewInferenceStage(c.detector, runner.SubmitFrame, c.clock, c.opts.InferenceTimeout, c.logger)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	p.cancel = cancel
	c.pipelines[userID] = p

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		runner.Run(ctx)
	}()

	c.publish(Output{Kind: KindDriveStarted, UserID: userID, DriveID: session.ID, At: session.StartTime})
	return session, true
}

// EndDrive завершает поездку. Конвейер перестает принимать данные,
// запланированные проверки дорабатывают в окне поздних событий.
func (c *Coordinator) EndDrive(userID string) (drive.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pipelines[userID]; ok {
		p.runner.Close()
		delete(c.pipelines, userID)
	}

	session, ended := c.manager.EndDrive(userID)
	if !ended {
		return session, false
	}
	c.publish(Output{Kind: KindDriveEnded, UserID: userID, DriveID: session.ID, At: *session.EndTime})
	return session, true
}

// ProcessFrame передает готовый результат детекции. Возвращает false,
// если кадр отброшен из-за занятого конвейера.
func (c *Coordinator) ProcessFrame(userID string, f Frame) (bool, error) {
	p, err := c.lookup(userID)
	if err != nil {
		return false, err
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = c.clock.Now()
	}
	return p.runner.SubmitFrame(f)
}

// ProcessImage отправляет кадр в детектор. Возвращает false, если
// предыдущий кадр еще в инференсе и этот кадр отброшен.
func (c *Coordinator) ProcessImage(ctx context.Context, userID string, image []byte, filename string, capturedAt time.Time) (bool, error) {
	p, err := c.lookup(userID)
	if err != nil {
		return false, err
	}
	if p.inference == nil {
		return false, ErrNoDetector
	}
	return p.inference.Offer(ctx, image, filename, capturedAt), nil
}

// OnLocationUpdate передает фикс геолокации
func (c *Coordinator) OnLocationUpdate(userID string, s motion.LocationSample) error {
	p, err := c.lookup(userID)
	if err != nil {
		return err
	}
	if s.At.IsZero() {
		s.At = c.clock.Now()
	}
	if s.Coordinate != nil && s.Authorization != motion.AuthorizationDenied {
		c.manager.RecordLocation(userID, *s.Coordinate)
	}
	return p.runner.SubmitLocation(s)
}

// OnAccelerometerTick передает тик акселерометра
func (c *Coordinator) OnAccelerometerTick(userID string, s motion.AccelerometerSample) error {
	p, err := c.lookup(userID)
	if err != nil {
		return err
	}
	if s.At.IsZero() {
		s.At = c.clock.Now()
	}
	return p.runner.SubmitAccelerometer(s)
}

// Active активная поездка пользователя
func (c *Coordinator) Active(userID string) (drive.Session, bool) {
	return c.manager.Active(userID)
}

// Shutdown завершает все поездки и ждет остановки конвейеров
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	users := make([]string, 0, len(c.pipelines))
	for userID := range c.pipelines {
		users = append(users, userID)
	}
	c.mu.Unlock()

	for _, userID := range users {
		c.EndDrive(userID)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) lookup(userID string) (*userPipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pipelines[userID]
	if !ok {
		return nil, drive.ErrNoActiveDrive
	}
	return p, nil
}

func (c *Coordinator) publish(o Output) {
	if c.sink != nil {
		c.sink.Publish(o)
	}
}

// ObservationsFromDTO преобразует наблюдения из формата API
func ObservationsFromDTO(in []models.Detection) []detection.Observation {
	out := make([]detection.Observation, 0, len(in))
	for _, d := range in {
		out = append(out, detection.Observation{
			Label:      d.Label,
			Confidence: d.Confidence,
			BBox: detection.BoundingBox{
				X:      d.BBox.X,
				Y:      d.BBox.Y,
				Width:  d.BBox.Width,
				Height: d.BBox.Height,
			},
		})
	}
	return out
}
