package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/announcer"
	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/geo"
	"stopsign-monitor-go/internal/motion"
	"stopsign-monitor-go/internal/pipeline"
	"stopsign-monitor-go/internal/timeutil"
)

// Options параметры прогона
type Options struct {
	UserID   string
	FamilyID string

	// Voice озвучивает оповещения. Без него оповещения попадают только в Outputs.
	Voice         announcer.Voice
	SpeakInterval time.Duration
	Sink          pipeline.Sink
}

// Result итог прогона
type Result struct {
	Session drive.Session
	Summary drive.Summary
	Outputs []pipeline.Output
	Records int
}

// Replayer прогоняет записи через конвейер одной поездки
type Replayer struct {
	cfg    pipeline.Config
	logger *logrus.Logger
}

// NewReplayer создает прогонщик
func NewReplayer(cfg pipeline.Config, logger *logrus.Logger) *Replayer {
	return &Replayer{cfg: cfg, logger: logger}
}

// Run проигрывает записи в порядке времени. Часы переводятся на время
// каждой записи, поэтому проверки остановки срабатывают ровно тогда же,
// когда сработали бы в реальной поездке.
func (r *Replayer) Run(records []Record, opts Options) (Result, error) {
	if len(records) == 0 {
		return Result{}, errors.New("no records to replay")
	}
	userID := opts.UserID
	if userID == "" {
		userID = "replay"
	}

	clock := timeutil.NewManualClock(records[0].At)
	manager := drive.NewManager(clock, geo.NewCalculator(), nil, drive.DefaultLateEventGrace, r.logger)
	session, _ := manager.StartDrive(userID, opts.FamilyID)

	var outputs []pipeline.Output
	collect := pipeline.SinkFunc(func(o pipeline.Output) { outputs = append(outputs, o) })

	var speaker announcer.Speaker = announcer.Silent{}
	if opts.Voice != nil {
		interval := opts.SpeakInterval
		if interval <= 0 {
			interval = announcer.DefaultMinInterval
		}
		speaker = announcer.NewAnnouncer(opts.Voice, clock, interval, r.logger)
	}

	engine := pipeline.NewEngine(r.cfg, pipeline.Deps{
		UserID:   userID,
		DriveID:  session.ID,
		Clock:    clock,
		Speaker:  speaker,
		Recorder: manager,
		Sink:     pipeline.MultiSink{collect, opts.Sink},
		Logger:   r.logger,
	}, nil)

	for _, rec := range records {
		clock.Set(rec.At)
		if err := r.dispatch(engine, manager, userID, rec); err != nil {
			return Result{}, fmt.Errorf("line %d: %w", rec.Line, err)
		}
	}

	// Дать сработать проверкам, запланированным в конце записи
	clock.Advance(r.cfg.Motion.VerificationDelay())

	ended, _ := manager.EndDrive(userID)
	r.logger.Infof("Прогон завершен: записей %d, событий %d", len(records), len(ended.Events))

	return Result{
		Session: ended,
		Summary: drive.Summarize(ended),
		Outputs: outputs,
		Records: len(records),
	}, nil
}

func (r *Replayer) dispatch(engine *pipeline.Engine, manager *drive.Manager, userID string, rec Record) error {
	switch rec.Type {
	case RecordFrame:
		frame := pipeline.Frame{
			CapturedAt: rec.At,
			Detections: pipeline.ObservationsFromDTO(rec.Frame.Detections),
		}
		if rec.Frame.CapturedAt != nil {
			frame.CapturedAt = *rec.Frame.CapturedAt
		}
		if rec.Frame.Error != "" {
			frame.Err = errors.New(rec.Frame.Error)
		}
		engine.ProcessFrame(frame)

	case RecordLocation:
		sample := motion.LocationSample{
			Speed:         rec.Location.Speed,
			Coordinate:    rec.Location.Coordinate,
			Authorization: motion.ParseAuthorization(rec.Location.Authorization),
			At:            rec.At,
		}
		if sample.Coordinate != nil && sample.Authorization != motion.AuthorizationDenied {
			manager.RecordLocation(userID, *sample.Coordinate)
		}
		engine.OnLocation(sample)

	case RecordAccelerometer:
		engine.OnAccelerometer(motion.AccelerometerSample{
			X:  rec.Accelerometer.X,
			Y:  rec.Accelerometer.Y,
			Z:  rec.Accelerometer.Z,
			At: rec.At,
		})

	default:
		return fmt.Errorf("unsupported record type %q", rec.Type)
	}
	return nil
}
