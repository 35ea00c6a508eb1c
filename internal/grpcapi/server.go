package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"stopsign-monitor-go/internal/motion"
	"stopsign-monitor-go/internal/pipeline"
	"stopsign-monitor-go/pkg/models"
)

// Типы входящих сообщений
const (
	MessageStartDrive    = "start_drive"
	MessageEndDrive      = "end_drive"
	MessageFrame         = "frame"
	MessageLocation      = "location"
	MessageAccelerometer = "accelerometer"

	// MessageError ответ на сообщение, которое не удалось обработать
	MessageError = "error"
)

const replyBuffer = 16

// envelope общие поля всех входящих сообщений
type envelope struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	FamilyID string `json:"family_id,omitempty"`
}

// Server принимает телеметрию одного пользователя на поток и
// возвращает в тот же поток его оповещения и события
type Server struct {
	coordinator *pipeline.Coordinator
	hub         *pipeline.Hub
	logger      *logrus.Logger
}

// NewServer создает сервер потока телеметрии
func NewServer(coordinator *pipeline.Coordinator, hub *pipeline.Hub, logger *logrus.Logger) *Server {
	return &Server{
		coordinator: coordinator,
		hub:         hub,
		logger:      logger,
	}
}

// Stream обрабатывает поток. Первое сообщение определяет пользователя.
func (s *Server) Stream(stream TelemetryStream) error {
	first, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	raw, env, err := decodeEnvelope(first)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid message: %v", err)
	}
	if env.UserID == "" {
		return status.Error(codes.InvalidArgument, "user_id is required")
	}
	userID := env.UserID

	outputs, unsubscribe := s.hub.Subscribe(userID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(stream.Context())
	replies := make(chan *structpb.Struct, replyBuffer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.sendLoop(ctx, stream, outputs, replies); err != nil {
			s.logger.Warnf("Ошибка отправки в gRPC поток пользователя %s: %v", userID, err)
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	s.logger.Infof("Открыт gRPC поток пользователя %s", userID)
	s.reply(ctx, replies, s.handle(userID, raw, env))

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Infof("gRPC поток пользователя %s закрыт клиентом", userID)
				return nil
			}
			return err
		}

		raw, env, err := decodeEnvelope(msg)
		if err != nil {
			s.reply(ctx, replies, err)
			continue
		}
		if env.UserID != "" && env.UserID != userID {
			s.reply(ctx, replies, fmt.Errorf("stream is bound to user %s", userID))
			continue
		}
		s.reply(ctx, replies, s.handle(userID, raw, env))
	}
}

// handle передает сообщение координатору
func (s *Server) handle(userID string, raw []byte, env envelope) error {
	switch env.Type {
	case MessageStartDrive:
		s.coordinator.StartDrive(userID, env.FamilyID)
		return nil

	case MessageEndDrive:
		if _, ended := s.coordinator.EndDrive(userID); !ended {
			return fmt.Errorf("no active drive for user %s", userID)
		}
		return nil

	case MessageFrame:
		var req models.FrameRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("failed to decode frame: %w", err)
		}
		frame := pipeline.Frame{Detections: pipeline.ObservationsFromDTO(req.Detections)}
		if req.CapturedAt != nil {
			frame.CapturedAt = *req.CapturedAt
		}
		if req.Error != "" {
			frame.Err = errors.New(req.Error)
		}
		_, err := s.coordinator.ProcessFrame(userID, frame)
		return err

	case MessageLocation:
		var req models.LocationRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("failed to decode location: %w", err)
		}
		sample := motion.LocationSample{
			Speed:         req.Speed,
			Coordinate:    req.Coordinate,
			Authorization: motion.ParseAuthorization(req.Authorization),
		}
		if req.Timestamp != nil {
			sample.At = *req.Timestamp
		}
		return s.coordinator.OnLocationUpdate(userID, sample)

	case MessageAccelerometer:
		var req models.AccelerometerRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("failed to decode accelerometer sample: %w", err)
		}
		sample := motion.AccelerometerSample{X: req.X, Y: req.Y, Z: req.Z}
		if req.Timestamp != nil {
			sample.At = *req.Timestamp
		}
		return s.coordinator.OnAccelerometerTick(userID, sample)

	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
}

// reply ставит сообщение об ошибке в очередь отправки
func (s *Server) reply(ctx context.Context, replies chan<- *structpb.Struct, err error) {
	if err == nil {
		return
	}
	msg, convErr := structpb.NewStruct(map[string]interface{}{
		"type":      MessageError,
		"message":   err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if convErr != nil {
		s.logger.Errorf("Ошибка формирования ответа: %v", convErr)
		return
	}
	select {
	case replies <- msg:
	case <-ctx.Done():
	default:
		s.logger.Debugf("Очередь ответов переполнена, ответ отброшен: %v", err)
	}
}

// sendLoop единственный писатель в поток
func (s *Server) sendLoop(ctx context.Context, stream TelemetryStream, outputs <-chan pipeline.Output, replies <-chan *structpb.Struct) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o, ok := <-outputs:
			if !ok {
				return nil
			}
			msg, err := OutputToStruct(o)
			if err != nil {
				s.logger.Errorf("Ошибка кодирования сообщения: %v", err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case msg := <-replies:
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// OutputToStruct кодирует выходное сообщение конвейера
func OutputToStruct(o pipeline.Output) (*structpb.Struct, error) {
	raw, err := json.Marshal(o.Message())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("failed to convert output to struct: %w", err)
	}
	return msg, nil
}

func decodeEnvelope(msg *structpb.Struct) ([]byte, envelope, error) {
	var env envelope
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return nil, env, fmt.Errorf("failed to marshal struct: %w", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, env, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return raw, env, nil
}
