// Package publisher отправляет события проезда знаков STOP в Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"stopsign-monitor-go/internal/pipeline"
)

// DefaultQueueSize емкость очереди событий перед отправкой
const DefaultQueueSize = 1024

// ErrNotPublishable сообщение конвейера не отправляется в Kafka
var ErrNotPublishable = errors.New("output is not a stop sign event")

// producer часть kafka.Producer, которой пользуется Publisher
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Config параметры подключения
type Config struct {
	Brokers   string
	Topic     string
	ClientID  string
	QueueSize int
}

// Publisher получатель выходных сообщений конвейера, отправляющий
// записанные события в топик. Publish не блокирует конвейер.
type Publisher struct {
	producer     producer
	topic        string
	logger       *logrus.Logger
	queue        chan pipeline.Output
	deliveryChan chan kafka.Event

	sent    atomic.Int64
	acked   atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	maxRetries  int
	baseBackoff time.Duration

	mu     sync.RWMutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	workerWg  sync.WaitGroup
	reportsWg sync.WaitGroup
}

// NewPublisher подключается к брокерам и запускает отправку
func NewPublisher(cfg Config, logger *logrus.Logger) (*Publisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "stopsign-monitor"
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":   cfg.Brokers,
		"client.id":           clientID,
		"acks":                "all",
		"enable.idempotence":  true,
		"compression.type":    "snappy",
		"linger.ms":           5,
		"request.timeout.ms":  30000,
		"delivery.timeout.ms": 120000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	pub := newPublisher(p, cfg.Topic, cfg.QueueSize, logger)
	logger.Infof("Kafka publisher запущен: топик %s, брокеры %s", cfg.Topic, cfg.Brokers)
	return pub, nil
}

func newPublisher(p producer, topic string, queueSize int, logger *logrus.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	pub := &Publisher{
		producer:     p,
		topic:        topic,
		logger:       logger,
		queue:        make(chan pipeline.Output, queueSize),
		deliveryChan: make(chan kafka.Event, queueSize),
		maxRetries:   5,
		baseBackoff:  100 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}

	pub.reportsWg.Add(1)
	go pub.handleDeliveryReports()

	pub.workerWg.Add(1)
	go pub.run()
	return pub
}

// Publish ставит событие в очередь отправки. Остальные сообщения игнорируются.
func (p *Publisher) Publish(o pipeline.Output) {
	if o.Kind != pipeline.KindStopSignEvent || o.Event == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}

	select {
	case p.queue <- o:
	default:
		p.dropped.Add(1)
		p.logger.Warnf("Очередь Kafka переполнена, событие %s отброшено", o.Event.ID)
	}
}

func (p *Publisher) run() {
	defer p.workerWg.Done()

	for o := range p.queue {
		msg, err := BuildMessage(p.topic, o)
		if err != nil {
			p.failed.Add(1)
			p.logger.Errorf("Ошибка кодирования события: %v", err)
			continue
		}
		if err := p.send(msg); err != nil {
			p.logger.Errorf("Не удалось отправить событие %s: %v", o.Event.ID, err)
		}
	}
}

// send отправляет сообщение с экспоненциальной задержкой между попытками
func (p *Publisher) send(msg *kafka.Message) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.baseBackoff * time.Duration(1<<uint(attempt-1))
			p.logger.Debugf("Повтор отправки %d/%d через %v", attempt, p.maxRetries, backoff)
			time.Sleep(backoff)
		}

		err := p.producer.Produce(msg, p.deliveryChan)
		if err == nil {
			p.sent.Add(1)
			return nil
		}
		lastErr = err

		var kafkaErr kafka.Error
		if errors.As(err, &kafkaErr) {
			// Переполненная локальная очередь librdkafka освобождается сама
			if kafkaErr.Code() != kafka.ErrQueueFull && !kafkaErr.IsRetriable() {
				p.failed.Add(1)
				return fmt.Errorf("non-retriable error: %w", err)
			}
		}
	}

	p.failed.Add(1)
	return fmt.Errorf("failed after %d retries: %w", p.maxRetries, lastErr)
}

func (p *Publisher) handleDeliveryReports() {
	defer p.reportsWg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case e := <-p.deliveryChan:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				p.failed.Add(1)
				p.logger.Errorf("Доставка события не удалась: %v", m.TopicPartition.Error)
				continue
			}
			p.acked.Add(1)
			p.logger.Debugf("Событие доставлено: партиция %d, смещение %v",
				m.TopicPartition.Partition, m.TopicPartition.Offset)
		}
	}
}

// Metrics счетчики отправки
func (p *Publisher) Metrics() map[string]int64 {
	return map[string]int64{
		"messages_sent":    p.sent.Load(),
		"messages_acked":   p.acked.Load(),
		"messages_failed":  p.failed.Load(),
		"messages_dropped": p.dropped.Load(),
	}
}

// Close отправляет очередь, ждет доставки не дольше timeout и закрывает producer
func (p *Publisher) Close(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.workerWg.Wait()
	if remaining := p.producer.Flush(int(timeout.Milliseconds())); remaining > 0 {
		p.logger.Warnf("%d событий не доставлено до закрытия Kafka", remaining)
	}

	p.cancel()
	p.reportsWg.Wait()
	p.producer.Close()

	m := p.Metrics()
	p.logger.Infof("Kafka publisher остановлен: отправлено %d, подтверждено %d, ошибок %d, отброшено %d",
		m["messages_sent"], m["messages_acked"], m["messages_failed"], m["messages_dropped"])
}

// BuildMessage кодирует событие в сообщение Kafka. Ключ: ID поездки,
// чтобы события одной поездки попадали в одну партицию по порядку.
func BuildMessage(topic string, o pipeline.Output) (*kafka.Message, error) {
	if o.Kind != pipeline.KindStopSignEvent || o.Event == nil {
		return nil, ErrNotPublishable
	}

	payload, err := json.Marshal(o.Message())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}

	t := topic
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &t,
			Partition: kafka.PartitionAny,
		},
		Key:       []byte(o.DriveID.String()),
		Value:     payload,
		Timestamp: o.Event.Timestamp,
		Headers: []kafka.Header{
			{Key: "user_id", Value: []byte(o.UserID)},
			{Key: "drive_id", Value: []byte(o.DriveID.String())},
			{Key: "event_id", Value: []byte(o.Event.ID.String())},
		},
	}, nil
}
