package publisher

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/pipeline"
	"stopsign-monitor-go/pkg/models"
)

var t0 = time.Date(2025, 8, 2, 12, 0, 0, 0, time.UTC)

type fakeProducer struct {
	mu       sync.Mutex
	messages []*kafka.Message
	failures []error
	closed   bool
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	f.messages = append(f.messages, msg)
	go func() { deliveryChan <- msg }()
	return nil
}

func (f *fakeProducer) Flush(int) int { return 0 }

func (f *fakeProducer) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func eventOutput(full bool) pipeline.Output {
	d := 2400 * time.Millisecond
	ev := drive.NewStopSignEvent(t0, full, &d, 0.93, &models.Coordinates{Lat: 45.5, Lon: -73.56})
	return pipeline.Output{
		Kind:    pipeline.KindStopSignEvent,
		UserID:  "driver-7",
		DriveID: uuid.New(),
		Event:   &ev,
		At:      t0,
	}
}

func TestBuildMessage(t *testing.T) {
	o := eventOutput(true)
	msg, err := BuildMessage("stop-sign-events", o)
	require.NoError(t, err)

	assert.Equal(t, "stop-sign-events", *msg.TopicPartition.Topic)
	assert.Equal(t, kafka.PartitionAny, msg.TopicPartition.Partition)
	assert.Equal(t, o.DriveID.String(), string(msg.Key))
	assert.Equal(t, t0, msg.Timestamp)

	var decoded models.OutputMessage
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, models.OutputStopSignEvent, decoded.Type)
	require.NotNil(t, decoded.Event)
	assert.True(t, decoded.Event.DidFullStop)
	require.NotNil(t, decoded.Event.StopDuration)
	assert.InDelta(t, 2.4, *decoded.Event.StopDuration, 1e-9)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "driver-7", headers["user_id"])
	assert.Equal(t, o.Event.ID.String(), headers["event_id"])
}

func TestBuildMessageRejectsOtherOutputs(t *testing.T) {
	_, err := BuildMessage("t", pipeline.Output{Kind: pipeline.KindAlertRequested, Text: "Stop sign ahead"})
	assert.ErrorIs(t, err, ErrNotPublishable)
}

func TestPublisherSendsOnlyEvents(t *testing.T) {
	fp := &fakeProducer{}
	p := newPublisher(fp, "events", 8, quietLogger())

	p.Publish(pipeline.Output{Kind: pipeline.KindAlertRequested, Text: "Stop sign ahead"})
	p.Publish(eventOutput(true))
	p.Publish(eventOutput(false))

	require.Eventually(t, func() bool { return p.Metrics()["messages_acked"] == 2 }, time.Second, 5*time.Millisecond)
	p.Close(time.Second)

	assert.Equal(t, 2, fp.count())
	assert.True(t, fp.closed)
	assert.Equal(t, int64(2), p.Metrics()["messages_sent"])

	// после закрытия события отбрасываются
	p.Publish(eventOutput(true))
	assert.Equal(t, int64(1), p.Metrics()["messages_dropped"])
	p.Close(time.Second)
}

func TestPublisherRetriesQueueFull(t *testing.T) {
	fp := &fakeProducer{failures: []error{
		kafka.NewError(kafka.ErrQueueFull, "queue full", false),
		kafka.NewError(kafka.ErrQueueFull, "queue full", false),
	}}
	p := newPublisher(fp, "events", 8, quietLogger())
	p.baseBackoff = time.Millisecond

	p.Publish(eventOutput(true))
	require.Eventually(t, func() bool { return fp.count() == 1 }, time.Second, 5*time.Millisecond)
	p.Close(time.Second)
	assert.Equal(t, int64(0), p.Metrics()["messages_failed"])
}

func TestPublisherGivesUpOnFatalError(t *testing.T) {
	fp := &fakeProducer{failures: []error{
		kafka.NewError(kafka.ErrUnknownTopicOrPart, "unknown topic", false),
	}}
	p := newPublisher(fp, "events", 8, quietLogger())
	p.baseBackoff = time.Millisecond

	p.Publish(eventOutput(false))
	require.Eventually(t, func() bool { return p.Metrics()["messages_failed"] == 1 }, time.Second, 5*time.Millisecond)
	p.Close(time.Second)
	assert.Equal(t, 0, fp.count())
}

func TestDeliveryFailureCounted(t *testing.T) {
	fp := &fakeProducer{}
	p := newPublisher(fp, "events", 8, quietLogger())

	topic := "events"
	p.deliveryChan <- &kafka.Message{TopicPartition: kafka.TopicPartition{
		Topic: &topic,
		Error: kafka.NewError(kafka.ErrMsgTimedOut, "timed out", false),
	}}
	require.Eventually(t, func() bool { return p.Metrics()["messages_failed"] == 1 }, time.Second, 5*time.Millisecond)
	p.Close(time.Second)
}
