package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes route samples to the sample topic and every other
// event to the lifecycle topic, keyed by request id so each request stays on
// one partition.
type KafkaPublisher struct {
	writer      *kafka.Writer
	eventTopic  string
	sampleTopic string
	timeout     time.Duration
}

func NewKafkaPublisher(brokers []string, eventTopic, sampleTopic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
	}
	return &KafkaPublisher{writer: w, eventTopic: eventTopic, sampleTopic: sampleTopic, timeout: 2 * time.Second}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	topic := k.eventTopic
	var value any = ev
	if ev.Type == TripSample {
		topic = k.sampleTopic
		value = ev.Data
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(ev.RequestID),
		Value:   b,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(ev.Type)}},
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
