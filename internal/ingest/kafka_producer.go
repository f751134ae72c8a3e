package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/emergency-dispatch/internal/models"
)

// KafkaProducer feeds the location/lifecycle pipeline. Locations are
// mirrored into Redis by cmd/consumer; lifecycle events are consumed by
// the external duty-log collaborator. Both are best-effort from the
// dispatch path's point of view.
type KafkaProducer struct {
	locations *kafka.Writer
	lifecycle *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, lifecycleTopic string) *KafkaProducer {
	mk := func(topic string) *kafka.Writer {
		return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	}
	return &KafkaProducer{locations: mk(locationTopic), lifecycle: mk(lifecycleTopic)}
}

func (k *KafkaProducer) PublishLocation(loc models.ActorLocation) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(loc.ActorID), Value: b})
}

func (k *KafkaProducer) PublishLifecycle(ev models.LifecycleEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.lifecycle.WriteMessages(ctx, kafka.Message{Key: []byte(ev.ActorID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{k.locations, k.lifecycle} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
