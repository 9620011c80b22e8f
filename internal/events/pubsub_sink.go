package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes every event to a Google Cloud Pub/Sub topic for
// durable, cross-service delivery. Pair it with a Bus via Multi when local
// subscribers also need the stream.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubSink creates a Pub/Sub-backed sink. It creates the topic if it
// does not exist.
func NewPubSubSink(projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}

	// Ordering by source keeps one store's events in sequence.
	topic.EnableMessageOrdering = true

	sink := &PubSubSink{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	sink.logger.Printf("connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return sink, nil
}

// Emit creates a CloudEvent and publishes it to Pub/Sub. Message attributes
// map to CloudEvents metadata for server-side filtering.
func (s *PubSubSink) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	payload, err := event.JSON()
	if err != nil {
		s.logger.Printf("marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: event.Source,
	}

	result := s.topic.Publish(context.Background(), msg)

	// Non-blocking: check the result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			s.logger.Printf("publish failed: %s: %v", event.ID, err)
		}
	}()
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (s *PubSubSink) HealthCheck(ctx context.Context) error {
	exists, err := s.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close gracefully shuts down the Pub/Sub client.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Emitter = (*PubSubSink)(nil)
