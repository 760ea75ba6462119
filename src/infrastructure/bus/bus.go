package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"scribed/src/core/jobtrack"
)

// UpdateTopic is the single shared topic all job-update envelopes are
// published on. Per-job routing happens in-process.
const UpdateTopic = "job_updates"

// Publisher publishes job-update envelopes on the shared topic.
type Publisher struct {
	publisher message.Publisher
}

func NewPublisher(publisher message.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// PublishUpdate encodes and publishes one envelope.
func (p *Publisher) PublishUpdate(env *jobtrack.Envelope) error {
	if env.Type == "" {
		env.Type = jobtrack.TypeJobUpdate
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal update envelope: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := p.publisher.Publish(UpdateTopic, msg); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	return nil
}

// Subscriber adapts a watermill subscriber to the update-topic
// subscription the connection manager consumes.
type Subscriber struct {
	subscriber message.Subscriber
}

func NewSubscriber(subscriber message.Subscriber) *Subscriber {
	return &Subscriber{subscriber: subscriber}
}

// Subscribe opens the shared subscription. The returned channel closes
// when ctx is cancelled.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return s.subscriber.Subscribe(ctx, UpdateTopic)
}

// NewAMQPPublisher builds the fan-out publisher for the update topic.
func NewAMQPPublisher(url string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return amqp.NewPublisher(
		amqp.NewDurablePubSubConfig(url, nil),
		logger,
	)
}

// NewAMQPSubscriber builds a fan-out subscriber for the update topic.
// Each process gets its own queue so every instance sees every update.
func NewAMQPSubscriber(url, instance string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return amqp.NewSubscriber(
		amqp.NewDurablePubSubConfig(
			url,
			amqp.GenerateQueueNameTopicNameWithSuffix(instance),
		),
		logger,
	)
}
