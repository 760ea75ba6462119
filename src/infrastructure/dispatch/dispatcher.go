package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"scribed/src/core/jobtrack"
)

// RetryPolicy is a stepped (linear) backoff: the nth retry waits
// IntervalStart + n*IntervalStep, capped at IntervalMax.
type RetryPolicy struct {
	MaxRetries    int
	IntervalStart time.Duration
	IntervalStep  time.Duration
	IntervalMax   time.Duration
}

// Config maps queue-class names to their retry policies. Unrecognized
// classes fall back to DefaultClass.
type Config struct {
	DefaultClass string
	Policies     map[string]RetryPolicy
}

// DefaultClass is the fallback queue class for unrecognized values.
const DefaultClass = "default"

// DefaultConfig carries the production queue classes. The retry numbers
// match the broker policy the transcription workers have always run
// with: three attempts, sixty-second steps, five-minute cap.
func DefaultConfig() Config {
	base := RetryPolicy{
		MaxRetries:    3,
		IntervalStart: 0,
		IntervalStep:  60 * time.Second,
		IntervalMax:   300 * time.Second,
	}
	return Config{
		DefaultClass: DefaultClass,
		Policies: map[string]RetryPolicy{
			DefaultClass: base,
			"small":      base,
			"medium":     {MaxRetries: 3, IntervalStart: 30 * time.Second, IntervalStep: 60 * time.Second, IntervalMax: 300 * time.Second},
			"large":      {MaxRetries: 2, IntervalStart: 60 * time.Second, IntervalStep: 120 * time.Second, IntervalMax: 600 * time.Second},
		},
	}
}

// Resolve returns the effective class and its policy, falling back to
// the default queue for unknown classes.
func (c Config) Resolve(class string) (string, RetryPolicy) {
	if policy, ok := c.Policies[class]; ok {
		return class, policy
	}
	return c.DefaultClass, c.Policies[c.DefaultClass]
}

// QueueTopic names the broker queue for a class.
func QueueTopic(class string) string {
	return "transcribe_" + class
}

// ClassForModel derives the queue class from the requested engine
// model: bigger models go to queues with more patient retry policies.
func ClassForModel(model string) string {
	switch {
	case model == "tiny" || model == "base":
		return "small"
	case model == "small" || model == "medium":
		return "medium"
	case strings.HasPrefix(model, "large"):
		return "large"
	default:
		return DefaultClass
	}
}

// TaskMessage is the payload submitted to a transcription queue.
type TaskMessage struct {
	JobID     string `json:"job_id"`
	Filename  string `json:"filename"`
	SourceURL string `json:"source_url"`
	Model     string `json:"model"`
}

// Dispatcher submits job work to class-selected queues. Submission is
// fire-and-forget: completion is observed through the update listener.
type Dispatcher struct {
	publisher message.Publisher
	config    Config
}

func NewDispatcher(publisher message.Publisher, config Config) *Dispatcher {
	if len(config.Policies) == 0 {
		config = DefaultConfig()
	}
	return &Dispatcher{
		publisher: publisher,
		config:    config,
	}
}

// Dispatch publishes the job to its class queue and returns the task
// ID. A broker failure surfaces immediately; the caller decides what to
// do with the already-persisted job record.
func (d *Dispatcher) Dispatch(ctx context.Context, job *jobtrack.Job) (string, error) {
	class, _ := d.config.Resolve(job.QueueClass)

	task := TaskMessage{
		JobID:     job.ID,
		Filename:  job.Filename,
		SourceURL: job.SourceURL,
		Model:     modelForClass(class),
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task message: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("queue_class", class)

	if err := d.publisher.Publish(QueueTopic(class), msg); err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", QueueTopic(class), err)
	}

	return msg.UUID, nil
}

// modelForClass picks the engine model the worker should load. The
// queue class is a cost class, not a model name, so the mapping is kept
// here rather than on the job row.
func modelForClass(class string) string {
	switch class {
	case "small":
		return "base"
	case "medium":
		return "small"
	case "large":
		return "large-v3"
	default:
		return "base"
	}
}
