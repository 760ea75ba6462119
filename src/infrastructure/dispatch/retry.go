package dispatch

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// StepRetry retries a failed handler with stepped backoff per the
// queue's policy. Watermill's stock Retry middleware backs off
// exponentially; the broker policy here is linear (start + n*step,
// capped), so the schedule is computed inline.
func StepRetry(policy RetryPolicy, logger watermill.LoggerAdapter) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			interval := policy.IntervalStart

			produced, err := h(msg)
			for attempt := 1; err != nil && attempt <= policy.MaxRetries; attempt++ {
				logger.Error("handler failed, retrying", err, watermill.LogFields{
					"message_uuid": msg.UUID,
					"attempt":      attempt,
					"wait":         interval.String(),
				})

				select {
				case <-msg.Context().Done():
					return nil, err
				case <-time.After(interval):
				}

				interval += policy.IntervalStep
				if interval > policy.IntervalMax {
					interval = policy.IntervalMax
				}

				produced, err = h(msg)
			}

			return produced, err
		}
	}
}

// RegisterWorkers adds one no-publisher handler per configured queue
// class, each wrapped in its own stepped-retry middleware. extra
// middleware runs outside the retry loop.
func RegisterWorkers(
	router *message.Router,
	subscriber message.Subscriber,
	config Config,
	handler message.NoPublishHandlerFunc,
	logger watermill.LoggerAdapter,
	extra ...message.HandlerMiddleware,
) {
	for class, policy := range config.Policies {
		h := router.AddNoPublisherHandler(
			"transcribe_worker_"+class,
			QueueTopic(class),
			subscriber,
			handler,
		)
		middlewares := append([]message.HandlerMiddleware{}, extra...)
		middlewares = append(middlewares, StepRetry(policy, logger))
		h.AddMiddleware(middlewares...)
	}
}
