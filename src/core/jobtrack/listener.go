package jobtrack

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"scribed/src/log"
)

// UpdateListener is the single per-process task draining the shared bus
// subscription. Every update is persisted whether or not a local
// connection exists, so job state stays durable even when another
// process dispatched the job. Errors are isolated per iteration; only
// context cancellation stops the loop.
type UpdateListener struct {
	repo        JobRepository
	active      ActiveSet
	tracker     ActiveTracker
	manager     *ConnectionManager
	pollTimeout time.Duration
	idleDelay   time.Duration
}

// Run drains messages until ctx is cancelled or the subscription
// channel closes. A poll timeout is expected and not an error.
func (l *UpdateListener) Run(ctx context.Context, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			l.handle(ctx, msg)
		case <-time.After(l.pollTimeout):
		}

		// Bounds poll-loop CPU usage between iterations.
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.idleDelay):
		}
	}
}

func (l *UpdateListener) handle(ctx context.Context, msg *message.Message) {
	// The bus delivery is acked regardless of outcome: malformed or
	// unprocessable envelopes are dropped, not redelivered.
	defer msg.Ack()

	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		log.Error(err, "dropping malformed update envelope", "message_uuid", msg.UUID)
		return
	}

	_, persistErr := l.repo.Update(ctx, env.JobID, env.UpdateFields())
	if persistErr != nil {
		log.Error(persistErr, "failed to persist job update", "job_id", env.JobID)
	}

	forwarded := l.manager.Forward(env.JobID, env)

	if !env.Status.Terminal() {
		return
	}

	// Terminal cleanup runs only after the update has been persisted and
	// the forward attempted, so the set never under-reports an active
	// job. On a failed persist the entries stay for a later reconcile
	// pass to pick up.
	if persistErr != nil {
		log.Info("keeping active entries after failed terminal persist", "job_id", env.JobID)
	} else {
		if err := l.active.Remove(ctx, env.JobID); err != nil {
			log.Error(err, "failed to remove job from active set", "job_id", env.JobID)
		}
		l.tracker.Forget(env.JobID)
	}

	if forwarded {
		l.manager.CloseSession(env.JobID, env.Status)
	}
}
