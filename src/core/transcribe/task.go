package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"scribed/src/core/jobtrack"
	"scribed/src/infrastructure/dispatch"
	"scribed/src/infrastructure/integrations/whisperd"
	"scribed/src/log"
)

// ObjectStore is the audio storage surface the task needs.
type ObjectStore interface {
	GetObject(ctx context.Context, bucketName, objectName string) ([]byte, error)
}

// UpdatePublisher publishes job-update envelopes on the shared topic.
type UpdatePublisher interface {
	PublishUpdate(env *jobtrack.Envelope) error
}

// Engine produces a transcript for audio bytes.
type Engine interface {
	Transcribe(ctx context.Context, model, filename string, audio []byte) (*whisperd.TranscribeResult, error)
}

// Task consumes dispatched transcription work. It never writes the job
// row directly: all state flows through update envelopes so the
// listener remains the single persistence path.
type Task struct {
	store   ObjectStore
	bucket  string
	engine  Engine
	updates UpdatePublisher
}

func NewTask(store ObjectStore, bucket string, engine Engine, updates UpdatePublisher) *Task {
	return &Task{
		store:   store,
		bucket:  bucket,
		engine:  engine,
		updates: updates,
	}
}

// HandleTask processes one queued transcription. Progress envelopes are
// published at the same milestones the job has always reported.
func (t *Task) HandleTask(msg *message.Message) error {
	var task dispatch.TaskMessage
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return fmt.Errorf("failed to unmarshal task message: %w", err)
	}

	ctx := msg.Context()
	start := time.Now()

	t.publishProgress(task.JobID, 10)

	audio, err := t.store.GetObject(ctx, t.bucket, task.Filename)
	if err != nil {
		return fmt.Errorf("failed to fetch audio %s: %w", task.Filename, err)
	}

	t.publishProgress(task.JobID, 30)

	result, err := t.engine.Transcribe(ctx, task.Model, task.Filename, audio)
	if err != nil {
		return fmt.Errorf("transcription failed for %s: %w", task.JobID, err)
	}

	t.publishProgress(task.JobID, 90)

	processingTime := time.Since(start).Seconds()
	progress := 100
	env := &jobtrack.Envelope{
		JobID:               task.JobID,
		Status:              jobtrack.JobStatusCompleted,
		Progress:            &progress,
		Result:              &result.Text,
		Language:            &result.Language,
		LanguageProbability: &result.LanguageProbability,
		ProcessingTime:      &processingTime,
		Type:                jobtrack.TypeJobUpdate,
	}
	if err := t.updates.PublishUpdate(env); err != nil {
		return fmt.Errorf("failed to publish completion for %s: %w", task.JobID, err)
	}

	log.Info("transcription completed", "job_id", task.JobID,
		"processing_time_seconds", processingTime)
	return nil
}

func (t *Task) publishProgress(jobID string, progress int) {
	env := &jobtrack.Envelope{
		JobID:    jobID,
		Status:   jobtrack.JobStatusProcessing,
		Progress: &progress,
		Type:     jobtrack.TypeJobUpdate,
	}
	if err := t.updates.PublishUpdate(env); err != nil {
		log.Error(err, "failed to publish progress update", "job_id", jobID, "progress", progress)
	}
}

// NotifyFailure publishes a terminal failed envelope once the wrapped
// handler has exhausted its retries. Applied outside the retry
// middleware.
func NotifyFailure(updates UpdatePublisher) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			produced, err := h(msg)
			if err == nil {
				return produced, nil
			}

			var task dispatch.TaskMessage
			if jsonErr := json.Unmarshal(msg.Payload, &task); jsonErr != nil || task.JobID == "" {
				return produced, err
			}

			errMsg := err.Error()
			env := &jobtrack.Envelope{
				JobID:  task.JobID,
				Status: jobtrack.JobStatusFailed,
				Error:  &errMsg,
				Type:   jobtrack.TypeJobUpdate,
			}
			if pubErr := updates.PublishUpdate(env); pubErr != nil {
				log.Error(pubErr, "failed to publish failure update", "job_id", task.JobID)
			}

			return produced, err
		}
	}
}
