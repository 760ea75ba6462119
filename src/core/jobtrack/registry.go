package jobtrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"scribed/src/log"
)

// DefaultMaxActiveAge bounds how long a persisted Pending/Processing row
// keeps counting as active during reconciliation. A row nobody updated
// for longer than this is treated as stale so one bad source cannot pin
// the update listener alive forever.
const DefaultMaxActiveAge = time.Hour

// Registry is the authoritative in-process view of which jobs are
// active, reconciled on demand against the persistent store and the
// distributed active-job set.
type Registry struct {
	repo       JobRepository
	active     ActiveSet
	dispatcher Dispatcher
	maxAge     time.Duration

	mu    sync.Mutex
	local map[string]struct{}
}

func NewRegistry(repo JobRepository, active ActiveSet, dispatcher Dispatcher, maxActiveAge time.Duration) *Registry {
	if maxActiveAge <= 0 {
		maxActiveAge = DefaultMaxActiveAge
	}
	return &Registry{
		repo:       repo,
		active:     active,
		dispatcher: dispatcher,
		maxAge:     maxActiveAge,
		local:      make(map[string]struct{}),
	}
}

// CreateJob persists a pending job, registers it in the distributed set
// and dispatches work for it. Dispatch happens only after the record is
// durably pending. On dispatch failure the set registration is rolled
// back and the pending row is kept for inspection; the created job is
// returned alongside ErrDispatchFailed.
func (r *Registry) CreateJob(ctx context.Context, filename, sourceURL, queueClass string) (*Job, error) {
	job := &Job{
		ID:         "job_" + uuid.NewString(),
		Filename:   filename,
		SourceURL:  sourceURL,
		QueueClass: queueClass,
		Status:     JobStatusPending,
	}

	if err := r.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Membership before dispatch so the first worker update cannot race
	// an empty set. Add failure is tolerated: reconciliation also trusts
	// the store and the local cache.
	if err := r.active.Add(ctx, job.ID); err != nil {
		log.Error(err, "failed to register job in active set", "job_id", job.ID)
	}
	r.Track(job.ID)

	if _, err := r.dispatcher.Dispatch(ctx, job); err != nil {
		if removeErr := r.active.Remove(ctx, job.ID); removeErr != nil {
			log.Error(removeErr, "failed to roll back active set entry", "job_id", job.ID)
		}
		r.Forget(job.ID)
		return job, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	return job, nil
}

// GetJob returns the job or ErrJobNotFound.
func (r *Registry) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (r *Registry) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	return r.repo.Find(ctx, filter)
}

// ReconcileActive computes the union of persisted non-terminal jobs,
// distributed set members and the local cache. A failing source is
// logged and skipped, never surfaced: the result may over-approximate
// but must not silently drop an active job.
func (r *Registry) ReconcileActive(ctx context.Context) map[string]struct{} {
	ids := make(map[string]struct{})

	jobs, err := r.repo.Find(ctx, JobFilter{
		Statuses:     []JobStatus{JobStatusPending, JobStatusProcessing},
		UpdatedAfter: time.Now().Add(-r.maxAge),
	})
	if err != nil {
		log.Error(err, "reconcile: job store query failed")
	}
	for _, job := range jobs {
		ids[job.ID] = struct{}{}
	}

	members, err := r.active.Members(ctx)
	if err != nil {
		log.Error(err, "reconcile: active set query failed, falling back to local cache")
	}
	for _, id := range members {
		ids[id] = struct{}{}
	}

	r.mu.Lock()
	for id := range r.local {
		ids[id] = struct{}{}
	}
	r.mu.Unlock()

	return ids
}

// Track records a job ID in the local active cache.
func (r *Registry) Track(id string) {
	r.mu.Lock()
	r.local[id] = struct{}{}
	r.mu.Unlock()
}

// Forget drops a job ID from the local active cache. No-op on missing
// entries.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
}
