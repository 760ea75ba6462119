package jobctrl

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"scribed/src/core/jobtrack"
)

// JobService persists transcription jobs in PostgreSQL.
type JobService struct {
	db *gorm.DB
}

func NewJobService(db *gorm.DB) (*JobService, error) {
	if err := db.AutoMigrate(&jobtrack.Job{}); err != nil {
		return nil, fmt.Errorf("failed to migrate job table: %v", err)
	}

	return &JobService{db: db}, nil
}

func (s *JobService) Create(ctx context.Context, job *jobtrack.Job) error {
	result := s.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		return fmt.Errorf("failed to create job: %v", result.Error)
	}

	return nil
}

func (s *JobService) Get(ctx context.Context, id string) (*jobtrack.Job, error) {
	var job jobtrack.Job
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %v", result.Error)
	}

	return &job, nil
}

// Update applies the field set to an existing job. A status change that
// would leave a terminal state, or otherwise move backwards, is skipped
// and the stored row returned unchanged: bus updates can arrive out of
// order and duplicated.
func (s *JobService) Update(ctx context.Context, id string, fields jobtrack.UpdateFields) (*jobtrack.Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, jobtrack.ErrJobNotFound
	}

	updates := make(map[string]interface{})
	if fields.Status != nil {
		if !current.Status.CanTransition(*fields.Status) {
			return current, nil
		}
		updates["status"] = *fields.Status
	}
	if fields.Result != nil {
		updates["result"] = *fields.Result
	}
	if fields.ErrorMessage != nil {
		updates["error_message"] = *fields.ErrorMessage
	}
	if fields.Language != nil {
		updates["language"] = *fields.Language
	}
	if fields.LanguageProbability != nil {
		updates["language_probability"] = *fields.LanguageProbability
	}
	if fields.ProcessingTimeSeconds != nil {
		updates["processing_time_seconds"] = *fields.ProcessingTimeSeconds
	}
	if len(updates) == 0 {
		return current, nil
	}

	query := s.db.WithContext(ctx).Model(&jobtrack.Job{}).Where("id = ?", id)
	if fields.Status != nil {
		// Guard the status write in the WHERE clause: the pre-check above
		// is a read-then-write, and two processes persisting duplicate
		// terminals can interleave past it. RowsAffected of zero means a
		// concurrent writer moved the status first; the fresh Get below
		// reflects whoever won.
		query = query.Where("status IN ?", transitionSources(*fields.Status))
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update job: %v", result.Error)
	}

	return s.Get(ctx, id)
}

// transitionSources lists the statuses allowed to move to the target.
func transitionSources(to jobtrack.JobStatus) []jobtrack.JobStatus {
	all := []jobtrack.JobStatus{
		jobtrack.JobStatusPending,
		jobtrack.JobStatusProcessing,
		jobtrack.JobStatusCompleted,
		jobtrack.JobStatusFailed,
	}
	sources := make([]jobtrack.JobStatus, 0, len(all))
	for _, from := range all {
		if from.CanTransition(to) {
			sources = append(sources, from)
		}
	}
	return sources
}

func (s *JobService) Find(ctx context.Context, filter jobtrack.JobFilter) ([]jobtrack.Job, error) {
	query := s.db.WithContext(ctx).Model(&jobtrack.Job{})
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if !filter.UpdatedAfter.IsZero() {
		query = query.Where("updated_at > ?", filter.UpdatedAfter)
	}

	var jobs []jobtrack.Job
	result := query.Order("created_at DESC").Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find jobs: %v", result.Error)
	}

	return jobs, nil
}
