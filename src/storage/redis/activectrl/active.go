package activectrl

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the shared set of job IDs currently awaiting updates.
const DefaultKey = "transcribe:active_jobs"

// ActiveSetService tracks active job IDs in a Redis set shared across
// all process instances. SADD/SREM give the atomic add/remove the
// coordination relies on.
type ActiveSetService struct {
	client *redis.Client
	key    string
}

func NewActiveSetService(client *redis.Client) *ActiveSetService {
	return &ActiveSetService{
		client: client,
		key:    DefaultKey,
	}
}

func (s *ActiveSetService) Add(ctx context.Context, jobID string) error {
	if err := s.client.SAdd(ctx, s.key, jobID).Err(); err != nil {
		return fmt.Errorf("failed to add %s to active set: %w", jobID, err)
	}
	return nil
}

func (s *ActiveSetService) Remove(ctx context.Context, jobID string) error {
	if err := s.client.SRem(ctx, s.key, jobID).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from active set: %w", jobID, err)
	}
	return nil
}

func (s *ActiveSetService) Members(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active set members: %w", err)
	}
	return members, nil
}
