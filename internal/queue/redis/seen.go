package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// SeenSet keeps submitted URLs in one Redis set, so every process that
// submits against the same queue shares it.
type SeenSet struct {
	client redis.UniversalClient
	key    string
}

// NewSeenSet wraps an existing client.
func NewSeenSet(client redis.UniversalClient, key string) (*SeenSet, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		return nil, errors.New("seen set key is required")
	}
	return &SeenSet{client: client, key: key}, nil
}

// SeenSet returns the set stored next to the queue's own keys.
func (q *Queue) SeenSet() *SeenSet {
	return &SeenSet{client: q.client, key: q.opts.Name + ":seen"}
}

// MarkSeen implements extract.SeenSet. SADD decides atomically, so two
// submitters racing on one URL see exactly one true.
func (s *SeenSet) MarkSeen(ctx context.Context, url string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.key, url).Result()
	if err != nil {
		return false, failure("mark seen", err)
	}
	return added == 1, nil
}

// Forget implements extract.SeenSet.
func (s *SeenSet) Forget(ctx context.Context, url string) error {
	if err := s.client.SRem(ctx, s.key, url).Err(); err != nil {
		return failure("forget seen", err)
	}
	return nil
}
