package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"secureconnect-callagent/internal/database"
)

const inCallPrefix = "in_call:"

// PresenceRepository publishes the agent user's in-call status in Redis so
// other backend services can treat the user as busy
type PresenceRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient, ttl time.Duration) *PresenceRepository {
	return &PresenceRepository{client: client, ttl: ttl}
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetInCall marks the user as busy in callID
func (r *PresenceRepository) SetInCall(ctx context.Context, userID, callID string) error {
	err := r.client.SafeSet(ctx, presenceKey(userID), inCallPrefix+callID, r.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set in-call presence: %w", err)
	}
	return nil
}

// ClearInCall removes the busy marker
func (r *PresenceRepository) ClearInCall(ctx context.Context, userID string) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear in-call presence: %w", err)
	}
	return nil
}

// RefreshInCall extends the marker's TTL
func (r *PresenceRepository) RefreshInCall(ctx context.Context, userID string) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh in-call presence: %w", err)
	}
	return nil
}

// GetCallID returns the call the user is busy in, or "" when not in a call
func (r *PresenceRepository) GetCallID(ctx context.Context, userID string) (string, error) {
	value, err := r.client.SafeGet(ctx, presenceKey(userID)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get presence: %w", err)
	}
	if !strings.HasPrefix(value, inCallPrefix) {
		return "", nil
	}
	return strings.TrimPrefix(value, inCallPrefix), nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
