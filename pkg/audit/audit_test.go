package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayKey(t *testing.T) {
	ts := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("UTC+2", 2*60*60))
	assert.Equal(t, "audit:calls:2026-03-09", dayKey(ts))
}

func TestLog_StoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	al := NewAuditLogger(client)
	event := &AuditEvent{UserID: "alice", EventType: EventCallConnect, Resource: "call-1"}
	err := al.Log(context.Background(), event)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store audit event")
	assert.NotEqual(t, uuid.Nil, event.EventID)
	assert.False(t, event.Timestamp.IsZero())

	_, err = al.GetEvents(context.Background(), "call-1", 10)
	assert.Error(t, err)
}
