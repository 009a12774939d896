package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"secureconnect-callagent/pkg/constants"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	EventCallInitiate      AuditEventType = "call_initiate"
	EventCallIncoming      AuditEventType = "call_incoming"
	EventCallConnect       AuditEventType = "call_connect"
	EventCallEnd           AuditEventType = "call_end"
	EventCallMissed        AuditEventType = "call_missed"
	EventCallFailure       AuditEventType = "call_failure"
	EventCallReconnectFail AuditEventType = "call_reconnect_failed"
)

// AuditEvent represents an audit log entry
type AuditEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	UserID    string         `json:"user_id"`
	EventType AuditEventType `json:"event_type"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	Success   bool           `json:"success"`
	ErrorCode string         `json:"error_code,omitempty"`
	Details   string         `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditLogger writes call audit records to daily Redis lists
type AuditLogger struct {
	redisClient redis.Cmdable
	retention   time.Duration
	now         func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(redisClient redis.Cmdable) *AuditLogger {
	return &AuditLogger{
		redisClient: redisClient,
		retention:   constants.AuditLogRetention,
		now:         time.Now,
	}
}

func dayKey(t time.Time) string {
	return fmt.Sprintf("audit:calls:%s", t.UTC().Format("2006-01-02"))
}

// Log logs an audit event
func (al *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = al.now().UTC()
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := dayKey(event.Timestamp)
	pipe := al.redisClient.TxPipeline()
	pipe.LPush(ctx, key, eventJSON)
	pipe.Expire(ctx, key, al.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}

	return nil
}

// LogCallInitiate logs an outgoing call
func (al *AuditLogger) LogCallInitiate(ctx context.Context, userID, callID, callType string) error {
	return al.Log(ctx, &AuditEvent{
		UserID:    userID,
		EventType: EventCallInitiate,
		Resource:  callID,
		Action:    "initiate",
		Success:   true,
		Details:   fmt.Sprintf("type: %s", callType),
	})
}

// LogCallIncoming logs a call that started ringing
func (al *AuditLogger) LogCallIncoming(ctx context.Context, userID, callID, callerID string) error {
	return al.Log(ctx, &AuditEvent{
		UserID:    userID,
		EventType: EventCallIncoming,
		Resource:  callID,
		Action:    "ring",
		Success:   true,
		Details:   fmt.Sprintf("caller: %s", callerID),
	})
}

// LogCallConnect logs media connectivity
func (al *AuditLogger) LogCallConnect(ctx context.Context, userID, callID string) error {
	return al.Log(ctx, &AuditEvent{
		UserID:    userID,
		EventType: EventCallConnect,
		Resource:  callID,
		Action:    "connect",
		Success:   true,
	})
}

// LogCallEnd logs a call ending
func (al *AuditLogger) LogCallEnd(ctx context.Context, userID, callID string, duration time.Duration, missed bool) error {
	event := &AuditEvent{
		UserID:    userID,
		EventType: EventCallEnd,
		Resource:  callID,
		Action:    "end",
		Success:   true,
		Details:   fmt.Sprintf("duration: %d seconds", int64(duration.Seconds())),
	}
	if missed {
		event.EventType = EventCallMissed
		event.Action = "miss"
		event.Details = ""
	}
	return al.Log(ctx, event)
}

// LogCallFailure logs a surfaced call error
func (al *AuditLogger) LogCallFailure(ctx context.Context, userID, callID, errorCode, message string) error {
	event := &AuditEvent{
		UserID:    userID,
		EventType: EventCallFailure,
		Resource:  callID,
		Action:    "error",
		Success:   false,
		ErrorCode: errorCode,
		Details:   message,
	}
	if errorCode == "RECONNECT_FAILED" {
		event.EventType = EventCallReconnectFail
		event.Action = "reconnect"
	}
	return al.Log(ctx, event)
}

// GetEvents returns up to limit records for callID, newest first, scanning
// the retained daily lists
func (al *AuditLogger) GetEvents(ctx context.Context, callID string, limit int) ([]*AuditEvent, error) {
	now := al.now().UTC()
	var events []*AuditEvent
	for i := 0; i < constants.AuditLogDays && len(events) < limit; i++ {
		members, err := al.redisClient.LRange(ctx, dayKey(now.AddDate(0, 0, -i)), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get audit events: %w", err)
		}

		for _, member := range members {
			var event AuditEvent
			if err := json.Unmarshal([]byte(member), &event); err != nil {
				continue
			}
			if event.Resource == callID {
				events = append(events, &event)
				if len(events) == limit {
					break
				}
			}
		}
	}

	return events, nil
}
