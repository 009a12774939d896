// Package presence mirrors the session's in-call status into the shared
// presence store.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/service/session"
	"secureconnect-callagent/pkg/constants"
	"secureconnect-callagent/pkg/logger"
)

// Repository stores the busy marker
type Repository interface {
	SetInCall(ctx context.Context, userID, callID string) error
	ClearInCall(ctx context.Context, userID string) error
	RefreshInCall(ctx context.Context, userID string) error
}

// Source is the session event feed
type Source interface {
	Subscribe(buffer int) *events.Subscription
}

// Service keeps the marker in step with the session state
type Service struct {
	repo    Repository
	userID  string
	refresh time.Duration
	timeout time.Duration

	mu     sync.Mutex
	callID string
}

// NewService creates a presence service. refresh is how often an active
// marker's TTL is extended.
func NewService(repo Repository, userID string, refresh time.Duration) *Service {
	if refresh <= 0 {
		refresh = constants.PresenceTTL / 2
	}
	return &Service{
		repo:    repo,
		userID:  userID,
		refresh: refresh,
		timeout: constants.DefaultTimeout,
	}
}

// CallID returns the call currently advertised, or ""
func (s *Service) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Run consumes session events until ctx is done, then clears the marker
func (s *Service) Run(ctx context.Context, src Source) {
	sub := src.Subscribe(constants.EventBufferSize)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.clear(context.Background())
			return
		case evt, ok := <-sub.C:
			if !ok {
				s.clear(context.Background())
				return
			}
			s.Handle(ctx, evt)
		case <-ticker.C:
			s.refreshMarker(ctx)
		}
	}
}

// Handle applies a single session event
func (s *Service) Handle(ctx context.Context, evt events.Event) {
	if evt.Type != events.TypeStateChanged {
		return
	}
	change, ok := evt.Payload.(session.StateChange)
	if !ok {
		return
	}

	switch change.To {
	case session.StateInitiating, session.StateRinging:
		s.set(ctx, evt.CallID)
	case session.StateEnded, session.StateIdle:
		s.clear(ctx)
	}
}

func (s *Service) set(ctx context.Context, callID string) {
	if callID == "" {
		return
	}
	s.mu.Lock()
	if s.callID == callID {
		s.mu.Unlock()
		return
	}
	s.callID = callID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.SetInCall(ctx, s.userID, callID); err != nil {
		logger.Warn("Failed to publish in-call presence",
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

func (s *Service) clear(ctx context.Context) {
	s.mu.Lock()
	if s.callID == "" {
		s.mu.Unlock()
		return
	}
	callID := s.callID
	s.callID = ""
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.ClearInCall(ctx, s.userID); err != nil {
		logger.Warn("Failed to clear in-call presence",
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

func (s *Service) refreshMarker(ctx context.Context) {
	if s.CallID() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.RefreshInCall(ctx, s.userID); err != nil {
		logger.Debug("Failed to refresh in-call presence", zap.Error(err))
	}
}
