package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Appender is the narrow sink domain services depend on.
type Appender interface {
	Append(ctx context.Context, eventType, subjectID string, attributes map[string]string, actor Actor) error
}

// Service persists audit events and fans them out to publishers.
type Service struct {
	repo       Repository
	publishers []Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService constructs an audit service.
func NewService(repo Repository, logger *slog.Logger, publishers ...Publisher) *Service {
	return &Service{repo: repo, publishers: publishers, logger: logger, now: time.Now}
}

// Append stores the event. Publisher failures are logged and never returned,
// so downstream outages cannot fail a payment.
func (s *Service) Append(ctx context.Context, eventType, subjectID string, attributes map[string]string, actor Actor) error {
	if attributes == nil {
		attributes = map[string]string{}
	}
	event := Event{
		EventID:        uuid.Must(uuid.NewV7()).String(),
		EventType:      eventType,
		ActorAccountID: actor.AccountID,
		ActorDeviceID:  actor.DeviceID,
		SubjectID:      subjectID,
		OccurredAt:     s.now().UTC(),
		Attributes:     attributes,
	}
	if err := s.repo.Append(ctx, event); err != nil {
		return err
	}
	for _, p := range s.publishers {
		if err := p.Publish(ctx, event); err != nil && s.logger != nil {
			s.logger.Warn("audit publish failed",
				slog.String("event_type", eventType),
				slog.String("subject_id", subjectID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// ListBySubject returns the newest events for a subject.
func (s *Service) ListBySubject(ctx context.Context, subjectID string, limit int) ([]Event, error) {
	return s.repo.ListBySubject(ctx, subjectID, limit)
}
