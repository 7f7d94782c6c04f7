package database

import (
	"context"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

// EventStore appends entitlement transitions
type EventStore struct {
	db *gorm.DB
}

// NewEventStore creates an event store
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// Append records one transition
func (s *EventStore) Append(ctx context.Context, event *models.EntitlementEvent) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Create(event).Error
}

// ListByUser returns a user's transitions, oldest first
func (s *EventStore) ListByUser(ctx context.Context, userID string) ([]models.EntitlementEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var events []models.EntitlementEvent
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&events).Error
	return events, err
}
