package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"zkelect/pkg/models"
	"zkelect/pkg/storage"
)

// EventStore keeps an audit trail of election events in PostgreSQL.
type EventStore struct {
	db *gorm.DB
}

var _ storage.EventLog = (*EventStore)(nil)

// NewEventStore initializes GORM connection and AutoMigrates the event table.
func NewEventStore(connString string) (*EventStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.Event{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &EventStore{db: db}, nil
}

func (s *EventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append persists one event.
func (s *EventStore) Append(ctx context.Context, event *models.Event) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// Recent returns the newest events first.
func (s *EventStore) Recent(ctx context.Context, limit int) ([]models.Event, error) {
	var events []models.Event
	result := s.db.WithContext(ctx).
		Order("occurred_at desc").
		Limit(limit).
		Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list events: %w", result.Error)
	}
	return events, nil
}

// ByParticipant returns the newest events emitted by one participant.
func (s *EventStore) ByParticipant(ctx context.Context, participant string, limit int) ([]models.Event, error) {
	var events []models.Event
	result := s.db.WithContext(ctx).
		Where("participant = ?", participant).
		Order("occurred_at desc").
		Limit(limit).
		Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", participant, result.Error)
	}
	return events, nil
}
