package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/agentmesh/types"
)

// messageRecord is the relational shape of a message envelope. Content and
// metadata are stored as JSON so the schema stays payload-agnostic.
type messageRecord struct {
	ID            string `gorm:"primaryKey"`
	Type          string
	SenderID      string `gorm:"index"`
	RecipientID   string
	Content       string
	Metadata      string
	CorrelationID string `gorm:"index"`
	CreatedAt     time.Time
}

func (messageRecord) TableName() string { return "messages" }

// GormStore persists messages and run records through GORM. The pure-Go
// sqlite driver keeps it cgo-free.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) a sqlite-backed store at the given DSN.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an existing GORM connection and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&messageRecord{}, &RunRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveMessage persists one message, overwriting any previous copy.
func (s *GormStore) SaveMessage(ctx context.Context, msg types.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	record, err := toMessageRecord(msg)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(record).Error
}

// GetMessage retrieves a message by ID.
func (s *GormStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	var record messageRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msg, err := fromMessageRecord(record)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListByCorrelation returns every message correlated to the given message ID,
// oldest first.
func (s *GormStore) ListByCorrelation(ctx context.Context, correlationID string) ([]types.Message, error) {
	var records []messageRecord
	err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("created_at asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]types.Message, 0, len(records))
	for _, record := range records {
		msg, err := fromMessageRecord(record)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// SaveRun persists one run record.
func (s *GormStore) SaveRun(ctx context.Context, run RunRecord) error {
	return s.db.WithContext(ctx).Save(&run).Error
}

// GetRun retrieves a run record by ID.
func (s *GormStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var run RunRecord
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the most recent runs of a workflow, newest first.
func (s *GormStore) ListRuns(ctx context.Context, workflow string, limit int) ([]RunRecord, error) {
	query := s.db.WithContext(ctx).
		Where("workflow = ?", workflow).
		Order("started_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var runs []RunRecord
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func toMessageRecord(msg types.Message) (*messageRecord, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return &messageRecord{
		ID:            msg.ID,
		Type:          string(msg.Type),
		SenderID:      msg.SenderID,
		RecipientID:   msg.RecipientID,
		Content:       string(content),
		Metadata:      string(metadata),
		CorrelationID: msg.CorrelationID,
		CreatedAt:     msg.CreatedAt,
	}, nil
}

func fromMessageRecord(record messageRecord) (types.Message, error) {
	msg := types.Message{
		ID:            record.ID,
		Type:          types.MessageType(record.Type),
		SenderID:      record.SenderID,
		RecipientID:   record.RecipientID,
		CorrelationID: record.CorrelationID,
		CreatedAt:     record.CreatedAt,
	}
	if record.Content != "" {
		if err := json.Unmarshal([]byte(record.Content), &msg.Content); err != nil {
			return types.Message{}, fmt.Errorf("failed to decode content: %w", err)
		}
	}
	if record.Metadata != "" {
		if err := json.Unmarshal([]byte(record.Metadata), &msg.Metadata); err != nil {
			return types.Message{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return msg, nil
}
