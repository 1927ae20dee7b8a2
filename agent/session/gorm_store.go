package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/gander-ai/gander/internal/database"
	"github.com/gander-ai/gander/types"
)

// sessionRecord is the relational row for session metadata.
type sessionRecord struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	Description      string    `gorm:"size:500" json:"description"`
	WorkingDir       string    `gorm:"size:500" json:"working_dir"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `gorm:"index;autoUpdateTime:false" json:"updated_at"`
	MessageCount     int       `gorm:"default:0" json:"message_count"`
	PromptTokens     int       `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"default:0" json:"completion_tokens"`
	TotalTokens      int       `gorm:"default:0" json:"total_tokens"`
	Cost             float64   `gorm:"default:0" json:"cost"`
}

// TableName overrides the table name.
func (sessionRecord) TableName() string { return "sessions" }

// messageRecord is one message of a session log, stored as its JSON
// encoding. Append order is the autoincrement id order.
type messageRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string `gorm:"index;size:64;not null" json:"session_id"`
	Payload   string `gorm:"type:text;not null" json:"payload"`
}

// TableName overrides the table name.
func (messageRecord) TableName() string { return "session_messages" }

// GormStore is a relational implementation of Store backed by GORM.
// Works with postgres, mysql and sqlite dialects.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a session store on an open GORM connection and
// migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&sessionRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Load returns the session with the given id.
func (s *GormStore) Load(ctx context.Context, id string) (*Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rows []messageRecord
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	msgs := make([]types.Message, 0, len(rows))
	for _, row := range rows {
		var msg types.Message
		if err := json.Unmarshal([]byte(row.Payload), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode session message: %w", err)
		}
		msgs = append(msgs, msg)
	}

	return &Session{Metadata: metadataFromRecord(rec), Messages: msgs}, nil
}

// Append adds messages to the session log.
func (s *GormStore) Append(ctx context.Context, id string, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	rows, err := messageRows(id, msgs)
	if err != nil {
		return err
	}

	return database.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		if err := requireSession(tx, id); err != nil {
			return err
		}
		return tx.Create(&rows).Error
	})
}

// Replace overwrites the session log.
func (s *GormStore) Replace(ctx context.Context, id string, msgs []types.Message) error {
	rows, err := messageRows(id, msgs)
	if err != nil {
		return err
	}

	return database.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		if err := requireSession(tx, id); err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// SaveMetadata creates or updates the session metadata record.
func (s *GormStore) SaveMetadata(ctx context.Context, meta Metadata) error {
	if meta.ID == "" {
		return ErrInvalidInput
	}

	normalizeMetadata(&meta)
	rec := recordFromMetadata(meta)
	return s.db.WithContext(ctx).Save(&rec).Error
}

// List returns metadata for all sessions, most recently updated first.
func (s *GormStore) List(ctx context.Context) ([]Metadata, error) {
	var recs []sessionRecord
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&recs).Error; err != nil {
		return nil, err
	}

	metas := make([]Metadata, 0, len(recs))
	for _, rec := range recs {
		metas = append(metas, metadataFromRecord(rec))
	}
	return metas, nil
}

// Delete removes the session and its message log.
func (s *GormStore) Delete(ctx context.Context, id string) error {
	return database.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&sessionRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("session_id = ?", id).Delete(&messageRecord{}).Error
	})
}

// Ping checks if the store is healthy.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// requireSession fails with ErrNotFound when no metadata row exists.
func requireSession(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&sessionRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// messageRows encodes messages into insertable rows.
func messageRows(id string, msgs []types.Message) ([]messageRecord, error) {
	rows := make([]messageRecord, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message: %w", err)
		}
		rows = append(rows, messageRecord{SessionID: id, Payload: string(data)})
	}
	return rows, nil
}

func recordFromMetadata(meta Metadata) sessionRecord {
	return sessionRecord{
		ID:               meta.ID,
		Description:      meta.Description,
		WorkingDir:       meta.WorkingDir,
		StartedAt:        meta.StartedAt,
		UpdatedAt:        meta.UpdatedAt,
		MessageCount:     meta.MessageCount,
		PromptTokens:     meta.TokenUsage.PromptTokens,
		CompletionTokens: meta.TokenUsage.CompletionTokens,
		TotalTokens:      meta.TokenUsage.TotalTokens,
		Cost:             meta.TokenUsage.Cost,
	}
}

func metadataFromRecord(rec sessionRecord) Metadata {
	return Metadata{
		ID:           rec.ID,
		Description:  rec.Description,
		WorkingDir:   rec.WorkingDir,
		StartedAt:    rec.StartedAt,
		UpdatedAt:    rec.UpdatedAt,
		MessageCount: rec.MessageCount,
		TokenUsage: types.TokenUsage{
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			TotalTokens:      rec.TotalTokens,
			Cost:             rec.Cost,
		},
	}
}

// Ensure GormStore implements Store
var _ Store = (*GormStore)(nil)
