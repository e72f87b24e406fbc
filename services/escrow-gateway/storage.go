package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Transaction statuses.
const (
	TxPending = "pending"
	TxSuccess = "success"
	TxError   = "error"
)

var (
	// ErrMetadataNotFound is returned when the gateway holds no metadata for a project.
	ErrMetadataNotFound = errors.New("project metadata not found")
)

// ProjectMetadata holds the descriptive fields the ledger does not store.
type ProjectMetadata struct {
	ProjectID      uint64 `gorm:"primaryKey;autoIncrement:false"`
	Title          string `gorm:"index"`
	Description    string
	MilestoneNames string
	MilestoneCount int
	Client         string `gorm:"index"`
	Freelancer     string `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Names decodes the stored milestone names.
func (m ProjectMetadata) Names() []string {
	if m.MilestoneNames == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(m.MilestoneNames), &names); err != nil {
		return nil
	}
	return names
}

func encodeNames(names []string) string {
	if len(names) == 0 {
		return ""
	}
	encoded, _ := json.Marshal(names)
	return string(encoded)
}

// Transaction is one gateway-initiated ledger call and its outcome.
type Transaction struct {
	ID        uint64    `gorm:"primaryKey" json:"-"`
	Reference uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"id"`
	ProjectID uint64    `gorm:"index" json:"projectId,omitempty"`
	Milestone *uint32   `json:"milestone,omitempty"`
	Operation string    `json:"operation"`
	Caller    string    `json:"caller"`
	Amount    string    `json:"amount,omitempty"`
	Status    string    `gorm:"index" json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StoredEvent is a ledger event mirrored from the node by the watcher. ID is
// the gateway's own ordering; Epoch counts node feed restarts so a reused
// node sequence never collides with an earlier one.
type StoredEvent struct {
	ID         uint64 `gorm:"primaryKey"`
	Epoch      uint64 `gorm:"uniqueIndex:idx_stored_events_epoch_sequence"`
	Sequence   uint64 `gorm:"uniqueIndex:idx_stored_events_epoch_sequence"`
	Type       string `gorm:"index"`
	ProjectID  uint64 `gorm:"index"`
	Hash       string
	Attributes string
	Timestamp  time.Time
}

// EventCursor records how far the watcher has consumed the node's feed. Hash
// is the chain hash of the record at Sequence.
type EventCursor struct {
	Name     string `gorm:"primaryKey"`
	Epoch    uint64
	Sequence uint64
	Hash     string
}

// WebhookAttempt captures a delivery attempt.
type WebhookAttempt struct {
	ID            uint64 `gorm:"primaryKey"`
	URL           string `gorm:"index"`
	EventEpoch    uint64
	EventSequence uint64 `gorm:"index"`
	Attempt       int
	Status        string
	Error         string
	NextAttempt   *time.Time
	CreatedAt     time.Time
}

// Store persists gateway state through gorm.
type Store struct {
	db *gorm.DB
}

// OpenStore opens the configured database and migrates the schema.
func OpenStore(cfg DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case databaseSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case databasePostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return NewStore(db)
}

// NewStore wraps an open gorm handle and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&ProjectMetadata{}, &Transaction{}, &StoredEvent{}, &EventCursor{}, &WebhookAttempt{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveMetadata inserts or replaces the metadata of a project.
func (s *Store) SaveMetadata(ctx context.Context, meta *ProjectMetadata) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(meta).Error
}

func (s *Store) GetMetadata(ctx context.Context, projectID uint64) (*ProjectMetadata, error) {
	var meta ProjectMetadata
	err := s.db.WithContext(ctx).First(&meta, "project_id = ?", projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMetadataNotFound
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// MetadataPatch carries a partial metadata update; nil fields are left as is.
type MetadataPatch struct {
	Title          *string
	Description    *string
	MilestoneNames *[]string
}

// UpdateMetadata applies patch and returns the updated row.
func (s *Store) UpdateMetadata(ctx context.Context, projectID uint64, patch MetadataPatch) (*ProjectMetadata, error) {
	updates := map[string]interface{}{}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.MilestoneNames != nil {
		updates["milestone_names"] = encodeNames(*patch.MilestoneNames)
	}
	if len(updates) > 0 {
		res := s.db.WithContext(ctx).Model(&ProjectMetadata{}).Where("project_id = ?", projectID).Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrMetadataNotFound
		}
	}
	return s.GetMetadata(ctx, projectID)
}

// SearchProjects returns metadata whose title contains query, ignoring case,
// newest project first. An empty query lists everything up to limit.
func (s *Store) SearchProjects(ctx context.Context, query string, limit int) ([]ProjectMetadata, error) {
	tx := s.db.WithContext(ctx).Order("project_id DESC")
	if q := strings.ToLower(strings.TrimSpace(query)); q != "" {
		tx = tx.Where("LOWER(title) LIKE ? ESCAPE '\\'", "%"+escapeLike(q)+"%")
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var out []ProjectMetadata
	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// BeginTransaction records a pending ledger call and prunes history beyond
// retain entries.
func (s *Store) BeginTransaction(ctx context.Context, tx *Transaction, retain int) error {
	if tx.Reference == uuid.Nil {
		tx.Reference = uuid.New()
	}
	tx.Status = TxPending
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Create(tx).Error; err != nil {
			return err
		}
		return pruneTransactions(db, retain)
	})
}

func pruneTransactions(db *gorm.DB, retain int) error {
	if retain <= 0 {
		return nil
	}
	var cutoff []uint64
	if err := db.Model(&Transaction{}).Order("id DESC").Offset(retain).Limit(1).Pluck("id", &cutoff).Error; err != nil {
		return err
	}
	if len(cutoff) == 0 {
		return nil
	}
	return db.Where("id <= ?", cutoff[0]).Delete(&Transaction{}).Error
}

// CompleteTransaction records the outcome of a pending call. Entries pruned
// in the meantime are ignored.
func (s *Store) CompleteTransaction(ctx context.Context, tx *Transaction, status, message string) error {
	tx.Status = status
	tx.Message = message
	return s.db.WithContext(ctx).Model(&Transaction{}).Where("reference = ?", tx.Reference).Updates(map[string]interface{}{
		"status":     status,
		"message":    message,
		"project_id": tx.ProjectID,
		"amount":     tx.Amount,
	}).Error
}

// ListTransactions returns the retained history newest first. A zero
// projectID lists every project.
func (s *Store) ListTransactions(ctx context.Context, projectID uint64, limit int) ([]Transaction, error) {
	tx := s.db.WithContext(ctx).Order("id DESC")
	if projectID != 0 {
		tx = tx.Where("project_id = ?", projectID)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var out []Transaction
	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// InsertEvent stores a mirrored ledger event. It reports false when the
// (epoch, sequence) pair was already stored.
func (s *Store) InsertEvent(ctx context.Context, evt *StoredEvent) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(evt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListEvents returns mirrored events with an ID greater than after.
func (s *Store) ListEvents(ctx context.Context, projectID, after uint64, limit int) ([]StoredEvent, error) {
	tx := s.db.WithContext(ctx).Where("id > ?", after).Order("id ASC")
	if projectID != 0 {
		tx = tx.Where("project_id = ?", projectID)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var out []StoredEvent
	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

const eventCursorName = "ledger_events"

// LoadEventCursor returns the watcher position, zero-valued when none has
// been saved.
func (s *Store) LoadEventCursor(ctx context.Context) (EventCursor, error) {
	var cursor EventCursor
	err := s.db.WithContext(ctx).First(&cursor, "name = ?", eventCursorName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EventCursor{Name: eventCursorName}, nil
	}
	if err != nil {
		return EventCursor{}, err
	}
	return cursor, nil
}

// SaveEventCursor stores the watcher position.
func (s *Store) SaveEventCursor(ctx context.Context, cursor EventCursor) error {
	cursor.Name = eventCursorName
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"epoch", "sequence", "hash"}),
	}).Create(&cursor).Error
}

// InsertWebhookAttempt records a webhook delivery attempt.
func (s *Store) InsertWebhookAttempt(ctx context.Context, attempt *WebhookAttempt) error {
	return s.db.WithContext(ctx).Create(attempt).Error
}

// ListWebhookAttempts returns recorded attempts for an event sequence.
func (s *Store) ListWebhookAttempts(ctx context.Context, sequence uint64) ([]WebhookAttempt, error) {
	var out []WebhookAttempt
	err := s.db.WithContext(ctx).Where("event_sequence = ?", sequence).Order("id ASC").Find(&out).Error
	return out, err
}
