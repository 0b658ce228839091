// Package store keeps the transfer history in a sqlite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("transfer record not found")

// TransferRecord is the last known state of one operation. A file id appears
// once per direction.
type TransferRecord struct {
	ID          uint   `gorm:"primaryKey"`
	FileID      string `gorm:"not null;uniqueIndex:idx_transfer_file_direction"`
	Direction   string `gorm:"not null;uniqueIndex:idx_transfer_file_direction"`
	Name        string
	Size        int64
	Transferred int64
	State       string `gorm:"index"`
	Peer        string
	Path        string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time `gorm:"index"`
}

// History is the part of the store the node records into.
type History interface {
	Record(ctx context.Context, rec *TransferRecord) error
	List(ctx context.Context, limit int) ([]TransferRecord, error)
}

type Store struct {
	DB *gorm.DB
}

var _ History = (*Store)(nil)

// Open opens or creates the database at path and migrates the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		return nil, fmt.Errorf("configuring database: %w", err)
	}
	if err := db.AutoMigrate(&TransferRecord{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record inserts rec or updates the row with the same file id and direction.
func (s *Store) Record(ctx context.Context, rec *TransferRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "file_id"}, {Name: "direction"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "size", "transferred", "state", "peer", "path", "error", "updated_at",
		}),
	}).Create(rec).Error
}

// List returns the most recently updated records first. A limit of zero or
// less returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]TransferRecord, error) {
	var recs []TransferRecord
	q := s.DB.WithContext(ctx).Order("updated_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) Get(ctx context.Context, fileID, direction string) (TransferRecord, error) {
	var rec TransferRecord
	err := s.DB.WithContext(ctx).Where("file_id = ? AND direction = ?", fileID, direction).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, ErrNotFound
	}
	return rec, err
}

// Prune deletes records last updated before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("updated_at < ?", cutoff).Delete(&TransferRecord{})
	return res.RowsAffected, res.Error
}
