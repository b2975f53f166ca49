package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nathanyu/margin-trading/internal/domain"
)

// SnapshotRecord is one stored snapshot row.
type SnapshotRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	SequenceID uint64    `gorm:"index"`
	TakenAt    time.Time `gorm:"index"`
	Payload    []byte
	CreatedAt  time.Time
}

func (SnapshotRecord) TableName() string { return "orderbook_snapshots" }

// SQLiteRepository stores snapshots in a local SQLite file through gorm.
type SQLiteRepository struct {
	db        *gorm.DB
	retention int
}

// NewSQLiteRepository opens (or creates) the database file and migrates the schema.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteRepository{db: db, retention: DefaultRetention}, nil
}

func (r *SQLiteRepository) Name() string { return "sqlite" }

// Save inserts the snapshot and prunes older rows.
func (r *SQLiteRepository) Save(ctx context.Context, snap *domain.OrderBookSnapshot) error {
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := SnapshotRecord{SequenceID: snap.SequenceID, TakenAt: snap.TakenAt, Payload: payload}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		keep := tx.Model(&SnapshotRecord{}).Select("id").Order("id desc").Limit(r.retention)
		return tx.Where("id NOT IN (?)", keep).Delete(&SnapshotRecord{}).Error
	})
}

// Load returns the most recent snapshot.
func (r *SQLiteRepository) Load(ctx context.Context) (*domain.OrderBookSnapshot, error) {
	var record SnapshotRecord
	err := r.db.WithContext(ctx).Order("id desc").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(record.Payload)
}

// Count returns the number of stored snapshots.
func (r *SQLiteRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&SnapshotRecord{}).Count(&n).Error
	return n, err
}

// Close releases the underlying connection.
func (r *SQLiteRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
