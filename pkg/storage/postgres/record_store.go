package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dbreader/pkg/models"
	"dbreader/pkg/storage"
)

type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens the GORM connection and migrates the records table.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(connString), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newStore(db)
}

func newStore(db *gorm.DB) (*PostgresStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.DataRecord{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity for health reporting.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// FindUnprocessed returns pending records ordered by id.
func (s *PostgresStore) FindUnprocessed(ctx context.Context, limit int) ([]models.DataRecord, error) {
	var records []models.DataRecord

	// SELECT * FROM data_records WHERE processed_at IS NULL ORDER BY id ASC [LIMIT ?]
	query := s.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrQuery, err)
	}
	return records, nil
}

// Save writes the processed columns of an existing record.
func (s *PostgresStore) Save(ctx context.Context, record *models.DataRecord) error {
	result := s.db.WithContext(ctx).
		Model(&models.DataRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"processed_at": record.ProcessedAt,
			"processed_by": record.ProcessedBy,
		})

	if result.Error != nil {
		return fmt.Errorf("%w: record %d: %w", storage.ErrPersist, record.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: record %d: %w", storage.ErrPersist, record.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, record *models.DataRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("%w: failed to create record: %w", storage.ErrPersist, err)
	}
	return nil
}

func (s *PostgresStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.DataRecord{}).
		Where("processed_at IS NULL").
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %w", storage.ErrQuery, err)
	}
	return n, nil
}

// Get retrieves a record by id.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*models.DataRecord, error) {
	var record models.DataRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrQuery, err)
	}
	return &record, nil
}
