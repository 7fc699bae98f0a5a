package models

import (
	"time"
)

// DataRecord is one unit of work in the data_records table. A record is
// pending while ProcessedAt is nil; once marked it is never reverted.
type DataRecord struct {
	ID          int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Message     string     `json:"message" gorm:"type:text;not null"`
	CreatedAt   time.Time  `json:"created_at" gorm:"not null;index"`
	ProcessedAt *time.Time `json:"processed_at" gorm:"index"` // NULL means pending
	ProcessedBy *string    `json:"processed_by" gorm:"type:varchar(255)"`
}

func (DataRecord) TableName() string {
	return "data_records"
}

// Processed reports whether the record has been marked.
func (r *DataRecord) Processed() bool {
	return r.ProcessedAt != nil
}

// MarkProcessed stamps the record with the processing time and instance.
func (r *DataRecord) MarkProcessed(instanceID string, at time.Time) {
	at = at.UTC()
	r.ProcessedAt = &at
	r.ProcessedBy = &instanceID
}
