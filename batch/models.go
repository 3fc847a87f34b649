package batch

import (
	"time"

	"gorm.io/gorm"
)

// ImportedFile records an inbox file that has been through a batch job, so
// the same content at the same path is never imported twice.
type ImportedFile struct {
	ID             uint   `gorm:"primaryKey"`
	Path           string `gorm:"uniqueIndex:uniq_imported_path_sha;size:1024"`
	SHA256         string `gorm:"uniqueIndex:uniq_imported_path_sha;size:64"`
	SizeBytes      int64
	ModUnixNano    int64
	ImportedAt     time.Time `gorm:"index"`
	JobID          string    `gorm:"size:36"`
	Status         string    `gorm:"index;size:16"`
	ValidRecords   int
	InvalidRecords int
	MovedTo        string `gorm:"size:1024"`
	LastError      string `gorm:"type:text"`
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&ImportedFile{})
}
