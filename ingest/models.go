package ingest

import "time"

// Train is created the first time a normalized index is seen and never
// changed afterwards except through its wagons.
type Train struct {
	ID              uint      `gorm:"primaryKey"`
	NormalizedIndex string    `gorm:"uniqueIndex;size:20;not null"`
	CreatedAt       time.Time `gorm:"index"`
	Wagons          []Wagon   `gorm:"constraint:OnDelete:CASCADE"`
}

// Wagon is unique per (Number, TrainID); every update overwrites it wholesale.
type Wagon struct {
	ID       uint      `gorm:"primaryKey"`
	Number   string    `gorm:"uniqueIndex:uniq_wagon_train;size:20;not null"`
	TrainID  uint      `gorm:"uniqueIndex:uniq_wagon_train;not null"`
	IsLoaded bool      `gorm:"index"`
	WeightKg float64   `gorm:"type:decimal(10,2)"`
	Date     time.Time `gorm:"index"`
}

// ProcessedEvent is the idempotency ledger row. Rows are never deleted.
type ProcessedEvent struct {
	ID          uint      `gorm:"primaryKey"`
	EventID     string    `gorm:"uniqueIndex;size:100;not null"`
	Source      string    `gorm:"index;size:50"`
	ProcessedAt time.Time `gorm:"index"`
	WagonNumber string    `gorm:"size:20"`
	TrainID     *uint     `gorm:"index"`
	Train       *Train    `gorm:"constraint:OnDelete:SET NULL"`
}
