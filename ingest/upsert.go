package ingest

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Update is one canonical wagon state report, from either producer.
type Update struct {
	EventID       string
	Source        string
	RawTrainIndex string
	WagonNumber   string
	IsLoaded      bool
	WeightKg      float64
	Date          time.Time
}

// FindOrCreateTrain returns the train for normalizedIndex, inserting it if
// needed. A concurrent insert of the same index is absorbed by the unique
// constraint and the row is re-read.
func FindOrCreateTrain(tx *gorm.DB, normalizedIndex string) (*Train, error) {
	var train Train
	err := tx.Where("normalized_index = ?", normalizedIndex).Take(&train).Error
	if err == nil {
		return &train, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(ClassifyStoreError(err), "find train")
	}

	train = Train{NormalizedIndex: normalizedIndex, CreatedAt: time.Now().UTC()}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "normalized_index"}},
		DoNothing: true,
	}).Create(&train)
	if res.Error != nil {
		return nil, errors.Wrap(ClassifyStoreError(res.Error), "insert train")
	}
	if res.RowsAffected == 1 && train.ID != 0 {
		return &train, nil
	}

	train = Train{}
	if err := tx.Where("normalized_index = ?", normalizedIndex).Take(&train).Error; err != nil {
		return nil, errors.Wrap(ClassifyStoreError(err), "re-read train")
	}
	return &train, nil
}

// UpsertWagon overwrites the wagon's state for (number, trainID), inserting
// the row if it does not exist yet. Last write wins.
func UpsertWagon(tx *gorm.DB, trainID uint, u Update) (*Wagon, error) {
	wagon, err := findWagon(tx, trainID, u.WagonNumber)
	if err != nil {
		return nil, errors.Wrap(err, "find wagon")
	}
	if wagon == nil {
		wagon = &Wagon{
			Number:   u.WagonNumber,
			TrainID:  trainID,
			IsLoaded: u.IsLoaded,
			WeightKg: u.WeightKg,
			Date:     u.Date,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "number"}, {Name: "train_id"}},
			DoNothing: true,
		}).Create(wagon)
		if res.Error != nil {
			return nil, errors.Wrap(ClassifyStoreError(res.Error), "insert wagon")
		}
		if res.RowsAffected == 1 && wagon.ID != 0 {
			return wagon, nil
		}

		// lost the insert race: overwrite the row the other writer created
		if wagon, err = findWagon(tx, trainID, u.WagonNumber); err != nil {
			return nil, errors.Wrap(err, "re-read wagon")
		}
		if wagon == nil {
			return nil, errors.Wrap(ClassifyStoreError(gorm.ErrRecordNotFound), "re-read wagon")
		}
	}

	err = tx.Model(&Wagon{}).Where("id = ?", wagon.ID).Updates(map[string]any{
		"is_loaded": u.IsLoaded,
		"weight_kg": u.WeightKg,
		"date":      u.Date,
	}).Error
	if err != nil {
		return nil, errors.Wrap(ClassifyStoreError(err), "update wagon")
	}
	wagon.IsLoaded, wagon.WeightKg, wagon.Date = u.IsLoaded, u.WeightKg, u.Date
	return wagon, nil
}

// findWagon returns nil without error when the wagon does not exist.
func findWagon(tx *gorm.DB, trainID uint, number string) (*Wagon, error) {
	var wagon Wagon
	err := tx.Where("number = ? AND train_id = ?", number, trainID).Take(&wagon).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ClassifyStoreError(err)
	}
	return &wagon, nil
}

// Applied identifies the rows an update touched.
type Applied struct {
	TrainID uint
	WagonID uint
}

// Apply upserts the train and wagon for u and records the event in the
// ledger, all through tx. Any error means tx must be rolled back.
func Apply(tx *gorm.DB, ledger *Ledger, normalizedIndex string, u Update) (Applied, error) {
	train, err := FindOrCreateTrain(tx, normalizedIndex)
	if err != nil {
		return Applied{}, err
	}
	wagon, err := UpsertWagon(tx, train.ID, u)
	if err != nil {
		return Applied{}, err
	}
	trainID := train.ID
	err = ledger.MarkProcessed(tx, &ProcessedEvent{
		EventID:     u.EventID,
		Source:      u.Source,
		WagonNumber: u.WagonNumber,
		TrainID:     &trainID,
	})
	if err != nil {
		return Applied{}, err
	}
	return Applied{TrainID: train.ID, WagonID: wagon.ID}, nil
}
