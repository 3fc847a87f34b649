package ingest

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// insertAfterFirstMiss runs query on the caller's connection right after the
// first lookup on table that found nothing, the way a concurrent writer
// would slip its row in between a find and an insert. The returned pointer
// holds the id of that row once it fired.
func insertAfterFirstMiss(t *testing.T, db *gorm.DB, table, query string, args ...any) *int64 {
	t.Helper()
	var (
		id    int64
		fired bool
	)
	err := db.Callback().Query().After("gorm:query").Register("test:insert_after_miss_"+table, func(d *gorm.DB) {
		if fired || d.Statement.Table != table || !errors.Is(d.Error, gorm.ErrRecordNotFound) {
			return
		}
		fired = true
		res, err := d.Statement.ConnPool.ExecContext(d.Statement.Context, query, args...)
		require.NoError(t, err)
		id, err = res.LastInsertId()
		require.NoError(t, err)
	})
	require.NoError(t, err)
	return &id
}

func TestFindOrCreateTrain_ReReadsAfterLostInsert(t *testing.T) {
	db := newTestDB(t)
	theirs := insertAfterFirstMiss(t, db, "trains",
		"INSERT INTO trains (normalized_index, created_at) VALUES (?, ?)", "7478 035 6980", testDate)

	var got *Train
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		got, err = FindOrCreateTrain(tx, "7478 035 6980")
		return err
	})
	require.NoError(t, err)
	require.NotZero(t, *theirs)
	assert.EqualValues(t, *theirs, got.ID)
	assert.Equal(t, "7478 035 6980", got.NormalizedIndex)

	var n int64
	require.NoError(t, db.Model(&Train{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestUpsertWagon_OverwritesRowFromLostInsert(t *testing.T) {
	db := newTestDB(t)
	train, err := FindOrCreateTrain(db, "7478 035 6980")
	require.NoError(t, err)

	theirs := insertAfterFirstMiss(t, db, "wagons",
		"INSERT INTO wagons (number, train_id, is_loaded, weight_kg, date) VALUES (?, ?, ?, ?, ?)",
		"52345678", train.ID, false, 1.0, testDate.Add(-time.Hour))

	u := testUpdate("evt-1")
	var got *Wagon
	err = db.Transaction(func(tx *gorm.DB) error {
		// another insert earlier in the tx must not leak its id into the wagon
		if _, err := FindOrCreateTrain(tx, "8000 001 6980"); err != nil {
			return err
		}
		var err error
		got, err = UpsertWagon(tx, train.ID, u)
		return err
	})
	require.NoError(t, err)
	require.NotZero(t, *theirs)
	assert.EqualValues(t, *theirs, got.ID)
	assert.True(t, got.IsLoaded)

	var stored Wagon
	require.NoError(t, db.Take(&stored, got.ID).Error)
	assert.Equal(t, "52345678", stored.Number)
	assert.True(t, stored.IsLoaded)
	assert.InDelta(t, u.WeightKg, stored.WeightKg, 0.001)
	assert.True(t, u.Date.Equal(stored.Date))

	var n int64
	require.NoError(t, db.Model(&Wagon{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestUpsertWagon_InsertThenUpdate(t *testing.T) {
	db := newTestDB(t)
	train, err := FindOrCreateTrain(db, "7478 035 6980")
	require.NoError(t, err)

	first, err := UpsertWagon(db, train.ID, testUpdate("evt-1"))
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	u := testUpdate("evt-2")
	u.IsLoaded, u.WeightKg = false, 0
	second, err := UpsertWagon(db, train.ID, u)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.IsLoaded)
}

func TestMarkProcessed_SecondInsertIsDuplicate(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedger(nil, time.Minute, nil)

	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, ledger.MarkProcessed(tx, &ProcessedEvent{EventID: "evt-1", Source: "test"}))
		err := ledger.MarkProcessed(tx, &ProcessedEvent{EventID: "evt-1", Source: "other"})
		assert.ErrorIs(t, err, ErrDuplicateEvent)
		assert.Equal(t, OutcomeDuplicate, OutcomeOf(err))
		return nil
	})
	require.NoError(t, err)

	var events []ProcessedEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "test", events[0].Source)
	assert.False(t, events[0].ProcessedAt.IsZero())
}
