package repository

import (
	"reflect"
	"testing"

	"github.com/openfund/payment-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testDB struct {
	*pg.DB
	rawDB *gorm.DB
}

func setupTestDB(t *testing.T) *testDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&ProjectEntity{}, &RewardTierEntity{}, &DonationEntity{}, &WithdrawalEntity{})
	require.NoError(t, err)

	// Mirror the partial index from the migrations; sqlite's AutoMigrate
	// only sees the entity tags.
	err = db.Exec(`CREATE UNIQUE INDEX idx_withdrawal_requests_one_pending
		ON withdrawal_requests (project_id) WHERE status = 'pending'`).Error
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return &testDB{
		DB:    pgDB,
		rawDB: db,
	}
}

func seedProject(t *testing.T, db *testDB, creatorID int64) *ProjectEntity {
	p := &ProjectEntity{
		CreatorID:        creatorID,
		Title:            "Community Garden",
		AcceptsDonations: true,
	}
	require.NoError(t, db.rawDB.Create(p).Error)
	return p
}

func seedRewardTier(t *testing.T, db *testDB, projectID int64, minAmount, maxBackers int64) *RewardTierEntity {
	tier := &RewardTierEntity{
		ProjectID:     projectID,
		MinimumAmount: minAmount,
		RewardValue:   minAmount / 2,
		MaxBackers:    maxBackers,
	}
	require.NoError(t, db.rawDB.Create(tier).Error)
	return tier
}
