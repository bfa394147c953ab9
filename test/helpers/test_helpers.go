package helpers

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/openfund/payment-gateway/internal/repository"
	"github.com/openfund/payment-gateway/pkg/pg"
	"github.com/openfund/payment-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.ProjectEntity{},
		&repository.RewardTierEntity{},
		&repository.DonationEntity{},
		&repository.WithdrawalEntity{},
	)
	require.NoError(t, err)

	// Mirror the partial index from the migrations; AutoMigrate only sees
	// the entity tags.
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

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Unique connection name per test to avoid global adapter caching issues
	connName := fmt.Sprintf("test-%d", time.Now().UnixNano())
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestProject(t *testing.T, db *pg.DB, creatorID int64) *repository.ProjectEntity {
	ctx := context.Background()
	project := &repository.ProjectEntity{
		CreatorID:        creatorID,
		Title:            "Community Well",
		AcceptsDonations: true,
	}
	err := db.Write(ctx).Create(project).Error
	require.NoError(t, err)
	return project
}

func CreateTestRewardTier(t *testing.T, db *pg.DB, projectID, minAmount, maxBackers int64) *repository.RewardTierEntity {
	ctx := context.Background()
	tier := &repository.RewardTierEntity{
		ProjectID:     projectID,
		MinimumAmount: minAmount,
		RewardValue:   minAmount / 2,
		MaxBackers:    maxBackers,
	}
	err := db.Write(ctx).Create(tier).Error
	require.NoError(t, err)
	return tier
}

func CreateTestDonation(t *testing.T, db *pg.DB, project *repository.ProjectEntity, amount int64, status string) *repository.DonationEntity {
	ctx := context.Background()
	fee := (amount*3 + 50) / 100
	d := &repository.DonationEntity{
		TransactionID:    RandomTransactionID(),
		ProjectID:        project.ID,
		ProjectCreatorID: project.CreatorID,
		Amount:           amount,
		AdminFee:         fee,
		NetAmount:        amount - fee,
		Status:           status,
		RewardStatus:     "pending",
		DonorName:        "Rahim Uddin",
		DonorEmail:       "rahim@example.com",
		CreatedAt:        time.Now(),
	}
	err := db.Write(ctx).Create(d).Error
	require.NoError(t, err)
	return d
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

var txnCounter int64

func RandomTransactionID() string {
	return fmt.Sprintf("txn-%d-%d", time.Now().UnixNano(), atomic.AddInt64(&txnCounter, 1))
}

func Ptr[T any](v T) *T {
	return &v
}
