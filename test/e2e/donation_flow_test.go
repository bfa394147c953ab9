package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gateway "github.com/openfund/payment-gateway/internal/gateways"
	"github.com/openfund/payment-gateway/internal/handlers"
	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/internal/queue"
	"github.com/openfund/payment-gateway/internal/repository"
	"github.com/openfund/payment-gateway/internal/services"
	"github.com/openfund/payment-gateway/pkg/pg"
	"github.com/openfund/payment-gateway/test/fixtures"
	"github.com/openfund/payment-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

// stubProcessor stands in for the bank so the whole stack below the
// gateway client runs for real.
type stubProcessor struct {
	mu       sync.Mutex
	sessions int
	refunds  int
	downErr  error
}

func (p *stubProcessor) CreateSession(ctx context.Context, req *gateway.SessionRequest) (*gateway.SessionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.downErr != nil {
		return nil, p.downErr
	}
	p.sessions++
	return &gateway.SessionResponse{
		SessionKey:  fmt.Sprintf("sess-%03d", p.sessions),
		RedirectURL: "https://bank.openfund.test/pay/" + req.TransactionID,
	}, nil
}

func (p *stubProcessor) QueryStatus(ctx context.Context, transactionID string) (*gateway.StatusResponse, error) {
	return &gateway.StatusResponse{
		TransactionID: transactionID,
		Status:        gateway.StatusPending,
	}, nil
}

func (p *stubProcessor) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds++
	return &gateway.RefundResponse{
		RefundRef: fmt.Sprintf("RFD-%03d", p.refunds),
		Status:    "REFUNDED",
	}, nil
}

type TestEnvironment struct {
	DB                *pg.DB
	Redis             *miniredis.Miniredis
	Queue             *queue.Queue
	Processor         *stubProcessor
	DonationRepo      *repository.DonationRepository
	ProjectRepo       *repository.ProjectRepository
	WithdrawalRepo    *repository.WithdrawalRepository
	PaymentService    *services.PaymentService
	WithdrawalService *services.WithdrawalService
	PaymentHandler    *handlers.PaymentHandler
	WithdrawalHandler *handlers.WithdrawalHandler
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db := helpers.SetupTestDB(t)
	mr, redisAdapter := helpers.SetupTestRedis(t)

	queueConfig := queue.QueueConfig{
		Name:              "test:rewards",
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      100 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
	q, err := queue.NewQueue(redisAdapter, queueConfig)
	require.NoError(t, err)

	donationRepo := repository.NewDonationRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	withdrawalRepo := repository.NewWithdrawalRepository(db)

	processor := &stubProcessor{}

	paymentService := services.NewPaymentService(donationRepo, projectRepo, processor, q,
		services.CallbackURLs{
			Success: "https://api.openfund.test/v1/payments/callback/return",
			Fail:    "https://api.openfund.test/v1/payments/callback/return",
			Cancel:  "https://api.openfund.test/v1/payments/callback/return",
			IPN:     "https://api.openfund.test/v1/payments/callback/ipn",
		}, "BDT")
	withdrawalService := services.NewWithdrawalService(withdrawalRepo, donationRepo, projectRepo)

	paymentHandler := handlers.NewPaymentHandler(paymentService, handlers.ResultPages{
		Success: "https://openfund.test/donation/success",
		Failure: "https://openfund.test/donation/failure",
		Cancel:  "https://openfund.test/donation/cancelled",
	})
	withdrawalHandler := handlers.NewWithdrawalHandler(withdrawalService)

	return &TestEnvironment{
		DB:                db,
		Redis:             mr,
		Queue:             q,
		Processor:         processor,
		DonationRepo:      donationRepo,
		ProjectRepo:       projectRepo,
		WithdrawalRepo:    withdrawalRepo,
		PaymentService:    paymentService,
		WithdrawalService: withdrawalService,
		PaymentHandler:    paymentHandler,
		WithdrawalHandler: withdrawalHandler,
	}
}

func (env *TestEnvironment) Cleanup() {
	// Stop queue first (gracefully drain messages)
	if env.Queue != nil {
		_ = env.Queue.Stop(5 * time.Second)
	}
	// Give time for any in-flight operations to complete
	time.Sleep(100 * time.Millisecond)
	// Then close Redis
	if env.Redis != nil {
		env.Redis.Close()
	}
}

func jsonRequest(method, uri string, body interface{}) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if body != nil {
		b, _ := json.Marshal(body)
		req.SetBody(b)
		req.Header.SetContentType("application/json")
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func webhookRequest(form url.Values) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod("POST")
	req.SetRequestURI("/v1/payments/callback/ipn")
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(form.Encode())
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func redirectRequest(form url.Values) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod("GET")
	req.SetRequestURI("/v1/payments/callback/return?" + form.Encode())
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func callbackForm(transactionID, status string, amount int64, bankTxnID string) url.Values {
	form := url.Values{}
	form.Set("transaction_id", transactionID)
	form.Set("status", status)
	form.Set("amount", fmt.Sprintf("%d", amount))
	form.Set("bank_transaction_id", bankTxnID)
	return form
}

func initiateDonation(t *testing.T, env *TestEnvironment, body map[string]interface{}) (int64, string) {
	ctx := jsonRequest("POST", "/v1/payments", body)
	env.PaymentHandler.InitiatePayment(ctx)
	require.Equal(t, 201, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	var resp struct {
		DonationID    int64  `json:"donation_id"`
		TransactionID string `json:"transaction_id"`
		RedirectURL   string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	require.NotZero(t, resp.DonationID)
	require.NotEmpty(t, resp.TransactionID)
	return resp.DonationID, resp.TransactionID
}

func getDonation(t *testing.T, env *TestEnvironment, transactionID string) *model.Donation {
	d, err := env.PaymentService.GetStatus(context.Background(), transactionID)
	require.NoError(t, err)
	return d
}

func getProject(t *testing.T, env *TestEnvironment, id int64) *model.Project {
	p, err := env.ProjectRepo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestE2E_DonationInitiation(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)

	_, txnID := initiateDonation(t, env, map[string]interface{}{
		"project_id":  project.ID,
		"amount":      1000,
		"donor_name":  "Rahim Uddin",
		"donor_email": "rahim@example.com",
	})

	d := getDonation(t, env, txnID)
	assert.Equal(t, model.PaymentStatusPending, d.Status)
	assert.Equal(t, int64(30), d.AdminFee)
	assert.Equal(t, int64(970), d.NetAmount)
	assert.Equal(t, "sess-001", d.SessionKey)

	// No money moves on initiation.
	p := getProject(t, env, project.ID)
	assert.Zero(t, p.CurrentAmount)
	assert.Zero(t, p.BackerCount)
}

func TestE2E_AnonymousDonationDropsDonorID(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)

	created, _, err := env.PaymentService.CreateDonation(context.Background(),
		fixtures.DonationCreateRequestAnonymous(project.ID, 500))
	require.NoError(t, err)
	assert.Nil(t, created.DonorID)
	assert.Equal(t, "Well Wisher", created.DonorName)
}

func TestE2E_DualChannelSettlementCreditsOnce(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)
	_, txnID := initiateDonation(t, env, map[string]interface{}{
		"project_id":  project.ID,
		"amount":      1000,
		"donor_name":  "Rahim Uddin",
		"donor_email": "rahim@example.com",
	})

	// Webhook lands first.
	ctx := webhookRequest(callbackForm(txnID, "VALID", 1000, "BANK-001"))
	env.PaymentHandler.WebhookCallback(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())
	assert.Equal(t, "RECEIVED", string(ctx.Response.Body()))

	d := getDonation(t, env, txnID)
	assert.Equal(t, model.PaymentStatusSuccess, d.Status)
	assert.Equal(t, "BANK-001", d.BankTransactionID)

	p := getProject(t, env, project.ID)
	assert.Equal(t, int64(970), p.CurrentAmount)
	assert.Equal(t, int64(1), p.BackerCount)

	// The donor's browser arrives second with the same outcome.
	ctx = redirectRequest(callbackForm(txnID, "VALID", 1000, "BANK-001"))
	env.PaymentHandler.RedirectCallback(ctx)
	assert.Equal(t, 302, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Header.Peek("Location")), "donation/success")

	// A retried webhook is a no-op too.
	ctx = webhookRequest(callbackForm(txnID, "VALID", 1000, "BANK-001"))
	env.PaymentHandler.WebhookCallback(ctx)
	assert.Equal(t, "RECEIVED", string(ctx.Response.Body()))

	p = getProject(t, env, project.ID)
	assert.Equal(t, int64(970), p.CurrentAmount)
	assert.Equal(t, int64(1), p.BackerCount)
}

func TestE2E_ConflictingOutcomeKeepsFirst(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)
	_, txnID := initiateDonation(t, env, map[string]interface{}{
		"project_id":  project.ID,
		"amount":      1000,
		"donor_name":  "Rahim Uddin",
		"donor_email": "rahim@example.com",
	})

	ctx := webhookRequest(callbackForm(txnID, "VALID", 1000, "BANK-002"))
	env.PaymentHandler.WebhookCallback(ctx)
	require.Equal(t, "RECEIVED", string(ctx.Response.Body()))

	// A later FAILED webhook is acknowledged but never applied.
	ctx = webhookRequest(callbackForm(txnID, "FAILED", 1000, ""))
	env.PaymentHandler.WebhookCallback(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())
	assert.Equal(t, "RECEIVED", string(ctx.Response.Body()))

	d := getDonation(t, env, txnID)
	assert.Equal(t, model.PaymentStatusSuccess, d.Status)

	// The conflicting redirect fails open to the failure page without
	// touching the ledger.
	ctx = redirectRequest(callbackForm(txnID, "FAILED", 1000, ""))
	env.PaymentHandler.RedirectCallback(ctx)
	assert.Equal(t, 302, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Header.Peek("Location")), "donation/failure")

	d = getDonation(t, env, txnID)
	assert.Equal(t, model.PaymentStatusSuccess, d.Status)
	p := getProject(t, env, project.ID)
	assert.Equal(t, int64(970), p.CurrentAmount)
}

func TestE2E_AmountMismatchIsQuarantined(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)
	_, txnID := initiateDonation(t, env, map[string]interface{}{
		"project_id":  project.ID,
		"amount":      1000,
		"donor_name":  "Rahim Uddin",
		"donor_email": "rahim@example.com",
	})

	ctx := webhookRequest(callbackForm(txnID, "VALID", 999, "BANK-003"))
	env.PaymentHandler.WebhookCallback(ctx)
	assert.Equal(t, "RECEIVED", string(ctx.Response.Body()))

	// Neither settled nor credited.
	d := getDonation(t, env, txnID)
	assert.Equal(t, model.PaymentStatusPending, d.Status)
	p := getProject(t, env, project.ID)
	assert.Zero(t, p.CurrentAmount)
}

func TestE2E_RewardJobConsumption(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)
	tier := helpers.CreateTestRewardTier(t, env.DB, project.ID, 500, 10)

	_, txnID := initiateDonation(t, env, map[string]interface{}{
		"project_id":     project.ID,
		"amount":         1000,
		"reward_tier_id": tier.ID,
		"donor_name":     "Rahim Uddin",
		"donor_email":    "rahim@example.com",
	})

	ctx := webhookRequest(callbackForm(txnID, "VALID", 1000, "BANK-004"))
	env.PaymentHandler.WebhookCallback(ctx)
	require.Equal(t, "RECEIVED", string(ctx.Response.Body()))

	stats, err := env.Queue.GetStats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalMessages, int64(1))

	received := make(chan bool, 1)
	handler := func(ctx context.Context, qMsg *queue.Message) error {
		var job services.RewardJob
		err := json.Unmarshal(qMsg.Data, &job)
		assert.NoError(t, err)
		assert.Equal(t, txnID, job.TransactionID)
		assert.Equal(t, tier.ID, job.RewardTierID)
		assert.Equal(t, tier.RewardValue, job.RewardValue)
		received <- true
		return nil
	}

	err = env.Queue.Consume(handler)
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("reward job not consumed within timeout")
	}
}

func TestE2E_ProcessorDownLeavesPending(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)
	env.Processor.downErr = &gateway.GatewayError{
		Op:  "create_session",
		Err: errors.New("connection refused"),
	}

	ctx := jsonRequest("POST", "/v1/payments", map[string]interface{}{
		"project_id":  project.ID,
		"amount":      1000,
		"donor_name":  "Rahim Uddin",
		"donor_email": "rahim@example.com",
	})
	env.PaymentHandler.InitiatePayment(ctx)
	assert.Equal(t, 502, ctx.Response.StatusCode())

	// The row was written before the session attempt: only a callback or
	// status query may decide its fate.
	items, total, err := env.PaymentService.List(context.Background(),
		fixtures.DonationFilterByStatus(project.ID, model.PaymentStatusPending))
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.Equal(t, model.PaymentStatusPending, items[0].Status)
}

func TestE2E_RefundDebitsProject(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)
	_, txnID := initiateDonation(t, env, map[string]interface{}{
		"project_id":  project.ID,
		"amount":      1000,
		"donor_name":  "Rahim Uddin",
		"donor_email": "rahim@example.com",
	})

	ctx := webhookRequest(callbackForm(txnID, "VALID", 1000, "BANK-005"))
	env.PaymentHandler.WebhookCallback(ctx)
	require.Equal(t, "RECEIVED", string(ctx.Response.Body()))

	ctx = jsonRequest("POST", "/v1/payments/"+txnID+"/refund", map[string]interface{}{
		"reason": "fraud report",
	})
	ctx.SetUserValue("transaction_id", txnID)
	env.PaymentHandler.RefundPayment(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	var resp struct {
		RefundRef string `json:"refund_ref"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "RFD-001", resp.RefundRef)

	d := getDonation(t, env, txnID)
	assert.Equal(t, model.PaymentStatusRefunded, d.Status)
	p := getProject(t, env, project.ID)
	assert.Zero(t, p.CurrentAmount)
}

func TestE2E_WithdrawalLifecycle(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)
	helpers.CreateTestDonation(t, env.DB, project, 10000, string(model.PaymentStatusSuccess))

	createBody := map[string]interface{}{
		"creator_id":       project.CreatorID,
		"project_id":       project.ID,
		"requested_amount": 5000,
		"bank_details":     fixtures.TestBankDetails,
	}

	ctx := jsonRequest("POST", "/v1/withdrawals", createBody)
	env.WithdrawalHandler.CreateRequest(ctx)
	require.Equal(t, 201, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	var resp struct {
		Request               *model.WithdrawalRequest `json:"request"`
		AvailableBalanceAfter int64                    `json:"available_balance_after"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	requestID := resp.Request.ID
	assert.Equal(t, int64(250), resp.Request.AdminFee)
	assert.Equal(t, int64(4750), resp.Request.NetAmount)
	// Net pool is 9700; the new request holds 5000 of it.
	assert.Equal(t, int64(4700), resp.AvailableBalanceAfter)

	// One open request per project.
	ctx = jsonRequest("POST", "/v1/withdrawals", createBody)
	env.WithdrawalHandler.CreateRequest(ctx)
	assert.Equal(t, 409, ctx.Response.StatusCode())

	// Approve, then disburse.
	ctx = jsonRequest("POST", fmt.Sprintf("/v1/withdrawals/%d/approve", requestID), map[string]interface{}{
		"admin_id": 1,
	})
	ctx.SetUserValue("id", fmt.Sprintf("%d", requestID))
	env.WithdrawalHandler.ApproveRequest(ctx)
	require.Equal(t, 200, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	ctx = jsonRequest("POST", fmt.Sprintf("/v1/withdrawals/%d/pay", requestID), map[string]interface{}{
		"admin_id": 1,
		"notes":    "wire ref 123",
	})
	ctx.SetUserValue("id", fmt.Sprintf("%d", requestID))
	env.WithdrawalHandler.MarkRequestPaid(ctx)
	require.Equal(t, 200, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	var paid model.WithdrawalRequest
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &paid))
	assert.Equal(t, model.WithdrawalStatusPaid, paid.Status)

	// The paid amount never returns to the pool: 4700 remains.
	ctx = jsonRequest("POST", "/v1/withdrawals", map[string]interface{}{
		"creator_id":       project.CreatorID,
		"project_id":       project.ID,
		"requested_amount": 4701,
		"bank_details":     fixtures.TestBankDetails,
	})
	env.WithdrawalHandler.CreateRequest(ctx)
	assert.Equal(t, 400, ctx.Response.StatusCode())

	ctx = jsonRequest("POST", "/v1/withdrawals", map[string]interface{}{
		"creator_id":       project.CreatorID,
		"project_id":       project.ID,
		"requested_amount": 4700,
		"bank_details":     fixtures.TestBankDetails,
	})
	env.WithdrawalHandler.CreateRequest(ctx)
	assert.Equal(t, 201, ctx.Response.StatusCode(), string(ctx.Response.Body()))
}

func TestE2E_ListDonations(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	project := helpers.CreateTestProject(t, env.DB, 7)
	other := helpers.CreateTestProject(t, env.DB, 8)

	helpers.CreateTestDonation(t, env.DB, project, 1000, string(model.PaymentStatusSuccess))
	helpers.CreateTestDonation(t, env.DB, project, 2000, string(model.PaymentStatusSuccess))
	helpers.CreateTestDonation(t, env.DB, project, 3000, string(model.PaymentStatusFailed))
	helpers.CreateTestDonation(t, env.DB, other, 9000, string(model.PaymentStatusSuccess))

	items, total, err := env.PaymentService.List(context.Background(),
		fixtures.DonationFilterByProject(project.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, items, 3)

	items, total, err = env.PaymentService.List(context.Background(),
		fixtures.DonationFilterByStatus(project.ID, model.PaymentStatusSuccess))
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, items, 2)
}
