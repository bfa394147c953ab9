package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	gateway "github.com/openfund/payment-gateway/internal/gateways"
	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/internal/services"
	xhttp "github.com/openfund/payment-gateway/pkg/http"
	"github.com/openfund/payment-gateway/pkg/logger"
)

type PaymentService interface {
	CreateDonation(ctx context.Context, p model.DonationCreateRequest) (*model.Donation, string, error)
	ApplySuccess(ctx context.Context, transactionID string, observedAmount int64, bankTransactionID string) (*model.Donation, error)
	ApplyFailure(ctx context.Context, transactionID, reason string) (*model.Donation, error)
	ApplyCancellation(ctx context.Context, transactionID string) (*model.Donation, error)
	Refund(ctx context.Context, transactionID, reason string) (string, error)
	GetStatus(ctx context.Context, transactionID string) (*model.Donation, error)
	List(ctx context.Context, f model.DonationFilter) ([]*model.Donation, int64, error)
}

// ResultPages are the user-facing pages the redirect channel lands on.
type ResultPages struct {
	Success string
	Failure string
	Cancel  string
}

type PaymentHandler struct {
	svc   PaymentService
	pages ResultPages
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/payments", h.InitiatePayment)
	e.GET("/payments", h.ListPayments)
	e.GET("/payments/{transaction_id}", h.GetPaymentStatus)
	e.POST("/payments/{transaction_id}/refund", h.RefundPayment)

	// Processor callback channels. The redirect carries the donor's browser,
	// the IPN is the server-to-server webhook; they may arrive in any order,
	// both, or not at all.
	e.POST("/payments/callback/return", h.RedirectCallback)
	e.GET("/payments/callback/return", h.RedirectCallback)
	e.POST("/payments/callback/ipn", h.WebhookCallback)
}

func NewPaymentHandler(svc PaymentService, pages ResultPages) *PaymentHandler {
	return &PaymentHandler{
		svc:   svc,
		pages: pages,
	}
}

type initiatePaymentRequest struct {
	ProjectID    int64  `json:"project_id"`
	Amount       int64  `json:"amount"`
	RewardTierID *int64 `json:"reward_tier_id,omitempty"`
	DonorUserID  *int64 `json:"donor_user_id,omitempty"`
	DonorName    string `json:"donor_name"`
	DonorEmail   string `json:"donor_email"`
	DonorPhone   string `json:"donor_phone,omitempty"`
	IsAnonymous  bool   `json:"is_anonymous"`
}

type initiatePaymentResponse struct {
	DonationID    int64  `json:"donation_id"`
	TransactionID string `json:"transaction_id"`
	RedirectURL   string `json:"redirect_url"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type refundResponse struct {
	RefundRef string `json:"refund_ref"`
}

type donationListResponse struct {
	Items []*model.Donation `json:"items"`
	Total int64             `json:"total"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *PaymentHandler) InitiatePayment(ctx *xhttp.RequestCtx) {
	var req initiatePaymentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	p := model.DonationCreateRequest{
		ProjectID:    req.ProjectID,
		Amount:       req.Amount,
		RewardTierID: req.RewardTierID,
		Donor: model.DonorInfo{
			UserID: req.DonorUserID,
			Name:   req.DonorName,
			Email:  req.DonorEmail,
			Phone:  req.DonorPhone,
		},
		IsAnonymous: req.IsAnonymous,
	}

	d, redirectURL, err := h.svc.CreateDonation(ctx, p)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 201, initiatePaymentResponse{
		DonationID:    d.ID,
		TransactionID: d.TransactionID,
		RedirectURL:   redirectURL,
	})
}

func (h *PaymentHandler) GetPaymentStatus(ctx *xhttp.RequestCtx) {
	transactionID := param(ctx, "transaction_id")
	d, err := h.svc.GetStatus(ctx, transactionID)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, map[string]interface{}{
		"status":              d.Status,
		"amount":              d.Amount,
		"bank_transaction_id": d.BankTransactionID,
	})
}

func (h *PaymentHandler) RefundPayment(ctx *xhttp.RequestCtx) {
	transactionID := param(ctx, "transaction_id")

	var req refundRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(ctx, 400, "reason is required")
		return
	}

	ref, err := h.svc.Refund(ctx, transactionID, req.Reason)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, refundResponse{RefundRef: ref})
}

func (h *PaymentHandler) ListPayments(ctx *xhttp.RequestCtx) {
	var f model.DonationFilter

	if v := query(ctx, "project_id"); v != "" {
		if id, e := strconv.ParseInt(v, 10, 64); e == nil {
			f.ProjectID = &id
		}
	}
	if v := query(ctx, "donor_id"); v != "" {
		if id, e := strconv.ParseInt(v, 10, 64); e == nil {
			f.DonorID = &id
		}
	}
	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.PaymentStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, donationListResponse{Items: items, Total: total})
}

// RedirectCallback handles the browser-redirect channel. It must fail open
// toward the failure page on every problem; crediting happens through the
// ledger, never through anything this handler decides on its own.
func (h *PaymentHandler) RedirectCallback(ctx *xhttp.RequestCtx) {
	cb, err := parseCallback(ctx)
	if err != nil {
		logger.Warn("Malformed redirect callback", "error", err)
		redirect(ctx, h.pages.Failure)
		return
	}

	switch cb.status {
	case string(gateway.StatusValid):
		if _, err := h.svc.ApplySuccess(ctx, cb.transactionID, cb.amount, cb.bankTransactionID); err != nil {
			logger.Warn("Redirect success not applied", "transaction_id", cb.transactionID, "error", err)
			redirect(ctx, h.pages.Failure)
			return
		}
		redirect(ctx, h.pages.Success+"?transaction_id="+cb.transactionID)
	case string(gateway.StatusCancelled):
		if _, err := h.svc.ApplyCancellation(ctx, cb.transactionID); err != nil {
			logger.Warn("Redirect cancellation not applied", "transaction_id", cb.transactionID, "error", err)
		}
		redirect(ctx, h.pages.Cancel)
	default:
		if _, err := h.svc.ApplyFailure(ctx, cb.transactionID, "failed at processor"); err != nil {
			logger.Warn("Redirect failure not applied", "transaction_id", cb.transactionID, "error", err)
		}
		redirect(ctx, h.pages.Failure)
	}
}

// WebhookCallback handles the server-to-server IPN channel. The processor
// retries until it sees the acknowledgement, so every path answers 200
// "RECEIVED", duplicates and anomalies included. Whether internal state
// changed is the ledger's business, not the transport's.
func (h *PaymentHandler) WebhookCallback(ctx *xhttp.RequestCtx) {
	cb, err := parseCallback(ctx)
	if err != nil {
		logger.Warn("Malformed webhook callback", "error", err)
		acknowledge(ctx)
		return
	}

	switch cb.status {
	case string(gateway.StatusValid):
		_, err = h.svc.ApplySuccess(ctx, cb.transactionID, cb.amount, cb.bankTransactionID)
	case string(gateway.StatusCancelled):
		_, err = h.svc.ApplyCancellation(ctx, cb.transactionID)
	default:
		_, err = h.svc.ApplyFailure(ctx, cb.transactionID, "failed at processor")
	}
	if err != nil {
		// Conflicts and duplicates are already logged and counted by the
		// ledger; the processor still gets its acknowledgement.
		logger.Warn("Webhook outcome not applied", "transaction_id", cb.transactionID, "status", cb.status, "error", err)
	}

	acknowledge(ctx)
}

/* --------------------------------- Helpers ----------------------------------- */

type callbackFields struct {
	transactionID     string
	amount            int64
	bankTransactionID string
	status            string
}

// parseCallback resolves the overlapping field set both channels deliver,
// reading form-encoded POST bodies and falling back to query args for
// redirect GETs.
func parseCallback(ctx *xhttp.RequestCtx) (*callbackFields, error) {
	arg := func(name string) string {
		if v := ctx.PostArgs().Peek(name); len(v) > 0 {
			return string(v)
		}
		return string(ctx.QueryArgs().Peek(name))
	}

	cb := &callbackFields{
		transactionID:     arg("transaction_id"),
		bankTransactionID: arg("bank_transaction_id"),
		status:            strings.ToUpper(strings.TrimSpace(arg("status"))),
	}
	if cb.transactionID == "" {
		return nil, errors.New("missing transaction_id")
	}
	if cb.status == "" {
		return nil, errors.New("missing status")
	}
	if v := arg("amount"); v != "" {
		amount, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.New("invalid amount")
		}
		cb.amount = amount
	}
	return cb, nil
}

func redirect(ctx *xhttp.RequestCtx, location string) {
	ctx.Response.Header.Set("Location", location)
	ctx.Response.SetStatusCode(302)
}

func acknowledge(ctx *xhttp.RequestCtx) {
	ctx.Response.SetStatusCode(200)
	ctx.Response.SetBodyString("RECEIVED")
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

// writeServiceError maps ledger errors onto HTTP statuses: validation 400,
// missing 404, conflicts 409, processor trouble 502.
func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	var ge *gateway.GatewayError
	switch {
	case errors.Is(err, services.ErrDonationNotFound),
		errors.Is(err, services.ErrProjectNotFound),
		errors.Is(err, services.ErrWithdrawalNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, services.ErrConflictingOutcome),
		errors.Is(err, services.ErrDuplicatePendingRequest),
		errors.Is(err, services.ErrNotRefundable),
		errors.Is(err, services.ErrRewardTierFull),
		errors.Is(err, model.ErrInvalidStateTransition):
		writeError(ctx, 409, err.Error())
	case errors.Is(err, services.ErrNotProjectOwner):
		writeError(ctx, 403, err.Error())
	case errors.As(err, &ge):
		writeError(ctx, 502, err.Error())
	default:
		writeError(ctx, 400, err.Error())
	}
}

func param(ctx *xhttp.RequestCtx, name string) string {
	if v, ok := ctx.UserValue(name).(string); ok {
		return v
	}
	return ""
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
