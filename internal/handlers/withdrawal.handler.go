package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/fasthttp/router"
	"github.com/openfund/payment-gateway/internal/model"
	xhttp "github.com/openfund/payment-gateway/pkg/http"
)

type WithdrawalService interface {
	AvailableBalance(ctx context.Context, projectID int64) (*model.ProjectBalance, error)
	CreateRequest(ctx context.Context, creatorID, projectID, requestedAmount int64, bank model.BankDetails) (*model.WithdrawalRequest, int64, error)
	Approve(ctx context.Context, requestID, adminID int64, notes string) (*model.WithdrawalRequest, error)
	Reject(ctx context.Context, requestID, adminID int64, reason string) (*model.WithdrawalRequest, error)
	MarkPaid(ctx context.Context, requestID, adminID int64, notes string) (*model.WithdrawalRequest, error)
	List(ctx context.Context, f model.WithdrawalFilter) ([]*model.WithdrawalRequest, int64, error)
}

type WithdrawalHandler struct {
	svc WithdrawalService
}

func RegisterWithdrawalRoutes(e *router.Group, h *WithdrawalHandler) {
	e.POST("/withdrawals", h.CreateRequest)
	e.GET("/withdrawals", h.ListRequests)
	e.POST("/withdrawals/{id}/approve", h.ApproveRequest)
	e.POST("/withdrawals/{id}/reject", h.RejectRequest)
	e.POST("/withdrawals/{id}/pay", h.MarkRequestPaid)
	e.GET("/projects/{id}/balance", h.GetProjectBalance)
}

func NewWithdrawalHandler(svc WithdrawalService) *WithdrawalHandler {
	return &WithdrawalHandler{
		svc: svc,
	}
}

type createWithdrawalRequest struct {
	CreatorID       int64             `json:"creator_id"`
	ProjectID       int64             `json:"project_id"`
	RequestedAmount int64             `json:"requested_amount"`
	BankDetails     model.BankDetails `json:"bank_details"`
}

type createWithdrawalResponse struct {
	Request               *model.WithdrawalRequest `json:"request"`
	AvailableBalanceAfter int64                    `json:"available_balance_after"`
}

type adminActionRequest struct {
	AdminID int64  `json:"admin_id"`
	Notes   string `json:"notes,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type withdrawalListResponse struct {
	Items []*model.WithdrawalRequest `json:"items"`
	Total int64                      `json:"total"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *WithdrawalHandler) CreateRequest(ctx *xhttp.RequestCtx) {
	var req createWithdrawalRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	created, availableAfter, err := h.svc.CreateRequest(ctx, req.CreatorID, req.ProjectID, req.RequestedAmount, req.BankDetails)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 201, createWithdrawalResponse{
		Request:               created,
		AvailableBalanceAfter: availableAfter,
	})
}

func (h *WithdrawalHandler) ApproveRequest(ctx *xhttp.RequestCtx) {
	id, err := paramInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid request id")
		return
	}
	var req adminActionRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	updated, err := h.svc.Approve(ctx, id, req.AdminID, req.Notes)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, updated)
}

func (h *WithdrawalHandler) RejectRequest(ctx *xhttp.RequestCtx) {
	id, err := paramInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid request id")
		return
	}
	var req adminActionRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	updated, err := h.svc.Reject(ctx, id, req.AdminID, req.Reason)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, updated)
}

func (h *WithdrawalHandler) MarkRequestPaid(ctx *xhttp.RequestCtx) {
	id, err := paramInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid request id")
		return
	}
	var req adminActionRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	updated, err := h.svc.MarkPaid(ctx, id, req.AdminID, req.Notes)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, updated)
}

func (h *WithdrawalHandler) GetProjectBalance(ctx *xhttp.RequestCtx) {
	id, err := paramInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid project id")
		return
	}

	balance, err := h.svc.AvailableBalance(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, balance)
}

func (h *WithdrawalHandler) ListRequests(ctx *xhttp.RequestCtx) {
	var f model.WithdrawalFilter

	if v := query(ctx, "project_id"); v != "" {
		if id, e := strconv.ParseInt(v, 10, 64); e == nil {
			f.ProjectID = &id
		}
	}
	if v := query(ctx, "creator_id"); v != "" {
		if id, e := strconv.ParseInt(v, 10, 64); e == nil {
			f.CreatorID = &id
		}
	}
	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.WithdrawalStatus(parts[i]))
			}
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
	writeJSON(ctx, 200, withdrawalListResponse{Items: items, Total: total})
}

func paramInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	return strconv.ParseInt(param(ctx, name), 10, 64)
}
