package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfund/payment-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

// Processor-side amount limits, checked locally before any network call.
const (
	MinAmount = 10
	MaxAmount = 500_000
)

var (
	ErrAmountOutOfRange = errors.New("amount outside processor limits")
)

// GatewayError wraps any transport or processor-side failure. For session
// creation the caller must treat it as "outcome unknown", never as a
// definitive failure: the processor may have opened the session even though
// our read of the response failed.
type GatewayError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// TransactionStatus is the processor's view of a transaction.
type TransactionStatus string

const (
	StatusValid     TransactionStatus = "VALID"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusPending   TransactionStatus = "PENDING"
)

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type SessionRequest struct {
	TransactionID string   `json:"transaction_id"`
	Amount        int64    `json:"amount"`
	Currency      string   `json:"currency"`
	Customer      Customer `json:"customer"`
	SuccessURL    string   `json:"success_url"`
	FailURL       string   `json:"fail_url"`
	CancelURL     string   `json:"cancel_url"`
	IPNURL        string   `json:"ipn_url"`
}

type SessionResponse struct {
	SessionKey  string `json:"session_key"`
	RedirectURL string `json:"redirect_url"`
}

type StatusResponse struct {
	TransactionID     string            `json:"transaction_id"`
	Status            TransactionStatus `json:"status"`
	Amount            int64             `json:"amount"`
	BankTransactionID string            `json:"bank_transaction_id,omitempty"`
	ProcessedAt       *time.Time        `json:"processed_at,omitempty"`
}

type RefundRequest struct {
	BankTransactionID string `json:"bank_transaction_id"`
	Amount            int64  `json:"amount"`
	Reason            string `json:"reason"`
}

type RefundResponse struct {
	RefundRef string `json:"refund_ref"`
	Status    string `json:"status"`
}

type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
}

// PaymentClient wraps the external payment processor's HTTP API. It holds
// no internal state beyond the connection pool.
type PaymentClient struct {
	config *Config
	client *fasthttp.Client
}

func NewPaymentClient(config *Config) (*PaymentClient, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("processor base url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	client := &fasthttp.Client{
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
		ReadBufferSize:      config.ReadBufferSize,
		WriteBufferSize:     config.WriteBufferSize,
	}

	logger.Info("Payment processor client initialized", "base_url", config.BaseURL, "timeout", config.Timeout)

	return &PaymentClient{config: config, client: client}, nil
}

// CreateSession opens a payment session and returns the redirect URL the
// donor's browser is sent to. Amount limits are enforced locally first.
func (c *PaymentClient) CreateSession(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	if req.Amount < MinAmount || req.Amount > MaxAmount {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrAmountOutOfRange, req.Amount, MinAmount, MaxAmount)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session request: %w", err)
	}

	respBody, err := c.doRequest(ctx, "POST", "/api/v1/sessions", body)
	if err != nil {
		return nil, wrapGatewayErr("create_session", err)
	}

	var resp SessionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, wrapGatewayErr("create_session", fmt.Errorf("failed to unmarshal response: %w", err))
	}

	logger.Info("Payment session created", "transaction_id", req.TransactionID, "session_key", resp.SessionKey)

	return &resp, nil
}

// QueryStatus asks the processor for the authoritative state of a
// transaction. Used by the reconciler to resolve stale pending donations.
func (c *PaymentClient) QueryStatus(ctx context.Context, transactionID string) (*StatusResponse, error) {
	path := fmt.Sprintf("/api/v1/transactions/%s", transactionID)
	respBody, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, wrapGatewayErr("query_status", err)
	}

	var resp StatusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, wrapGatewayErr("query_status", fmt.Errorf("failed to unmarshal response: %w", err))
	}

	return &resp, nil
}

// Refund asks the processor to reverse a settled transaction by its
// bank-assigned reference.
func (c *PaymentClient) Refund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refund request: %w", err)
	}

	respBody, err := c.doRequest(ctx, "POST", "/api/v1/refunds", body)
	if err != nil {
		return nil, wrapGatewayErr("refund", err)
	}

	var resp RefundResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, wrapGatewayErr("refund", fmt.Errorf("failed to unmarshal response: %w", err))
	}

	logger.Info("Refund accepted by processor", "bank_transaction_id", req.BankTransactionID, "refund_ref", resp.RefundRef)

	return &resp, nil
}

func (c *PaymentClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		return nil, &GatewayError{
			StatusCode: statusCode,
			Err:        fmt.Errorf("unexpected status: %s", resp.Body()),
		}
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}

func wrapGatewayErr(op string, err error) error {
	var ge *GatewayError
	if errors.As(err, &ge) {
		ge.Op = op
		return ge
	}
	return &GatewayError{Op: op, Err: err}
}
