// Mock bank payment processor for local development. It opens hosted
// checkout sessions, settles them on demand, fires the IPN webhook at the
// ledger and answers status queries, imitating the dual-channel behavior
// of a real processor.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TransactionStatus string

const (
	StatusValid     TransactionStatus = "VALID"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusPending   TransactionStatus = "PENDING"
)

type SessionRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	Currency      string `json:"currency"`
	SuccessURL    string `json:"success_url"`
	FailURL       string `json:"fail_url"`
	CancelURL     string `json:"cancel_url"`
	IPNURL        string `json:"ipn_url"`
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
	BankTransactionID string `json:"bank_transaction_id" binding:"required"`
	Amount            int64  `json:"amount"`
	Reason            string `json:"reason"`
}

type RefundResponse struct {
	RefundRef string `json:"refund_ref"`
	Status    string `json:"status"`
}

type session struct {
	SessionKey        string
	TransactionID     string
	Amount            int64
	Status            TransactionStatus
	BankTransactionID string
	SuccessURL        string
	FailURL           string
	CancelURL         string
	IPNURL            string
	ProcessedAt       *time.Time
}

// MockBank holds all sessions in memory, keyed both ways.
type MockBank struct {
	mu          sync.Mutex
	bySession   map[string]*session
	byTxn       map[string]*session
	successRate float64
	ipnDelay    time.Duration
	bankID      string
	rng         *rand.Rand
	httpClient  *http.Client
}

func NewMockBank(successRate float64, ipnDelay time.Duration) *MockBank {
	return &MockBank{
		bySession:   make(map[string]*session),
		byTxn:       make(map[string]*session),
		successRate: successRate,
		ipnDelay:    ipnDelay,
		bankID:      "MOCKBANK_" + uuid.New().String()[:8],
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *MockBank) openSession(req *SessionRequest) *session {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Reopening a session for the same transaction reuses the pending one.
	if s, ok := b.byTxn[req.TransactionID]; ok && s.Status == StatusPending {
		return s
	}

	s := &session{
		SessionKey:    uuid.New().String(),
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Status:        StatusPending,
		SuccessURL:    req.SuccessURL,
		FailURL:       req.FailURL,
		CancelURL:     req.CancelURL,
		IPNURL:        req.IPNURL,
	}
	b.bySession[s.SessionKey] = s
	b.byTxn[s.TransactionID] = s
	return s
}

// settle resolves a pending session. An empty outcome rolls against the
// configured success rate the way a real card decline would.
func (b *MockBank) settle(sessionKey, outcome string) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.bySession[sessionKey]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionKey)
	}
	if s.Status != StatusPending {
		return s, nil
	}

	if outcome == "" {
		if b.rng.Float64() < b.successRate {
			outcome = "success"
		} else {
			outcome = "fail"
		}
	}

	now := time.Now()
	s.ProcessedAt = &now
	switch strings.ToLower(outcome) {
	case "success":
		s.Status = StatusValid
		s.BankTransactionID = "BTX-" + uuid.New().String()[:12]
	case "cancel":
		s.Status = StatusCancelled
	default:
		s.Status = StatusFailed
	}
	return s, nil
}

// fireIPN posts the server-to-server notification and retries until the
// ledger answers RECEIVED.
func (b *MockBank) fireIPN(s *session) {
	if s.IPNURL == "" {
		return
	}
	time.Sleep(b.ipnDelay)

	form := url.Values{}
	form.Set("transaction_id", s.TransactionID)
	form.Set("amount", fmt.Sprintf("%d", s.Amount))
	form.Set("status", string(s.Status))
	if s.BankTransactionID != "" {
		form.Set("bank_transaction_id", s.BankTransactionID)
	}

	for attempt := 1; attempt <= 5; attempt++ {
		resp, err := b.httpClient.PostForm(s.IPNURL, form)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Info().
					Str("transaction_id", s.TransactionID).
					Str("status", string(s.Status)).
					Int("attempt", attempt).
					Msg("IPN delivered")
				return
			}
		}
		log.Warn().
			Str("transaction_id", s.TransactionID).
			Int("attempt", attempt).
			Err(err).
			Msg("IPN delivery failed, retrying")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	log.Error().Str("transaction_id", s.TransactionID).Msg("IPN delivery gave up")
}

func (b *MockBank) redirectTarget(s *session) string {
	var base string
	switch s.Status {
	case StatusValid:
		base = s.SuccessURL
	case StatusCancelled:
		base = s.CancelURL
	default:
		base = s.FailURL
	}
	if base == "" {
		return ""
	}

	q := url.Values{}
	q.Set("transaction_id", s.TransactionID)
	q.Set("amount", fmt.Sprintf("%d", s.Amount))
	q.Set("status", string(s.Status))
	if s.BankTransactionID != "" {
		q.Set("bank_transaction_id", s.BankTransactionID)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

type Handler struct {
	bank    *MockBank
	baseURL string
}

func NewHandler(bank *MockBank, baseURL string) *Handler {
	return &Handler{bank: bank, baseURL: baseURL}
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	s := h.bank.openSession(&req)

	log.Info().
		Str("transaction_id", req.TransactionID).
		Int64("amount", req.Amount).
		Str("session_key", s.SessionKey).
		Msg("checkout session opened")

	c.JSON(http.StatusCreated, SessionResponse{
		SessionKey:  s.SessionKey,
		RedirectURL: h.baseURL + "/checkout/" + s.SessionKey,
	})
}

// Checkout is the hosted payment page stand-in. It renders nothing fancy,
// just tells the tester how to settle the session.
func (h *Handler) Checkout(c *gin.Context) {
	key := c.Param("session_key")
	c.String(http.StatusOK,
		"mock checkout for session %s\nPOST %s/checkout/%s/complete with outcome=success|fail|cancel\n",
		key, h.baseURL, key)
}

// Complete settles the session, fires the IPN in the background and sends
// the browser to the ledger's return URL, both channels like the real thing.
func (h *Handler) Complete(c *gin.Context) {
	key := c.Param("session_key")
	outcome := c.Query("outcome")
	if outcome == "" {
		outcome = c.PostForm("outcome")
	}

	s, err := h.bank.settle(key, outcome)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	log.Info().
		Str("transaction_id", s.TransactionID).
		Str("status", string(s.Status)).
		Msg("session settled")

	go h.bank.fireIPN(s)

	if target := h.bank.redirectTarget(s); target != "" {
		c.Redirect(http.StatusFound, target)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction_id": s.TransactionID, "status": s.Status})
}

func (h *Handler) GetTransaction(c *gin.Context) {
	txnID := c.Param("transaction_id")

	h.bank.mu.Lock()
	s, ok := h.bank.byTxn[txnID]
	h.bank.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown transaction"})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		TransactionID:     s.TransactionID,
		Status:            s.Status,
		Amount:            s.Amount,
		BankTransactionID: s.BankTransactionID,
		ProcessedAt:       s.ProcessedAt,
	})
}

func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	h.bank.mu.Lock()
	defer h.bank.mu.Unlock()
	for _, s := range h.bank.byTxn {
		if s.BankTransactionID == req.BankTransactionID && s.Status == StatusValid {
			log.Info().
				Str("bank_transaction_id", req.BankTransactionID).
				Str("reason", req.Reason).
				Msg("refund accepted")
			c.JSON(http.StatusOK, RefundResponse{
				RefundRef: "RFD-" + uuid.New().String()[:12],
				Status:    "REFUNDED",
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no settled transaction for that reference"})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"bank_id":      h.bank.bankID,
		"timestamp":    time.Now(),
		"success_rate": h.bank.successRate,
	})
}

func (h *Handler) UpdateConfig(c *gin.Context) {
	var cfg struct {
		SuccessRate *float64 `json:"success_rate"`
	}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if cfg.SuccessRate != nil && *cfg.SuccessRate >= 0 && *cfg.SuccessRate <= 1.0 {
		h.bank.successRate = *cfg.SuccessRate
		log.Info().Float64("rate", *cfg.SuccessRate).Msg("updated success rate")
	}
	c.JSON(http.StatusOK, gin.H{"success_rate": h.bank.successRate})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sessions", handler.CreateSession)
		v1.GET("/transactions/:transaction_id", handler.GetTransaction)
		v1.POST("/refunds", handler.Refund)
		v1.GET("/health", handler.HealthCheck)
		v1.PUT("/config", handler.UpdateConfig)
	}

	router.GET("/checkout/:session_key", handler.Checkout)
	router.POST("/checkout/:session_key/complete", handler.Complete)
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8082")
	baseURL := getEnv("BASE_URL", "http://localhost:"+port)
	successRate := getEnvFloat("SUCCESS_RATE", 1)
	ipnDelay := getEnvDuration("IPN_DELAY", 500*time.Millisecond)

	log.Info().
		Str("port", port).
		Float64("success_rate", successRate).
		Dur("ipn_delay", ipnDelay).
		Msg("starting mock bank processor")

	bank := NewMockBank(successRate, ipnDelay)
	handler := NewHandler(bank, baseURL)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
