package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPaymentClient_Validation(t *testing.T) {
	t.Run("nil config returns error", func(t *testing.T) {
		client, err := NewPaymentClient(nil)
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "config is required")
	})

	t.Run("missing base url returns error", func(t *testing.T) {
		client, err := NewPaymentClient(&Config{Timeout: 5 * time.Second})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "base url")
	})

	t.Run("valid config creates client with default timeout", func(t *testing.T) {
		client, err := NewPaymentClient(&Config{BaseURL: "http://localhost:8082"})
		require.NoError(t, err)
		require.NotNil(t, client)
		assert.Equal(t, 5*time.Second, client.config.Timeout)
	})
}

func TestCreateSession_AmountLimits(t *testing.T) {
	client, err := NewPaymentClient(&Config{BaseURL: "http://localhost:8082"})
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("below minimum", func(t *testing.T) {
		resp, err := client.CreateSession(ctx, &SessionRequest{
			TransactionID: "txn-1",
			Amount:        MinAmount - 1,
			Currency:      "BDT",
		})
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
		assert.Nil(t, resp)
	})

	t.Run("above maximum", func(t *testing.T) {
		resp, err := client.CreateSession(ctx, &SessionRequest{
			TransactionID: "txn-2",
			Amount:        MaxAmount + 1,
			Currency:      "BDT",
		})
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
		assert.Nil(t, resp)
	})
}

func TestGatewayError(t *testing.T) {
	t.Run("with status code", func(t *testing.T) {
		ge := &GatewayError{Op: "create_session", StatusCode: 503, Err: errors.New("unavailable")}
		assert.Contains(t, ge.Error(), "create_session")
		assert.Contains(t, ge.Error(), "503")
	})

	t.Run("unwraps the cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		ge := &GatewayError{Op: "refund", Err: cause}
		assert.ErrorIs(t, ge, cause)
	})

	t.Run("wrapGatewayErr tags the operation", func(t *testing.T) {
		err := wrapGatewayErr("query_status", &GatewayError{StatusCode: 404, Err: errors.New("not found")})
		var ge *GatewayError
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, "query_status", ge.Op)
		assert.Equal(t, 404, ge.StatusCode)
	})

	t.Run("wrapGatewayErr wraps plain errors", func(t *testing.T) {
		err := wrapGatewayErr("create_session", errors.New("timeout"))
		var ge *GatewayError
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, "create_session", ge.Op)
		assert.Equal(t, 0, ge.StatusCode)
	})
}

func TestSessionRequest_WireFormat(t *testing.T) {
	req := &SessionRequest{
		TransactionID: "txn-1",
		Amount:        1000,
		Currency:      "BDT",
		Customer: Customer{
			Name:  "Rahim Uddin",
			Email: "rahim@example.com",
		},
		SuccessURL: "https://api.openfund.test/callback/success",
		IPNURL:     "https://api.openfund.test/ipn",
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded SessionRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req.TransactionID, decoded.TransactionID)
	assert.Equal(t, req.Amount, decoded.Amount)
	assert.Equal(t, req.Customer.Email, decoded.Customer.Email)
}
