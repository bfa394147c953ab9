package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// ArtifactClient calls the reward-artifact (QR) rendering service. The
// service is best-effort from the ledger's point of view: a failure here
// never rolls back a payment.
type ArtifactClient struct {
	baseURL string
	timeout time.Duration
	client  *fasthttp.Client
}

type ArtifactRequest struct {
	DonationID   int64  `json:"donation_id"`
	ProjectID    int64  `json:"project_id"`
	RewardTierID int64  `json:"reward_tier_id"`
	RewardValue  int64  `json:"reward_value"`
	DonorName    string `json:"donor_name"`
}

type ArtifactResponse struct {
	URL string `json:"url"`
}

func NewArtifactClient(baseURL string, timeout time.Duration) (*ArtifactClient, error) {
	if baseURL == "" {
		return nil, errors.New("artifact service base url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ArtifactClient{
		baseURL: baseURL,
		timeout: timeout,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}, nil
}

// Generate renders the reward artifact and returns its opaque URL.
func (c *ArtifactClient) Generate(ctx context.Context, req *ArtifactRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact request: %w", err)
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(c.baseURL + "/api/v1/artifacts")
	httpReq.Header.SetMethod("POST")
	httpReq.Header.SetContentType("application/json")
	httpReq.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	if err := c.client.DoDeadline(httpReq, httpResp, deadline); err != nil {
		return "", wrapGatewayErr("generate_artifact", err)
	}

	if httpResp.StatusCode() != fasthttp.StatusOK && httpResp.StatusCode() != fasthttp.StatusCreated {
		return "", wrapGatewayErr("generate_artifact", &GatewayError{
			StatusCode: httpResp.StatusCode(),
			Err:        fmt.Errorf("unexpected status: %s", httpResp.Body()),
		})
	}

	var resp ArtifactResponse
	if err := json.Unmarshal(httpResp.Body(), &resp); err != nil {
		return "", wrapGatewayErr("generate_artifact", fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if resp.URL == "" {
		return "", wrapGatewayErr("generate_artifact", errors.New("empty artifact url"))
	}
	return resp.URL, nil
}
