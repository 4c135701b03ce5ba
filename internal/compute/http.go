package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ksred/darkpool-api/internal/types"
)

// HTTPCluster submits computations to a remote cluster gateway. The gateway
// answers asynchronously by calling the internal callback route.
type HTTPCluster struct {
	baseURL     string
	callbackURL string
	client      *http.Client
}

func NewHTTPCluster(baseURL, callbackURL string, timeout time.Duration) *HTTPCluster {
	return &HTTPCluster{
		baseURL:     strings.TrimRight(baseURL, "/"),
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: timeout},
	}
}

type submitEnvelope struct {
	Request
	CallbackURL string `json:"callback_url"`
}

// Submit posts the request; 409 means the id is already in flight
func (c *HTTPCluster) Submit(ctx context.Context, req Request) error {
	body, err := json.Marshal(submitEnvelope{Request: req, CallbackURL: c.callbackURL})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/computations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%s-%d", req.Kind, req.ID))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrClusterUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %d", types.ErrRequestInFlight, req.ID)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", types.ErrClusterUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
