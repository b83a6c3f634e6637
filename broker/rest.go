package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"captrade/models"
)

// RESTClient talks to an order-execution gateway over HTTP. The gateway hides
// broker-specific wire protocols; this client only speaks the neutral
// order/detail contract.
type RESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRESTClient creates a client against the execution gateway at baseURL.
func NewRESTClient(baseURL, apiKey string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type placeOrderPayload struct {
	AccountID       string       `json:"account_id"`
	AuthorizationID string       `json:"authorization_id"`
	Order           OrderRequest `json:"order"`
}

// PlaceOptionOrder submits the order for the given connection's account.
func (c *RESTClient) PlaceOptionOrder(ctx context.Context, conn models.BrokerConnection, req OrderRequest) (*OrderResult, error) {
	payload := placeOrderPayload{
		AccountID:       conn.AccountID,
		AuthorizationID: conn.AuthorizationID,
		Order:           req,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("broker: place order: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("broker: place order status %d: %s", resp.StatusCode, string(data))
	}

	var result OrderResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("broker: decode response: %w", err)
	}
	return &result, nil
}

// PollOrderDetail fetches the current execution state of a placed order.
func (c *RESTClient) PollOrderDetail(ctx context.Context, conn models.BrokerConnection, orderID string) (*OrderDetail, error) {
	url := fmt.Sprintf("%s/orders/%s?account_id=%s", c.baseURL, orderID, conn.AccountID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("broker: poll order: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker: poll order status %d: %s", resp.StatusCode, string(data))
	}

	var detail OrderDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		return nil, fmt.Errorf("broker: decode detail: %w", err)
	}
	return &detail, nil
}

var _ Client = (*RESTClient)(nil)
