/**
 * @description
 * This package provides a client for the GOV.UK Pay card payments API. It
 * encapsulates the logic for making authenticated HTTP requests to the payments
 * endpoints, handling request construction, and parsing responses.
 *
 * @dependencies
 * - context, encoding/json, fmt, io, log, net/http, time: Standard Go libraries.
 */
package govpay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the GOV.UK Pay API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new GOV.UK Pay API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PaymentState is the provider's view of where a payment sits in its lifecycle.
type PaymentState struct {
	Status   string `json:"status"`
	Finished bool   `json:"finished"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// PaymentResponse is the response from the GOV.UK Pay get-payment endpoint.
type PaymentResponse struct {
	PaymentID   string       `json:"payment_id"`
	Reference   string       `json:"reference"`
	Amount      int64        `json:"amount"`
	Description string       `json:"description"`
	State       PaymentState `json:"state"`
	Links       struct {
		NextURL struct {
			Href string `json:"href"`
		} `json:"next_url"`
	} `json:"_links"`
}

// ErrorResponse represents an error from the GOV.UK Pay API.
type ErrorResponse struct {
	Field       string `json:"field,omitempty"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("govpay api error: %s - %s", e.Code, e.Description)
}

// GetPayment fetches the current state of a payment by its provider id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*PaymentResponse, error) {
	url := c.BaseURL + "/v1/payments/" + paymentID

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payment request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=govpay_client op=get_payment payment_id=%s status=%d msg=\"non-2xx response (unparsable error body)\"", paymentID, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=govpay_client op=get_payment payment_id=%s status=%d code=%q description=%q", paymentID, resp.StatusCode, errResp.Code, errResp.Description)
		return nil, &errResp
	}

	var payment PaymentResponse
	if err := json.Unmarshal(bodyBytes, &payment); err != nil {
		return nil, fmt.Errorf("failed to decode payment response: %w", err)
	}

	return &payment, nil
}
