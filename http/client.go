package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	paidaction "github.com/satsflow/paidaction"
)

// ============================================================================
// HTTP Paid-Action Client
// ============================================================================

// Client talks to a paid-action server over HTTP.
// It implements paidaction.InvoiceBackend, InvoiceRetrier and OperationRunner.
type Client struct {
	url        string
	httpClient *http.Client
	apiKey     string
	retries    int
}

var (
	_ paidaction.InvoiceBackend  = (*Client)(nil)
	_ paidaction.InvoiceRetrier  = (*Client)(nil)
	_ paidaction.OperationRunner = (*Client)(nil)
)

// Config configures the HTTP client
type Config struct {
	// URL is the base URL of the paid-action server
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// APIKey is sent as a bearer token (optional)
	APIKey string

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Retries on 429 responses (optional, defaults to 3 attempts)
	Retries int
}

// DefaultURL is the local development server
const DefaultURL = "http://localhost:8402"

// retryBaseDelay is the base delay for exponential backoff on 429 responses
const retryBaseDelay = 500 * time.Millisecond

// NewClient creates a new HTTP client
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}

	baseURL := strings.TrimRight(config.URL, "/")
	if baseURL == "" {
		baseURL = DefaultURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	retries := config.Retries
	if retries <= 0 {
		retries = 3
	}

	return &Client{
		url:        baseURL,
		httpClient: httpClient,
		apiKey:     config.APIKey,
		retries:    retries,
	}
}

// ============================================================================
// InvoiceBackend Implementation
// ============================================================================

// CreateInvoice requests a new invoice
func (c *Client) CreateInvoice(ctx context.Context, req paidaction.CreateInvoiceRequest) (*paidaction.Invoice, error) {
	var inv paidaction.Invoice
	if err := c.do(ctx, http.MethodPost, PathInvoices, req, nil, &inv, ValidateInvoiceJSON); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return &inv, nil
}

// GetInvoice polls an invoice
func (c *Client) GetInvoice(ctx context.Context, id string) (*paidaction.Invoice, error) {
	var inv paidaction.Invoice
	path := strings.Replace(PathInvoice, ":id", url.PathEscape(id), 1)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &inv, ValidateInvoiceJSON); err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", id, err)
	}
	return &inv, nil
}

// CancelInvoice cancels an invoice with its credentials
func (c *Client) CancelInvoice(ctx context.Context, hash, hmac string) (*paidaction.Invoice, error) {
	var inv paidaction.Invoice
	body := CancelRequest{Hash: hash, Hmac: hmac}
	if err := c.do(ctx, http.MethodPost, PathCancelInvoice, body, nil, &inv, ValidateInvoiceJSON); err != nil {
		return nil, fmt.Errorf("cancel invoice %s: %w", hash, err)
	}
	return &inv, nil
}

// RetryInvoice replaces an invoice server-side
func (c *Client) RetryInvoice(ctx context.Context, old *paidaction.Invoice) (*paidaction.Invoice, error) {
	var inv paidaction.Invoice
	path := strings.Replace(PathRetryInvoice, ":id", url.PathEscape(old.ID), 1)
	body := CancelRequest{Hash: old.Hash, Hmac: old.Hmac}
	if err := c.do(ctx, http.MethodPost, path, body, nil, &inv, ValidateInvoiceJSON); err != nil {
		return nil, fmt.Errorf("retry invoice %s: %w", old.Hash, err)
	}
	return &inv, nil
}

// PayInvoice asks a development server to settle bolt11 as an external
// payer would. Production servers do not expose this route.
func (c *Client) PayInvoice(ctx context.Context, bolt11 string) (*paidaction.SendResult, error) {
	var res paidaction.SendResult
	if err := c.do(ctx, http.MethodPost, PathPayInvoice, PayRequest{Bolt11: bolt11}, nil, &res, nil); err != nil {
		return nil, fmt.Errorf("pay invoice: %w", err)
	}
	return &res, nil
}

// ============================================================================
// OperationRunner Implementation
// ============================================================================

// Execute runs a paid operation. A proof is sent as headers.
func (c *Client) Execute(ctx context.Context, req paidaction.OperationRequest) (paidaction.Response, error) {
	headers := map[string]string{}
	if req.CallID != "" {
		headers[HeaderCallID] = req.CallID
	}
	if req.Actor != nil && req.Actor.ID != "" {
		headers[HeaderActor] = req.Actor.ID
	}
	if req.Proof != nil {
		headers[HeaderInvoiceHash] = req.Proof.Hash
		headers[HeaderInvoiceHmac] = req.Proof.Hmac
	}

	var resp paidaction.Response
	path := strings.Replace(PathAction, ":name", url.PathEscape(req.Name), 1)
	body := ActionRequest{Variables: req.Variables}
	if err := c.do(ctx, http.MethodPost, path, body, headers, &resp, ValidateResponseJSON); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Name, err)
	}
	return resp, nil
}

// ============================================================================
// Internal HTTP Methods
// ============================================================================

// do sends a JSON request and decodes a validated JSON response.
// Retries with exponential backoff on 429 rate limit errors.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, headers map[string]string, out interface{}, check func([]byte) error) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			if check != nil {
				if err := check(responseBody); err != nil {
					return err
				}
			}
			if err := json.Unmarshal(responseBody, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		lastErr = decodeError(resp.StatusCode, responseBody)

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.retries-1 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return lastErr
	}

	return lastErr
}

func decodeError(status int, body []byte) error {
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Code != "" {
		return paidaction.NewPaymentError(e.Code, e.Message, e.Details)
	}
	return fmt.Errorf("server error (%d): %s", status, string(body))
}
