// Package backend implements the HTTP client for the entitlement
// backend: the authoritative owner of customers, catalog data and
// entitlement grants.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultBaseURL = "https://api.storeflow.dev/v1"

	// requestTimeout bounds every backend call.
	requestTimeout = 30 * time.Second
)

// Client talks to the backend REST API. All requests carry the app API
// key and pass through a circuit breaker so a degraded backend fails
// fast instead of stacking up 30s timeouts.
type Client struct {
	baseURL     string
	apiKey      string
	environment string
	lang        string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker[*apiResponse]
	logger      *slog.Logger
}

type apiResponse struct {
	status int
	body   []byte
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL; used by tests and self-hosted
// deployments.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLanguages sets the preferred content languages for localized
// catalog fields.
func WithLanguages(langs []string) Option {
	return func(c *Client) {
		c.lang = strings.Join(langs, ",")
	}
}

// NewClient creates a backend client for the given API key and
// environment.
func NewClient(apiKey, environment string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		apiKey:      apiKey,
		environment: environment,
		httpClient:  &http.Client{Timeout: requestTimeout},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
		Name:        "backend-api",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// Login authenticates the customer by external reference.
func (c *Client) Login(ctx context.Context, externalRef string) (*LoginResponse, error) {
	body := map[string]any{"externalRef": externalRef, "environment": c.environment}
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/apps/me/customers/login", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProducts fetches catalog products, optionally filtered by
// identifier.
func (c *Client) GetProducts(ctx context.Context, identifiers []string) ([]ProductPayload, error) {
	if identifiers != nil && len(identifiers) == 0 {
		return nil, nil
	}
	q := c.catalogQuery(identifiers)
	var out []ProductPayload
	if err := c.do(ctx, http.MethodGet, "/apps/me/products", q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetSubscriptionGroups fetches subscription groups with their plans.
func (c *Client) GetSubscriptionGroups(ctx context.Context, identifiers []string) ([]SubscriptionGroupPayload, error) {
	if identifiers != nil && len(identifiers) == 0 {
		return nil, nil
	}
	q := c.catalogQuery(identifiers)
	var out []SubscriptionGroupPayload
	if err := c.do(ctx, http.MethodGet, "/apps/me/subscription-groups", q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetCustomerEntitlements fetches the customer's current grants.
func (c *Client) GetCustomerEntitlements(ctx context.Context, customerID uuid.UUID) ([]EntitlementPayload, error) {
	path := fmt.Sprintf("/apps/me/customers/%s/entitlements", customerID)
	q := url.Values{}
	if c.lang != "" {
		q.Set("lang", c.lang)
	}
	var out []EntitlementPayload
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetCustomerExternalEntitlements fetches grants issued by other
// integrations for the same customer.
func (c *Client) GetCustomerExternalEntitlements(ctx context.Context, customerID uuid.UUID) ([]EntitlementPayload, error) {
	path := fmt.Sprintf("/apps/me/customers/%s/external-entitlements", customerID)
	q := url.Values{}
	if c.lang != "" {
		q.Set("lang", c.lang)
	}
	var out []EntitlementPayload
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MapTransactions associates platform purchase records with the
// customer.
func (c *Client) MapTransactions(ctx context.Context, customerID uuid.UUID, signedRecords []string) error {
	body := map[string]any{"customerId": customerID, "transactions": signedRecords}
	return c.do(ctx, http.MethodPost, "/apps/me/customers/mappings", nil, body, nil)
}

// SignOffer returns the server-issued proof for applying a promotional
// offer.
func (c *Client) SignOffer(ctx context.Context, customerID, offerID uuid.UUID) (*OfferSignaturePayload, error) {
	body := map[string]any{"customerId": customerID, "offerId": offerID}
	var out OfferSignaturePayload
	if err := c.do(ctx, http.MethodPost, "/apps/me/products/sign-offer", nil, body, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestOfferCode requests an offer-code redemption URL for offers
// that cannot be signed for this store account.
func (c *Client) RequestOfferCode(ctx context.Context, customerID, offerID uuid.UUID) (string, error) {
	body := map[string]any{"customerId": customerID, "offerId": offerID}
	var out offerCodePayload
	if err := c.do(ctx, http.MethodPost, "/apps/me/products/offer-code", nil, body, &out); err != nil {
		return "", err
	}
	if out.RedeemURL == "" {
		return "", newParseError("offerCode", "redeemUrl")
	}
	return out.RedeemURL, nil
}

// RequestTransferOwnership submits signed records for ownership
// transfer and returns the request id to poll.
func (c *Client) RequestTransferOwnership(ctx context.Context, customerID uuid.UUID, signatures []string) (string, error) {
	body := map[string]any{"customerId": customerID, "transactions": signatures}
	var out transferRequestPayload
	if err := c.do(ctx, http.MethodPost, "/apps/me/customers/transfer-ownership/request", nil, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", newParseError("transferRequest", "id")
	}
	return out.ID, nil
}

// GetTransferStatus polls a transfer-ownership request.
func (c *Client) GetTransferStatus(ctx context.Context, requestID string) (string, error) {
	path := fmt.Sprintf("/apps/me/customers/transfer-ownership/%s/status", url.PathEscape(requestID))
	var out TransferStatusPayload
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return "", err
	}
	if out.Status == "" {
		return "", newParseError("transferStatus", "status")
	}
	return out.Status, nil
}

// ForceWebhook asks the backend to process a purchase ahead of the
// platform's own server notification.
func (c *Client) ForceWebhook(ctx context.Context, transactionID uint64, eventType string, sandbox bool) error {
	body := map[string]any{
		"platformTxId": strconv.FormatUint(transactionID, 10),
		"type":         eventType,
		"isSandbox":    sandbox,
	}
	return c.do(ctx, http.MethodPost, "/apps/me/platform-notifications/force-webhook", nil, body, nil)
}

// WebhookQuery identifies the webhook to poll for a purchase.
type WebhookQuery struct {
	TransactionID uint64
	SignedRecord  string
	Sandbox       bool

	// DowngradeToProductID and DowngradeAfter let the backend match a
	// deferred downgrade, which only materializes at the next renewal.
	DowngradeToProductID *uuid.UUID
	DowngradeAfter       *time.Time
}

// GetWebhookStatus polls webhook processing for a purchase record.
func (c *Client) GetWebhookStatus(ctx context.Context, query WebhookQuery) (*WebhookStatusPayload, error) {
	q := url.Values{}
	q.Set("platformTxId", strconv.FormatUint(query.TransactionID, 10))
	q.Set("isSandbox", strconv.FormatBool(query.Sandbox))
	if query.SignedRecord != "" {
		q.Set("signedTransaction", query.SignedRecord)
	}
	if query.DowngradeToProductID != nil {
		q.Set("downgradeToProductId", query.DowngradeToProductID.String())
	}
	if query.DowngradeAfter != nil {
		q.Set("downgradeAfterDate", query.DowngradeAfter.UTC().Format(time.RFC3339))
	}

	var out WebhookStatusPayload
	if err := c.do(ctx, http.MethodGet, "/apps/me/events/webhook-status", q, nil, &out); err != nil {
		return nil, err
	}
	if out.Status == "" {
		return nil, newParseError("webhookStatus", "status")
	}
	return &out, nil
}

// IsForwardingEnabled reports whether the customer's purchase events
// are routed to another integration.
func (c *Client) IsForwardingEnabled(ctx context.Context, externalRef string) (bool, error) {
	q := url.Values{}
	q.Set("externalRef", externalRef)
	var out forwardingPayload
	if err := c.do(ctx, http.MethodGet, "/apps/me/customers/forwarding", q, nil, &out); err != nil {
		return false, err
	}
	return out.IsForwardingEnabled, nil
}

// UploadDiagnostics uploads a diagnostic log bundle. Best effort by
// contract; callers log failures and move on.
func (c *Client) UploadDiagnostics(ctx context.Context, customerID *uuid.UUID, logs io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if customerID != nil {
		if err := mw.WriteField("customerId", customerID.String()); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("logFile", "diagnostics.log")
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, logs); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/apps/me/monitoring/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if resp.status >= 300 {
		return c.apiError(resp)
	}
	return nil
}

func (c *Client) catalogQuery(identifiers []string) url.Values {
	q := url.Values{}
	q.Set("environment", c.environment)
	if c.lang != "" {
		q.Set("lang", c.lang)
	}
	if identifiers != nil {
		q.Set("identifiers", strings.Join(identifiers, ","))
	}
	return q
}

// do performs a JSON request and decodes the response into out when
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if resp.status >= 300 {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return &ParseError{Entity: path, Field: "body", Err: err}
	}
	if v, ok := out.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// roundTrip executes the request under the circuit breaker. Transport
// failures and 5xx responses count against the breaker; 4xx responses
// pass through untouched.
func (c *Client) roundTrip(req *http.Request) (*apiResponse, error) {
	resp, err := c.breaker.Execute(func() (*apiResponse, error) {
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		r := &apiResponse{status: httpResp.StatusCode, body: payload}
		if httpResp.StatusCode >= 500 {
			return r, fmt.Errorf("backend returned %d", httpResp.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		if resp != nil && resp.status >= 500 {
			return resp, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrServerUnavailable)
		}
		c.logger.Warn("backend request failed", "method", req.Method, "url", req.URL.Path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	return resp, nil
}

// apiError decodes the backend's error envelope.
func (c *Client) apiError(resp *apiResponse) error {
	apiErr := &APIError{Status: resp.status}
	var envelope struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(resp.body, &envelope); err == nil {
		apiErr.Code = envelope.ErrorCode
		apiErr.Message = envelope.Message
	}
	return apiErr
}
