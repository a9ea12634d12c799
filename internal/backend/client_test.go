package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key", "sandbox", nil, WithBaseURL(srv.URL))
}

func TestClient_Login(t *testing.T) {
	customerID := uuid.New()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/apps/me/customers/login", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user-42", body["externalRef"])
		assert.Equal(t, "sandbox", body["environment"])

		json.NewEncoder(w).Encode(map[string]any{
			"customer": map[string]any{
				"id":          customerID,
				"externalRef": "user-42",
			},
			"platformOriginalTransactionIds": []string{"100", "200"},
			"isForwardingEnabled":            true,
		})
	})

	c := newTestClient(t, handler)
	resp, err := c.Login(context.Background(), "user-42")
	require.NoError(t, err)
	assert.Equal(t, customerID, resp.Customer.ID)
	assert.Equal(t, "user-42", resp.Customer.ExternalRef)
	assert.Equal(t, []string{"100", "200"}, resp.PlatformOriginalTransactionIDs)
	assert.True(t, resp.IsForwardingEnabled)
}

func TestClient_LoginRejectsMalformedCustomer(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Customer without an id.
		fmt.Fprint(w, `{"customer":{"externalRef":"user-42"}}`)
	})

	c := newTestClient(t, handler)
	_, err := c.Login(context.Background(), "user-42")
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "customer", parseErr.Entity)
	assert.Equal(t, "id", parseErr.Field)
}

func TestClient_GetProducts(t *testing.T) {
	productID := uuid.New()
	groupID := uuid.New()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/me/products", r.URL.Path)
		assert.Equal(t, "sandbox", r.URL.Query().Get("environment"))
		assert.Equal(t, "premium_monthly", r.URL.Query().Get("identifiers"))

		json.NewEncoder(w).Encode([]map[string]any{{
			"id":         productID,
			"identifier": "premium_monthly",
			"sku":        "app.premium.monthly",
			"type":       "subscription",
			"name":       "Premium Monthly",
			"subscription": map[string]any{
				"periodCount": 1,
				"periodUnit":  "month",
				"groupId":     groupID,
				"groupLevel":  1,
			},
		}})
	})

	c := newTestClient(t, handler)
	products, err := c.GetProducts(context.Background(), []string{"premium_monthly"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, productID, products[0].ID)
	assert.Equal(t, "app.premium.monthly", products[0].SKU)
	require.NotNil(t, products[0].Subscription)
	assert.Equal(t, groupID, products[0].Subscription.GroupID)
}

func TestClient_GetProductsEmptyIdentifiersSkipsRequest(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	c := newTestClient(t, handler)
	products, err := c.GetProducts(context.Background(), []string{})
	require.NoError(t, err)
	assert.Nil(t, products)
}

func TestClient_GetProductsRejectsShapeMismatch(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A subscription product without its subscription shape.
		fmt.Fprintf(w, `[{"id":%q,"sku":"app.premium","type":"subscription"}]`, uuid.New())
	})

	c := newTestClient(t, handler)
	_, err := c.GetProducts(context.Background(), nil)
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "product", parseErr.Entity)
	assert.Equal(t, "subscription", parseErr.Field)
}

func TestClient_GetCustomerEntitlementsSendsLanguages(t *testing.T) {
	customerID := uuid.New()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fmt.Sprintf("/apps/me/customers/%s/entitlements", customerID), r.URL.Path)
		assert.Equal(t, "fr,en", r.URL.Query().Get("lang"))
		fmt.Fprint(w, `[]`)
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-key", "sandbox", nil, WithBaseURL(srv.URL), WithLanguages([]string{"fr", "en"}))

	out, err := c.GetCustomerEntitlements(context.Background(), customerID)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestClient_MapTransactions(t *testing.T) {
	customerID := uuid.New()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/me/customers/mappings", r.URL.Path)
		var body struct {
			CustomerID   uuid.UUID `json:"customerId"`
			Transactions []string  `json:"transactions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, customerID, body.CustomerID)
		assert.Equal(t, []string{"signed-1", "signed-2"}, body.Transactions)
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(t, handler)
	err := c.MapTransactions(context.Background(), customerID, []string{"signed-1", "signed-2"})
	require.NoError(t, err)
}

func TestClient_GetWebhookStatusQuery(t *testing.T) {
	downgradeID := uuid.New()
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "12345", q.Get("platformTxId"))
		assert.Equal(t, "true", q.Get("isSandbox"))
		assert.Equal(t, "signed-tx", q.Get("signedTransaction"))
		assert.Equal(t, downgradeID.String(), q.Get("downgradeToProductId"))
		assert.Equal(t, "2026-03-01T12:00:00Z", q.Get("downgradeAfterDate"))
		fmt.Fprint(w, `{"status":"success"}`)
	})

	c := newTestClient(t, handler)
	out, err := c.GetWebhookStatus(context.Background(), WebhookQuery{
		TransactionID:        12345,
		SignedRecord:         "signed-tx",
		Sandbox:              true,
		DowngradeToProductID: &downgradeID,
		DowngradeAfter:       &after,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", out.Status)
}

func TestClient_GetWebhookStatusMissingStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})

	c := newTestClient(t, handler)
	_, err := c.GetWebhookStatus(context.Background(), WebhookQuery{TransactionID: 1})

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "webhookStatus", parseErr.Entity)
	assert.Equal(t, "status", parseErr.Field)
}

func TestClient_RequestTransferOwnership(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/me/customers/transfer-ownership/request", r.URL.Path)
		fmt.Fprint(w, `{"id":"req-1"}`)
	})

	c := newTestClient(t, handler)
	id, err := c.RequestTransferOwnership(context.Background(), uuid.New(), []string{"sig"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
}

func TestClient_APIErrorEnvelope(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"errorCode":"already_pending","message":"a transfer is already pending"}`)
	})

	c := newTestClient(t, handler)
	_, err := c.RequestTransferOwnership(context.Background(), uuid.New(), []string{"sig"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "already_pending", apiErr.Code)
	assert.Equal(t, "a transfer is already pending", apiErr.Message)
}

func TestClient_ServerErrorsTripBreaker(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := newTestClient(t, handler)
	ctx := context.Background()

	// The breaker opens after five consecutive failures.
	for i := 0; i < 5; i++ {
		_, err := c.GetTransferStatus(ctx, "req-1")
		require.Error(t, err)
	}
	served := calls

	_, err := c.GetTransferStatus(ctx, "req-1")
	require.ErrorIs(t, err, ErrServerUnavailable)
	assert.Equal(t, served, calls, "open breaker must not reach the backend")
}

func TestClient_IsForwardingEnabled(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/me/customers/forwarding", r.URL.Path)
		assert.Equal(t, "user-42", r.URL.Query().Get("externalRef"))
		fmt.Fprint(w, `{"isForwardingEnabled":true}`)
	})

	c := newTestClient(t, handler)
	forwarded, err := c.IsForwardingEnabled(context.Background(), "user-42")
	require.NoError(t, err)
	assert.True(t, forwarded)
}

func TestClient_UploadDiagnostics(t *testing.T) {
	customerID := uuid.New()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/me/monitoring/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, customerID.String(), r.FormValue("customerId"))

		file, header, err := r.FormFile("logFile")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "diagnostics.log", header.Filename)
		w.WriteHeader(http.StatusCreated)
	})

	c := newTestClient(t, handler)
	err := c.UploadDiagnostics(context.Background(), &customerID, strings.NewReader("log line\n"))
	require.NoError(t, err)
}

func TestClient_TransportFailureIsUnavailable(t *testing.T) {
	c := NewClient("test-key", "sandbox", nil, WithBaseURL("http://127.0.0.1:1"))
	_, err := c.Login(context.Background(), "user-42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServerUnavailable))
}
