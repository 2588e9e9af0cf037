package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnel-backend/internal/payments"
)

type fakePayPal struct {
	mu          sync.Mutex
	tokenCalls  int
	captures    int
	orderStatus map[string]string
	lastCreate  map[string]any
}

func newFakePayPal(t *testing.T) (*fakePayPal, *httptest.Server) {
	t.Helper()
	f := &fakePayPal{orderStatus: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastCreate = body
		f.orderStatus["ORDER-1"] = "CREATED"
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ORDER-1","status":"CREATED","links":[{"rel":"self","href":"x"},{"rel":"approve","href":"https://paypal.test/approve/ORDER-1"}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v2/checkout/orders/")
		id, action, _ := strings.Cut(rest, "/")
		f.mu.Lock()
		defer f.mu.Unlock()
		status, ok := f.orderStatus[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"name":"RESOURCE_NOT_FOUND"}`))
			return
		}
		if action == "capture" {
			if status != "APPROVED" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`))
				return
			}
			f.captures++
			f.orderStatus[id] = "COMPLETED"
			_, _ = w.Write([]byte(`{"id":"` + id + `","status":"COMPLETED","purchase_units":[{"amount":{"currency_code":"USD","value":"19.00"},"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED","amount":{"currency_code":"USD","value":"19.00"}}]}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"` + id + `","status":"` + status + `","purchase_units":[{"amount":{"currency_code":"USD","value":"19.00"}}]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return f, server
}

func basicTier() payments.Tier {
	return payments.Tier{ID: "basic", Name: "Personal Plan", PriceCents: 1900, Currency: "USD"}
}

func TestCreateCheckoutReturnsApprovalLink(t *testing.T) {
	fake, server := newFakePayPal(t)
	client, err := NewClient(server.URL, "client", "secret", time.Second)
	require.NoError(t, err)

	res, err := client.CreateCheckout(context.Background(), payments.CheckoutRequest{SessionID: "s-1", Tier: basicTier(), ReturnURL: "https://app/return"})
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", res.TransactionID)
	assert.Equal(t, "https://paypal.test/approve/ORDER-1", res.CheckoutURL)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "CAPTURE", fake.lastCreate["intent"])
	units := fake.lastCreate["purchase_units"].([]any)
	amount := units[0].(map[string]any)["amount"].(map[string]any)
	assert.Equal(t, "19.00", amount["value"])
	assert.Equal(t, 1, fake.tokenCalls)
}

func TestVerifyMapsOrderStatus(t *testing.T) {
	fake, server := newFakePayPal(t)
	client, err := NewClient(server.URL, "client", "secret", time.Second)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.orderStatus["CREATED-1"] = "CREATED"
	fake.orderStatus["VOID-1"] = "VOIDED"
	fake.orderStatus["APPROVED-1"] = "APPROVED"
	fake.mu.Unlock()

	out, err := client.Verify(context.Background(), "CREATED-1")
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomePending, out.Status)

	out, err = client.Verify(context.Background(), "VOID-1")
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeFailed, out.Status)

	out, err = client.Verify(context.Background(), "APPROVED-1")
	require.NoError(t, err)
	assert.Equal(t, payments.Outcome{Status: payments.OutcomePaid, AmountCents: 1900, Currency: "USD"}, out)

	// Second verify sees COMPLETED without capturing again.
	out, err = client.Verify(context.Background(), "APPROVED-1")
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomePaid, out.Status)
	fake.mu.Lock()
	assert.Equal(t, 1, fake.captures)
	fake.mu.Unlock()

	_, err = client.Verify(context.Background(), "MISSING")
	assert.True(t, errors.Is(err, payments.ErrTransactionNotFound), "got %v", err)
}

func TestTransactionFromWebhook(t *testing.T) {
	client := &Client{}
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "order approved", body: `{"event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORDER-9"}}`, want: "ORDER-9"},
		{name: "capture completed", body: `{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","supplementary_data":{"related_ids":{"order_id":"ORDER-7"}}}}`, want: "ORDER-7"},
		{name: "other event", body: `{"event_type":"BILLING.PLAN.CREATED","resource":{"id":"P-1"}}`, wantErr: true},
		{name: "garbage", body: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.TransactionFromWebhook([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, payments.ErrInvalidWebhook)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient("https://api-m.sandbox.paypal.com", "", "", 0)
	assert.Error(t, err)
}
