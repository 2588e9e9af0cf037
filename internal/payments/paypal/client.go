package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"funnel-backend/internal/payments"
	"funnel-backend/internal/shared/telemetry"
)

// Client implements payments.Processor against the PayPal Orders v2 API.
type Client struct {
	baseURL    string
	brandName  string
	httpClient *http.Client
}

// NewClient builds a client whose requests carry a client-credentials token.
func NewClient(baseURL, clientID, clientSecret string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, fmt.Errorf("PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET are required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("PAYPAL_BASE_URL is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	base := &http.Client{Timeout: timeout}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := cfg.Client(tokenCtx)
	httpClient.Timeout = timeout
	return &Client{baseURL: baseURL, brandName: "Health Assessment", httpClient: httpClient}, nil
}

func (c *Client) Name() string { return "paypal" }

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string   `json:"reference_id,omitempty"`
	CustomID    string   `json:"custom_id,omitempty"`
	Description string   `json:"description,omitempty"`
	Amount      amount   `json:"amount"`
	Payments    *unitPay `json:"payments,omitempty"`
}

type unitPay struct {
	Captures []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount amount `json:"amount"`
	} `json:"captures"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type applicationContext struct {
	BrandName  string `json:"brand_name,omitempty"`
	UserAction string `json:"user_action,omitempty"`
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

// statusError is a non-2xx PayPal response.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("paypal http status %d: %s", e.StatusCode, e.Body)
}

// CreateCheckout creates a CAPTURE-intent order and returns its approval link.
func (c *Client) CreateCheckout(ctx context.Context, req payments.CheckoutRequest) (payments.CheckoutResult, error) {
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.SessionID,
			CustomID:    req.SessionID,
			Description: req.Tier.Name,
			Amount: amount{
				CurrencyCode: req.Tier.Currency,
				Value:        payments.FormatAmount(req.Tier.PriceCents),
			},
		}},
		ApplicationContext: applicationContext{
			BrandName:  c.brandName,
			UserAction: "PAY_NOW",
			ReturnURL:  req.ReturnURL,
			CancelURL:  req.CancelURL,
		},
	}
	var created order
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &created); err != nil {
		return payments.CheckoutResult{}, err
	}
	approve := ""
	for _, l := range created.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	if created.ID == "" || approve == "" {
		return payments.CheckoutResult{}, fmt.Errorf("paypal order missing id or approval link")
	}
	return payments.CheckoutResult{TransactionID: created.ID, CheckoutURL: approve}, nil
}

// Verify reads the order and captures it when the buyer has approved.
func (c *Client) Verify(ctx context.Context, transactionID string) (payments.Outcome, error) {
	path := "/v2/checkout/orders/" + url.PathEscape(transactionID)
	var current order
	if err := c.do(ctx, http.MethodGet, path, nil, &current); err != nil {
		return payments.Outcome{}, notFoundAware(err)
	}
	if current.Status == "APPROVED" {
		var captured order
		err := c.do(ctx, http.MethodPost, path+"/capture", struct{}{}, &captured)
		switch {
		case err == nil:
			current = mergeCaptured(current, captured)
		case isStatus(err, http.StatusUnprocessableEntity):
			// Already captured by a concurrent verify; re-read the final state.
			if err := c.do(ctx, http.MethodGet, path, nil, &current); err != nil {
				return payments.Outcome{}, notFoundAware(err)
			}
		default:
			return payments.Outcome{}, err
		}
		telemetry.Info("paypal.capture", map[string]any{"order_id": transactionID, "status": current.Status})
	}
	return toOutcome(current)
}

// TransactionFromWebhook extracts the order id from an order or capture event.
func (c *Client) TransactionFromWebhook(body []byte) (string, error) {
	var event struct {
		EventType string `json:"event_type"`
		Resource  struct {
			ID                string `json:"id"`
			SupplementaryData struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return "", payments.ErrInvalidWebhook
	}
	switch {
	case strings.HasPrefix(event.EventType, "CHECKOUT.ORDER."):
		if event.Resource.ID != "" {
			return event.Resource.ID, nil
		}
	case strings.HasPrefix(event.EventType, "PAYMENT.CAPTURE."):
		if id := event.Resource.SupplementaryData.RelatedIDs.OrderID; id != "" {
			return id, nil
		}
	}
	return "", payments.ErrInvalidWebhook
}

func mergeCaptured(current, captured order) order {
	if captured.Status != "" {
		current.Status = captured.Status
	}
	if len(captured.PurchaseUnits) > 0 && captured.PurchaseUnits[0].Payments != nil && len(current.PurchaseUnits) > 0 {
		current.PurchaseUnits[0].Payments = captured.PurchaseUnits[0].Payments
	}
	return current
}

func toOutcome(o order) (payments.Outcome, error) {
	out := payments.Outcome{Status: payments.OutcomePending}
	if len(o.PurchaseUnits) > 0 {
		unit := o.PurchaseUnits[0]
		cents, err := parseAmount(unit.Amount.Value)
		if err != nil {
			return payments.Outcome{}, err
		}
		out.AmountCents = cents
		out.Currency = unit.Amount.CurrencyCode
	}
	switch o.Status {
	case "COMPLETED":
		out.Status = payments.OutcomePaid
		if len(o.PurchaseUnits) > 0 && o.PurchaseUnits[0].Payments != nil && len(o.PurchaseUnits[0].Payments.Captures) > 0 {
			switch o.PurchaseUnits[0].Payments.Captures[0].Status {
			case "DECLINED", "FAILED":
				out.Status = payments.OutcomeFailed
			case "PENDING":
				out.Status = payments.OutcomePending
			}
		}
	case "VOIDED":
		out.Status = payments.OutcomeFailed
	}
	return out, nil
}

func parseAmount(value string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("paypal amount %q: %w", value, err)
	}
	return int64(math.Round(f * 100)), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paypal request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("paypal response parse: %w", err)
	}
	return nil
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.StatusCode == code
}

func notFoundAware(err error) error {
	if isStatus(err, http.StatusNotFound) {
		return payments.ErrTransactionNotFound
	}
	return err
}

var _ payments.Processor = (*Client)(nil)
