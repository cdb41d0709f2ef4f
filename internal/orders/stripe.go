package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/interviewace/backend/internal/models"
)

// StripeGateway drives hosted checkout sessions over Stripe's form-encoded
// REST API. Metadata round-trips through the gateway and comes back in the
// webhook, which is how the reconciler finds the order again.
type StripeGateway struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
}

func NewStripeGateway(baseURL, secretKey string) *StripeGateway {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &StripeGateway{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
	}
}

type checkoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *StripeGateway) CreateSession(ctx context.Context, order *models.Order, successURL, cancelURL string) (string, string, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)
	form.Set("client_reference_id", order.OrderNumber)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(order.Currency))
	form.Set("line_items[0][price_data][product_data][name]", order.ProductName)
	// Stripe amounts are integer minor units.
	form.Set("line_items[0][price_data][unit_amount]", order.Amount.Shift(2).String())
	form.Set("metadata[order_number]", order.OrderNumber)
	form.Set("metadata[user_id]", fmt.Sprintf("%d", order.UserID))
	form.Set("metadata[original_amount]", order.OriginalAmount.StringFixed(2))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("checkout session request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("read checkout session response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr stripeError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", "", fmt.Errorf("checkout session rejected: %s", apiErr.Error.Message)
		}
		return "", "", fmt.Errorf("checkout session rejected: status %d", resp.StatusCode)
	}

	var session checkoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return "", "", fmt.Errorf("decode checkout session: %w", err)
	}
	if session.ID == "" || session.URL == "" {
		return "", "", fmt.Errorf("checkout session response missing id or url")
	}
	return session.ID, session.URL, nil
}
