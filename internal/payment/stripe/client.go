package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.stripe.com/v1"

// Client is a thin form-encoded REST client for the Stripe endpoints the
// billing core needs: customers, checkout sessions and the portal.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithBaseURL points the client at a different API host, used by tests.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// CustomerRef is the provider-side customer handle.
type CustomerRef struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Checkout is the provider-side checkout session.
type Checkout struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	AmountTotal int64  `json:"amount_total"`
	Currency    string `json:"currency"`
}

// Portal is the provider-side billing portal session.
type Portal struct {
	URL string `json:"url"`
}

// CheckoutParams describe one checkout session to create.
type CheckoutParams struct {
	CustomerID        string
	PriceID           string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
}

func (c *Client) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (CustomerRef, error) {
	form := url.Values{}
	form.Set("email", email)
	for key, value := range metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	var customer CustomerRef
	if err := c.post(ctx, "/customers", form, &customer); err != nil {
		return CustomerRef{}, err
	}
	return customer, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (Checkout, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("customer", params.CustomerID)
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("automatic_tax[enabled]", "true")
	if params.ClientReferenceID != "" {
		form.Set("client_reference_id", params.ClientReferenceID)
	}
	for key, value := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	var checkout Checkout
	if err := c.post(ctx, "/checkout/sessions", form, &checkout); err != nil {
		return Checkout{}, err
	}
	return checkout, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (Portal, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)

	var portal Portal
	if err := c.post(ctx, "/billing_portal/sessions", form, &portal); err != nil {
		return Portal{}, err
	}
	return portal, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stripe %s returned %d: %s", path, resp.StatusCode, truncate(body, 256))
	}

	return json.Unmarshal(body, out)
}

func truncate(body []byte, max int) string {
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
