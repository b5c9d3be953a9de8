// Package clerk binds billing customers to Clerk users through the Clerk
// Backend API's private metadata.
package clerk

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

	"github.com/mihaimyh/resumegate/pkg/billing"
)

const (
	// DefaultAPIURL is the Clerk Backend API base URL
	DefaultAPIURL = "https://api.clerk.com"

	// CustomerIDKey is the private metadata key holding the Stripe customer id
	CustomerIDKey = "stripeCustomerId"

	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 4 << 10
)

// Config configures the Clerk client
type Config struct {
	// SecretKey is the Clerk secret key (sk_...)
	SecretKey string

	// APIURL overrides DefaultAPIURL
	APIURL string

	// HTTPClient overrides the default client (10s timeout)
	HTTPClient *http.Client
}

// Client implements billing.IdentityBridge for Clerk
type Client struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// New creates a Clerk client
func New(config Config) (*Client, error) {
	secret := strings.TrimSpace(config.SecretKey)
	if secret == "" {
		return nil, fmt.Errorf("%w: clerk secret key not set", billing.ErrProviderNotConfigured)
	}

	baseURL := strings.TrimRight(config.APIURL, "/")
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		secretKey:  secret,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

type metadataPatch struct {
	PrivateMetadata map[string]string `json:"private_metadata"`
}

type userResponse struct {
	PrivateMetadata map[string]any `json:"private_metadata"`
}

// BindCustomer implements billing.IdentityBridge. Clerk merges the patch
// into existing private metadata, so other keys are preserved.
func (c *Client) BindCustomer(ctx context.Context, userID, customerID string) error {
	payload, err := json.Marshal(metadataPatch{
		PrivateMetadata: map[string]string{CustomerIDKey: customerID},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", billing.ErrIdentityWriteFailed, err)
	}

	res, err := c.do(ctx, http.MethodPatch, c.userURL(userID)+"/metadata", payload)
	if err != nil {
		return fmt.Errorf("%w: %w", billing.ErrIdentityWriteFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", billing.ErrIdentityWriteFailed, statusError(res))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// CustomerID returns the customer id stored on the user, or
// billing.ErrCustomerNotFound when none is bound.
func (c *Client) CustomerID(ctx context.Context, userID string) (string, error) {
	res, err := c.do(ctx, http.MethodGet, c.userURL(userID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch clerk user: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return "", billing.ErrCustomerNotFound
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("clerk API error: %s", statusError(res))
	}

	var user userResponse
	if err := json.NewDecoder(res.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("failed to parse clerk user: %w", err)
	}

	customerID, _ := user.PrivateMetadata[CustomerIDKey].(string)
	if customerID == "" {
		return "", billing.ErrCustomerNotFound
	}
	return customerID, nil
}

func (c *Client) userURL(userID string) string {
	return c.baseURL + "/v1/users/" + url.PathEscape(userID)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func statusError(res *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return fmt.Sprintf("status %d, body: %s", res.StatusCode, strings.TrimSpace(string(body)))
}
