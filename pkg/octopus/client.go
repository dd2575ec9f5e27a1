// Package octopus implements the remote sources and token issuer backed by
// the Octopus Energy REST and GraphQL APIs.
package octopus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/octosync/pkg/apierr"
	"github.com/raterudder/octosync/pkg/common"
	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/types"
)

const (
	defaultAPIURL     = "https://api.octopus.energy/v1"
	defaultGraphQLURL = "https://api.octopus.energy/v1/graphql/"
)

// Client talks to the Octopus APIs. It implements token.Issuer and provides
// remote.Source implementations for each data kind.
type Client struct {
	apiURL      string
	graphqlURL  string
	pageSize    int
	productPage int
	client      *http.Client
	clock       clockwork.Clock
}

// New returns a Client using the public Octopus endpoints.
func New(client *http.Client) *Client {
	if client == nil {
		client = common.HTTPClient(30 * time.Second)
	}
	return &Client{
		apiURL:      defaultAPIURL,
		graphqlURL:  defaultGraphQLURL,
		pageSize:    1500,
		productPage: 100,
		client:      client,
		clock:       clockwork.NewRealClock(),
	}
}

// Configured sets up the Client based on flags.
func Configured() *Client {
	c := New(nil)
	apiURL := lflag.String("octopus-api-url", defaultAPIURL, "Base URL of the Octopus REST API")
	graphqlURL := lflag.String("octopus-graphql-url", defaultGraphQLURL, "URL of the Octopus GraphQL API")
	pageSize := lflag.Int("octopus-page-size", 1500, "Number of results requested per REST page")
	productPage := lflag.Int("octopus-product-page-size", 100, "Number of products requested per GraphQL page")
	timeout := lflag.Duration("octopus-timeout", 30*time.Second, "Timeout for a single request to Octopus")
	minInterval := lflag.Duration("octopus-min-request-interval", 250*time.Millisecond, "Minimum time between requests to Octopus (0 to disable)")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.graphqlURL = *graphqlURL
		c.pageSize = *pageSize
		c.productPage = *productPage
		c.client = common.RateLimitedHTTPClient(*timeout, *minInterval)
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("octopus config invalid: %v", err))
		}
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.apiURL == "" {
		return errors.New("octopus-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse octopus api url (%s): %w", c.apiURL, err)
	}
	if c.graphqlURL == "" {
		return errors.New("octopus-graphql-url is required")
	}
	if _, err := url.Parse(c.graphqlURL); err != nil {
		return fmt.Errorf("failed to parse octopus graphql url (%s): %w", c.graphqlURL, err)
	}
	if c.pageSize <= 0 || c.productPage <= 0 {
		return errors.New("page sizes must be positive")
	}
	return nil
}

// do sends req and decodes a 2xx JSON body into v. A 404 returns false with
// no error. A canceled ctx is returned as-is.
func (c *Client) do(ctx context.Context, op string, req *http.Request, v any) (bool, error) {
	start := c.clock.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		log.Ctx(ctx).WarnContext(ctx, "octopus request failed", slog.String("op", op), slog.Any("error", err))
		return false, apierr.Transport(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, apierr.Transport(op, fmt.Errorf("failed to read response: %w", err))
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"octopus response",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", c.clock.Since(start)),
	)

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, apierr.Server(op, resp.StatusCode, fmt.Errorf("unexpected response: %s", preview(body)))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, apierr.Server(op, 0, fmt.Errorf("failed to decode response: %w", err))
	}
	return true, nil
}

// get issues an authenticated GET against u.
func (c *Client) get(ctx context.Context, op, u string, token *types.Token, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != nil {
		req.Header.Set("Authorization", token.Value)
	}
	return c.do(ctx, op, req, v)
}

// post issues an authenticated JSON POST against u.
func (c *Client) post(ctx context.Context, op, u string, token *types.Token, body any, v any) (bool, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != nil {
		req.Header.Set("Authorization", token.Value)
	}
	return c.do(ctx, op, req, v)
}

func preview(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
