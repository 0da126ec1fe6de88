package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"booksync/internal/logger"
	"booksync/internal/util"
)

const (
	apiPath = "/1.0"

	// DefaultResponseGroups is the field-group selection used for
	// library listings and per-item detail fetches.
	DefaultResponseGroups = "product_desc,product_attrs,contributors,series,media,rating,price"

	maxAttempts = 3
)

// Client is an authenticated client for the remote catalog service
type Client struct {
	baseURL  string
	token    string
	region   string
	pageSize int
	client   *http.Client
	limiter  *util.RateLimiter
	logger   *logger.Logger
}

// NewClient creates a new catalog client. The limiter is shared across
// all requests issued by the client, regardless of which worker issues
// them, so the remote service sees a bounded request rate.
func NewClient(baseURL, token, region string, pageSize int, requestDelay time.Duration) *Client {
	if pageSize <= 0 {
		pageSize = 50
	}
	log := logger.Get().With(map[string]interface{}{
		"component": "catalog_client",
	})

	return &Client{
		baseURL:  baseURL,
		token:    token,
		region:   region,
		pageSize: pageSize,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: util.NewRateLimiter(requestDelay, 1),
		logger:  log,
	}
}

// GetLibraryItems pages through the library listing until a short page
// is returned and collects every item.
func (c *Client) GetLibraryItems(ctx context.Context) ([]Item, error) {
	var all []Item

	for page := 1; ; page++ {
		items, err := c.getLibraryPage(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch library page %d: %w", page, err)
		}

		all = append(all, items...)

		if len(items) < c.pageSize {
			break
		}
	}

	c.logger.Info("Fetched library listing", map[string]interface{}{
		"count": len(all),
	})
	return all, nil
}

func (c *Client) getLibraryPage(ctx context.Context, page int) ([]Item, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("num_results", strconv.Itoa(c.pageSize))
	query.Set("response_groups", DefaultResponseGroups)

	endpoint := c.baseURL + apiPath + "/library?" + query.Encode()

	body, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var result struct {
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode library page: %w", err)
	}

	c.logger.Debug("Fetched library page", map[string]interface{}{
		"page":  page,
		"count": len(result.Items),
	})
	return result.Items, nil
}

// GetProductDetail fetches one product by external id
func (c *Client) GetProductDetail(ctx context.Context, asin string, responseGroups string) (Item, error) {
	if asin == "" {
		return nil, fmt.Errorf("asin is required")
	}
	if responseGroups == "" {
		responseGroups = DefaultResponseGroups
	}

	query := url.Values{}
	query.Set("response_groups", responseGroups)
	endpoint := c.baseURL + apiPath + "/catalog/products/" + url.PathEscape(asin) + "?" + query.Encode()

	body, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch product %s: %w", asin, err)
	}

	var result struct {
		Product Item `json:"product"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode product %s: %w", asin, err)
	}
	if result.Product == nil {
		return nil, fmt.Errorf("no product payload for %s", asin)
	}

	return result.Product, nil
}

// doRequest issues a GET with the client's auth headers, honouring the
// rate limiter and retrying transient failures (network errors, 429,
// 5xx) up to maxAttempts times.
func (c *Client) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if c.region != "" {
			req.Header.Set("X-Catalog-Region", c.region)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			c.logger.Warn("Catalog request failed, will retry", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				return nil, fmt.Errorf("failed to read response: %w", readErr)
			}
			c.limiter.ResetRate()
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			wait := c.limiter.OnRateLimit(retryAfter)
			lastErr = fmt.Errorf("rate limited: %w", util.ErrRateLimited)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			c.logger.Warn("Catalog returned server error, will retry", map[string]interface{}{
				"attempt": attempt,
				"status":  resp.StatusCode,
			})

		default:
			// Client errors are not retryable
			c.logger.Error("Catalog request rejected", map[string]interface{}{
				"status":   resp.StatusCode,
				"response": string(body),
			})
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
	}

	return nil, fmt.Errorf("catalog request failed after %d attempts: %w", maxAttempts, lastErr)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
