// Package upstream talks to the third-party card APIs: the paginated card API
// and the static bulk data files.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/retry"
	"go.uber.org/zap"
)

const endpointCards = "cards"

var (
	errMissingBaseURL   = errors.New("upstream base url is required")
	errInvalidPage      = errors.New("page number must be at least 1")
	errInvalidPageSize  = errors.New("page size must be at least 1")
	errPageSizeTooLarge = errors.New("page size exceeds the upstream maximum")
)

// MaxPageSize is the largest page the card API serves.
const MaxPageSize = 250

// ClientConfig bundles configuration for the paginated API client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Retry      retry.Strategy
	Logger     *zap.Logger
}

// Page is one decoded page of the card API.
type Page struct {
	Records    []json.RawMessage
	Page       int
	PageSize   int
	Count      int
	TotalCount int
}

type pageEnvelope struct {
	Data       []json.RawMessage `json:"data"`
	Page       int               `json:"page"`
	PageSize   int               `json:"pageSize"`
	Count      int               `json:"count"`
	TotalCount int               `json:"totalCount"`
}

// Client fetches pages from the card API, one request at a time.
type Client struct {
	baseURL   *url.URL
	transport transport
}

// NewClient validates configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawBase := strings.TrimSpace(cfg.BaseURL)
	if rawBase == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(rawBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid base url: %w", err)
	}
	return &Client{
		baseURL:   baseURL,
		transport: newTransport(cfg.HTTPClient, cfg.Timeout, cfg.UserAgent, cfg.APIKey, cfg.Retry, cfg.Logger),
	}, nil
}

// FetchPage requests one page of cards matching query. Retryable failures are
// retried under the configured strategy; the returned error wraps a *FetchError.
func (c *Client) FetchPage(ctx context.Context, query string, pageNumber, pageSize int) (Page, error) {
	if pageNumber < 1 {
		return Page{}, fmt.Errorf("%w: %d", errInvalidPage, pageNumber)
	}
	if pageSize < 1 {
		return Page{}, fmt.Errorf("%w: %d", errInvalidPageSize, pageSize)
	}
	if pageSize > MaxPageSize {
		return Page{}, fmt.Errorf("%w: %d > %d", errPageSizeTooLarge, pageSize, MaxPageSize)
	}

	requestURL := c.pageURL(query, pageNumber, pageSize)
	var envelope pageEnvelope
	err := c.transport.get(ctx, endpointCards, requestURL, func(body []byte) error {
		envelope = pageEnvelope{}
		return json.Unmarshal(body, &envelope)
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{
		Records:    envelope.Data,
		Page:       envelope.Page,
		PageSize:   envelope.PageSize,
		Count:      envelope.Count,
		TotalCount: envelope.TotalCount,
	}
	if page.Page == 0 {
		page.Page = pageNumber
	}
	if page.PageSize == 0 {
		page.PageSize = pageSize
	}
	if page.Count == 0 {
		page.Count = len(page.Records)
	}
	return page, nil
}

func (c *Client) pageURL(query string, pageNumber, pageSize int) string {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/cards"
	values := url.Values{}
	if strings.TrimSpace(query) != "" {
		values.Set("q", query)
	}
	values.Set("page", strconv.Itoa(pageNumber))
	values.Set("pageSize", strconv.Itoa(pageSize))
	endpoint.RawQuery = values.Encode()
	return endpoint.String()
}
