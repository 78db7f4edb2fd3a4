package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/retry"
	"go.uber.org/zap"
)

const (
	endpointRawCards = "raw_cards"
	endpointRawDecks = "raw_decks"
	defaultLanguage  = "en"
)

// RawClientConfig bundles configuration for the bulk data file client.
type RawClientConfig struct {
	BaseURL    string
	Language   string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Retry      retry.Strategy
	Logger     *zap.Logger
}

// RawClient downloads whole-set JSON files. There is no pagination and no auth.
type RawClient struct {
	baseURL   *url.URL
	language  string
	transport transport
}

// NewRawClient validates configuration and constructs a RawClient.
func NewRawClient(cfg RawClientConfig) (*RawClient, error) {
	rawBase := strings.TrimSpace(cfg.BaseURL)
	if rawBase == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(rawBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid raw base url: %w", err)
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = defaultLanguage
	}
	return &RawClient{
		baseURL:   baseURL,
		language:  language,
		transport: newTransport(cfg.HTTPClient, cfg.Timeout, cfg.UserAgent, "", cfg.Retry, cfg.Logger),
	}, nil
}

// FetchSetCards downloads every card of one set.
func (c *RawClient) FetchSetCards(ctx context.Context, setCode string) ([]json.RawMessage, error) {
	return c.fetchArray(ctx, endpointRawCards, c.fileURL("cards", setCode))
}

// FetchSetDecks downloads every deck of one set.
func (c *RawClient) FetchSetDecks(ctx context.Context, setCode string) ([]json.RawMessage, error) {
	return c.fetchArray(ctx, endpointRawDecks, c.fileURL("decks", setCode))
}

func (c *RawClient) fetchArray(ctx context.Context, endpoint, requestURL string) ([]json.RawMessage, error) {
	var records []json.RawMessage
	err := c.transport.get(ctx, endpoint, requestURL, func(body []byte) error {
		records = nil
		return json.Unmarshal(body, &records)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (c *RawClient) fileURL(kind, setCode string) string {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/" + kind + "/" + c.language + "/" + url.PathEscape(strings.TrimSpace(setCode)) + ".json"
	return endpoint.String()
}
