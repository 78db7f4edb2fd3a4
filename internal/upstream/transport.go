package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/metrics"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/retry"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout is applied to each attempt when none is configured.
	DefaultTimeout = 30 * time.Second
	// MaxResponseSize caps a single response body (raw set files are the largest).
	MaxResponseSize = 32 * 1024 * 1024
	defaultUserAgent = "cardpipe/1.0"
	apiKeyHeader     = "X-Api-Key"
	errorBodyPreview = 256
)

var errResponseTooLarge = errors.New("response body too large")

// transport performs single GET attempts under the shared retry strategy.
type transport struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	apiKey     string
	strategy   retry.Strategy
	logger     *zap.Logger
}

func newTransport(httpClient *http.Client, timeout time.Duration, userAgent, apiKey string, strategy retry.Strategy, logger *zap.Logger) transport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strategy.Logger == nil {
		strategy.Logger = logger
	}
	if strategy.OnRetry == nil {
		strategy.OnRetry = func(class retry.Class, _ int, _ time.Duration) {
			metrics.UpstreamRetriesTotal.WithLabelValues(class.String()).Inc()
		}
	}
	return transport{
		httpClient: httpClient,
		timeout:    timeout,
		userAgent:  userAgent,
		apiKey:     strings.TrimSpace(apiKey),
		strategy:   strategy,
		logger:     logger,
	}
}

// get fetches requestURL with retries and hands the body to decode. A decode
// failure counts as a server error so a truncated or garbled body is retried.
func (t transport) get(ctx context.Context, endpoint, requestURL string, decode func([]byte) error) error {
	return t.strategy.Do(ctx, Classify, func(ctx context.Context, attempt int) error {
		body, err := t.attempt(ctx, endpoint, requestURL)
		if err != nil {
			return err
		}
		if err := decode(body); err != nil {
			metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, string(KindServer)).Inc()
			return &FetchError{Kind: KindServer, StatusCode: http.StatusOK, URL: requestURL, Err: fmt.Errorf("decode response: %w", err)}
		}
		t.logger.Debug("upstream request succeeded",
			zap.String("endpoint", endpoint),
			zap.String("url", requestURL),
			zap.Int("attempt", attempt))
		return nil
	})
}

func (t transport) attempt(ctx context.Context, endpoint, requestURL string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindClient, URL: requestURL, Err: fmt.Errorf("build request: %w", err)}
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", t.userAgent)
	if t.apiKey != "" {
		request.Header.Set(apiKeyHeader, t.apiKey)
	}

	start := time.Now()
	response, err := t.httpClient.Do(request)
	metrics.UpstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		fetchErr := transportError(requestURL, err)
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, string(fetchErr.Kind)).Inc()
		return nil, fetchErr
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, MaxResponseSize+1))
	if err != nil {
		fetchErr := transportError(requestURL, fmt.Errorf("read body: %w", err))
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, string(fetchErr.Kind)).Inc()
		return nil, fetchErr
	}
	if len(body) > MaxResponseSize {
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, string(KindServer)).Inc()
		return nil, &FetchError{Kind: KindServer, StatusCode: response.StatusCode, URL: requestURL, Err: errResponseTooLarge}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		kind := kindForStatus(response.StatusCode)
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, string(kind)).Inc()
		return nil, &FetchError{
			Kind:       kind,
			StatusCode: response.StatusCode,
			URL:        requestURL,
			Err:        errors.New(preview(body)),
		}
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return body, nil
}

func preview(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > errorBodyPreview {
		text = text[:errorBodyPreview] + "..."
	}
	if text == "" {
		return "empty response body"
	}
	return text
}
