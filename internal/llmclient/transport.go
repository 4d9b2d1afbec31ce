package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// backoffFactory produces a fresh policy for each request so tests can swap
// in a fast one.
type backoffFactory func() backoff.BackOff

func newExponentialBackoff(maxElapsed time.Duration) backoffFactory {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxElapsed
		b.MaxInterval = 30 * time.Second
		return b
	}
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: status %d, body: %s", e.Provider, e.StatusCode, e.Body)
}

// transport posts JSON to a provider and retries transient failures.
type transport struct {
	provider       string
	httpClient     *http.Client
	logger         *zap.Logger
	backoffFactory backoffFactory
}

// postJSON sends body and hands a 200 response body to decode. Errors from
// decode are not retried.
func (t *transport) postJSON(ctx context.Context, url string, headers map[string]string, body []byte, decode func([]byte) error) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		start := time.Now()
		resp, err := t.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			t.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return t.handleAPIError(resp.StatusCode, respBody)
		}

		t.logger.Debug("LLM request complete", zap.Duration("duration", time.Since(start)))
		if err := decode(respBody); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(t.backoffFactory(), ctx))
}

func (t *transport) handleAPIError(statusCode int, body []byte) error {
	t.logger.Error("LLM API returned error status", zap.Int("status", statusCode), zap.ByteString("response", body))
	err := &APIError{Provider: t.provider, StatusCode: statusCode, Body: string(body)}

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout, 529:
		return err
	default:
		return backoff.Permanent(err)
	}
}
