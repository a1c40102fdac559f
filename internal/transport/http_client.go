package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
)

// HTTPClient handles HTTP communication with the API.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	apiKey    string
	logger    *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// Request is one HTTP call.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Header      http.Header

	// NotIdempotent limits retries to 429 answers and to failures that
	// happened before the request was written.
	NotIdempotent bool
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.APIConfig, apiKey string, logger *events.Logger) *HTTPClient {
	// Create transport with HTTP/2 support
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	// Configure HTTP/2
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		userAgent:  cfg.UserAgent,
		apiKey:     apiKey,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		logger:     logger.WithField("component", "http_client"),
	}
}

// SetRetryDelay changes the initial backoff delay.
func (c *HTTPClient) SetRetryDelay(d time.Duration) {
	c.retryDelay = d
}

// DoJSON executes a request and decodes a JSON response into out (if not nil).
func (c *HTTPClient) DoJSON(ctx context.Context, req Request, out interface{}) error {
	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	return nil
}

// Do executes a request with retries and returns the response body of a 2xx
// answer. Other answers become *models.APIError.
func (c *HTTPClient) Do(ctx context.Context, r Request) ([]byte, error) {
	c.logger.WithFields(map[string]interface{}{
		"method": r.Method,
		"url":    r.URL,
		"size":   len(r.Body),
	}).Debug("Sending request")

	var respBody []byte
	var status int

	err := c.retry(ctx, func() error {
		var body io.Reader
		if r.Body != nil {
			body = bytes.NewReader(r.Body)
		}

		req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
		if err != nil {
			return &permanentError{fmt.Errorf("create request: %w", err)}
		}

		for k, values := range r.Header {
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
		if r.ContentType != "" {
			req.Header.Set("Content-Type", r.ContentType)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.apiKey != "" {
			req.Header.Set("x-goog-api-key", c.apiKey)
		}

		var wrote atomic.Bool
		if r.NotIdempotent {
			req = req.WithContext(httptrace.WithClientTrace(req.Context(), &httptrace.ClientTrace{
				WroteRequest: func(httptrace.WroteRequestInfo) { wrote.Store(true) },
			}))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			err = fmt.Errorf("execute request: %w", err)
			if r.NotIdempotent && wrote.Load() {
				return &permanentError{err}
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			err = fmt.Errorf("read response: %w", err)
			if r.NotIdempotent {
				return &permanentError{err}
			}
			return err
		}

		status = resp.StatusCode
		if status < 200 || status >= 300 {
			apiErr := parseAPIError(status, data)
			if r.NotIdempotent && status != http.StatusTooManyRequests {
				return &permanentError{apiErr}
			}
			return apiErr
		}

		respBody = data
		return nil
	})

	if err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"status": status,
		"size":   len(respBody),
	}).Debug("Received response")

	return respBody, nil
}

// permanentError stops the retry loop.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2 // Exponential backoff
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		// Check if error is retryable
		if !c.isRetryableError(err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

// isRetryableError checks if an error is retryable. Network errors are; API
// errors only for retryable statuses.
func (c *HTTPClient) isRetryableError(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return c.isRetryable(apiErr.StatusCode)
	}

	return true
}

// parseAPIError decodes the {"error": {...}} envelope.
func parseAPIError(status int, body []byte) error {
	var envelope struct {
		Error *models.APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.StatusCode = status
		return envelope.Error
	}

	msg := string(bytes.TrimSpace(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &models.APIError{
		Code:       http.StatusText(status),
		Message:    msg,
		StatusCode: status,
	}
}
