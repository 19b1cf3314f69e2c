package activator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// providerClient posts JSON to a provider API with a bearer key.
type providerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newProviderClient(baseURL, apiKey string, timeout time.Duration) providerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return providerClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type providerError struct {
	Status  int
	Message string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Message)
}

// post sends body and decodes a 2xx response into out. 4xx answers are
// permanent; 5xx and transport errors are retryable.
func (c providerClient) post(ctx context.Context, path string, body, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: provider URL not configured", ErrPermanent)
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		perr := &providerError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return errors.Join(ErrPermanent, perr)
		}
		return perr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider returned invalid JSON: %w", err)
	}
	return nil
}
