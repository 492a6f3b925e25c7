// Package llm defines the pluggable report-generation collaborator. The
// core only guarantees the transport contract: a JSON context blob goes
// to an HTTP endpoint, the text body comes back. Deployments without an
// endpoint get the no-op provider.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider turns a scan context blob into generated report text.
type Provider interface {
	Generate(ctx context.Context, contextBlob []byte) (string, error)
}

// HTTPProvider posts the context to a configured endpoint.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProvider creates a provider against endpoint with the given
// timeout.
func NewHTTPProvider(endpoint string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Generate posts the blob and returns the response body as text.
func (p *HTTPProvider) Generate(ctx context.Context, contextBlob []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(contextBlob))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// NoopProvider is the default when no endpoint is configured.
type NoopProvider struct{}

// Generate returns an empty report.
func (NoopProvider) Generate(context.Context, []byte) (string, error) {
	return "", nil
}

// FromConfig picks the HTTP provider when an endpoint is set, otherwise
// the no-op.
func FromConfig(endpoint string, timeout time.Duration) Provider {
	if endpoint == "" {
		return NoopProvider{}
	}
	return NewHTTPProvider(endpoint, timeout)
}
