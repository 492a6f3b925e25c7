package render

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/surfscan/surfscan/pkg/retry"
	"github.com/surfscan/surfscan/pkg/ssrf"
)

// maxScriptBytes caps any fetched script body.
const maxScriptBytes = 5 << 20

// ScriptFetcher downloads external script bodies outside the browser,
// enforcing the SSRF policy at dial time so redirects cannot escape it.
type ScriptFetcher struct {
	client    *http.Client
	validator *ssrf.Validator
	userAgent string
	timeout   time.Duration
}

// NewScriptFetcher builds a fetcher whose dialer re-checks every
// connection address against the private-range policy.
func NewScriptFetcher(validator *ssrf.Validator, timeout time.Duration) *ScriptFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, netw, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil || len(ips) == 0 {
				return nil, fmt.Errorf("resolve %s: %w", host, err)
			}
			for _, ip := range ips {
				if err := validator.CheckIP(ip.IP); err != nil {
					return nil, fmt.Errorf("dial %s: %w", host, err)
				}
			}
			// Connect to the address we just vetted, not a re-resolution.
			return dialer.DialContext(ctx, netw, net.JoinHostPort(ips[0].IP.String(), port))
		},
		MaxIdleConns:        20,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Identity responses keep the byte counts honest for the size cap.
		DisableCompression: true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return nil
		},
	}

	return &ScriptFetcher{
		client:    client,
		validator: validator,
		userAgent: defaultUserAgent,
		timeout:   timeout,
	}
}

// Fetch downloads one script body with a single retry. Bodies over the
// size cap are rejected rather than truncated.
func (f *ScriptFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if _, err := f.validator.ValidateTargetURL(ctx, rawURL); err != nil {
		return nil, err
	}

	var body []byte
	err := retry.Do(ctx, retry.Config{MaxAttempts: 2, InitDelay: time.Second, MaxDelay: 2 * time.Second}, func() error {
		b, err := f.fetchOnce(ctx, rawURL)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

func (f *ScriptFetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Stop(err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Stop(err)
		}
		return nil, err
	}

	if resp.ContentLength > maxScriptBytes {
		return nil, retry.Stop(fmt.Errorf("fetch %s: body %d bytes exceeds limit", rawURL, resp.ContentLength))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxScriptBytes {
		return nil, retry.Stop(fmt.Errorf("fetch %s: body exceeds %d bytes", rawURL, maxScriptBytes))
	}
	return body, nil
}
