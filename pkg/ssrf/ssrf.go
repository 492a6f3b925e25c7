// Package ssrf guards outbound requests against Server-Side Request
// Forgery. Targets are validated twice: once at scan submission and
// again at browse time, so DNS rebinding between the two checks still
// hits the second gate.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Well-known error messages surfaced to API clients.
var (
	ErrInvalidURL      = fmt.Errorf("invalid or disallowed target URL")
	ErrLocalAddress    = fmt.Errorf("access to local addresses is not allowed")
	ErrPrivateAddress  = fmt.Errorf("access to private network addresses is not allowed")
	ErrResolveFailure  = fmt.Errorf("failed to resolve target host")
	ErrSchemeMismatch  = fmt.Errorf("only http and https URLs are supported")
)

// privateNets are the address ranges a scan may never reach.
var privateNets = mustParseCIDRs(
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

// localHostnames are literal names rejected before any DNS work.
var localHostnames = map[string]bool{
	"localhost": true,
	"0.0.0.0":   true,
	"0":         true,
	"[::]":      true,
}

// Resolver is the DNS lookup used by the validator. Swappable in tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator applies the SSRF policy to candidate target URLs.
type Validator struct {
	resolver  Resolver
	timeout   time.Duration
	allowList map[string]bool
}

// Option configures the validator.
type Option func(*Validator)

// WithResolver overrides the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// WithTimeout bounds each DNS lookup.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) { v.timeout = d }
}

// WithAllowList exempts specific hosts or IP literals from the private
// range check. Used for lab targets behind the renderer.
func WithAllowList(hosts []string) Option {
	return func(v *Validator) {
		for _, h := range hosts {
			h = strings.TrimSpace(strings.ToLower(h))
			if h != "" {
				v.allowList[h] = true
			}
		}
	}
}

// NewValidator creates a validator with the system resolver.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		resolver:  net.DefaultResolver,
		timeout:   5 * time.Second,
		allowList: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateTargetURL parses raw, enforces the scheme allow-list, rejects
// local literals, resolves the host and rejects any private address.
// The returned URL is the parsed form of raw.
func (v *Validator) ValidateTargetURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrSchemeMismatch
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, ErrInvalidURL
	}
	if v.allowList[host] {
		return u, nil
	}
	if localHostnames[host] || strings.HasSuffix(host, ".localhost") {
		return nil, ErrLocalAddress
	}

	// Literal IPs never touch DNS.
	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return nil, err
		}
		return u, nil
	}

	lctx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	addrs, err := v.resolver.LookupIPAddr(lctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, ErrResolveFailure
	}

	// One private resolution poisons the whole answer: a mixed A record
	// set is exactly how rebinding attacks smuggle internal addresses.
	for _, addr := range addrs {
		if err := checkIP(addr.IP); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// CheckIP applies the private-range policy to an already-resolved
// address, used by dialers that connect by IP.
func (v *Validator) CheckIP(ip net.IP) error {
	if v.allowList[ip.String()] {
		return nil
	}
	return checkIP(ip)
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return ErrLocalAddress
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return ErrPrivateAddress
		}
	}
	return nil
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("bad builtin CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}
