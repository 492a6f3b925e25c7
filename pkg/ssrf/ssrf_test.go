package ssrf

import (
	"context"
	"errors"
	"net"
	"testing"
)

// fakeResolver maps hostnames to fixed answers.
type fakeResolver struct {
	answers map[string][]net.IPAddr
	err     error
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.answers[host], nil
}

func addrs(ips ...string) []net.IPAddr {
	out := make([]net.IPAddr, 0, len(ips))
	for _, s := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out
}

func TestRejectsLocalLiterals(t *testing.T) {
	v := NewValidator()

	cases := []string{
		"http://127.0.0.1",
		"http://127.0.0.1:8080/admin",
		"http://localhost",
		"http://localhost:3000",
		"http://sub.localhost",
		"http://0.0.0.0",
		"http://[::1]/",
	}
	for _, raw := range cases {
		if _, err := v.ValidateTargetURL(context.Background(), raw); err == nil {
			t.Errorf("%s should be rejected", raw)
		}
	}
}

func TestRejectsPrivateLiterals(t *testing.T) {
	v := NewValidator()

	cases := []string{
		"http://10.1.2.3",
		"http://172.16.0.1",
		"http://172.31.255.255",
		"http://192.168.1.1",
		"http://169.254.169.254/latest/meta-data/",
		"http://[fc00::1]",
		"http://[fe80::1]",
	}
	for _, raw := range cases {
		if _, err := v.ValidateTargetURL(context.Background(), raw); !errors.Is(err, ErrPrivateAddress) && !errors.Is(err, ErrLocalAddress) {
			t.Errorf("%s: got %v, want private/local rejection", raw, err)
		}
	}
}

func TestRejectsNonHTTPSchemes(t *testing.T) {
	v := NewValidator()

	for _, raw := range []string{"ftp://example.com", "file:///etc/passwd", "gopher://example.com"} {
		if _, err := v.ValidateTargetURL(context.Background(), raw); !errors.Is(err, ErrSchemeMismatch) {
			t.Errorf("%s: got %v, want scheme rejection", raw, err)
		}
	}
}

func TestRejectsHostResolvingPrivate(t *testing.T) {
	r := &fakeResolver{answers: map[string][]net.IPAddr{
		"evil.example.com":  addrs("93.184.216.34", "10.0.0.5"),
		"inner.example.com": addrs("192.168.0.10"),
	}}
	v := NewValidator(WithResolver(r))

	if _, err := v.ValidateTargetURL(context.Background(), "http://evil.example.com"); !errors.Is(err, ErrPrivateAddress) {
		t.Errorf("mixed answer should be rejected, got %v", err)
	}
	if _, err := v.ValidateTargetURL(context.Background(), "https://inner.example.com"); !errors.Is(err, ErrPrivateAddress) {
		t.Errorf("private answer should be rejected, got %v", err)
	}
}

func TestAcceptsPublicHost(t *testing.T) {
	r := &fakeResolver{answers: map[string][]net.IPAddr{
		"example.com": addrs("93.184.216.34"),
	}}
	v := NewValidator(WithResolver(r))

	u, err := v.ValidateTargetURL(context.Background(), "https://example.com/path?q=1")
	if err != nil {
		t.Fatalf("public host rejected: %v", err)
	}
	if u.Hostname() != "example.com" {
		t.Errorf("hostname = %q", u.Hostname())
	}
}

func TestResolveFailure(t *testing.T) {
	r := &fakeResolver{err: errors.New("no such host")}
	v := NewValidator(WithResolver(r))

	if _, err := v.ValidateTargetURL(context.Background(), "http://nxdomain.example"); !errors.Is(err, ErrResolveFailure) {
		t.Errorf("got %v, want resolve failure", err)
	}
}

func TestAllowListOverride(t *testing.T) {
	v := NewValidator(WithAllowList([]string{"192.168.1.10", "lab.internal"}))

	if _, err := v.ValidateTargetURL(context.Background(), "http://192.168.1.10:8080"); err != nil {
		t.Errorf("allow-listed IP rejected: %v", err)
	}
	if _, err := v.ValidateTargetURL(context.Background(), "http://lab.internal"); err != nil {
		t.Errorf("allow-listed host rejected: %v", err)
	}
	if _, err := v.ValidateTargetURL(context.Background(), "http://192.168.1.11"); err == nil {
		t.Error("non-listed private IP should still be rejected")
	}
}

func TestCheckIP(t *testing.T) {
	v := NewValidator()

	if err := v.CheckIP(net.ParseIP("8.8.8.8")); err != nil {
		t.Errorf("public IP rejected: %v", err)
	}
	if err := v.CheckIP(net.ParseIP("10.9.8.7")); err == nil {
		t.Error("private IP should be rejected")
	}
}
