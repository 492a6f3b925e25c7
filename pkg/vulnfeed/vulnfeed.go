// Package vulnfeed queries the OSV advisory database for known
// vulnerabilities of detected libraries, memoizing results in the
// vulnerability cache. Feed failures degrade to an empty advisory list;
// they never fail a scan.
package vulnfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/surfscan/surfscan/pkg/finding"
	"github.com/surfscan/surfscan/pkg/models"
)

// CacheStore is the persistence surface the client needs. The Postgres
// store implements it.
type CacheStore interface {
	GetVulnCache(ctx context.Context, packageName, version string) (*models.VulnCacheEntry, error)
	UpsertVulnCache(ctx context.Context, entry *models.VulnCacheEntry) error
}

// Client is the OSV feed client with read-through caching.
type Client struct {
	http        *http.Client
	apiURL      string
	cache       CacheStore
	ttl         time.Duration
	negativeTTL time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTTL sets the positive-result cache TTL.
func WithTTL(d time.Duration) Option {
	return func(c *Client) { c.ttl = d }
}

// WithNegativeTTL sets the TTL used when the feed returns no advisories.
// Empty results are cached for a shorter window so a newly published
// advisory is picked up within the hour.
func WithNegativeTTL(d time.Duration) Option {
	return func(c *Client) { c.negativeTTL = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a feed client against apiURL, caching through store.
func New(apiURL string, store CacheStore, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c := &Client{
		http:        &http.Client{Timeout: timeout},
		apiURL:      apiURL,
		cache:       store,
		ttl:         24 * time.Hour,
		negativeTTL: time.Hour,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// osvQuery is the advisory API request body.
type osvQuery struct {
	Package osvPackage `json:"package"`
	Version string     `json:"version,omitempty"`
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvResponse struct {
	Vulns []osvVuln `json:"vulns"`
}

type osvVuln struct {
	ID               string         `json:"id"`
	Summary          string         `json:"summary"`
	Details          string         `json:"details"`
	Severity         []osvSeverity  `json:"severity"`
	References       []osvReference `json:"references"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
}

type osvSeverity struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type osvReference struct {
	URL string `json:"url"`
}

// GetVulnerabilities returns the known advisories for (name, version),
// serving from the cache while fresh. Network and decode failures log a
// warning and return an empty list.
func (c *Client) GetVulnerabilities(ctx context.Context, name, version string) ([]models.Vulnerability, error) {
	if entry, err := c.cache.GetVulnCache(ctx, name, version); err == nil && entry != nil {
		if !entry.Expired(c.now()) {
			return entry.Vulnerabilities, nil
		}
	}

	vulns, err := c.query(ctx, name, version)
	if err != nil {
		c.log.Warn("vulnerability feed lookup failed",
			"package", name, "version", version, "error", err)
		return nil, nil
	}

	ttl := c.ttl
	if len(vulns) == 0 {
		ttl = c.negativeTTL
	}
	entry := &models.VulnCacheEntry{
		PackageName:     name,
		Version:         version,
		Vulnerabilities: vulns,
		LastUpdated:     c.now(),
		TTLSeconds:      int(ttl.Seconds()),
	}
	if err := c.cache.UpsertVulnCache(ctx, entry); err != nil {
		c.log.Warn("vulnerability cache upsert failed",
			"package", name, "error", err)
	}

	return vulns, nil
}

func (c *Client) query(ctx context.Context, name, version string) ([]models.Vulnerability, error) {
	body, err := json.Marshal(osvQuery{
		Package: osvPackage{Name: name, Ecosystem: "npm"},
		Version: version,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisory API returned %d", resp.StatusCode)
	}

	var decoded osvResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode advisory response: %w", err)
	}

	vulns := make([]models.Vulnerability, 0, len(decoded.Vulns))
	for _, v := range decoded.Vulns {
		vulns = append(vulns, mapVuln(v))
	}
	return vulns, nil
}

func mapVuln(v osvVuln) models.Vulnerability {
	title := v.Summary
	if title == "" {
		title = v.ID
	}
	desc := v.Details
	if desc == "" {
		desc = v.Summary
	}

	refs := make([]string, 0, len(v.References))
	for _, r := range v.References {
		if r.URL != "" {
			refs = append(refs, r.URL)
		}
	}

	cvss := extractCVSS(v)
	sev := finding.FromCVSS(cvss)
	if cvss == 0 {
		if s := parseSeverityLabel(v.DatabaseSpecific.Severity); s != "" {
			sev = s
		}
	}

	return models.Vulnerability{
		ID:          v.ID,
		Title:       title,
		Description: desc,
		Severity:    sev,
		CVSSScore:   cvss,
		References:  refs,
	}
}

// extractCVSS pulls a numeric score out of the severity entries. OSV
// reports either a bare number or a CVSS vector; vectors carry no
// numeric score, so only parseable numbers count.
func extractCVSS(v osvVuln) float64 {
	var top float64
	for _, s := range v.Severity {
		if score, err := strconv.ParseFloat(strings.TrimSpace(s.Score), 64); err == nil && score > top {
			top = score
		}
	}
	return top
}

func parseSeverityLabel(label string) finding.Severity {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "critical":
		return finding.Critical
	case "high":
		return finding.High
	case "moderate", "medium":
		return finding.Moderate
	case "low":
		return finding.Low
	}
	return ""
}
