package vulnfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/surfscan/surfscan/pkg/finding"
	"github.com/surfscan/surfscan/pkg/models"
)

// memCache is an in-memory CacheStore.
type memCache struct {
	mu      sync.Mutex
	entries map[string]*models.VulnCacheEntry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*models.VulnCacheEntry)}
}

func (m *memCache) key(name, version string) string { return name + "@" + version }

func (m *memCache) GetVulnCache(_ context.Context, name, version string) (*models.VulnCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[m.key(name, version)], nil
}

func (m *memCache) UpsertVulnCache(_ context.Context, entry *models.VulnCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.key(entry.PackageName, entry.Version)] = entry
	return nil
}

func osvServer(t *testing.T, hits *int, vulns []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		var q osvQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			t.Errorf("bad query body: %v", err)
		}
		if q.Package.Ecosystem != "npm" {
			t.Errorf("ecosystem = %q, want npm", q.Package.Ecosystem)
		}
		json.NewEncoder(w).Encode(map[string]any{"vulns": vulns})
	}))
}

func TestFetchAndMap(t *testing.T) {
	hits := 0
	srv := osvServer(t, &hits, []map[string]any{
		{
			"id":         "GHSA-xxxx",
			"summary":    "Prototype pollution",
			"details":    "Deep merge allows proto pollution.",
			"severity":   []map[string]string{{"type": "CVSS_V3", "score": "9.8"}},
			"references": []map[string]string{{"url": "https://example.com/advisory"}},
		},
	})
	defer srv.Close()

	c := New(srv.URL, newMemCache(), 5*time.Second)
	vulns, err := c.GetVulnerabilities(context.Background(), "jquery", "1.12.4")
	if err != nil {
		t.Fatalf("GetVulnerabilities: %v", err)
	}
	if len(vulns) != 1 {
		t.Fatalf("vulns = %d, want 1", len(vulns))
	}

	v := vulns[0]
	if v.ID != "GHSA-xxxx" || v.Title != "Prototype pollution" {
		t.Errorf("mapped vuln = %+v", v)
	}
	if v.Severity != finding.Critical {
		t.Errorf("severity = %s, want critical for cvss 9.8", v.Severity)
	}
	if v.CVSSScore != 9.8 {
		t.Errorf("cvss = %v, want 9.8", v.CVSSScore)
	}
	if len(v.References) != 1 {
		t.Errorf("references = %v", v.References)
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	hits := 0
	srv := osvServer(t, &hits, []map[string]any{{"id": "OSV-1", "summary": "x"}})
	defer srv.Close()

	c := New(srv.URL, newMemCache(), 5*time.Second)
	ctx := context.Background()

	if _, err := c.GetVulnerabilities(ctx, "react", "18.2.0"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetVulnerabilities(ctx, "react", "18.2.0"); err != nil {
		t.Fatal(err)
	}

	if hits != 1 {
		t.Errorf("feed hits = %d, want 1 (second read cached)", hits)
	}
}

func TestCacheExpiry(t *testing.T) {
	hits := 0
	srv := osvServer(t, &hits, []map[string]any{{"id": "OSV-1", "summary": "x"}})
	defer srv.Close()

	now := time.Now()
	c := New(srv.URL, newMemCache(), 5*time.Second, WithTTL(time.Second))
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.GetVulnerabilities(ctx, "vue", "2.7.14")

	now = now.Add(500 * time.Millisecond)
	c.GetVulnerabilities(ctx, "vue", "2.7.14")
	if hits != 1 {
		t.Fatalf("read within TTL should be cached, hits = %d", hits)
	}

	now = now.Add(2 * time.Second)
	c.GetVulnerabilities(ctx, "vue", "2.7.14")
	if hits != 2 {
		t.Errorf("read past TTL should refetch, hits = %d", hits)
	}
}

// Empty results are cached too, under the shorter negative TTL.
func TestNegativeCaching(t *testing.T) {
	hits := 0
	srv := osvServer(t, &hits, nil)
	defer srv.Close()

	store := newMemCache()
	c := New(srv.URL, store, 5*time.Second, WithNegativeTTL(time.Minute))
	ctx := context.Background()

	c.GetVulnerabilities(ctx, "clean-lib", "1.0.0")
	c.GetVulnerabilities(ctx, "clean-lib", "1.0.0")

	if hits != 1 {
		t.Errorf("empty result should be negatively cached, hits = %d", hits)
	}

	entry, _ := store.GetVulnCache(ctx, "clean-lib", "1.0.0")
	if entry == nil {
		t.Fatal("negative entry not stored")
	}
	if entry.TTLSeconds != 60 {
		t.Errorf("negative TTL = %ds, want 60", entry.TTLSeconds)
	}
}

func TestFeedFailureReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemCache()
	c := New(srv.URL, store, 5*time.Second)

	vulns, err := c.GetVulnerabilities(context.Background(), "thing", "1.0.0")
	if err != nil {
		t.Fatalf("feed failure must not surface an error, got %v", err)
	}
	if len(vulns) != 0 {
		t.Errorf("vulns = %v, want empty", vulns)
	}

	// A failure must not poison the cache.
	if entry, _ := store.GetVulnCache(context.Background(), "thing", "1.0.0"); entry != nil {
		t.Error("failed lookup should not be cached")
	}
}

func TestSeverityLabelFallback(t *testing.T) {
	hits := 0
	srv := osvServer(t, &hits, []map[string]any{
		{"id": "OSV-2", "summary": "y", "database_specific": map[string]string{"severity": "HIGH"}},
	})
	defer srv.Close()

	c := New(srv.URL, newMemCache(), 5*time.Second)
	vulns, _ := c.GetVulnerabilities(context.Background(), "lib", "")
	if len(vulns) != 1 {
		t.Fatal("expected one vuln")
	}
	if vulns[0].Severity != finding.High {
		t.Errorf("severity = %s, want high from label fallback", vulns[0].Severity)
	}
}
