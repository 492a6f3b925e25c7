package models

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ScanStatus
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestVulnCacheEntryExpired(t *testing.T) {
	now := time.Now()
	entry := &VulnCacheEntry{
		PackageName: "jquery",
		LastUpdated: now,
		TTLSeconds:  1,
	}

	if entry.Expired(now) {
		t.Error("fresh entry should not be expired")
	}
	if entry.Expired(now.Add(900 * time.Millisecond)) {
		t.Error("entry within TTL should not be expired")
	}
	if !entry.Expired(now.Add(2 * time.Second)) {
		t.Error("entry past TTL should be expired")
	}
}

func TestArtifactKeys(t *testing.T) {
	if got := ArtifactKey("abc", ArtifactDOMSnapshot); got != "scans/abc/dom-snapshot.html" {
		t.Errorf("ArtifactKey = %q", got)
	}
	if got := ExternalScriptKey("abc", 3); got != "scans/abc/scripts/external-script-3.js" {
		t.Errorf("ExternalScriptKey = %q", got)
	}
	if got := ScanPrefix("abc"); got != "scans/abc/" {
		t.Errorf("ScanPrefix = %q", got)
	}
}

func TestScanDuration(t *testing.T) {
	var s Scan
	if s.DurationSeconds() != 0 {
		t.Error("scan without timestamps should have zero duration")
	}

	start := time.Now()
	end := start.Add(42 * time.Second)
	s.StartedAt = &start
	s.CompletedAt = &end
	if got := s.DurationSeconds(); got != 42 {
		t.Errorf("DurationSeconds = %v, want 42", got)
	}
}
