package api

import (
	"bytes"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// requestIDHeader echoes the per-request identifier.
const requestIDHeader = "X-Request-Id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(requestIDHeader, id)
		r.Header.Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		took := time.Since(start)
		route := r.Method + " " + r.URL.Path
		s.requestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
		s.requestDuration.WithLabelValues(route).Observe(took.Seconds())

		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"took", took,
			"request_id", r.Header.Get(requestIDHeader),
			"remote", clientIP(r))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Operational probes bypass the limiter.
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow(clientIP(r)) {
			s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the caller address, honoring X-Forwarded-For from
// a fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- in-flight request dedup ------------------------------------------

// dedupTTL keeps a finished response available to coalesced followers.
const dedupTTL = time.Second

type inflightEntry struct {
	done      chan struct{}
	status    int
	header    http.Header
	body      []byte
	expiresAt time.Time
}

type inflightDedup struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
	now     func() time.Time
}

func newInflightDedup() *inflightDedup {
	return &inflightDedup{
		entries: make(map[string]*inflightEntry),
		now:     time.Now,
	}
}

// bufferingRecorder captures the full response for replay to duplicate
// requests.
type bufferingRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferingRecorder() *bufferingRecorder {
	return &bufferingRecorder{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferingRecorder) Header() http.Header       { return b.header }
func (b *bufferingRecorder) WriteHeader(code int)      { b.status = code }
func (b *bufferingRecorder) Write(p []byte) (int, error) { return b.body.Write(p) }

// dedupMiddleware coalesces identical concurrent GET requests
// (method:url:ip): followers wait for the leader's response and replay
// it, for up to dedupTTL after completion.
func (s *Server) dedupMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Method + ":" + r.URL.String() + ":" + clientIP(r)

		s.dedup.mu.Lock()
		entry, exists := s.dedup.entries[key]
		if exists && !entry.expiresAt.IsZero() && s.dedup.now().After(entry.expiresAt) {
			delete(s.dedup.entries, key)
			entry, exists = nil, false
		}
		if !exists {
			if len(s.dedup.entries) > 4096 {
				now := s.dedup.now()
				for k, e := range s.dedup.entries {
					if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
						delete(s.dedup.entries, k)
					}
				}
			}
			entry = &inflightEntry{done: make(chan struct{})}
			s.dedup.entries[key] = entry
			s.dedup.mu.Unlock()

			rec := newBufferingRecorder()
			next.ServeHTTP(rec, r)

			s.dedup.mu.Lock()
			entry.status = rec.status
			entry.header = rec.header
			entry.body = rec.body.Bytes()
			entry.expiresAt = s.dedup.now().Add(dedupTTL)
			close(entry.done)
			s.dedup.mu.Unlock()

			replay(w, entry, false)
			return
		}
		s.dedup.mu.Unlock()

		select {
		case <-entry.done:
			replay(w, entry, true)
		case <-r.Context().Done():
		}
	})
}

func replay(w http.ResponseWriter, entry *inflightEntry, coalesced bool) {
	for k, vals := range entry.header {
		// Each response keeps its own request ID.
		if k == requestIDHeader {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	if coalesced {
		w.Header().Set("X-Deduplicated", "true")
	}
	w.WriteHeader(entry.status)
	_, _ = w.Write(entry.body)
}
