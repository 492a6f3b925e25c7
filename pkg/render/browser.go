// Package render implements the render worker: it drives a headless
// browser to load the target, extracts scripts and network metadata,
// uploads artifacts and hands the scan to the analysis queue.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/surfscan/surfscan/pkg/tasks"
)

// Browser owns one headless Chrome process. Contexts (tabs) are created
// per scan; the process is recycled after a context-level failure.
type Browser struct {
	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	userAgent   string
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// NewBrowser launches the browser process allocator.
func NewBrowser(parent context.Context) *Browser {
	b := &Browser{userAgent: defaultUserAgent}
	b.start(parent)
	return b
}

func (b *Browser) start(parent context.Context) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("window-size", "1920,1080"),
		chromedp.UserAgent(b.userAgent),
	)
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(parent, opts...)
}

// Recycle tears the browser process down and starts a fresh one. Called
// after "page has been closed" style context failures.
func (b *Browser) Recycle(parent context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.start(parent)
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

// PageCapture is everything collected from one rendered page.
type PageCapture struct {
	URL             string
	FinalURL        string
	Title           string
	HTML            string
	Headers         map[string]string
	SetCookies      []string
	InlineScripts   []tasks.InlineScript
	ExternalScripts []tasks.ExternalScript
	Links           []string
	Resources       []tasks.NetworkResource
	Screenshot      []byte
}

// extractScriptsJS pulls inline bodies and external srcs with their
// attributes out of the live DOM.
const extractScriptsJS = `
(() => {
	const inline = [], external = [];
	for (const s of document.querySelectorAll('script')) {
		const attrs = {};
		for (const a of s.attributes) attrs[a.name] = a.value;
		if (s.src) {
			external.push({url: s.src, attributes: attrs});
		} else if (s.textContent && s.textContent.trim()) {
			inline.push({content: s.textContent, attributes: attrs});
		}
	}
	return JSON.stringify({inline, external});
})()
`

const extractLinksJS = `JSON.stringify(Array.from(document.querySelectorAll('a[href]')).map(a => a.href))`

// RenderPage loads one URL in a fresh browser context and captures the
// DOM, scripts, headers and network activity after the page settles.
func (b *Browser) RenderPage(ctx context.Context, targetURL string, params pageParams) (*PageCapture, error) {
	b.mu.Lock()
	allocCtx := b.allocCtx
	b.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	if params.Timeout > 0 {
		var tcancel context.CancelFunc
		tabCtx, tcancel = context.WithTimeout(tabCtx, params.Timeout)
		defer tcancel()
	}

	capture := &PageCapture{
		URL:     targetURL,
		Headers: make(map[string]string),
	}

	var resMu sync.Mutex
	requestStarts := make(map[network.RequestID]time.Time)

	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			resMu.Lock()
			requestStarts[e.RequestID] = time.Now()
			resMu.Unlock()
		case *network.EventResponseReceived:
			resMu.Lock()
			defer resMu.Unlock()

			res := tasks.NetworkResource{
				URL:    e.Response.URL,
				Type:   string(e.Type),
				Status: int(e.Response.Status),
				Size:   int64(e.Response.EncodedDataLength),
			}
			if start, ok := requestStarts[e.RequestID]; ok {
				res.DurationMS = time.Since(start).Milliseconds()
			}

			// The document response carries the headers the analyzer
			// inspects.
			if e.Type == network.ResourceTypeDocument {
				headers := make(map[string]string, len(e.Response.Headers))
				for k, v := range e.Response.Headers {
					key := strings.ToLower(k)
					val := fmt.Sprint(v)
					headers[key] = val
					if key == "set-cookie" {
						for _, line := range strings.Split(val, "\n") {
							if line = strings.TrimSpace(line); line != "" {
								capture.SetCookies = append(capture.SetCookies, line)
							}
						}
					}
				}
				res.Headers = headers
				capture.Headers = headers
			}

			capture.Resources = append(capture.Resources, res)
		}
	})

	actions := []chromedp.Action{
		network.Enable(),
	}
	if len(params.ExtraHeaders) > 0 {
		hdrs := make(network.Headers, len(params.ExtraHeaders))
		for k, v := range params.ExtraHeaders {
			hdrs[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(hdrs))
	}

	var scriptsJSON, linksJSON string
	actions = append(actions,
		chromedp.Navigate(targetURL),
		// Give client-side rendering a moment to settle before snapshot.
		chromedp.Sleep(params.SettleDelay),
		chromedp.Location(&capture.FinalURL),
		chromedp.Title(&capture.Title),
		chromedp.OuterHTML("html", &capture.HTML),
		chromedp.Evaluate(extractScriptsJS, &scriptsJSON),
		chromedp.Evaluate(extractLinksJS, &linksJSON),
	)
	if params.Screenshot {
		actions = append(actions, chromedp.ActionFunc(func(c context.Context) error {
			buf, err := page.CaptureScreenshot().Do(c)
			if err != nil {
				return nil // screenshot is best-effort
			}
			capture.Screenshot = buf
			return nil
		}))
	}

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, fmt.Errorf("render %s: %w", targetURL, err)
	}

	var extracted struct {
		Inline   []tasks.InlineScript   `json:"inline"`
		External []tasks.ExternalScript `json:"external"`
	}
	if err := json.Unmarshal([]byte(scriptsJSON), &extracted); err == nil {
		capture.InlineScripts = extracted.Inline
		capture.ExternalScripts = extracted.External
	}
	_ = json.Unmarshal([]byte(linksJSON), &capture.Links)

	return capture, nil
}

// pageParams tune one page render.
type pageParams struct {
	Timeout      time.Duration
	SettleDelay  time.Duration
	ExtraHeaders map[string]string
	Screenshot   bool
}

// isContextFailure reports whether an error indicates the browser
// process or tab died and a recycle is worth trying.
func isContextFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"page has been closed",
		"context canceled: websocket",
		"browser has been closed",
		"target closed",
		"connection refused",
		"websocket url timeout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
