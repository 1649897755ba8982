// Package collyprobe implements the posting existence Prober using gocolly.
package collyprobe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/hacolby/scout/internal/scout"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Phrases that mark a posting as gone even when the page still serves 200.
// Job boards rarely 404 a removed listing; they render a tombstone page.
var goneMarkers = []string{
	"job not found",
	"no longer available",
	"no longer accepting applications",
	"position has been filled",
	"this job has expired",
	"posting has been removed",
}

// Prober implements scout.Prober with a single GET per check.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Prober.
func New(cfg Config) *Prober {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	// colly v2.1.0's Async option sets Async=true regardless of its
	// argument; the default collector is already synchronous.
	c := colly.NewCollector()
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Prober{cfg: cfg, baseCollector: c}
}

// Check fetches the posting URL and reports whether the listing still
// exists. A 404 or 410 means gone; a 2xx page is scanned for tombstone
// markers. Transport failures surface as errors so the caller can leave
// the posting state untouched.
func (p *Prober) Check(ctx context.Context, url string) (scout.ProbeResult, error) {
	var (
		statusCode int
		body       []byte
		fetchErr   error
	)

	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return scout.ProbeResult{}, fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		// A recorded status means the server answered; bad statuses are
		// judged below. Only URL and transport failures abort here.
		if err != nil && statusCode == 0 {
			return scout.ProbeResult{}, fmt.Errorf("probe visit failed: %w", err)
		}
	}

	if statusCode == http.StatusNotFound || statusCode == http.StatusGone {
		return scout.ProbeResult{
			Alive:  false,
			Fields: map[string]any{"http_status": statusCode},
		}, nil
	}
	if fetchErr != nil {
		// Other bad statuses (500s, auth walls) are transient from the
		// monitor's point of view.
		return scout.ProbeResult{}, fmt.Errorf("probe %s: %w", url, fetchErr)
	}

	lower := strings.ToLower(string(body))
	for _, marker := range goneMarkers {
		if strings.Contains(lower, marker) {
			return scout.ProbeResult{
				Alive: false,
				Fields: map[string]any{
					"http_status": statusCode,
					"marker":      marker,
				},
			}, nil
		}
	}
	return scout.ProbeResult{
		Alive: true,
		Fields: map[string]any{
			"http_status":    statusCode,
			"content_length": len(body),
		},
	}, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
