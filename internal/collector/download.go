package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DownloadFailure wraps a failed fetch. Retryable failures (network
// errors, 5xx) are retried until the total deadline; non-retryable
// ones (4xx) abort immediately.
type DownloadFailure struct {
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *DownloadFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadFailure) Unwrap() error { return e.Err }

// Downloader fetches URLs with a total deadline and a fixed sleep
// between attempts.
type Downloader struct {
	Client          *http.Client
	DownloadTimeout time.Duration // total budget; default 60s
	RetryTimeout    time.Duration // sleep between attempts; default 5s
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

// Get downloads the URL body. When the response carries a valid
// Last-Modified header its parsed value is returned alongside.
func (d *Downloader) Get(ctx context.Context, url string) ([]byte, *time.Time, error) {
	total := d.DownloadTimeout
	if total <= 0 {
		total = 60 * time.Second
	}
	retry := d.RetryTimeout
	if retry <= 0 {
		retry = 5 * time.Second
	}

	deadline := time.Now().Add(total)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastErr error
	for {
		body, lastMod, err := d.attempt(ctx, url)
		if err == nil {
			return body, lastMod, nil
		}
		lastErr = err

		var df *DownloadFailure
		if errors.As(err, &df) && !df.Retryable {
			return nil, nil, err
		}
		if time.Now().Add(retry).After(deadline) {
			return nil, nil, fmt.Errorf("download deadline exceeded: %w", lastErr)
		}
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("download deadline exceeded: %w", lastErr)
		}
	}
}

func (d *Downloader) attempt(ctx context.Context, url string) ([]byte, *time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, &DownloadFailure{URL: url, Err: err}
	}

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, nil, &DownloadFailure{URL: url, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, &DownloadFailure{
			URL:        url,
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode >= 500,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &DownloadFailure{URL: url, Retryable: true, Err: err}
	}

	var lastMod *time.Time
	if raw := resp.Header.Get("Last-Modified"); raw != "" {
		if t, err := ParseHTTPDate(raw); err == nil {
			lastMod = &t
		}
	}
	return body, lastMod, nil
}

// The three HTTP-date forms of RFC 7231 section 7.1.1.1.
var httpDateLayouts = []string{
	http.TimeFormat,               // IMF-fixdate
	"Monday, 02-Jan-06 15:04:05 MST", // obsolete RFC 850
	"Mon Jan _2 15:04:05 2006",    // ANSI C asctime()
}

// ParseHTTPDate parses an HTTP-date in any of its three RFC 7231 forms.
func ParseHTTPDate(raw string) (time.Time, error) {
	for _, layout := range httpDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized HTTP date %q", raw)
}
