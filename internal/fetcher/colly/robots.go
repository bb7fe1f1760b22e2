package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Fallback reasons reported when robots.txt cannot be read.
const (
	robotsReasonTimeout     = "timeout"
	robotsReasonServerError = "server error"
)

const robotsAllowAll = "User-agent: *\nAllow: /"

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport serves robots.txt lookups for a mirrored origin. Colly treats
// an unreadable robots.txt (5xx) as disallow-all, which would empty a whole
// export because of one broken plugin. Timeouts and 5xx answers are retried, and
// once retries run out the lookup is answered with allow-all and reported via
// onFallback. Any other request passes straight through.
type robotsTransport struct {
	base       http.RoundTripper
	backoff    []time.Duration
	onFallback func(host, reason string)
}

func newRobotsTransport(base http.RoundTripper, onFallback func(host, reason string)) *robotsTransport {
	return &robotsTransport{base: base, backoff: robotsRetryBackoff, onFallback: onFallback}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}

	var reason string
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode < http.StatusInternalServerError:
			return resp, nil
		case err == nil:
			_ = resp.Body.Close()
			reason = robotsReasonServerError
		case isTimeout(err):
			reason = robotsReasonTimeout
		default:
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
		if attempt >= len(t.backoff) {
			break
		}
		if err := sleepContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
	}

	if t.onFallback != nil {
		t.onFallback(req.URL.Host, reason)
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(robotsAllowAll)),
		ContentLength: int64(len(robotsAllowAll)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
