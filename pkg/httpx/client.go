package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Call describes one outbound request. Retries apply to transport errors and
// 5xx responses only.
type Call struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Headers     map[string]string
	Retries     int
	RetryDelay  time.Duration
	// MaxResponseBytes caps the body read; zero means 1 MiB.
	MaxResponseBytes int64
}

// Do performs c and returns the final status and body.
func Do(ctx context.Context, client *http.Client, c Call) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	limit := c.MaxResponseBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.RetryDelay); err != nil {
				return 0, nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, bytes.NewReader(c.Body))
		if err != nil {
			return 0, nil, errors.Wrap(err, "build request")
		}
		if len(c.Body) > 0 && c.ContentType != "" {
			req.Header.Set("Content-Type", c.ContentType)
		}
		for k, v := range c.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			lastErr = errors.Errorf("upstream status %d", resp.StatusCode)
			continue
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, errors.Wrapf(lastErr, "%s %s", c.Method, c.URL)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
