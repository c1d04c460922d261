package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxFetchSize = 5 << 20 // 5MB

// RegisterBuiltins adds the tools every deployment gets without any
// external wiring: echo for skill plumbing and dry runs, http.get and
// http.check for fetching and probing endpoints, and sleep for pacing.
func RegisterBuiltins(r *Registry, client *http.Client) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	r.Register("echo", Func(func(ctx context.Context, _ string, args map[string]string) (string, error) {
		return args["message"], nil
	}))

	r.Register("sleep", Func(func(ctx context.Context, _ string, args map[string]string) (string, error) {
		d, err := time.ParseDuration(args["duration"])
		if err != nil {
			return "", fmt.Errorf("invalid duration %q: %w", args["duration"], err)
		}
		select {
		case <-time.After(d):
			return fmt.Sprintf("slept %s", d), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))

	r.Register("http.get", Func(func(ctx context.Context, _ string, args map[string]string) (string, error) {
		return httpFetch(ctx, client, args["url"], true)
	}))

	r.Register("http.check", Func(func(ctx context.Context, _ string, args map[string]string) (string, error) {
		return httpFetch(ctx, client, args["url"], false)
	}))
}

// httpFetch performs a GET; non-2xx statuses become errors carrying the
// status text so the classifier can map them by kind.
func httpFetch(ctx context.Context, client *http.Client, url string, wantBody bool) (string, error) {
	if url == "" {
		return "", fmt.Errorf("invalid request: url argument is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s returned %d %s", url, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if !wantBody {
		return fmt.Sprintf("%d", resp.StatusCode), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return "", fmt.Errorf("reading response from %s: %w", url, err)
	}
	return strings.TrimSpace(string(body)), nil
}
