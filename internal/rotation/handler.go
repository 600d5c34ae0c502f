// Package rotation is the request path: pick an account, forward, and react
// to the upstream verdict. Rate limits rotate to the next account, auth
// failures trigger an on-demand token refresh, success streams straight
// back to the client.
package rotation

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yansir/cc-rotator/internal/pool"
)

// Refresher is the slice of the refresh scheduler the handler needs.
type Refresher interface {
	ForceRefresh(ctx context.Context, name string) error
}

// Upstream forwards one rewritten request to the API origin, authorized as
// the given account's access token.
type Upstream interface {
	Do(ctx context.Context, method, path, query string, inbound http.Header, accessToken string, body io.Reader) (*http.Response, error)
}

// Handler multiplexes inbound API requests across the account pool.
type Handler struct {
	pool        *pool.Pool
	forwarder   Upstream
	refresher   Refresher
	maxAttempts int
	fallback    time.Duration
}

type Options struct {
	// MaxAttempts is how many distinct accounts one request may try.
	MaxAttempts int
	// RateLimitFallback is the marker duration when the upstream gives no
	// usable reset information.
	RateLimitFallback time.Duration
}

func NewHandler(p *pool.Pool, f Upstream, r Refresher, opts Options) *Handler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RateLimitFallback <= 0 {
		opts.RateLimitFallback = time.Hour
	}
	return &Handler{
		pool:        p,
		forwarder:   f,
		refresher:   r,
		maxAttempts: opts.MaxAttempts,
		fallback:    opts.RateLimitFallback,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	// Buffer the body so later attempts can replay it.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	preferred := req.Header.Get("X-Account-Name")
	tried := make(map[string]bool)
	refreshed := make(map[string]bool)

	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		opts := pool.SelectOptions{Exclude: tried, PreferredName: preferred}
		// The client hint binds the first attempt only; a successful token
		// refresh re-pins below so the retry hits the same account.
		preferred = ""

		acct, err := h.pool.Select(opts)
		if err != nil {
			if errors.Is(err, pool.ErrNoEligibleAccount) {
				writeNoAccounts(w)
				return
			}
			writeError(w, http.StatusInternalServerError, "api_error", "account selection failed")
			return
		}

		resp, err := h.forwarder.Do(ctx, req.Method, req.URL.Path, req.URL.RawQuery, req.Header, acct.AccessToken, bytes.NewReader(body))
		if err != nil {
			h.pool.Release(acct.Name)
			if ctx.Err() != nil {
				return
			}
			slog.Error("upstream request failed", "account", acct.Name, "path", req.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
			return
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if err := h.pool.MarkUsed(ctx, acct.Name); err != nil {
				slog.Error("mark used failed", "account", acct.Name, "error", err)
			}
			h.relay(ctx, w, resp)
			resp.Body.Close()
			h.pool.Release(acct.Name)
			return

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drain(resp)
			h.pool.Release(acct.Name)

			if refreshed[acct.Name] {
				// Second auth failure after a successful refresh: the
				// credentials are bad, not stale.
				h.pool.Disable(acct.Name, fmt.Sprintf("upstream %d after token refresh", resp.StatusCode))
				tried[acct.Name] = true
				continue
			}
			refreshed[acct.Name] = true

			slog.Warn("upstream auth failure, refreshing token", "account", acct.Name, "status", resp.StatusCode)
			if err := h.refresher.ForceRefresh(ctx, acct.Name); err != nil {
				h.pool.Disable(acct.Name, "token refresh failed: "+err.Error())
				tried[acct.Name] = true
				continue
			}
			// Retry the same account with its fresh tokens.
			preferred = acct.Name
			continue

		case isRateLimited(resp):
			resetsAt := computeResetsAt(resp.Header, time.Now().UTC(), h.fallback)
			if err := h.pool.MarkRateLimited(ctx, acct.Name, resetsAt, req.URL.Path); err != nil {
				slog.Error("mark rate limited failed", "account", acct.Name, "error", err)
			}
			tried[acct.Name] = true

			if attempt < h.maxAttempts {
				drain(resp)
				h.pool.Release(acct.Name)
				continue
			}
			// Out of attempts: the upstream's answer stands.
			h.relay(ctx, w, resp)
			resp.Body.Close()
			h.pool.Release(acct.Name)
			return

		default:
			// Anything else is the upstream's answer; pass it through.
			h.relay(ctx, w, resp)
			resp.Body.Close()
			h.pool.Release(acct.Name)
			return
		}
	}

	writeNoAccounts(w)
}

// isRateLimited: 429 and 529 always; 503 only when the response carries
// rate-limit headers, otherwise it is treated like any other 5xx.
func isRateLimited(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests, 529:
		return true
	case http.StatusServiceUnavailable:
		return hasRateLimitSignal(resp.Header)
	}
	return false
}

// passHeaderPrefixes are upstream response headers forwarded to the client.
var passHeaderPrefixes = []string{
	"x-ratelimit-",
	"anthropic-ratelimit-",
}

var passHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Encoding": true,
	"Request-Id":       true,
	"Retry-After":      true,
}

func (h *Handler) relay(ctx context.Context, w http.ResponseWriter, resp *http.Response) {
	for k, vals := range resp.Header {
		if !passThrough(k) {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		h.stream(ctx, w, resp)
		return
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && ctx.Err() == nil {
		slog.Debug("response copy interrupted", "error", err)
	}
}

// stream relays SSE line by line, flushing at event boundaries.
func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)
		if line == "" {
			flusher.Flush()
		}
	}
	flusher.Flush()
}

func passThrough(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	if passHeaders[canonical] {
		return true
	}
	lower := strings.ToLower(key)
	for _, p := range passHeaderPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

func writeNoAccounts(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "3600")
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"error":{"type":"service_unavailable_error","message":"all accounts rate-limited"}}`)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":%q,"message":%q}}`, errType, msg)
}
