package rotation

import (
	"net/http"
	"strconv"
	"time"
)

// Reset headers in precedence order. The first parseable one wins before
// Retry-After is consulted.
var resetHeaders = []string{
	"anthropic-ratelimit-reset",
	"x-ratelimit-reset",
	"anthropic-ratelimit-unified-reset",
}

// hasRateLimitSignal reports whether the response advertises rate-limit
// state. A 503 only counts as a rate limit when one of these is present.
func hasRateLimitSignal(h http.Header) bool {
	for _, name := range resetHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	return h.Get("Retry-After") != ""
}

// computeResetsAt determines when a rate-limited account becomes eligible
// again: a reset header (epoch seconds or RFC 3339), then Retry-After
// (delta seconds or HTTP-date), then now plus the configured fallback.
func computeResetsAt(h http.Header, now time.Time, fallback time.Duration) time.Time {
	for _, name := range resetHeaders {
		if v := h.Get(name); v != "" {
			if t, ok := parseResetValue(v); ok && t.After(now) {
				return t
			}
		}
	}

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.UTC()
		}
	}

	return now.Add(fallback)
}

func parseResetValue(v string) (time.Time, bool) {
	if epoch, err := strconv.ParseInt(v, 10, 64); err == nil && epoch > 0 {
		return time.Unix(epoch, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
