package rotation

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestComputeResetsAt(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fallback := time.Hour
	epoch := now.Add(45 * time.Minute)

	tests := []struct {
		name    string
		headers map[string]string
		want    time.Time
	}{
		{
			name:    "anthropic reset epoch seconds",
			headers: map[string]string{"anthropic-ratelimit-reset": fmt.Sprint(epoch.Unix())},
			want:    epoch,
		},
		{
			name:    "x-ratelimit-reset epoch seconds",
			headers: map[string]string{"x-ratelimit-reset": fmt.Sprint(epoch.Unix())},
			want:    epoch,
		},
		{
			name:    "unified reset epoch seconds",
			headers: map[string]string{"anthropic-ratelimit-unified-reset": fmt.Sprint(epoch.Unix())},
			want:    epoch,
		},
		{
			name:    "rfc3339 reset value",
			headers: map[string]string{"anthropic-ratelimit-reset": epoch.Format(time.RFC3339)},
			want:    epoch,
		},
		{
			name: "reset header wins over retry-after",
			headers: map[string]string{
				"anthropic-ratelimit-reset": fmt.Sprint(epoch.Unix()),
				"Retry-After":               "60",
			},
			want: epoch,
		},
		{
			name:    "retry-after delta seconds",
			headers: map[string]string{"Retry-After": "120"},
			want:    now.Add(2 * time.Minute),
		},
		{
			name:    "retry-after http date",
			headers: map[string]string{"Retry-After": epoch.Format(http.TimeFormat)},
			want:    epoch,
		},
		{
			name:    "no headers falls back",
			headers: nil,
			want:    now.Add(fallback),
		},
		{
			name:    "garbage reset falls through to retry-after",
			headers: map[string]string{"anthropic-ratelimit-reset": "soon", "Retry-After": "30"},
			want:    now.Add(30 * time.Second),
		},
		{
			name:    "reset in the past falls back",
			headers: map[string]string{"anthropic-ratelimit-reset": fmt.Sprint(now.Add(-time.Hour).Unix())},
			want:    now.Add(fallback),
		},
		{
			name:    "negative retry-after falls back",
			headers: map[string]string{"Retry-After": "-5"},
			want:    now.Add(fallback),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := make(http.Header)
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			got := computeResetsAt(h, now, fallback)
			if !got.Equal(tt.want) {
				t.Fatalf("want %v, got %v", tt.want, got)
			}
		})
	}
}

func TestHasRateLimitSignal(t *testing.T) {
	h := make(http.Header)
	if hasRateLimitSignal(h) {
		t.Fatal("empty headers must not signal a rate limit")
	}
	h.Set("Retry-After", "30")
	if !hasRateLimitSignal(h) {
		t.Fatal("Retry-After is a rate-limit signal")
	}

	h2 := make(http.Header)
	h2.Set("anthropic-ratelimit-unified-reset", "1756000000")
	if !hasRateLimitSignal(h2) {
		t.Fatal("unified reset is a rate-limit signal")
	}
}
