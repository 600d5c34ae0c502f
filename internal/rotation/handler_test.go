package rotation

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yansir/cc-rotator/internal/account"
	"github.com/yansir/cc-rotator/internal/events"
	"github.com/yansir/cc-rotator/internal/pool"
	"github.com/yansir/cc-rotator/internal/store"
	"github.com/yansir/cc-rotator/internal/upstream"
)

// scriptedUpstream replays canned responses and records which account's
// token authorized each attempt.
type scriptedUpstream struct {
	responses []*http.Response
	calls     int
	tokens    []string
	bodies    []string
	queries   []string
	inbound   []http.Header
}

func (f *scriptedUpstream) Do(_ context.Context, _ string, _ string, query string, inbound http.Header, accessToken string, body io.Reader) (*http.Response, error) {
	b, _ := io.ReadAll(body)
	f.bodies = append(f.bodies, string(b))
	f.tokens = append(f.tokens, accessToken)
	f.queries = append(f.queries, query)
	f.inbound = append(f.inbound, inbound.Clone())
	if f.calls >= len(f.responses) {
		return nil, fmt.Errorf("unexpected call %d", f.calls)
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func respWith(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type fakeRefresher struct {
	calls []string
	err   error
	pool  *pool.Pool
}

func (f *fakeRefresher) ForceRefresh(ctx context.Context, name string) error {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return f.err
	}
	// Simulate a successful refresh landing new tokens.
	return f.pool.ReplaceTokens(ctx, name, "refreshed-"+name, "rr-"+name, time.Now().Add(time.Hour))
}

func newTestSetup(t *testing.T, names ...string) (*pool.Pool, *store.Store) {
	t.Helper()
	crypto, err := account.NewCrypto("test-key")
	require.NoError(t, err)
	st, err := store.New(filepath.Join(t.TempDir(), "rot.db"), crypto)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, name := range names {
		_, err := st.CreateAccount(ctx, name, "tok-"+name, "r-"+name, time.Now().Add(time.Hour), "", "")
		require.NoError(t, err)
	}
	p := pool.New(st, events.NewBus(64))
	require.NoError(t, p.Load(ctx))
	return p, st
}

func doRequest(h *Handler, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"model":"claude","stream":false}`))
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSuccessForwardsAndMarksUsed(t *testing.T) {
	p, st := newTestSetup(t, "alpha")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(200, `{"id":"msg_1"}`, http.Header{
			"X-Ratelimit-Remaining":             []string{"99"},
			"Anthropic-Ratelimit-Unified-Reset": []string{"1756000000"},
			"Request-Id":                        []string{"req_abc"},
		}),
	}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	rec := doRequest(h, nil)

	require.Equal(t, 200, rec.Code)
	require.JSONEq(t, `{"id":"msg_1"}`, rec.Body.String())
	require.Equal(t, []string{"tok-alpha"}, up.tokens)
	require.Equal(t, `{"model":"claude","stream":false}`, up.bodies[0])

	// Rate-limit telemetry and request id pass through.
	require.Equal(t, "99", rec.Header().Get("X-Ratelimit-Remaining"))
	require.Equal(t, "1756000000", rec.Header().Get("Anthropic-Ratelimit-Unified-Reset"))
	require.Equal(t, "req_abc", rec.Header().Get("Request-Id"))

	acct, err := st.GetAccount(context.Background(), "alpha")
	require.NoError(t, err)
	require.EqualValues(t, 1, acct.UseCount)
	require.NotNil(t, acct.LastUsedAt)
}

func TestQueryStringForwarded(t *testing.T) {
	p, _ := newTestSetup(t, "alpha")
	up := &scriptedUpstream{responses: []*http.Response{respWith(200, `{}`, nil)}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages?beta=true", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, []string{"beta=true"}, up.queries)
}

func TestCompressedResponseRelayedIntact(t *testing.T) {
	p, _ := newTestSetup(t, "alpha")

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"id":"msg_z"}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	up := &scriptedUpstream{responses: []*http.Response{
		respWith(200, buf.String(), http.Header{"Content-Encoding": []string{"gzip"}}),
	}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	rec := doRequest(h, nil)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	require.Equal(t, buf.Bytes(), rec.Body.Bytes())

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"msg_z"}`, string(plain))
}

func TestRateLimitRotatesToNextAccount(t *testing.T) {
	p, st := newTestSetup(t, "alpha", "beta")
	reset := time.Now().Add(30 * time.Minute).Unix()
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(429, `{"error":{"type":"rate_limit_error"}}`, http.Header{
			"Anthropic-Ratelimit-Reset": []string{fmt.Sprint(reset)},
		}),
		respWith(200, `{"id":"msg_2"}`, nil),
	}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	rec := doRequest(h, nil)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, []string{"tok-alpha", "tok-beta"}, up.tokens)

	marker, err := st.GetRateLimit(context.Background(), "alpha")
	require.NoError(t, err)
	require.NotNil(t, marker)
	require.Equal(t, reset, marker.ResetsAt.Unix())
	require.Equal(t, "/api/v1/messages", marker.TriggeredBy)
}

func TestAllAccountsLimitedReturns503(t *testing.T) {
	p, _ := newTestSetup(t, "alpha")
	require.NoError(t, p.MarkRateLimited(context.Background(), "alpha", time.Now().Add(time.Hour), "x"))
	up := &scriptedUpstream{}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	rec := doRequest(h, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "3600", rec.Header().Get("Retry-After"))
	require.JSONEq(t,
		`{"error":{"type":"service_unavailable_error","message":"all accounts rate-limited"}}`,
		rec.Body.String())
	require.Zero(t, up.calls, "no upstream call without an eligible account")
}

func TestPreferredAccountFirstAttemptOnly(t *testing.T) {
	p, _ := newTestSetup(t, "alpha", "beta")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(429, "", http.Header{"Retry-After": []string{"60"}}),
		respWith(200, `{}`, nil),
	}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	header := make(http.Header)
	header.Set("X-Account-Name", "beta")
	rec := doRequest(h, header)

	require.Equal(t, 200, rec.Code)
	// beta is tried first per the header, then rotation takes over.
	require.Equal(t, []string{"tok-beta", "tok-alpha"}, up.tokens)
}

func TestAuthFailureRefreshesAndRetries(t *testing.T) {
	p, _ := newTestSetup(t, "alpha")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(401, `{"error":{"type":"authentication_error"}}`, nil),
		respWith(200, `{"id":"ok"}`, nil),
	}}
	ref := &fakeRefresher{pool: p}
	h := NewHandler(p, up, ref, Options{})

	rec := doRequest(h, nil)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, []string{"alpha"}, ref.calls)
	// Second attempt carries the refreshed token.
	require.Equal(t, []string{"tok-alpha", "refreshed-alpha"}, up.tokens)
}

func TestAuthRetryPinsRefreshedAccount(t *testing.T) {
	p, _ := newTestSetup(t, "a1", "a2")
	// a1 is the most recently used, so plain ordering would hand the retry
	// to a2.
	require.NoError(t, p.MarkUsed(context.Background(), "a1"))

	up := &scriptedUpstream{responses: []*http.Response{
		respWith(401, "", nil),
		respWith(200, `{}`, nil),
	}}
	ref := &fakeRefresher{pool: p}
	h := NewHandler(p, up, ref, Options{})

	header := make(http.Header)
	header.Set("X-Account-Name", "a1")
	rec := doRequest(h, header)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, []string{"a1"}, ref.calls)
	// The retry sticks with the refreshed account.
	require.Equal(t, []string{"tok-a1", "refreshed-a1"}, up.tokens)
}

func TestSecondAuthFailureDisablesAccount(t *testing.T) {
	p, _ := newTestSetup(t, "alpha", "beta")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(401, "", nil),
		respWith(401, "", nil),
		respWith(200, `{"id":"ok"}`, nil),
	}}
	ref := &fakeRefresher{pool: p}
	h := NewHandler(p, up, ref, Options{})

	rec := doRequest(h, nil)

	require.Equal(t, 200, rec.Code)
	// alpha fails twice, gets disabled, beta serves.
	require.Equal(t, []string{"tok-alpha", "refreshed-alpha", "tok-beta"}, up.tokens)

	for _, a := range p.Status().Accounts {
		if a.Name == "alpha" {
			require.Equal(t, pool.StateDisabled, a.State)
		}
	}
}

func TestRefreshFailureDisablesAndRotates(t *testing.T) {
	p, _ := newTestSetup(t, "alpha", "beta")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(403, "", nil),
		respWith(200, `{}`, nil),
	}}
	ref := &fakeRefresher{pool: p, err: account.ErrRefreshRejected}
	h := NewHandler(p, up, ref, Options{})

	rec := doRequest(h, nil)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, []string{"tok-alpha", "tok-beta"}, up.tokens)
}

func TestServerErrorPassesThroughWithoutMarking(t *testing.T) {
	p, st := newTestSetup(t, "alpha")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(500, `{"error":{"type":"api_error","message":"boom"}}`, nil),
	}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	rec := doRequest(h, nil)

	require.Equal(t, 500, rec.Code)
	require.Contains(t, rec.Body.String(), "boom")

	marker, err := st.GetRateLimit(context.Background(), "alpha")
	require.NoError(t, err)
	require.Nil(t, marker, "plain 5xx must not mark the account")
}

func Test503WithHeadersCountsAsRateLimit(t *testing.T) {
	p, st := newTestSetup(t, "alpha", "beta")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(503, "", http.Header{"Retry-After": []string{"120"}}),
		respWith(200, `{}`, nil),
	}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	rec := doRequest(h, nil)
	require.Equal(t, 200, rec.Code)

	marker, err := st.GetRateLimit(context.Background(), "alpha")
	require.NoError(t, err)
	require.NotNil(t, marker)
}

func Test503WithoutHeadersPassesThrough(t *testing.T) {
	p, st := newTestSetup(t, "alpha", "beta")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(503, `{"error":{"type":"overloaded_error"}}`, nil),
	}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	rec := doRequest(h, nil)
	require.Equal(t, 503, rec.Code)
	require.Equal(t, 1, up.calls)

	marker, err := st.GetRateLimit(context.Background(), "alpha")
	require.NoError(t, err)
	require.Nil(t, marker)
}

func TestAttemptsExhaustedSurfacesLastResponse(t *testing.T) {
	// More accounts than attempts: the final 429 is relayed unchanged.
	p, st := newTestSetup(t, "a1", "a2", "a3", "a4")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(429, "", http.Header{"Retry-After": []string{"60"}}),
		respWith(429, "", http.Header{"Retry-After": []string{"60"}}),
		respWith(429, `{"error":{"type":"rate_limit_error"}}`, http.Header{"Retry-After": []string{"60"}}),
	}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{MaxAttempts: 3})

	rec := doRequest(h, nil)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, 3, up.calls, "one upstream call per allowed attempt")
	require.Contains(t, rec.Body.String(), "rate_limit_error")

	// Every tried account got marked.
	for _, name := range []string{"a1", "a2", "a3"} {
		marker, err := st.GetRateLimit(context.Background(), name)
		require.NoError(t, err)
		require.NotNil(t, marker, name)
	}
}

func TestMidRotationExhaustionReturns503(t *testing.T) {
	// Fewer accounts than attempts: once both are limited, the canned 503
	// with Retry-After applies.
	p, _ := newTestSetup(t, "a1", "a2")
	up := &scriptedUpstream{responses: []*http.Response{
		respWith(429, "", http.Header{"Retry-After": []string{"60"}}),
		respWith(429, "", http.Header{"Retry-After": []string{"60"}}),
	}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{MaxAttempts: 3})

	rec := doRequest(h, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "3600", rec.Header().Get("Retry-After"))
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "service_unavailable_error", body.Error.Type)
}

func TestSSEStreamRelayed(t *testing.T) {
	p, _ := newTestSetup(t, "alpha")
	sse := "event: message_start\ndata: {\"type\":\"message_start\"}\n\nevent: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	header := http.Header{"Content-Type": []string{"text/event-stream"}}
	up := &scriptedUpstream{responses: []*http.Response{respWith(200, sse, header)}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	rec := doRequest(h, nil)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, sse, rec.Body.String())
}

func TestClientCredentialsNotForwarded(t *testing.T) {
	p, _ := newTestSetup(t, "alpha")
	up := &scriptedUpstream{responses: []*http.Response{respWith(200, `{}`, nil)}}
	h := NewHandler(p, up, &fakeRefresher{pool: p}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer client-secret")
	req.Header.Set("X-Api-Key", "sk-client")
	req.Header.Set("X-Account-Name", "alpha")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, []string{"tok-alpha"}, up.tokens, "pool token must replace client credentials")
}

// Compile-time check that the real forwarder satisfies the handler's
// upstream contract.
var _ Upstream = (*upstream.Forwarder)(nil)
