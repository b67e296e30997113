package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/atende/internal/connwatch"
	"github.com/nugget/atende/internal/conversation"
	"github.com/nugget/atende/internal/llm"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/tenant"
	"github.com/nugget/atende/internal/usage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConversations returns err from every call, or canned results.
type fakeConversations struct {
	err      error
	chunks   []string
	snapshot *session.Session
	keys     []string

	gotTenant, gotConv, gotText string
	forgotten                   bool
}

func (f *fakeConversations) HandleTurn(_ context.Context, tenantID, conv, text string) ([]string, error) {
	f.gotTenant, f.gotConv, f.gotText = tenantID, conv, text
	return f.chunks, f.err
}

func (f *fakeConversations) Session(_ context.Context, tenantID, conv string) (*session.Session, error) {
	f.gotTenant, f.gotConv = tenantID, conv
	return f.snapshot, f.err
}

func (f *fakeConversations) Forget(_ context.Context, tenantID, conv string) error {
	f.gotTenant, f.gotConv = tenantID, conv
	f.forgotten = f.err == nil
	return f.err
}

func (f *fakeConversations) Conversations(_ context.Context, tenantID string) ([]string, error) {
	f.gotTenant = tenantID
	return f.keys, f.err
}

type fakeTenants struct {
	err     error
	reloads int
}

func (f *fakeTenants) Reload(context.Context) error {
	f.reloads++
	return f.err
}

func (f *fakeTenants) Cached() []string { return []string{"aurora"} }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestHandleTurn_OK(t *testing.T) {
	fc := &fakeConversations{chunks: []string{"Olá, Maria!", "Qual é o seu negócio?"}}
	srv := NewServer("", 0, fc, nil, discardLogger())

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/tenants/aurora/conversations/5511999/turns", `{"text":"Oi, me chamo Maria"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp TurnResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, fc.chunks, resp.Chunks)
	assert.Equal(t, "aurora", fc.gotTenant)
	assert.Equal(t, "5511999", fc.gotConv)
	assert.Equal(t, "Oi, me chamo Maria", fc.gotText)
}

func TestHandleTurn_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantRetry  string
	}{
		{"empty input", conversation.ErrEmptyInput, http.StatusBadRequest, CodeInvalidRequest, ""},
		{"unknown tenant", fmt.Errorf(`"ghost": %w`, conversation.ErrTenantNotFound), http.StatusNotFound, CodeTenantNotFound, ""},
		{
			"rate limited",
			&conversation.CompletionError{Reason: conversation.ReasonRateLimited, Err: &llm.StatusError{StatusCode: 429, RetryAfter: 12 * time.Second}},
			http.StatusServiceUnavailable, CodeUnavailable, "12",
		},
		{
			"provider down",
			&conversation.CompletionError{Reason: conversation.ReasonProvider, Err: errors.New("connection refused")},
			http.StatusServiceUnavailable, CodeUnavailable, "5",
		},
		{
			"version conflict",
			&conversation.PersistenceError{Op: "save", Err: fmt.Errorf("aurora/c1: %w", session.ErrVersionConflict)},
			http.StatusConflict, CodeConflict, "",
		},
		{"save failed", &conversation.PersistenceError{Op: "save", Err: errors.New("disk full")}, http.StatusInternalServerError, CodeInternal, ""},
		{"lock canceled", fmt.Errorf("lock session: %w", context.Canceled), http.StatusServiceUnavailable, CodeRequestCanceled, "1"},
		{
			"failure not recorded",
			errors.Join(
				&conversation.CompletionError{Reason: conversation.ReasonTimeout, Err: context.DeadlineExceeded},
				&conversation.PersistenceError{Op: "save", Err: errors.New("disk full")},
			),
			http.StatusServiceUnavailable, CodeUnavailable, "5",
		},
		{
			"failure with conflicting save",
			errors.Join(
				&conversation.CompletionError{Reason: conversation.ReasonProvider, Err: errors.New("connection refused")},
				&conversation.PersistenceError{Op: "save", Err: fmt.Errorf("aurora/c1: %w", session.ErrVersionConflict)},
			),
			http.StatusServiceUnavailable, CodeUnavailable, "5",
		},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, CodeInternal, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer("", 0, &fakeConversations{err: tt.err}, nil, discardLogger())
			rec := do(t, srv.Handler(), http.MethodPost, "/v1/tenants/aurora/conversations/c1/turns", `{"text":"Oi"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantRetry, rec.Header().Get("Retry-After"))
			detail := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, detail.Code)
			if tt.wantRetry != "" {
				assert.True(t, detail.Retryable)
				assert.Equal(t, tt.wantRetry, fmt.Sprint(detail.RetryAfter))
			}
		})
	}
}

func TestHandleTurn_CompletionFailureMessage(t *testing.T) {
	cerr := &conversation.CompletionError{Reason: conversation.ReasonProvider, Err: errors.New("connection refused")}

	srv := NewServer("", 0, &fakeConversations{err: cerr}, nil, discardLogger())
	rec := do(t, srv.Handler(), http.MethodPost, "/v1/tenants/aurora/conversations/c1/turns", `{"text":"Oi"}`)
	assert.Contains(t, decodeError(t, rec).Message, "the message was recorded")

	joined := errors.Join(cerr, &conversation.PersistenceError{Op: "save", Err: session.ErrVersionConflict})
	srv = NewServer("", 0, &fakeConversations{err: joined}, nil, discardLogger())
	rec = do(t, srv.Handler(), http.MethodPost, "/v1/tenants/aurora/conversations/c1/turns", `{"text":"Oi"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "the message was not recorded")
}

func TestHandleTurn_BadBody(t *testing.T) {
	fc := &fakeConversations{}
	srv := NewServer("", 0, fc, nil, discardLogger())

	for _, body := range []string{"", "{", `{"text": 42}`, `{"text":"` + strings.Repeat("a", maxBodyBytes) + `"}`} {
		rec := do(t, srv.Handler(), http.MethodPost, "/v1/tenants/aurora/conversations/c1/turns", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Empty(t, fc.gotText, "bad bodies must not reach the orchestrator")
}

func TestSessionEndpoints(t *testing.T) {
	snap := session.New(session.Key{TenantID: "aurora", ConversationKey: "c1"}, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	snap.Version = 3
	snap.Phase = "discovery_deep"
	snap.Facts["name"] = session.Fact{Value: "Maria", Confidence: 0.95}
	fc := &fakeConversations{snapshot: snap, keys: []string{"c1", "c2"}}
	h := NewServer("", 0, fc, nil, discardLogger()).Handler()

	t.Run("get", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/tenants/aurora/conversations/c1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got session.Session
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, "Maria", got.Facts["name"].Value)
		assert.Equal(t, "c1", got.ConversationKey)
	})

	t.Run("list", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/tenants/aurora/conversations", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"tenant":"aurora","conversations":["c1","c2"]}`, rec.Body.String())
	})

	t.Run("delete", func(t *testing.T) {
		rec := do(t, h, http.MethodDelete, "/v1/tenants/aurora/conversations/c1", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.True(t, fc.forgotten)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("unknown tenant", func(t *testing.T) {
		fc := &fakeConversations{err: conversation.ErrTenantNotFound}
		rec := do(t, NewServer("", 0, fc, nil, discardLogger()).Handler(), http.MethodDelete, "/v1/tenants/ghost/conversations/c1", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestReload(t *testing.T) {
	ft := &fakeTenants{}
	h := NewServer("", 0, &fakeConversations{}, ft, discardLogger()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/admin/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","tenants":["aurora"]}`, rec.Body.String())
	assert.Equal(t, 1, ft.reloads)

	ft.err = errors.New(`tenant "bistro": invalid`)
	rec = do(t, h, http.MethodPost, "/v1/admin/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"partial"`)

	rec = do(t, NewServer("", 0, &fakeConversations{}, nil, discardLogger()).Handler(), http.MethodPost, "/v1/admin/reload", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := do(t, NewServer("", 0, &fakeConversations{}, nil, discardLogger()).Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["version"])
	assert.NotEmpty(t, body["uptime"])
}

func TestRoutes_MethodAndPath(t *testing.T) {
	h := NewServer("", 0, &fakeConversations{}, nil, discardLogger()).Handler()

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/v1/tenants/aurora/conversations/c1/turns", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/unknown", "").Code)
}

// completerFunc adapts a function to conversation.Completer.
type completerFunc func(ctx context.Context, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func TestEndToEnd_DemoTenant(t *testing.T) {
	store, err := session.NewStore(session.TypeMemory)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := tenant.NewRegistry("../../tenants", discardLogger())
	fail := false
	orch := conversation.New(reg, store, completerFunc(func(_ context.Context, prompt string) (string, error) {
		if fail {
			return "", &llm.StatusError{Provider: "ollama", StatusCode: 503}
		}
		return "Oi! Eu sou a Clara, da Aurora Automação. Qual é o seu tipo de negócio?", nil
	}), conversation.WithLogger(discardLogger()))
	h := NewServer("", 0, orch, reg, discardLogger()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/tenants/demo/conversations/5511999/turns", `{"text":"Oi, me chamo Maria"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	fail = true
	rec = do(t, h, http.MethodPost, "/v1/tenants/demo/conversations/5511999/turns", `{"text":"Tenho uma pizzaria"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = do(t, h, http.MethodGet, "/v1/tenants/demo/conversations/5511999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap session.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	require.Len(t, snap.History, 3)
	assert.Equal(t, session.RoleUser, snap.History[2].Role)
	assert.Equal(t, "Maria", snap.Facts["name"].Value)

	rec = do(t, h, http.MethodPost, "/v1/tenants/ghost/conversations/5511999/turns", `{"text":"Oi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/admin/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"demo"`)
}

func TestHealth_ProviderStatus(t *testing.T) {
	st := connwatch.Status{Name: "ollama", Ready: true}
	h := NewServer("", 0, &fakeConversations{}, nil, discardLogger(),
		WithProviderStatus(func() connwatch.Status { return st }),
	).Handler()

	var body struct {
		Status   string           `json:"status"`
		Provider connwatch.Status `json:"provider"`
	}
	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "ollama", body.Provider.Name)

	st = connwatch.Status{Name: "ollama", LastError: "connection refused", Failures: 3}
	rec = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.False(t, body.Provider.Ready)
	assert.Equal(t, 3, body.Provider.Failures)
}

func TestUsage(t *testing.T) {
	ledger, err := usage.Open("sqlite", t.TempDir()+"/usage.db")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for _, rec := range []usage.Record{
		{Timestamp: now.Add(-time.Hour), TenantID: "aurora", Model: "claude-haiku", InputTokens: 1000, OutputTokens: 100, CostUSD: 0.0015},
		{Timestamp: now.Add(-2 * time.Hour), TenantID: "aurora", Model: "qwen3:8b", InputTokens: 500, OutputTokens: 50},
		{Timestamp: now.Add(-40 * 24 * time.Hour), TenantID: "aurora", Model: "qwen3:8b", InputTokens: 9999},
		{Timestamp: now.Add(-time.Hour), TenantID: "boreal", Model: "qwen3:8b", InputTokens: 7},
	} {
		require.NoError(t, ledger.Record(ctx, rec))
	}

	srv := NewServer("", 0, &fakeConversations{}, nil, discardLogger(), WithUsage(ledger))
	srv.now = func() time.Time { return now }
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/v1/tenants/aurora/usage", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body UsageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "aurora", body.Tenant)
	assert.Equal(t, 2, body.Total.Calls, "the 40-day-old record is outside the default window")
	assert.EqualValues(t, 1500, body.Total.InputTokens)
	assert.InDelta(t, 0.0015, body.Total.CostUSD, 1e-9)
	require.Len(t, body.ByModel, 2)
	assert.EqualValues(t, 500, body.ByModel["qwen3:8b"].InputTokens)

	rec = do(t, h, http.MethodGet, "/v1/tenants/aurora/usage?since=90m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Total.Calls)

	from := now.Add(-50 * 24 * time.Hour).Format(time.RFC3339)
	to := now.Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	rec = do(t, h, http.MethodGet, "/v1/tenants/aurora/usage?from="+from+"&to="+to, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.EqualValues(t, 9999, body.Total.InputTokens)

	for _, q := range []string{"since=forever", "since=-1h", "from=yesterday", "from=" + to + "&to=" + from} {
		rec = do(t, h, http.MethodGet, "/v1/tenants/aurora/usage?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = do(t, NewServer("", 0, &fakeConversations{}, nil, discardLogger()).Handler(), http.MethodGet, "/v1/tenants/aurora/usage", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
