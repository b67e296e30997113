package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/atende/internal/buildinfo"
	"github.com/nugget/atende/internal/conversation"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/usage"
)

// TurnRequest is the body of a turn.
type TurnRequest struct {
	Text string `json:"text"`
}

// TurnResponse carries the reply chunks in delivery order.
type TurnResponse struct {
	Chunks []string `json:"chunks"`
}

// ErrorBody is the error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request. Retryable errors carry a
// retry delay in seconds, mirrored in the Retry-After header.
type ErrorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Error codes.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeTenantNotFound  = "tenant_not_found"
	CodeConflict        = "conflict"
	CodeUnavailable     = "completion_unavailable"
	CodeInternal        = "internal"
	CodeRequestCanceled = "canceled"
)

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	tenantID, conv := chi.URLParam(r, "tenant"), chi.URLParam(r, "conversation")

	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, ErrorDetail{Code: CodeInvalidRequest, Message: "invalid request body"})
		return
	}

	chunks, err := s.convs.HandleTurn(r.Context(), tenantID, conv, req.Text)
	if err != nil {
		s.turnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TurnResponse{Chunks: chunks}, s.logger)
}

// turnError maps the conversation error taxonomy onto HTTP.
func (s *Server) turnError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cerr *conversation.CompletionError
		perr *conversation.PersistenceError
	)
	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		s.errorResponse(w, http.StatusBadRequest, ErrorDetail{Code: CodeInvalidRequest, Message: err.Error()})
	case errors.Is(err, conversation.ErrTenantNotFound):
		s.errorResponse(w, http.StatusNotFound, ErrorDetail{Code: CodeTenantNotFound, Message: err.Error()})
	case errors.As(err, &cerr):
		// A completion failure may carry the failed save of the user's
		// message; the retry contract still applies.
		recorded := "the message was recorded"
		if errors.As(err, &perr) {
			s.logger.Error("cannot record failed turn", "op", perr.Op, "error", err)
			recorded = "the message was not recorded"
		}
		wait := retrySeconds(cerr.RetryAfter())
		w.Header().Set("Retry-After", strconv.Itoa(wait))
		s.errorResponse(w, http.StatusServiceUnavailable, ErrorDetail{
			Code:       CodeUnavailable,
			Message:    "no reply available (" + cerr.Reason + "); " + recorded,
			Retryable:  true,
			RetryAfter: wait,
		})
	case errors.Is(err, session.ErrVersionConflict), errors.Is(err, session.ErrHistoryRewrite):
		s.errorResponse(w, http.StatusConflict, ErrorDetail{Code: CodeConflict, Message: "session changed concurrently", Retryable: true, RetryAfter: 1})
	case errors.As(err, &perr):
		s.logger.Error("session persistence failed", "op", perr.Op, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, ErrorDetail{Code: CodeInternal, Message: "session storage failed"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, http.StatusServiceUnavailable, ErrorDetail{Code: CodeRequestCanceled, Message: err.Error(), Retryable: true, RetryAfter: 1})
	default:
		s.logger.Error("turn failed", "path", r.URL.Path, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, ErrorDetail{Code: CodeInternal, Message: "internal error"})
	}
}

func retrySeconds(d time.Duration) int {
	n := int(math.Ceil(d.Seconds()))
	if n < 1 {
		return 1
	}
	return n
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.convs.Session(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "conversation"))
	if err != nil {
		s.turnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.convs.Forget(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "conversation")); err != nil {
		s.turnError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	keys, err := s.convs.Conversations(r.Context(), tenantID)
	if err != nil {
		s.turnError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":        tenantID,
		"conversations": keys,
	}, s.logger)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.tenants == nil {
		s.errorResponse(w, http.StatusNotImplemented, ErrorDetail{Code: CodeInternal, Message: "tenant reload not configured"})
		return
	}
	if err := s.tenants.Reload(r.Context()); err != nil {
		s.logger.Warn("tenant reload incomplete", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "partial",
			"tenants": s.tenants.Cached(),
			"error":   err.Error(),
		}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tenants": s.tenants.Cached(),
	}, s.logger)
}

// handleHealth always answers 200 while the process serves; a down
// provider is reported as "degraded" because turns still record the
// user's message.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	info := buildinfo.Info()
	body := map[string]any{
		"status":  "healthy",
		"version": info["version"],
		"commit":  info["git_commit"],
		"uptime":  buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.provider != nil {
		st := s.provider()
		body["provider"] = st
		if !st.Ready {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body, s.logger)
}

// defaultUsageWindow is the usage report period when none is given.
const defaultUsageWindow = 30 * 24 * time.Hour

// UsageResponse is a tenant's token usage over [From, To).
type UsageResponse struct {
	Tenant  string                    `json:"tenant"`
	From    time.Time                 `json:"from"`
	To      time.Time                 `json:"to"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

// handleUsage reports usage for ?since=<duration> (default 30 days) or
// an explicit ?from=&to= RFC 3339 window.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotImplemented, ErrorDetail{Code: CodeInternal, Message: "usage ledger not configured"})
		return
	}
	from, to, err := usageWindow(r, s.now())
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, ErrorDetail{Code: CodeInvalidRequest, Message: err.Error()})
		return
	}

	tenantID := chi.URLParam(r, "tenant")
	total, err := s.usage.Summary(r.Context(), tenantID, from, to)
	if err != nil {
		s.turnError(w, r, err)
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), tenantID, from, to)
	if err != nil {
		s.turnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Tenant: tenantID, From: from, To: to, Total: total, ByModel: byModel}, s.logger)
}

func usageWindow(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	q := r.URL.Query()
	if q.Has("from") || q.Has("to") {
		from, err := time.Parse(time.RFC3339, q.Get("from"))
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
		}
		to := now
		if q.Has("to") {
			if to, err = time.Parse(time.RFC3339, q.Get("to")); err != nil {
				return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
			}
		}
		if !from.Before(to) {
			return time.Time{}, time.Time{}, errors.New("from must be before to")
		}
		return from, to, nil
	}

	window := defaultUsageWindow
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("since: invalid duration %q", v)
		}
		window = d
	}
	return now.Add(-window), now, nil
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, detail ErrorDetail) {
	writeJSON(w, code, ErrorBody{Error: detail}, s.logger)
}
