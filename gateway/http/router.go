// Package http serves the device ingest API.
package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/admission"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/credential"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/ingest"
)

// Header names.
const (
	HeaderProvisionToken = "X-Provision-Token"
	HeaderRequestID      = "X-Request-ID"
)

// Error codes for rejections that happen before the pipeline runs.
const (
	codeInvalidMsgType = "INVALID_MSG_TYPE"
	codeMissingField   = "MISSING_FIELD"
	codeInvalidBody    = "INVALID_BODY"
	codeBatchTooLarge  = "BATCH_TOO_LARGE"
)

// Ingestor is the validation pipeline as seen by the handlers.
type Ingestor interface {
	ValidateAndPrepare(ctx context.Context, msg *ingest.Message) ingest.Result
	ValidateBatch(ctx context.Context, entries []ingest.BatchEntry) (ingest.BatchResult, error)
	Config() ingest.Config
}

// AdmissionStats exposes admission controller counters.
type AdmissionStats interface {
	StatsAt(now time.Time) admission.Stats
}

// CacheStats exposes credential cache counters.
type CacheStats interface {
	Stats() credential.CacheStats
}

// Deps are the collaborators the router serves. Health and Metrics may be nil.
type Deps struct {
	Pipeline  Ingestor
	Admission AdmissionStats
	Cache     CacheStats
	Health    http.Handler
	Metrics   http.Handler
	Logger    *slog.Logger
	Now       func() time.Time
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

// NewRouter builds the chi router for the ingest API.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{deps: deps, logger: deps.Logger.With("component", "http")}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Post("/ingest/v1/tenant/{tenant_id}/device/{device_id}/{msg_type}", h.ingest)
	r.Post("/ingest/v1/batch", h.batch)
	r.Get("/ingest/v1/metrics/rate-limits", h.rateLimits)
	if deps.Health != nil {
		r.Method(http.MethodGet, "/health", deps.Health)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	return r
}

// requestID propagates X-Request-ID, generating one when absent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, id)))
	})
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	maxBytes := h.deps.Pipeline.Config().MaxPayloadBytes
	data, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBytes)+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "failed to read request body")
		return
	}

	msg, err := ingest.DecodeLimited(
		chi.URLParam(r, "tenant_id"),
		chi.URLParam(r, "device_id"),
		chi.URLParam(r, "msg_type"),
		r.Header.Get(HeaderProvisionToken),
		data, maxBytes, h.deps.Now())
	if err != nil {
		status, code := decodeErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	res := h.deps.Pipeline.ValidateAndPrepare(r.Context(), msg)
	if !res.Success {
		writeError(w, res.StatusCode, string(res.Reason), res.Detail)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *handlers) batch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	cfg := h.deps.Pipeline.Config()
	limit := int64(cfg.MaxBatchSize+1) * int64(cfg.MaxPayloadBytes+512)
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "failed to read request body")
		return
	}
	if int64(len(data)) > limit {
		writeError(w, http.StatusBadRequest, string(ingest.ReasonPayloadTooLarge),
			fmt.Sprintf("batch body exceeds %d bytes", limit))
		return
	}

	entries, err := ingest.DecodeBatch(data, h.deps.Now())
	if err != nil {
		status, code := decodeErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	res, err := h.deps.Pipeline.ValidateBatch(r.Context(), entries)
	if err != nil {
		status, code := decodeErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	status := http.StatusAccepted
	if res.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

type rateLimitResponse struct {
	admission.Stats
	CredentialCache *credential.CacheStats `json:"credential_cache,omitempty"`
}

func (h *handlers) rateLimits(w http.ResponseWriter, _ *http.Request) {
	var resp rateLimitResponse
	if h.deps.Admission != nil {
		resp.Stats = h.deps.Admission.StatsAt(h.deps.Now())
	}
	if h.deps.Cache != nil {
		cs := h.deps.Cache.Stats()
		resp.CredentialCache = &cs
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeErrorStatus maps request decoding errors to a status and code.
func decodeErrorStatus(err error) (int, string) {
	switch {
	case stderrors.Is(err, errors.ErrBatchTooLarge):
		return http.StatusBadRequest, codeBatchTooLarge
	case stderrors.Is(err, ingest.ErrMissingField):
		return http.StatusUnprocessableEntity, codeMissingField
	case stderrors.Is(err, ingest.ErrInvalidMsgType):
		return http.StatusBadRequest, codeInvalidMsgType
	case errors.IsInvalid(err):
		return http.StatusBadRequest, codeInvalidBody
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status"`
}

// writeError writes the error body. Retryable statuses carry Retry-After.
func writeError(w http.ResponseWriter, status int, code, detail string) {
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	writeJSON(w, status, errorResponse{Error: code, Detail: detail, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
