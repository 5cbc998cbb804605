package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"TollLedger/internal/ingestion"
	"TollLedger/internal/ledger"
	"TollLedger/internal/observability"
	"TollLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 4 << 10

// ReasonLogReadFailure is returned when the event log cannot be read.
const ReasonLogReadFailure = "log_read_failure"

// ScanInjector queues a manual scan into the pipeline.
type ScanInjector interface {
	InjectScan(ctx context.Context, uid string) error
}

// HTTPDeps are the collaborators behind the HTTP surface. Injector and
// Health may be nil.
type HTTPDeps struct {
	Query    *query.QueryService
	Ledger   ingestion.Crediter
	Injector ScanInjector
	Health   *observability.HealthChecker

	// StaticDir serves dashboard assets on / when set.
	StaticDir string

	// RequestTimeout bounds the credit path of a top-up.
	RequestTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type scanRequest struct {
	UID string `json:"uid"`
}

type scanResponse struct {
	Queued bool   `json:"queued"`
	UID    string `json:"uid"`
}

type route struct {
	method, pattern string
	h               runtime.HandlerFunc
}

type api struct {
	deps HTTPDeps
}

// NewHTTPHandler builds the HTTP surface: JSON routes on a grpc-gateway
// mux under /api, health probes, and optional static assets.
func NewHTTPHandler(deps HTTPDeps) (http.Handler, error) {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 10 * time.Second
	}
	a := &api{deps: deps}

	// Path params are split on the raw path, so an encoded "/" stays inside
	// the identifier.
	gw := runtime.NewServeMux(runtime.WithUnescapingMode(runtime.UnescapingModeAllCharacters))
	routes := []route{
		{http.MethodGet, "/api/uid", a.latest},
		{http.MethodGet, "/api/logs", a.logs},
		{http.MethodGet, "/api/balances", a.balances},
		{http.MethodGet, "/api/balance/{uid}", a.balance},
		{http.MethodPost, "/api/balance/add", a.topUp},
		{http.MethodGet, "/api/toll", a.toll},
		{http.MethodGet, "/api/policy", a.policy},
	}
	if deps.Injector != nil {
		routes = append(routes, route{http.MethodPost, "/api/scan", a.scan})
	}
	for _, r := range routes {
		if err := gw.HandlePath(r.method, r.pattern, a.instrument(r.method, r.pattern, r.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if deps.Health != nil {
		mux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		mux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	mux.Handle("/api/", gw)
	if deps.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(deps.StaticDir)))
	}
	return mux, nil
}

// ============================================================================
// Handlers
// ============================================================================

func (a *api) latest(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	respondWithJSON(w, http.StatusOK, a.deps.Query.GetLatest())
}

func (a *api) logs(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	logs, err := a.deps.Query.GetLogs(r.Context(), limit)
	if err != nil {
		a.deps.Logger.Error().Err(err).Msg("read decision log")
		respondWithError(w, http.StatusInternalServerError, "Failed to fetch logs", ReasonLogReadFailure)
		return
	}
	respondWithJSON(w, http.StatusOK, logs)
}

func (a *api) balances(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	respondWithJSON(w, http.StatusOK, a.deps.Query.GetBalances())
}

func (a *api) balance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	respondWithJSON(w, http.StatusOK, a.deps.Query.GetBalance(params["uid"]))
}

func (a *api) toll(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	respondWithJSON(w, http.StatusOK, a.deps.Query.GetToll())
}

func (a *api) policy(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	p := a.deps.Query.GetPolicy()
	respondWithJSON(w, http.StatusOK, map[string]int64{
		"toll_amount": p.TollAmount,
		"min_topup":   p.MinTopUp,
		"max_topup":   p.MaxTopUp,
	})
}

func (a *api) topUp(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed request body", ingestion.ReasonInvalidJSON)
		return
	}

	req, err := ingestion.ParseTopUpRequest(body)
	if err != nil {
		a.rejectTopUp(w, err)
		return
	}

	// The credit runs to completion even if the client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), a.deps.RequestTimeout)
	defer cancel()

	balance, err := a.deps.Ledger.Credit(ctx, req.UID, req.Amount)
	if err != nil {
		a.rejectTopUp(w, err)
		return
	}

	uid, _ := ledger.Normalize(req.UID)
	a.deps.Logger.Info().Str("uid", uid).Int64("amount", req.Amount).Int64("balance", balance).Msg("top-up applied")
	respondWithJSON(w, http.StatusOK, query.TopUpResponse{
		UID:     uid,
		Balance: balance,
		Message: query.MessageTopUpApplied,
	})
}

func (a *api) rejectTopUp(w http.ResponseWriter, err error) {
	reason := ingestion.RequestReason(err)
	status := StatusForReason(reason)
	if status >= http.StatusInternalServerError {
		a.deps.Logger.Error().Err(err).Str("reason", reason).Msg("top-up failed")
	} else {
		a.deps.Logger.Info().Err(err).Str("reason", reason).Msg("top-up rejected")
	}
	respondWithError(w, status, err.Error(), reason)
}

func (a *api) scan(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req scanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", ingestion.ReasonInvalidJSON)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.deps.Injector.InjectScan(ctx, req.UID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			respondWithError(w, http.StatusServiceUnavailable, "Scan queue full", ledger.ReasonUnavailable)
			return
		}
		respondWithError(w, http.StatusBadRequest, err.Error(), ledger.ReasonInvalidIdentifier)
		return
	}
	respondWithJSON(w, http.StatusAccepted, scanResponse{Queued: true, UID: req.UID})
}

// StatusForReason maps a reason code to its HTTP status.
func StatusForReason(reason string) int {
	switch reason {
	case ledger.ReasonInvalidIdentifier, ledger.ReasonInvalidAmount, ingestion.ReasonInvalidJSON:
		return http.StatusBadRequest
	case ledger.ReasonBelowMinimum, ledger.ReasonAboveMaximum:
		return http.StatusUnprocessableEntity
	case ledger.ReasonPersistenceFailure, ledger.ReasonUnavailable, ingestion.ReasonLinkUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Helpers
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) instrument(method, route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	m := a.deps.Metrics
	if m == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message, reason string) {
	respondWithJSON(w, code, ErrorResponse{Error: message, Reason: reason})
}
