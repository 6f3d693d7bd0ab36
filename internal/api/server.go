// Package api exposes the prefill intent lifecycle over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/prefill"
)

const maxBodyBytes = 1 << 20

// IntentService is the part of prefill.Service the HTTP layer drives.
type IntentService interface {
	Create(ctx context.Context, req prefill.CreateRequest) (*prefill.Issued, error)
	Fetch(ctx context.Context, id, presented string) (*model.PrefillIntent, error)
	Reissue(ctx context.Context, id string) (*prefill.Issued, error)
	ReportResult(ctx context.Context, id, presented string, log model.PrefillLog) (*prefill.ReportOutcome, error)
}

// Options configures the router.
type Options struct {
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// IssuedResponse is returned by create-intent and reissue.
type IssuedResponse struct {
	IntentID  string    `json:"intent_id"`
	AuthToken string    `json:"auth_token"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
}

// ReportRequest is the body of report-result.
type ReportRequest struct {
	IntentID  string           `json:"intent_id"`
	AuthToken string           `json:"auth_token"`
	Log       model.PrefillLog `json:"log"`
}

// ReportResponse is returned by report-result.
type ReportResponse struct {
	Message string `json:"message"`
	prefill.ReportOutcome
}

type handler struct {
	svc IntentService
}

// NewRouter builds the HTTP handler for svc.
func NewRouter(svc IntentService, opts Options) http.Handler {
	h := &handler{svc: svc}
	log := zap.L().With(zap.String("component", "api"))

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(log))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", RequestIDHeader},
			ExposedHeaders:   []string{RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, TypeNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	r.Get("/health", h.health)

	r.Route("/prefill", func(r chi.Router) {
		r.Use(RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))
		r.Post("/create-intent", h.createIntent)
		r.Get("/intent/{intentID}", h.getIntent)
		r.Post("/intent/{intentID}/reissue", h.reissue)
		r.Post("/report-result", h.reportResult)
	})

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *handler) createIntent(w http.ResponseWriter, r *http.Request) {
	var req prefill.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	iss, err := h.svc.Create(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, IssuedResponse{
		IntentID:  iss.Intent.ID,
		AuthToken: iss.Token,
		ExpiresAt: iss.ExpiresAt,
		Message:   "Intent created. Use the auth_token in the local agent.",
	})
}

func (h *handler) reissue(w http.ResponseWriter, r *http.Request) {
	iss, err := h.svc.Reissue(r.Context(), chi.URLParam(r, "intentID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, IssuedResponse{
		IntentID:  iss.Intent.ID,
		AuthToken: iss.Token,
		ExpiresAt: iss.ExpiresAt,
		Message:   "Token reissued. The previous token no longer works.",
	})
}

func (h *handler) getIntent(w http.ResponseWriter, r *http.Request) {
	tok, ok := bearerToken(r)
	if !ok {
		respondError(w, r, http.StatusUnauthorized, TypeUnauthorized, "Missing or invalid authorization header")
		return
	}
	in, err := h.svc.Fetch(r.Context(), chi.URLParam(r, "intentID"), tok)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, in)
}

func (h *handler) reportResult(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IntentID == "" {
		respondError(w, r, http.StatusUnprocessableEntity, TypeInvalidPayload, "intent_id is required")
		return
	}
	tok := req.AuthToken
	if tok == "" {
		tok, _ = bearerToken(r)
	}
	if tok == "" {
		respondError(w, r, http.StatusUnauthorized, TypeUnauthorized, "auth_token is required")
		return
	}

	out, err := h.svc.ReportResult(r.Context(), req.IntentID, tok, req.Log)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ReportResponse{
		Message:       "Prefill result recorded",
		ReportOutcome: *out,
	})
}

// bearerToken extracts the credential from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, r, http.StatusUnprocessableEntity, TypeInvalidPayload, "Invalid request body: "+err.Error())
		return false
	}
	return true
}
