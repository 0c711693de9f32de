package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"portraitd/internal/domain"
	"portraitd/internal/generation"
	"portraitd/internal/middleware"
	"portraitd/internal/prompt"
)

// GenerationService is implemented by *generation.Service.
type GenerationService interface {
	Generate(ctx context.Context, req generation.Request) (*generation.GenerateResult, error)
	Submit(ctx context.Context, req generation.Request) (*generation.SubmitResult, error)
	GetStatus(ctx context.Context, userID, jobID string) (*generation.TaskStatus, error)
	Cancel(ctx context.Context, userID, jobID string) (*generation.TaskStatus, error)
}

// CreditReader is implemented by *credits.Ledger.
type CreditReader interface {
	Balance(ctx context.Context, userID string) (int, time.Time, error)
	DailyLimit() int
}

type Gallery interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.GenerationRecord, error)
}

type Catalog interface {
	Styles() []prompt.Style
	Filters() []prompt.Filter
}

type App struct {
	Generations GenerationService
	Credits     CreditReader
	Gallery     Gallery
	Catalog     Catalog
	Ping        func(ctx context.Context) error
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, msg string) {
	a.json(w, code, errorResponse{Error: errCode, Message: msg})
}

// writeError maps domain errors to responses. Provider identities and
// upstream bodies never reach the client.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := middleware.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, domain.ErrQuotaExceeded):
		a.error(w, http.StatusPaymentRequired, "quota_exceeded", "Daily limit reached. Come back tomorrow!")
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, domain.ErrAllProvidersExhausted),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrProviderFailure):
		log.Warn().Err(err).Msg("generation failed")
		a.error(w, http.StatusBadGateway, "generation_failed", domain.FailureGeneration)
	case errors.Is(err, domain.ErrPersistence):
		log.Error().Err(err).Msg("persistence failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to store result")
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		log.Info().Msg("client went away")
	default:
		log.Error().Err(err).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
