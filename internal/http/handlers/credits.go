package handlers

import (
	"net/http"
	"time"
)

type creditsResponse struct {
	Credits     int       `json:"credits"`
	DailyLimit  int       `json:"daily_limit"`
	NextResetAt time.Time `json:"next_reset_at"`
}

func (a *App) GetCredits(w http.ResponseWriter, r *http.Request) {
	credits, next, err := a.Credits.Balance(r.Context(), a.currentUserID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, creditsResponse{Credits: credits, DailyLimit: a.Credits.DailyLimit(), NextResetAt: next.UTC()})
}
