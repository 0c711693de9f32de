package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"portraitd/internal/domain"
)

// Generate runs one generation while the caller waits.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeGenerationRequest(r, a.currentUserID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.Generations.Generate(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}

// SubmitTasks queues one job per requested style.
func (a *App) SubmitTasks(w http.ResponseWriter, r *http.Request) {
	req, err := decodeGenerationRequest(r, a.currentUserID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.Generations.Submit(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, res)
}

func (a *App) GetTask(w http.ResponseWriter, r *http.Request) {
	st, err := a.Generations.GetStatus(r.Context(), a.currentUserID(r), chi.URLParam(r, "taskID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, st)
}

func (a *App) CancelTask(w http.ResponseWriter, r *http.Request) {
	st, err := a.Generations.Cancel(r.Context(), a.currentUserID(r), chi.URLParam(r, "taskID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, st)
}

type galleryResponse struct {
	Items []domain.GenerationRecord `json:"items"`
}

// ListGenerations returns the caller's records, newest first.
func (a *App) ListGenerations(w http.ResponseWriter, r *http.Request) {
	items, err := a.Gallery.ListByUser(r.Context(), a.currentUserID(r), queryInt(r, "limit", 50))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.GenerationRecord{}
	}
	a.json(w, http.StatusOK, galleryResponse{Items: items})
}
