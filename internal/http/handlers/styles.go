package handlers

import "net/http"

type catalogResponse struct {
	Styles  any `json:"styles"`
	Filters any `json:"filters"`
}

// Styles lists the style and filter catalog. Prompt text stays server side.
func (a *App) Styles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	a.json(w, http.StatusOK, catalogResponse{Styles: a.Catalog.Styles(), Filters: a.Catalog.Filters()})
}
