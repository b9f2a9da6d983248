package httpapi

import (
	"net/http"
	"strings"

	"quillpress.org/internal/articles"
	"quillpress.org/internal/auth"
)

type articleList struct {
	Articles []*articles.Article `json:"articles"`
}

func (a *API) handleCreateArticle(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	var in articles.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	art, err := a.articles.Create(r.Context(), d, in)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/articles/"+art.ID)
	writeJSON(w, http.StatusCreated, art)
}

// handleListArticles accepts ?tags=a,b and repeated ?tag= parameters.
func (a *API) handleListArticles(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	q := r.URL.Query()
	var tags []string
	for _, raw := range q["tags"] {
		tags = append(tags, strings.Split(raw, ",")...)
	}
	tags = append(tags, q["tag"]...)
	list, err := a.articles.List(r.Context(), d, tags)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*articles.Article{}
	}
	writeJSON(w, http.StatusOK, articleList{Articles: list})
}

func (a *API) handleGetArticle(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	art, err := a.articles.Get(r.Context(), d, pathID(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (a *API) handleUpdateArticle(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	var upd articles.Update
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	art, err := a.articles.Update(r.Context(), d, pathID(r), upd)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (a *API) handleDeleteArticle(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	if err := a.articles.Delete(r.Context(), d, pathID(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
