package httpapi

import (
	"net/http"

	"quillpress.org/internal/auth"
	"quillpress.org/internal/policy"
)

type createUserRequest struct {
	Email    string      `json:"email"`
	Username string      `json:"username"`
	Password string      `json:"password"`
	Role     policy.Role `json:"role"`
}

type updateUserRequest struct {
	Username *string      `json:"username"`
	Password *string      `json:"password"`
	Role     *policy.Role `json:"role"`
}

type userList struct {
	Users []*auth.Actor `json:"users"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	actor, err := a.auth.Me(r.Context(), d)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	list, err := a.auth.ListActors(r.Context(), d)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*auth.Actor{}
	}
	writeJSON(w, http.StatusOK, userList{Users: list})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, err := a.auth.CreateActor(r.Context(), d, auth.CreateActorInput{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/users/"+actor.ID)
	writeJSON(w, http.StatusCreated, actor)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, err := a.auth.UpdateActor(r.Context(), d, pathID(r), auth.ActorPatch{
		Username: req.Username,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	if err := a.auth.DeleteActor(r.Context(), d, pathID(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
