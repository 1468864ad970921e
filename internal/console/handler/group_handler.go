package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/botfleet/internal/domain"
)

func (h *BotHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateGroupRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.service.CreateGroup(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *BotHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.ListGroups(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *BotHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.service.GetGroup(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *BotHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteGroup(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "groupID")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BotHandler) SendGroupMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.service.SendGroupMessage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "groupID"), req.Text)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *BotHandler) SendGroupMedia(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.service.SendGroupMedia(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "groupID"), req.media())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *BotHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	err := h.service.AddParticipant(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "groupID"), chi.URLParam(r, "phone"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BotHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	err := h.service.RemoveParticipant(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "groupID"), chi.URLParam(r, "phone"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
