package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/console/service"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/transport"
)

type BotHandler struct {
	service *service.BotService
	logger  *zap.Logger
}

func NewBotHandler(s *service.BotService, logger *zap.Logger) *BotHandler {
	return &BotHandler{service: s, logger: logger.Named("bot-handler")}
}

// Routes Маршруты для Chi, монтируются в /v1/bots
func (h *BotHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/stop", h.Stop)
		r.Post("/restart", h.Restart)
		r.Put("/config", h.UpdateConfig)
		r.Post("/message", h.SendMessage)
		r.Post("/media", h.SendMedia)
		r.Get("/events", h.Events)

		r.Route("/groups", func(r chi.Router) {
			r.Post("/", h.CreateGroup)
			r.Get("/", h.ListGroups)
			r.Route("/{groupID}", func(r chi.Router) {
				r.Get("/", h.GetGroup)
				r.Delete("/", h.DeleteGroup)
				r.Post("/message", h.SendGroupMessage)
				r.Post("/media", h.SendGroupMedia)
				r.Post("/participants/{phone}", h.AddParticipant)
				r.Delete("/participants/{phone}", h.RemoveParticipant)
			})
		})
	})
	return r
}

type messageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type mediaRequest struct {
	To        string `json:"to"`
	URL       string `json:"url"`
	Mime      string `json:"mime"`
	Caption   string `json:"caption"`
	AsSticker bool   `json:"as_sticker"`
}

func (m mediaRequest) media() transport.Media {
	return transport.Media{URL: m.URL, Mime: m.Mime, Caption: m.Caption, AsSticker: m.AsSticker}
}

type statusResponse struct {
	ID     string        `json:"id"`
	Status domain.Status `json:"status"`
}

func (h *BotHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBotRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.service.Create(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *BotHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.List(r.Context(), queryInt(r, "page", 1), queryInt(r, "size", 20))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *BotHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *BotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BotHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.service.Stop(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ID: id, Status: st})
}

func (h *BotHandler) Restart(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *BotHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.Config
	if !decode(w, r, &cfg) {
		return
	}
	if err := h.service.UpdateConfig(r.Context(), chi.URLParam(r, "id"), cfg); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BotHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.SendMessage(r.Context(), chi.URLParam(r, "id"), req.To, req.Text); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *BotHandler) SendMedia(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.SendMedia(r.Context(), chi.URLParam(r, "id"), req.To, req.media()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *BotHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Events(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
