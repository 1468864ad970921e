package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/console/service"
)

// FleetHandler - массовые операции и сводка, монтируется в /v1/fleet.
type FleetHandler struct {
	service *service.BotService
	logger  *zap.Logger
}

func NewFleetHandler(s *service.BotService, logger *zap.Logger) *FleetHandler {
	return &FleetHandler{service: s, logger: logger.Named("fleet-handler")}
}

func (h *FleetHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/emergency", h.Emergency)
	r.Delete("/emergency", h.StopEmergency)
	r.Post("/stop", h.StopAll)
	r.Post("/destroy", h.DestroyAll)
	r.Get("/stats", h.Stats)
	return r
}

type outcomesResponse struct {
	Outcomes []service.OutcomeView `json:"outcomes"`
}

func (h *FleetHandler) Emergency(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.FailoverAll(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomesResponse{Outcomes: out})
}

func (h *FleetHandler) StopEmergency(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, outcomesResponse{Outcomes: h.service.StopEmergency(r.Context())})
}

func (h *FleetHandler) StopAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, outcomesResponse{Outcomes: h.service.StopAll(r.Context())})
}

func (h *FleetHandler) DestroyAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, outcomesResponse{Outcomes: h.service.DestroyAll(r.Context())})
}

func (h *FleetHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
