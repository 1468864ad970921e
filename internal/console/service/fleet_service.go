package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/fleet"
)

// OutcomeView - исход массовой операции для API.
type OutcomeView struct {
	BotID string `json:"bot_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func outcomes(in []fleet.Outcome) []OutcomeView {
	out := make([]OutcomeView, len(in))
	for i, o := range in {
		out[i] = OutcomeView{BotID: o.BotID, OK: o.Err == nil}
		if o.Err != nil {
			out[i].Error = o.Err.Error()
		}
	}
	return out
}

func (s *BotService) FailoverAll(ctx context.Context) ([]OutcomeView, error) {
	out, err := s.registry.FailoverAllToEmergency(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("fleet failed over to emergency", zap.Int("failed", len(fleet.Failed(out))))
	return outcomes(out), nil
}

func (s *BotService) StopEmergency(ctx context.Context) []OutcomeView {
	return outcomes(s.registry.StopEmergency(ctx))
}

func (s *BotService) StopAll(ctx context.Context) []OutcomeView {
	return outcomes(s.registry.BulkStop(ctx))
}

func (s *BotService) DestroyAll(ctx context.Context) []OutcomeView {
	return outcomes(s.registry.BulkDestroy(ctx))
}

// Stats - сводка: сохранённые статусы из базы и живые из реестра.
func (s *BotService) Stats(ctx context.Context) (*domain.FleetStats, error) {
	persisted, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	running, emergency := s.registry.Running()
	total := 0
	for _, n := range persisted {
		total += n
	}
	return &domain.FleetStats{Persisted: persisted, Running: running, Emergency: emergency, Total: total}, nil
}
