package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
)

// Сигналы управления флотом, приходящие из шины в формате "<bot_id>:<action>".
// Цель "*" адресует весь флот.
const (
	ActionStop      = "stop"
	ActionDestroy   = "destroy"
	ActionRestart   = "restart"
	ActionEmergency = "emergency"
	ActionPrimary   = "primary"

	TargetAll = "*"
)

// ParseSignal разбирает "bot_id:action".
func ParseSignal(payload string) (target, action string, err error) {
	target, action, ok := strings.Cut(strings.TrimSpace(payload), ":")
	if !ok || target == "" || action == "" {
		return "", "", fmt.Errorf("invalid fleet signal %q", payload)
	}
	return target, strings.ToLower(action), nil
}

// HandleSignal применяет сигнал управления. Ошибки по отдельным ботам только логируются.
func (r *Registry) HandleSignal(ctx context.Context, payload string) error {
	target, action, err := ParseSignal(payload)
	if err != nil {
		return err
	}
	log := r.logger.With(zap.String("target", target), zap.String("action", action))
	log.Info("fleet signal received")

	if target == TargetAll {
		var out []Outcome
		switch action {
		case ActionStop:
			out = r.BulkStop(ctx)
		case ActionDestroy:
			out = r.BulkDestroy(ctx)
		case ActionEmergency:
			if out, err = r.FailoverAllToEmergency(ctx); err != nil {
				return err
			}
		case ActionPrimary:
			out = r.StopEmergency(ctx)
		default:
			return fmt.Errorf("unknown fleet action %q", action)
		}
		log.Info("fleet signal applied", zap.Int("bots", len(out)), zap.Int("failed", len(Failed(out))))
		return nil
	}

	switch action {
	case ActionStop:
		_, err = r.Stop(ctx, target)
	case ActionDestroy:
		_, err = r.Destroy(ctx, target)
	case ActionEmergency:
		_, err = r.FailoverToEmergency(ctx, target)
	case ActionRestart:
		err = r.Restart(ctx, target)
	default:
		return fmt.Errorf("unknown bot action %q", action)
	}
	return err
}

// Restart останавливает агента (если он есть) и поднимает его на основном транспорте.
func (r *Registry) Restart(ctx context.Context, id string) error {
	identity, cfg, err := r.resolve(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.Stop(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	_, err = r.initialize(ctx, identity, cfg, r.primary)
	return err
}
