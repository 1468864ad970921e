package bot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/command"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/infra"
)

// Store - запись бота во внешнем хранилище. Агент пишет только статус и адрес.
type Store interface {
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	UpdateNumber(ctx context.Context, id, number string) error
}

// Notifier - шина статусов. Ошибки агент логирует и не откатывает переход.
type Notifier interface {
	PublishStatus(ctx context.Context, queue string, ev domain.StatusEvent) error
	PublishMessage(ctx context.Context, queue string, msg domain.InboundMessage) error
}

// Journal - асинхронный журнал переходов. Record не блокирует.
type Journal interface {
	Record(ev domain.StatusEvent)
}

// Settings - параметры поведения агента из секции fleet.
type Settings struct {
	StartupTimeout          time.Duration
	EmergencyStartupTimeout time.Duration
	MaxGroupParticipants    int
	DrawDelay               time.Duration
	FloodWindow             int
	FloodMaxRate            float64
	FloodSuppressesCommands bool
	OversizeLimit           int
}

func SettingsFrom(cfg infra.FleetConfig) Settings {
	return Settings{
		StartupTimeout:          cfg.StartupTimeout,
		EmergencyStartupTimeout: cfg.EmergencyStartupTimeout,
		MaxGroupParticipants:    cfg.MaxGroupParticipants,
		DrawDelay:               cfg.DrawDelay,
		FloodWindow:             cfg.FloodWindow,
		FloodMaxRate:            cfg.FloodMaxRate,
		FloodSuppressesCommands: cfg.FloodSuppressesCommands,
		OversizeLimit:           cfg.OversizeLimit,
	}
}

func (s Settings) withDefaults() Settings {
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = 120 * time.Second
	}
	if s.EmergencyStartupTimeout <= 0 {
		s.EmergencyStartupTimeout = 180 * time.Second
	}
	if s.MaxGroupParticipants <= 0 {
		s.MaxGroupParticipants = 1003
	}
	if s.OversizeLimit <= 0 {
		s.OversizeLimit = 3000
	}
	return s
}

// Deps - общие для всех агентов зависимости. Любая может быть nil.
type Deps struct {
	Store     Store
	Notifier  Notifier
	Journal   Journal
	Artifacts *Artifacts
	Lookups   command.Lookups
	Stickers  *command.Stickers
	Metrics   *infra.Metrics
	Logger    *zap.Logger
	Settings  Settings

	// Для тестов
	Gate  *command.Gate
	After func(d time.Duration, f func())
	Now   func() time.Time
}
