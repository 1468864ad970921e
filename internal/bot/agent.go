// Package bot - один запущенный бот: транспортная сессия, жизненный цикл и поведение.
package bot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/command"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/flood"
	"github.com/xela07ax/botfleet/internal/transport"
)

// Таймаут на побочные эффекты при остановке, когда контекст вызова уже не важен.
const teardownTimeout = 10 * time.Second

type controlKind int

const (
	ctlStop controlKind = iota
	ctlDestroy
	ctlConfig
)

type controlReq struct {
	kind controlKind
	cfg  domain.Config
	done chan struct{}
}

// Agent - бот, привязанный к одной транспортной сессии. Все события и команды
// управления обрабатывает одна горутина loop, поэтому внутри агента нет гонок
// по состоянию жизненного цикла. Снаружи читаются только снапшоты.
type Agent struct {
	identity domain.Identity
	session  transport.Session
	deps     Deps
	settings Settings
	logger   *zap.Logger

	guard      *flood.Guard
	dispatcher *command.Dispatcher

	cfg atomic.Pointer[domain.Config]

	mu     sync.RWMutex
	status domain.Status
	qr     string
	number string

	closing atomic.Bool
	started atomic.Bool
	control chan controlReq
	done    chan struct{}
	onExit  func(*Agent)

	ctx    context.Context
	cancel context.CancelFunc
}

// New собирает агента без сетевого I/O. Соединение открывает Start.
func New(identity domain.Identity, cfg domain.Config, session transport.Session, deps Deps) *Agent {
	settings := deps.Settings.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("agent").With(
		zap.String("bot_id", identity.ID),
		zap.String("variant", string(session.Variant())),
	)

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		identity: identity,
		session:  session,
		deps:     deps,
		settings: settings,
		logger:   logger,
		control:  make(chan controlReq),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c := cfg.Clone()
	a.cfg.Store(&c)

	if identity.Kind == domain.KindPromoter {
		a.guard = flood.NewGuard(settings.FloodWindow, settings.FloodMaxRate)
		a.dispatcher = command.NewDispatcher(command.Options{
			Lookups:   deps.Lookups,
			Stickers:  deps.Stickers,
			Gate:      deps.Gate,
			DrawDelay: settings.DrawDelay,
			After:     deps.After,
			Metrics:   deps.Metrics,
			Logger:    logger.Named("dispatcher"),
		})
	}
	return a
}

// OnExit регистрирует колбэк, который вызывается из цикла агента после остановки,
// до того как Done будет закрыт. Вызывать до Start.
func (a *Agent) OnExit(f func(*Agent)) { a.onExit = f }

func (a *Agent) ID() string                 { return a.identity.ID }
func (a *Agent) Identity() domain.Identity  { return a.identity }
func (a *Agent) Variant() transport.Variant { return a.session.Variant() }
func (a *Agent) Config() domain.Config      { return a.cfg.Load().Clone() }
func (a *Agent) Done() <-chan struct{}      { return a.done }
func (a *Agent) Closing() bool              { return a.closing.Load() }
func (a *Agent) Session() transport.Session { return a.session }

func (a *Agent) Status() domain.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Agent) QRCode() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.qr
}

func (a *Agent) Number() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.number
}

// GroupRuntimes - настройки вовлечения известных групп (только promoter).
func (a *Agent) GroupRuntimes() []domain.GroupRuntime {
	if a.dispatcher == nil {
		return nil
	}
	return a.dispatcher.States().Snapshot()
}

// BeginShutdown помечает агента уходящим. Возвращает false, если остановку уже кто-то начал.
func (a *Agent) BeginShutdown() bool {
	return a.closing.CompareAndSwap(false, true)
}

func (a *Agent) initialStatus() domain.Status {
	if a.session.Variant() == transport.VariantEmergency {
		return domain.StatusEmergency
	}
	return domain.StatusStarted
}

// onlineStatus - статус готового агента: резервный транспорт живёт в EMERGENCY.
func (a *Agent) onlineStatus() domain.Status {
	if a.session.Variant() == transport.VariantEmergency {
		return domain.StatusEmergency
	}
	return domain.StatusOnline
}

func (a *Agent) startupTimeout() time.Duration {
	if a.session.Variant() == transport.VariantEmergency {
		return a.settings.EmergencyStartupTimeout
	}
	return a.settings.StartupTimeout
}

// Start публикует начальный статус, открывает сессию и запускает цикл событий.
// При ошибке соединения агент уходит в OFFLINE, цикл не запускается.
func (a *Agent) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		if a.closing.Load() {
			// Остановлен раньше, чем успел стартовать: финальный статус уже выставил shutdown
			return fmt.Errorf("agent %s stopped before start: %w", a.identity.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("agent %s: %w", a.identity.ID, domain.ErrAlreadyRunning)
	}

	a.setStatus(ctx, a.initialStatus())

	if err := a.session.Connect(ctx); err != nil {
		a.logger.Error("transport connect failed", zap.Error(err))
		a.closing.Store(true)
		a.teardown(domain.StatusOffline, false)
		a.exit()
		return fmt.Errorf("connect %s: %w", a.identity.ID, err)
	}

	go a.loop()
	return nil
}

// Stop освобождает транспорт, сохраняя данные сессии (OFFLINE).
func (a *Agent) Stop(ctx context.Context) (domain.Status, error) {
	return a.shutdown(ctx, ctlStop)
}

// Destroy освобождает транспорт и удаляет данные сессии (DESTROYED).
func (a *Agent) Destroy(ctx context.Context) (domain.Status, error) {
	return a.shutdown(ctx, ctlDestroy)
}

func (a *Agent) shutdown(ctx context.Context, kind controlKind) (domain.Status, error) {
	a.closing.Store(true)
	if a.started.CompareAndSwap(false, true) {
		// Start ещё не вызывался и теперь уже не запустит цикл: завершаем здесь
		a.finish(kind)
		a.exit()
		return a.Status(), nil
	}

	req := controlReq{kind: kind, done: make(chan struct{})}
	select {
	case a.control <- req:
	case <-a.done:
		// Агент уже завершился сам (таймаут старта или обрыв)
		return a.Status(), nil
	case <-ctx.Done():
		return a.Status(), ctx.Err()
	}

	select {
	case <-a.done:
		return a.Status(), nil
	case <-ctx.Done():
		return a.Status(), ctx.Err()
	}
}

// UpdateConfig заменяет конфиг целиком. Статус не меняется.
func (a *Agent) UpdateConfig(ctx context.Context, cfg domain.Config) error {
	req := controlReq{kind: ctlConfig, cfg: cfg.Clone(), done: make(chan struct{})}
	select {
	case a.control <- req:
	case <-a.done:
		return fmt.Errorf("agent %s: %w", a.identity.ID, domain.ErrNotFound)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) loop() {
	defer a.exit()

	timer := time.NewTimer(a.startupTimeout())
	defer timer.Stop()
	events := a.session.Events()

	for {
		select {
		case ev := <-events:
			if ev.Kind == transport.EventReady {
				timer.Stop()
			}
			if a.handleEvent(ev) {
				return
			}

		case req := <-a.control:
			switch req.kind {
			case ctlConfig:
				a.cfg.Store(&req.cfg)
				a.logger.Info("config replaced")
				close(req.done)
			case ctlStop, ctlDestroy:
				a.finish(req.kind)
				close(req.done)
				return
			}

		case <-timer.C:
			if a.awaitingReadiness() {
				a.logger.Warn("session was not approved in time, destroying", zap.Duration("timeout", a.startupTimeout()))
				a.closing.Store(true)
				a.teardown(domain.StatusDestroyed, true)
				return
			}
		}
	}
}

// finish - финальный переход по запросу оператора.
func (a *Agent) finish(kind controlKind) {
	if kind == ctlDestroy {
		a.teardown(domain.StatusDestroyed, true)
		return
	}
	a.teardown(domain.StatusOffline, false)
}

// awaitingReadiness - сессия ещё не подтверждена (адрес не получен).
func (a *Agent) awaitingReadiness() bool {
	return a.Number() == "" || a.Status() == domain.StatusStarted
}

func (a *Agent) exit() {
	a.cancel()
	if a.onExit != nil {
		a.onExit(a)
	}
	close(a.done)
}

// teardown - финальный переход: статус, закрытие транспорта, при необходимости чистка.
// Ошибки транспорта и чистки глотаются: агент уходит в любом случае.
func (a *Agent) teardown(final domain.Status, purge bool) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	a.setStatus(ctx, final)

	if err := a.session.Close(ctx); err != nil {
		a.logger.Warn("transport close failed", zap.Error(err))
	}
	if purge && a.deps.Artifacts != nil {
		if err := a.deps.Artifacts.Purge(a.identity.ID); err != nil {
			a.logger.Warn("session artifacts purge failed", zap.Error(err))
		}
	}

	if a.guard != nil {
		a.guard.Reset()
	}
	if a.dispatcher != nil {
		a.dispatcher.States().Reset()
	}

	a.mu.Lock()
	a.qr = ""
	a.mu.Unlock()

	if a.deps.Metrics != nil {
		a.deps.Metrics.Agents.WithLabelValues(string(a.Status())).Dec()
	}
	a.logger.Info("agent stopped", zap.String("status", string(final)))
}

// setStatus выполняет переход и его побочные эффекты: хранилище, журнал, метрики, шина.
// Ни одна ошибка побочного эффекта не откатывает переход.
func (a *Agent) setStatus(ctx context.Context, next domain.Status) {
	a.mu.Lock()
	prev := a.status
	if prev == next || prev.Terminal() {
		a.mu.Unlock()
		return
	}
	a.status = next
	a.mu.Unlock()

	if m := a.deps.Metrics; m != nil {
		from := string(prev)
		if prev == "" {
			from = "NONE"
		} else {
			m.Agents.WithLabelValues(from).Dec()
		}
		m.Agents.WithLabelValues(string(next)).Inc()
		m.Transitions.WithLabelValues(from, string(next)).Inc()
	}

	ev := domain.StatusEvent{BotID: a.identity.ID, Status: next}

	if a.deps.Store != nil {
		if err := a.deps.Store.UpdateStatus(ctx, a.identity.ID, next); err != nil {
			a.logger.Warn("failed to persist status", zap.String("status", string(next)), zap.Error(err))
		}
	}
	if a.deps.Journal != nil {
		a.deps.Journal.Record(ev)
	}

	cfg := a.cfg.Load()
	if a.deps.Notifier != nil && cfg.QueuePermission && cfg.QueueStatus != "" {
		if err := a.deps.Notifier.PublishStatus(ctx, cfg.QueueStatus, ev); err != nil {
			a.logger.Warn("failed to notify status", zap.String("queue", cfg.QueueStatus), zap.Error(err))
		}
	}

	a.logger.Info("status changed", zap.String("from", string(prev)), zap.String("to", string(next)))
}
