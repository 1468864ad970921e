// Package fleet - реестр запущенных агентов процесса: уникальность по идентификатору,
// остановка, уничтожение, переключение на резервный транспорт и массовые операции.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/bot"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/transport"
)

// Store - хранилище записей ботов. GetBot возвращает domain.ErrNotFound для неизвестного id.
type Store interface {
	bot.Store
	GetBot(ctx context.Context, id string) (*domain.Bot, error)
	ListBots(ctx context.Context) ([]*domain.Bot, error)
}

// Locker - распределённая блокировка восстановления флота.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type Options struct {
	Primary   transport.Dialer
	Emergency transport.Dialer // nil - резервного транспорта нет
	Store     Store
	Locker    Locker
	LockKey   string
	LockTTL   time.Duration
	// Параллелизм массовых операций
	BulkConcurrency int
	Deps            bot.Deps
	Logger          *zap.Logger
}

// Registry - таблица id -> агент. Проверка и вставка в Initialize, поиск и пометка
// в Stop/Destroy выполняются под одним мьютексом.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*bot.Agent

	primary   transport.Dialer
	emergency transport.Dialer
	store     Store
	locker    Locker
	lockKey   string
	lockTTL   time.Duration
	limit     int
	deps      bot.Deps
	logger    *zap.Logger
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = 8
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.Deps.Logger == nil {
		opts.Deps.Logger = opts.Logger
	}
	if opts.Deps.Store == nil && opts.Store != nil {
		opts.Deps.Store = opts.Store
	}
	return &Registry{
		agents:    make(map[string]*bot.Agent),
		primary:   opts.Primary,
		emergency: opts.Emergency,
		store:     opts.Store,
		locker:    opts.Locker,
		lockKey:   opts.LockKey,
		lockTTL:   opts.LockTTL,
		limit:     opts.BulkConcurrency,
		deps:      opts.Deps,
		logger:    opts.Logger.Named("fleet"),
	}
}

func notFound(id string) error {
	return fmt.Errorf("bot %s: %w", id, domain.ErrNotFound)
}

// Initialize запускает агента на основном транспорте.
func (r *Registry) Initialize(ctx context.Context, identity domain.Identity, cfg domain.Config) (*bot.Agent, error) {
	return r.initialize(ctx, identity, cfg, r.primary)
}

func (r *Registry) initialize(ctx context.Context, identity domain.Identity, cfg domain.Config, dialer transport.Dialer) (*bot.Agent, error) {
	if dialer == nil {
		return nil, fmt.Errorf("bot %s: %w", identity.ID, domain.ErrActionUnsupported)
	}

	r.mu.Lock()
	if _, ok := r.agents[identity.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("bot %s: %w", identity.ID, domain.ErrAlreadyRunning)
	}
	session, err := dialer.Dial(identity)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", identity.ID, err)
	}
	a := bot.New(identity, cfg, session, r.deps)
	a.OnExit(r.remove)
	// Вставка до любого сетевого I/O: конкурентный Initialize увидит агента
	r.agents[identity.ID] = a
	r.mu.Unlock()

	if err := a.Start(ctx); err != nil {
		// OnExit уже убрал агента из таблицы
		return nil, err
	}
	r.logger.Info("agent initialized",
		zap.String("bot_id", identity.ID),
		zap.String("variant", string(session.Variant())))
	return a, nil
}

// remove вызывается из агента при завершении. Чужой (более новый) агент с тем же id не трогаем.
func (r *Registry) remove(a *bot.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.agents[a.ID()]; ok && cur == a {
		delete(r.agents, a.ID())
	}
}

// claim находит агента и помечает его уходящим. Второй конкурентный вызов получит NotFound.
func (r *Registry) claim(id string) (*bot.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok || !a.BeginShutdown() {
		return a, false
	}
	return a, true
}

// Stop - OFFLINE, данные сессии сохраняются, агент уходит из таблицы.
func (r *Registry) Stop(ctx context.Context, id string) (domain.Status, error) {
	a, ok := r.claim(id)
	if !ok {
		return "", notFound(id)
	}
	st, err := a.Stop(ctx)
	if err != nil {
		return st, err
	}
	r.logger.Info("agent stopped", zap.String("bot_id", id), zap.String("status", string(st)))
	return st, nil
}

// Destroy - DESTROYED с чисткой данных сессии. Для незапущенного, но сохранённого бота
// статус DESTROYED всё равно публикуется.
func (r *Registry) Destroy(ctx context.Context, id string) (domain.Status, error) {
	a, ok := r.claim(id)
	if ok {
		st, err := a.Destroy(ctx)
		if err != nil {
			return st, err
		}
		r.logger.Info("agent destroyed", zap.String("bot_id", id))
		return st, nil
	}
	if a != nil {
		// Остановка уже идёт: дожидаемся её и добиваем как сохранённого
		select {
		case <-a.Done():
		case <-ctx.Done():
			return a.Status(), ctx.Err()
		}
	}
	return r.destroyPersisted(ctx, id)
}

func (r *Registry) destroyPersisted(ctx context.Context, id string) (domain.Status, error) {
	if r.store == nil {
		return "", notFound(id)
	}
	rec, err := r.store.GetBot(ctx, id)
	if err != nil {
		return "", err
	}

	if err := r.store.UpdateStatus(ctx, id, domain.StatusDestroyed); err != nil {
		r.logger.Warn("failed to persist status", zap.String("bot_id", id), zap.Error(err))
	}
	ev := domain.StatusEvent{BotID: id, Status: domain.StatusDestroyed}
	if r.deps.Journal != nil {
		r.deps.Journal.Record(ev)
	}
	if r.deps.Notifier != nil && rec.Config.QueuePermission && rec.Config.QueueStatus != "" {
		if err := r.deps.Notifier.PublishStatus(ctx, rec.Config.QueueStatus, ev); err != nil {
			r.logger.Warn("failed to notify status", zap.String("bot_id", id), zap.Error(err))
		}
	}
	if err := r.deps.Artifacts.Purge(id); err != nil {
		r.logger.Warn("session artifacts purge failed", zap.String("bot_id", id), zap.Error(err))
	}
	r.logger.Info("persisted bot destroyed", zap.String("bot_id", id))
	return domain.StatusDestroyed, nil
}

// FailoverToEmergency останавливает агента (если он есть) и поднимает новый на резервном транспорте.
func (r *Registry) FailoverToEmergency(ctx context.Context, id string) (*bot.Agent, error) {
	identity, cfg, err := r.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.Stop(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return r.initialize(ctx, identity, cfg, r.emergency)
}

// resolve берёт identity и конфиг у живого агента, иначе из хранилища.
func (r *Registry) resolve(ctx context.Context, id string) (domain.Identity, domain.Config, error) {
	if a, err := r.Get(id); err == nil {
		return a.Identity(), a.Config(), nil
	}
	if r.store == nil {
		return domain.Identity{}, domain.Config{}, notFound(id)
	}
	rec, err := r.store.GetBot(ctx, id)
	if err != nil {
		return domain.Identity{}, domain.Config{}, err
	}
	if rec.Status == domain.StatusDestroyed {
		return domain.Identity{}, domain.Config{}, fmt.Errorf("bot %s: %w", id, domain.ErrBotDestroyed)
	}
	return rec.Identity, rec.Config, nil
}

// StopEmergency возвращает агентов с резервного транспорта на основной.
func (r *Registry) StopEmergency(ctx context.Context) []Outcome {
	var ids []string
	for _, a := range r.List() {
		if a.Variant() == transport.VariantEmergency {
			ids = append(ids, a.ID())
		}
	}
	return r.fanOut(ctx, ids, func(ctx context.Context, id string) error {
		a, err := r.Get(id)
		if err != nil {
			return err
		}
		identity, cfg := a.Identity(), a.Config()
		if _, err := r.Stop(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		_, err = r.initialize(ctx, identity, cfg, r.primary)
		return err
	})
}

// Get - агент из таблицы. Уходящий агент для новых операций уже не существует.
func (r *Registry) Get(id string) (*bot.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok || a.Closing() {
		return nil, notFound(id)
	}
	return a, nil
}

// List - живые агенты, упорядоченные по id.
func (r *Registry) List() []*bot.Agent {
	r.mu.Lock()
	out := make([]*bot.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if !a.Closing() {
			out = append(out, a)
		}
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(x, y *bot.Agent) int { return strings.Compare(x.ID(), y.ID()) })
	return out
}

// UpdateConfig заменяет конфиг живого агента целиком.
func (r *Registry) UpdateConfig(ctx context.Context, id string, cfg domain.Config) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	return a.UpdateConfig(ctx, cfg)
}

// Running - счётчики живых агентов по статусам.
func (r *Registry) Running() (byStatus map[domain.Status]int, emergency int) {
	byStatus = make(map[domain.Status]int)
	for _, a := range r.List() {
		byStatus[a.Status()]++
		if a.Variant() == transport.VariantEmergency {
			emergency++
		}
	}
	return byStatus, emergency
}
