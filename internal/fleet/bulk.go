package fleet

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/transport"
)

// Outcome - результат массовой операции для одного бота. Err == nil - успех.
type Outcome struct {
	BotID string `json:"bot_id"`
	Err   error  `json:"-"`
}

// Failed - только неуспешные исходы.
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// fanOut выполняет op для каждого id с ограничением параллелизма. Ошибка одного бота
// не прерывает остальных, поэтому функции группы всегда возвращают nil.
func (r *Registry) fanOut(ctx context.Context, ids []string, op func(ctx context.Context, id string) error) []Outcome {
	out := make([]Outcome, len(ids))
	var g errgroup.Group
	g.SetLimit(r.limit)
	for i, id := range ids {
		g.Go(func() error {
			err := op(ctx, id)
			out[i] = Outcome{BotID: id, Err: err}
			if err != nil {
				r.logger.Warn("bulk operation failed for bot", zap.String("bot_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Registry) runningIDs() []string {
	agents := r.List()
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID()
	}
	return ids
}

// BulkStop останавливает всех живых агентов.
func (r *Registry) BulkStop(ctx context.Context) []Outcome {
	return r.fanOut(ctx, r.runningIDs(), func(ctx context.Context, id string) error {
		_, err := r.Stop(ctx, id)
		return err
	})
}

// BulkDestroy уничтожает всех живых агентов.
func (r *Registry) BulkDestroy(ctx context.Context) []Outcome {
	return r.fanOut(ctx, r.runningIDs(), func(ctx context.Context, id string) error {
		_, err := r.Destroy(ctx, id)
		return err
	})
}

// FailoverAllToEmergency переводит на резервный транспорт все сохранённые и живые боты,
// кроме уже уничтоженных.
func (r *Registry) FailoverAllToEmergency(ctx context.Context) ([]Outcome, error) {
	ids := r.runningIDs()
	if r.store != nil {
		bots, err := r.store.ListBots(ctx)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			seen[id] = struct{}{}
		}
		for _, b := range bots {
			if _, ok := seen[b.ID]; ok || b.Status == domain.StatusDestroyed {
				continue
			}
			ids = append(ids, b.ID)
		}
	}

	r.logger.Warn("failing over fleet to emergency transport", zap.Int("bots", len(ids)))
	return r.fanOut(ctx, ids, func(ctx context.Context, id string) error {
		a, err := r.Get(id)
		if err == nil && a.Variant() == transport.VariantEmergency {
			// Уже на резервном транспорте
			return nil
		}
		_, err = r.FailoverToEmergency(ctx, id)
		return err
	}), nil
}

// InitializeAll поднимает все сохранённые боты, кроме уничтоженных. Боты, сохранённые
// в EMERGENCY, поднимаются на резервном транспорте. Восстановлением занимается один
// процесс: остальные видят занятую блокировку и пропускают шаг.
func (r *Registry) InitializeAll(ctx context.Context) ([]Outcome, error) {
	if r.store == nil {
		return nil, nil
	}
	if r.locker != nil {
		ok, err := r.locker.TryLock(ctx, r.lockKey, r.lockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.logger.Info("fleet recovery is held by another process, skipping")
			return nil, nil
		}
		defer func() {
			if err := r.locker.Unlock(context.WithoutCancel(ctx), r.lockKey); err != nil {
				r.logger.Warn("failed to release recovery lock", zap.Error(err))
			}
		}()
	}

	bots, err := r.store.ListBots(ctx)
	if err != nil {
		return nil, err
	}
	recs := make(map[string]*domain.Bot, len(bots))
	var ids []string
	for _, b := range bots {
		if b.Status == domain.StatusDestroyed {
			continue
		}
		recs[b.ID] = b
		ids = append(ids, b.ID)
	}

	out := r.fanOut(ctx, ids, func(ctx context.Context, id string) error {
		rec := recs[id]
		dialer := r.primary
		if rec.Status == domain.StatusEmergency && r.emergency != nil {
			dialer = r.emergency
		}
		_, err := r.initialize(ctx, rec.Identity, rec.Config, dialer)
		return err
	})
	r.logger.Info("fleet recovered", zap.Int("bots", len(ids)), zap.Int("failed", len(Failed(out))))
	return out, nil
}
