package journal

/*
Журнал переходов статусов флота.

- Record не блокирует цикл агента: событие кладётся в буферизованный канал,
  при переполнении сбрасывается с записью в лог (load shedding).
- Воркер копит пачку и пишет её в хранилище по таймеру или при достижении лимита.
- Stop закрывает вход и ждёт, пока воркер вычитает остаток и сделает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/infra"
)

const batchSize = 100

// Event - строка журнала.
type Event struct {
	ID        string        `json:"id"`
	BotID     string        `json:"bot_id"`
	Status    domain.Status `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// Storage - куда физически пишется журнал.
type Storage interface {
	WriteBatch(ctx context.Context, events []Event) error
}

type Journal struct {
	ch       chan Event
	repo     Storage
	interval time.Duration
	metrics  *infra.Metrics
	logger   *zap.Logger
	wg       sync.WaitGroup

	// Защищает ch от отправки после закрытия
	mu     sync.RWMutex
	closed bool
}

func New(repo Storage, bufferSize int, interval time.Duration, metrics *infra.Metrics, logger *zap.Logger) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Journal{
		ch:       make(chan Event, bufferSize),
		repo:     repo,
		interval: interval,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждёт финального сброса.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Record ставит переход в очередь на запись.
func (j *Journal) Record(ev domain.StatusEvent) {
	e := Event{
		ID:        uuid.NewString(),
		BotID:     ev.BotID,
		Status:    ev.Status,
		Timestamp: time.Now(),
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("bot_id", e.BotID))
		return
	}

	select {
	case j.ch <- e:
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("bot_id", e.BotID),
			zap.String("status", string(e.Status)),
		)
	}
	if j.metrics != nil {
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)) / float64(cap(j.ch)))
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, batchSize)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: при остановке основной контекст уже закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-j.ch:
			if !ok {
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
