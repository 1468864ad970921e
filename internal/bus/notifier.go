// Package bus - Redis как шина флота: очереди статусов и входящих, сигналы управления,
// распределённая блокировка восстановления.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/infra"
)

// Notifier кладёт событие в очередь потребителя (RPUSH) и дублирует статусы в общий канал.
type Notifier struct {
	rdb redis.UniversalClient
}

func NewNotifier(rdb redis.UniversalClient) *Notifier {
	return &Notifier{rdb: rdb}
}

func (n *Notifier) PublishStatus(ctx context.Context, queue string, ev domain.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := n.rdb.TxPipeline()
	pipe.RPush(ctx, infra.QueueKey(queue), payload)
	pipe.Publish(ctx, infra.RedisChanStatus, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish status to %s: %w", queue, err)
	}
	return nil
}

func (n *Notifier) PublishMessage(ctx context.Context, queue string, msg domain.InboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.rdb.RPush(ctx, infra.QueueKey(queue), payload).Err(); err != nil {
		return fmt.Errorf("publish message to %s: %w", queue, err)
	}
	return nil
}

// SendSignal публикует сигнал управления флотом ("<bot_id>:<action>").
func (n *Notifier) SendSignal(ctx context.Context, target, action string) error {
	return n.rdb.Publish(ctx, infra.RedisChanFleetControl, target+":"+action).Err()
}
