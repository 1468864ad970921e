package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных флота в Redis
	RedisNamespace = "botfleet"
)

// Блокировки
const (
	RedisKeyLockRecovery = RedisNamespace + ":lock:recovery"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanFleetControl - сигналы оператора: "<bot_id>:stop", "*:emergency" и т.д.
	RedisChanFleetControl = RedisNamespace + ":fleet:control"
	// RedisChanStatus - общий канал статусов, дублирует очереди ботов
	RedisChanStatus = RedisNamespace + ":fleet:status"
)

// QueueKey - список (очередь), в который складываются события для потребителя бота.
func QueueKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s", RedisNamespace, queue)
}
