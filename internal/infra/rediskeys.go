package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "voca"
)

// Ключи для Sets (состояние)
const (
	RedisKeySuspendedAgents     = RedisNamespace + ":agents:suspended_set"
	RedisKeyLockWarmupSuspended = RedisNamespace + ":lock:warmup:suspended"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanSuspension - смена статуса агента (пауза/стоп/возобновление). Формат "agentID:on|off".
	RedisChanSuspension = RedisNamespace + ":agents:suspension-signal"
)

// AgentLockKey - распределенная блокировка жизненного цикла агента.
func AgentLockKey(agentID string) string {
	return fmt.Sprintf("%s:lock:agent:%s", RedisNamespace, agentID)
}

// ContextLockKey - блокировка записи в контекст агента.
func ContextLockKey(agentID string) string {
	return fmt.Sprintf("%s:lock:ctx:%s", RedisNamespace, agentID)
}

// ConversationLockKey - очередь сообщений одного разговора.
func ConversationLockKey(conversation string) string {
	return fmt.Sprintf("%s:lock:conv:%s", RedisNamespace, conversation)
}

// ContextDataKey - hash с общим контекстом агента.
func ContextDataKey(agentID string) string {
	return fmt.Sprintf("%s:ctx:%s:data", RedisNamespace, agentID)
}

// ContextMetaKey - hash с версией и счетчиком последовательности.
func ContextMetaKey(agentID string) string {
	return fmt.Sprintf("%s:ctx:%s:meta", RedisNamespace, agentID)
}

// ContextHistoryKey - список истории одного канала, новые записи слева.
func ContextHistoryKey(agentID, channel string) string {
	return fmt.Sprintf("%s:ctx:%s:history:%s", RedisNamespace, agentID, channel)
}

// DirectoryCacheKey - кэш привязки пользователя к агенту.
func DirectoryCacheKey(platform, userID string) string {
	return fmt.Sprintf("%s:directory:%s:%s", RedisNamespace, platform, userID)
}
