package infra

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "tguard"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPolicyUpdate: сигнал шлюзам перечитать снимок политик после записи в консоли.
	RedisChanPolicyUpdate = RedisNamespace + ":policies:update"
)

// PolicySignal задает формат сообщения в RedisChanPolicyUpdate: "policy_id:version".
// Для reorder и массовых операций policy_id = "*".
type PolicySignal struct {
	PolicyID string
	Version  int64
}

func (s PolicySignal) String() string {
	return fmt.Sprintf("%s:%d", s.PolicyID, s.Version)
}

func ParsePolicySignal(payload string) (PolicySignal, error) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 {
		return PolicySignal{}, fmt.Errorf("invalid policy signal %q", payload)
	}
	version, err := strconv.ParseInt(payload[idx+1:], 10, 64)
	if err != nil {
		return PolicySignal{}, fmt.Errorf("invalid policy signal version %q: %w", payload, err)
	}
	return PolicySignal{PolicyID: payload[:idx], Version: version}, nil
}
