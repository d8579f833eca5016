package domain

import (
	"fmt"
	"strings"
)

// ProvisioningPolicy определяет, как результаты по каналам сводятся
// в итоговый статус агента. Задается на уровне развертывания.
type ProvisioningPolicy string

const (
	// PolicyRequireAll - успех только если все запрошенные каналы подняты.
	PolicyRequireAll ProvisioningPolicy = "require_all"
	// PolicyBestEffort - достаточно одного успешного канала, остальные помечаются failed.
	PolicyBestEffort ProvisioningPolicy = "best_effort"
)

func ParsePolicy(raw string) (ProvisioningPolicy, error) {
	switch p := ProvisioningPolicy(strings.ToLower(strings.ReplaceAll(raw, "-", "_"))); p {
	case PolicyRequireAll, PolicyBestEffort:
		return p, nil
	case "":
		return PolicyRequireAll, nil
	}
	return "", fmt.Errorf("%w: unknown provisioning policy %q", ErrValidation, raw)
}

// Decide - метод-интерпретатор. Принимает статусы каналов и возвращает
// итоговый статус агента. Пустой набор каналов не может быть успешным.
func (p ProvisioningPolicy) Decide(statuses []ChannelStatus) AgentStatus {
	if len(statuses) == 0 {
		return StatusError
	}

	active := 0
	for _, s := range statuses {
		if s == ChannelActive {
			active++
		}
	}

	switch p {
	case PolicyBestEffort:
		if active > 0 {
			return StatusActive
		}
	default: // require_all и неизвестные значения трактуем строго
		if active == len(statuses) {
			return StatusActive
		}
	}
	return StatusError
}
