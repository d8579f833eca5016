package domain

import "fmt"

// Граф состояний агента. Переходы в error разрешены из любого состояния
// (внутренний сбой) и добавляются отдельно в CanTransition.
var transitions = map[AgentStatus][]AgentStatus{
	StatusDraft:        {StatusProvisioning},
	StatusProvisioning: {StatusActive},
	StatusActive:       {StatusPaused, StatusStopped},
	StatusPaused:       {StatusActive, StatusStopped},
	StatusStopped:      {StatusProvisioning},
}

// CanTransition проверяет правила конечного автомата.
func CanTransition(from, to AgentStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusError {
		return from != StatusError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition меняет статус агента или возвращает ErrConflict, не трогая агента.
func (a *Agent) Transition(to AgentStatus) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %w: %s -> %s", ErrConflict, ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	return nil
}

// LifecycleOp - ручные операции и состояния, из которых они допустимы.
type LifecycleOp string

const (
	OpStart  LifecycleOp = "start"
	OpStop   LifecycleOp = "stop"
	OpPause  LifecycleOp = "pause"
	OpResume LifecycleOp = "resume"
)

var guards = map[LifecycleOp][]AgentStatus{
	OpStart:  {StatusDraft, StatusStopped, StatusPaused},
	OpStop:   {StatusActive, StatusPaused},
	OpPause:  {StatusActive},
	OpResume: {StatusPaused},
}

// Allow проверяет guard операции для текущего статуса.
func (op LifecycleOp) Allow(current AgentStatus) error {
	for _, s := range guards[op] {
		if s == current {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s agent in status %s", ErrConflict, op, current)
}
