package domain

import "errors"

// Таксономия ошибок ядра. Конкретные ошибки оборачивают их через %w,
// транспортный слой различает их только через errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstream        = errors.New("upstream error")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrInternal        = errors.New("internal error")

	ErrInvalidTransition = errors.New("invalid agent status transition")
)

// Kind возвращает короткое имя класса ошибки для логов и метрик.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "internal"
	}
}

// Retryable - можно ли повторить вызов без изменения входных данных.
// UpstreamError повторяется на усмотрение вызывающего, поэтому тоже true.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstream)
}
