package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/voca-engine/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

// Троттлинг - тоже отказ бэкенда.
func (e *ThrottleError) Unwrap() []error { return []error{domain.ErrUpstream, e.Cause} }

// ProvisionError - отказ внешней системы с сохранением кода ответа для логов.
type ProvisionError struct {
	Backend    string
	Op         string
	StatusCode int // HTTP статус или gRPC код
	Cause      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s %s failed [%d]: %v", e.Backend, e.Op, e.StatusCode, e.Cause)
}

func (e *ProvisionError) Unwrap() []error { return []error{domain.ErrUpstream, e.Cause} }

// Classify приводит ошибку транспорта к таксономии ядра:
// дедлайн становится ErrUpstreamTimeout, отмена контекста остается отменой,
// все остальное оборачивается в ProvisionError (ErrUpstream).
func Classify(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProvisionError
	var te *ThrottleError
	if errors.As(err, &pe) || errors.As(err, &te) || errors.Is(err, domain.ErrUpstreamTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrUpstreamTimeout, backend, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return fmt.Errorf("%w: %s %s: %s", domain.ErrUpstreamTimeout, backend, op, st.Message())
		case codes.Canceled:
			return fmt.Errorf("%s %s: %w", backend, op, context.Canceled)
		case codes.InvalidArgument:
			return fmt.Errorf("%w: %s %s: %s", domain.ErrValidation, backend, op, st.Message())
		}
		return &ProvisionError{Backend: backend, Op: op, StatusCode: int(st.Code()), Cause: errors.New(st.Message())}
	}
	return &ProvisionError{Backend: backend, Op: op, Cause: err}
}

// UpstreamStatus достает код ответа внешней системы, если он известен.
func UpstreamStatus(err error) int {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
