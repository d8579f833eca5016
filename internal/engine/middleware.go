package engine

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey string

const (
	traceIDKey    ctxKey = "trace_id"
	TraceIDHeader        = "X-Trace-ID"

	// Длиннее не принимаем: id попадает в логи и журнал коммуникаций
	maxTraceIDLen = 128
)

// TracingMiddleware проставляет Trace-ID запросу и ответу. Пришедший от вендора или
// платформы id сохраняется, чтобы сквозь движок и бэкенды шел один идентификатор.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceIDHeader)
		if traceID == "" || len(traceID) > maxTraceIDLen {
			traceID = uuid.NewString()
		}
		w.Header().Set(TraceIDHeader, traceID)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), traceID)))
	})
}

// WithTraceID кладет id в контекст. Отвязанный от запроса провижининг
// (context.WithoutCancel) сохраняет его.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID достает id из контекста; вне HTTP запроса возвращает нулевой UUID.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000"
}
