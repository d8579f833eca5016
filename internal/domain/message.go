package domain

import (
	"fmt"
	"strings"
	"time"
)

// InboundMessage - входящее сообщение с внешней платформы.
type InboundMessage struct {
	Platform string         `json:"platform"`
	UserID   string         `json:"user_id"`
	Text     string         `json:"message"`
	Hint     string         `json:"vendor_id,omitempty"` // Явный идентификатор вендора/агента
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Normalize проверяет сообщение и возвращает тип канала платформы.
func (m *InboundMessage) Normalize() (ChannelType, error) {
	m.UserID = strings.TrimSpace(m.UserID)
	m.Hint = strings.TrimSpace(m.Hint)
	if m.UserID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if strings.TrimSpace(m.Text) == "" {
		return "", fmt.Errorf("%w: message is required", ErrValidation)
	}
	t, err := ParseChannelType(m.Platform)
	if err != nil {
		return "", err
	}
	m.Platform = string(t)
	return t, nil
}

// MetaString достает строковое значение из метаданных.
func (m *InboundMessage) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	switch v := m.Metadata[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// ResolvedBy - какой шаг цепочки разрешения нашел агента.
type ResolvedBy string

const (
	ResolvedByHint      ResolvedBy = "hint"
	ResolvedByDirectory ResolvedBy = "directory"
	ResolvedByInference ResolvedBy = "inference"
)

// Target - результат разрешения сообщения в агента.
type Target struct {
	AgentID  string     `json:"agent_id"`
	VendorID string     `json:"vendor_id"`
	Via      ResolvedBy `json:"resolved_by"`
	Agent    *Agent     `json:"-"` // Заполнен, если агент известен ядру
}

// RouteResult - успешная доставка сообщения.
type RouteResult struct {
	Reply    string        `json:"response"`
	AgentID  string        `json:"agent_id"`
	VendorID string        `json:"vendor_id"`
	Via      ResolvedBy    `json:"resolved_by"`
	Elapsed  time.Duration `json:"-"`
}

// DirectoryEntry - привязка пользователя платформы к агенту.
type DirectoryEntry struct {
	UserID    string    `json:"user_id"`
	Platform  string    `json:"platform"`
	AgentID   string    `json:"agent_id"`
	VendorID  string    `json:"vendor_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CommunicationLog - запись обмена сообщениями для аналитики.
type CommunicationLog struct {
	ID         string         `json:"id"`
	TraceID    string         `json:"trace_id"`
	AgentID    string         `json:"agent_id"`
	VendorID   string         `json:"vendor_id"`
	Direction  string         `json:"direction"` // "inbound" или "outbound"
	Channel    string         `json:"channel"`
	UserID     string         `json:"user_id"`
	Content    map[string]any `json:"content"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}
