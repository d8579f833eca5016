package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type AgentStatus string

const (
	StatusDraft        AgentStatus = "draft"        // Создан, каналы еще не выделены
	StatusProvisioning AgentStatus = "provisioning" // Идет выделение ресурсов в бэкендах
	StatusActive       AgentStatus = "active"       // Принимает трафик
	StatusPaused       AgentStatus = "paused"       // Ручная пауза, ресурсы сохранены
	StatusStopped      AgentStatus = "stopped"      // Остановлен, каналы неактивны
	StatusError        AgentStatus = "error"        // Политика провижининга объявила отказ
)

// Valid сообщает, входит ли статус в граф состояний.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusProvisioning, StatusActive, StatusPaused, StatusStopped, StatusError:
		return true
	}
	return false
}

// Suspended - агент существует, но входящие сообщения ему не доставляются.
func (s AgentStatus) Suspended() bool {
	return s == StatusPaused || s == StatusStopped
}

type Agent struct {
	ID           string        `json:"id"`        // UUID
	VendorID     string        `json:"vendor_id"` // Владелец агента (магазин, МФО и т.д.)
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	BusinessType string        `json:"business_type"`
	Languages    []string      `json:"languages,omitempty"`
	Status       AgentStatus   `json:"status"`
	Channels     []ChannelType `json:"channels"` // Запрошенные каналы, порядок сохраняется

	CharacterConfig map[string]any `json:"character_config,omitempty"`
	Context         map[string]any `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone возвращает копию, безопасную для передачи за пределы блокировки.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Languages = append([]string(nil), a.Languages...)
	c.Channels = append([]ChannelType(nil), a.Channels...)
	c.CharacterConfig = CloneMap(a.CharacterConfig)
	c.Context = CloneMap(a.Context)
	return &c
}

// HasChannel проверяет, запрошен ли тип канала для агента.
func (a *Agent) HasChannel(t ChannelType) bool {
	for _, c := range a.Channels {
		if c == t {
			return true
		}
	}
	return false
}

// AgentSpec - входные данные для создания агента.
type AgentSpec struct {
	Name            string         `json:"name"`
	VendorID        string         `json:"vendor_id,omitempty"`
	Description     string         `json:"description,omitempty"`
	BusinessType    string         `json:"business_type"`
	Languages       []string       `json:"languages,omitempty"`
	Channels        []ChannelType  `json:"channels"`
	CharacterConfig map[string]any `json:"character_config,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

// Validate проверяет спецификацию и нормализует каналы (алиасы, дубликаты).
func (s *AgentSpec) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(s.Name) > 255 {
		return fmt.Errorf("%w: name exceeds 255 characters", ErrValidation)
	}
	if len(s.Description) > 1000 {
		return fmt.Errorf("%w: description exceeds 1000 characters", ErrValidation)
	}
	if strings.TrimSpace(s.BusinessType) == "" {
		return fmt.Errorf("%w: business_type is required", ErrValidation)
	}

	seen := make(map[ChannelType]struct{}, len(s.Channels))
	channels := make([]ChannelType, 0, len(s.Channels))
	for _, raw := range s.Channels {
		t, err := ParseChannelType(string(raw))
		if err != nil {
			return err
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		channels = append(channels, t)
	}
	s.Channels = channels

	if s.VendorID == "" {
		s.VendorID = VendorSlug(s.Name)
	}
	return nil
}

// AgentUpdate - частичное обновление. Nil-поля не трогаются.
type AgentUpdate struct {
	Name            *string        `json:"name,omitempty"`
	Description     *string        `json:"description,omitempty"`
	BusinessType    *string        `json:"business_type,omitempty"`
	Languages       []string       `json:"languages,omitempty"`
	CharacterConfig map[string]any `json:"character_config,omitempty"`
	Context         map[string]any `json:"context,omitempty"`

	// Статус и каналы меняются только через операции жизненного цикла.
	Status   *AgentStatus  `json:"status,omitempty"`
	Channels []ChannelType `json:"channels,omitempty"`
}

// Apply применяет обновление к агенту.
func (u AgentUpdate) Apply(a *Agent) error {
	if u.Status != nil {
		return fmt.Errorf("%w: status is changed through lifecycle operations", ErrValidation)
	}
	if u.Channels != nil {
		return fmt.Errorf("%w: channels cannot be changed after creation", ErrValidation)
	}
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" || len(name) > 255 {
			return fmt.Errorf("%w: name must be 1..255 characters", ErrValidation)
		}
		a.Name = name
	}
	if u.Description != nil {
		if len(*u.Description) > 1000 {
			return fmt.Errorf("%w: description exceeds 1000 characters", ErrValidation)
		}
		a.Description = *u.Description
	}
	if u.BusinessType != nil {
		if strings.TrimSpace(*u.BusinessType) == "" {
			return fmt.Errorf("%w: business_type must not be empty", ErrValidation)
		}
		a.BusinessType = *u.BusinessType
	}
	if u.Languages != nil {
		a.Languages = append([]string(nil), u.Languages...)
	}
	if u.CharacterConfig != nil {
		a.CharacterConfig = CloneMap(u.CharacterConfig)
	}
	if u.Context != nil {
		if a.Context == nil {
			a.Context = make(map[string]any, len(u.Context))
		}
		for k, v := range u.Context {
			a.Context[k] = v
		}
	}
	return nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// VendorSlug строит идентификатор вендора из имени, если он не передан явно.
func VendorSlug(name string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "agent"
	}
	return "vendor-" + slug
}

// CloneMap делает поверхностную копию карты.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
