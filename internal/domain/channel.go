package domain

import (
	"fmt"
	"strings"
	"time"
)

type ChannelType string

const (
	ChannelVoice     ChannelType = "voice"
	ChannelSMS       ChannelType = "sms"
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelInstagram ChannelType = "instagram"
	ChannelTwitter   ChannelType = "twitter"
	ChannelFacebook  ChannelType = "facebook"
)

// ChannelTypes - все поддерживаемые типы каналов.
var ChannelTypes = []ChannelType{
	ChannelVoice, ChannelSMS, ChannelWhatsApp, ChannelInstagram, ChannelTwitter, ChannelFacebook,
}

// Алиасы платформ, которые присылают внешние системы и старые клиенты.
var channelAliases = map[string]ChannelType{
	"call":               ChannelVoice,
	"phone":              ChannelVoice,
	"text":               ChannelSMS,
	"instagram_dm":       ChannelInstagram,
	"facebook_messenger": ChannelFacebook,
	"messenger":          ChannelFacebook,
	"x":                  ChannelTwitter,
}

// ParseChannelType приводит имя платформы к типу канала.
func ParseChannelType(raw string) (ChannelType, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch t := ChannelType(s); t {
	case ChannelVoice, ChannelSMS, ChannelWhatsApp, ChannelInstagram, ChannelTwitter, ChannelFacebook:
		return t, nil
	}
	if t, ok := channelAliases[s]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: unsupported channel %q", ErrValidation, raw)
}

// Family - семейство бэкендов. Одно и то же разбиение используется
// и при провижининге, и при диспетчеризации сообщений.
type Family string

const (
	FamilyTelephony      Family = "telephony"
	FamilyConversational Family = "conversational"
)

func (t ChannelType) Family() Family {
	if t == ChannelVoice || t == ChannelSMS {
		return FamilyTelephony
	}
	return FamilyConversational
}

type ChannelStatus string

const (
	ChannelProvisioning ChannelStatus = "provisioning"
	ChannelActive       ChannelStatus = "active"
	ChannelFailed       ChannelStatus = "failed"
	ChannelInactive     ChannelStatus = "inactive"
)

// Terminal - канал больше не изменится в рамках текущего провижининга.
func (s ChannelStatus) Terminal() bool {
	return s == ChannelActive || s == ChannelFailed
}

func ParseChannelStatus(raw string) (ChannelStatus, error) {
	switch s := ChannelStatus(strings.ToLower(raw)); s {
	case ChannelProvisioning, ChannelActive, ChannelFailed, ChannelInactive:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown channel status %q", ErrValidation, raw)
}

type Channel struct {
	ID      string        `json:"id"`
	AgentID string        `json:"agent_id"` // Ссылка на агента, не владеющая
	Type    ChannelType   `json:"channel_type"`
	Status  ChannelStatus `json:"status"`

	// Ресурсы телефонии
	ExternalInstanceID string `json:"external_instance_id,omitempty"`
	RoutingID          string `json:"routing_id,omitempty"`
	PhoneNumber        string `json:"phone_number,omitempty"`
	IntegrationRef     string `json:"integration_ref,omitempty"`

	// Ресурсы разговорного бэкенда
	ExternalAgentID string `json:"external_agent_id,omitempty"`

	Config map[string]any `json:"config,omitempty"`
	Reason string         `json:"reason,omitempty"` // Причина последнего отказа

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasExternalResources - у канала есть что освобождать во внешней системе.
func (c *Channel) HasExternalResources() bool {
	return c.ExternalInstanceID != "" || c.ExternalAgentID != ""
}

// ClearExternal сбрасывает ссылки на внешние ресурсы после их освобождения.
func (c *Channel) ClearExternal() {
	c.ExternalInstanceID = ""
	c.RoutingID = ""
	c.PhoneNumber = ""
	c.IntegrationRef = ""
	c.ExternalAgentID = ""
}

func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Config = CloneMap(c.Config)
	return &cp
}
