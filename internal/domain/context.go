package domain

import "time"

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// HistoryEntry - одна реплика в истории разговора.
type HistoryEntry struct {
	Seq       int64          `json:"seq"` // Порядок фиксации внутри агента
	Channel   ChannelType    `json:"channel"`
	UserID    string         `json:"user_id,omitempty"`
	Direction string         `json:"direction"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	At        time.Time      `json:"at"`
}

// ContextRecord - общий контекст агента и ограниченная история по каналам.
type ContextRecord struct {
	AgentID     string                         `json:"agent_id"`
	Data        map[string]any                 `json:"data"`
	History     map[ChannelType][]HistoryEntry `json:"history"`
	Version     int64                          `json:"version"`
	LastUpdated time.Time                      `json:"last_updated"`
}

// ContextSummary - краткая сводка для админки.
type ContextSummary struct {
	AgentID       string              `json:"agent_id"`
	Data          map[string]any      `json:"data"`
	Conversations map[ChannelType]int `json:"conversations"`
	Total         int                 `json:"total_entries"`
	LastUpdated   time.Time           `json:"last_updated"`
	RecentEntries []HistoryEntry      `json:"recent_entries"`
}
