// Package store owns the canonical memory corpus: the L0 core settings, the
// L2 working set, the L1 consolidated shards, and the volume-managed
// append-only archive with its O(1) address index.
package store

import (
	"fmt"
	"strings"
)

// Role identifies who produced a memory's content.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Priority ranks how aggressively a memory is retained in built contexts.
type Priority string

const (
	PriorityCritical  Priority = "CRITICAL"
	PriorityHigh      Priority = "HIGH"
	PriorityNormal    Priority = "NORMAL"
	PriorityLow       Priority = "LOW"
	PriorityEphemeral Priority = "EPHEMERAL"
)

// ValidPriority reports whether p is a known priority value.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityEphemeral:
		return true
	}
	return false
}

// Memory is one stored conversation turn or fact. Immutable after dedup
// resolution; logical deletion sets a tombstone but the archive copy is
// retained.
//
// Known fields are typed; anything the caller attaches beyond them lives in
// Extras and is persisted verbatim for forward compatibility.
type Memory struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Role        Role      `json:"role"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	CharacterID string    `json:"character_id,omitempty"`
	TurnSeq     int       `json:"turn_seq"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Tokens      []string  `json:"tokens,omitempty"`
	Entities    []string  `json:"entities,omitempty"` // entity keys, not pointers
	Source      string    `json:"source,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Category    string    `json:"category,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Priority    Priority  `json:"priority,omitempty"`
	CreatedAt   int64     `json:"created_at"` // epoch milliseconds

	// AliasOf is set when dedup merged this id into an existing memory.
	AliasOf string `json:"alias_of,omitempty"`
	// MentionCount counts how many times dedup re-observed this memory.
	MentionCount int `json:"mention_count,omitempty"`

	Extras map[string]string `json:"extras,omitempty"`
}

// Validate checks caller-supplied fields before ingestion.
func (m *Memory) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("memory content must not be empty")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem, "":
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	if m.Priority != "" && !ValidPriority(m.Priority) {
		return fmt.Errorf("unknown priority %q", m.Priority)
	}
	return nil
}

// HasTag reports whether the memory carries the tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
