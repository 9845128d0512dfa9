// Package model defines data structures shared by the sync engine.
package model

import (
	"fmt"
	"strings"
)

// ConversationKind distinguishes direct threads from group threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// ParseConversationKind validates a kind string.
func ParseConversationKind(s string) (ConversationKind, error) {
	switch k := ConversationKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindDirect, KindGroup:
		return k, nil
	default:
		return "", fmt.Errorf("unknown conversation kind %q", s)
	}
}

// ConversationKey identifies one message thread.
type ConversationKey struct {
	PeerID string           `json:"peer_id"`
	Kind   ConversationKind `json:"kind"`
}

// DirectKey returns the key of the direct thread with peerID.
func DirectKey(peerID string) ConversationKey {
	return ConversationKey{PeerID: peerID, Kind: KindDirect}
}

// GroupKey returns the key of the group thread groupID.
func GroupKey(groupID string) ConversationKey {
	return ConversationKey{PeerID: groupID, Kind: KindGroup}
}

// String renders the key as kind:peer.
func (k ConversationKey) String() string {
	return string(k.Kind) + ":" + k.PeerID
}

// Valid reports whether the key names a thread.
func (k ConversationKey) Valid() bool {
	return k.PeerID != "" && (k.Kind == KindDirect || k.Kind == KindGroup)
}

// Contact is an entry of the conversation list.
type Contact struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

// Group is an entry of the group roster.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
