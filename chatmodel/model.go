// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

// Package chatmodel defines the row shapes shared by the local and remote
// chat stores: chats, messages, attachment references and citation sources.
//
// All timestamps are client-assigned unix milliseconds. Message ordering
// within a chat is total: (timestamp, sender rank, uuid).
package chatmodel

import (
	"errors"
	"fmt"
	"sort"
)

// ErrChatNotFound is returned by stores when a chat id has no row.
var ErrChatNotFound = errors.New("chat not found")

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
)

// Valid reports whether s is one of the known sender values.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderBot, SenderSystem:
		return true
	}
	return false
}

// Rank returns the tie-break rank for equal-timestamp ordering.
// User sorts before bot, bot before system.
func (s Sender) Rank() int {
	switch s {
	case SenderUser:
		return 0
	case SenderBot:
		return 1
	case SenderSystem:
		return 2
	default:
		return 3
	}
}

// Chat is a conversation owned by exactly one user. The id is generated
// client-side on first message and never reused.
type Chat struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	MessageCount int    `json:"message_count"`
}

// Source is a citation attached to a bot message.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// Metadata is an optional summary annotation on a message.
type Metadata struct {
	Summary     string `json:"summary"`
	GeneratedAt int64  `json:"generated_at,omitempty"`
}

// Message is a single chat message. UUID is the primary key and is stable
// across devices. DeviceID records the originating installation and is nil
// for legacy rows; it exists only for realtime echo deduplication.
type Message struct {
	UUID      string  `json:"uuid"`
	ChatID    string  `json:"chat_id"`
	Sender    Sender  `json:"sender"`
	Text      string  `json:"text"`
	Timestamp int64   `json:"timestamp"`
	Type      string  `json:"type,omitempty"`
	DeviceID  *string `json:"device_id,omitempty"`

	// Attachment references carry remote URL plus storage path only,
	// never raw bytes.
	Attachments []Reference `json:"attachments,omitempty"`
	Image       *Reference  `json:"image,omitempty"`
	Images      []Reference `json:"images,omitempty"`
	PDF         *Reference  `json:"pdf,omitempty"`
	Artifact    *Reference  `json:"artifact,omitempty"`

	Sources []Source `json:"sources,omitempty"`

	HasMetadata bool      `json:"has_metadata,omitempty"`
	Metadata    *Metadata `json:"metadata,omitempty"`
}

// Validate checks the fields that sync correctness depends on.
func (m *Message) Validate() error {
	if m.UUID == "" {
		return fmt.Errorf("message has empty uuid")
	}
	if m.ChatID == "" {
		return fmt.Errorf("message %s has empty chat_id", m.UUID)
	}
	if !m.Sender.Valid() {
		return fmt.Errorf("message %s has unknown sender %q", m.UUID, m.Sender)
	}
	return nil
}

// Less reports whether a orders before b within a chat. Timestamp first,
// then sender rank (user before bot at equal timestamps), then uuid as the
// final deterministic tie-break for same-sender collisions across devices.
func Less(a, b *Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if ar, br := a.Sender.Rank(), b.Sender.Rank(); ar != br {
		return ar < br
	}
	return a.UUID < b.UUID
}

// SortMessages sorts msgs in place into the canonical chat order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return Less(&msgs[i], &msgs[j])
	})
}

// MaxTimestamp returns the highest timestamp among msgs, or 0 if empty.
func MaxTimestamp(msgs []Message) int64 {
	var max int64
	for i := range msgs {
		if msgs[i].Timestamp > max {
			max = msgs[i].Timestamp
		}
	}
	return max
}
