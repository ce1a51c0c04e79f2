package models

import (
	"fmt"
	"strings"
	"time"
)

type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

// ConversationRef addresses either a private pair or a group room.
// For private conversations ID holds both user ids in ascending order
// joined by ':'; for groups it is the room id.
type ConversationRef struct {
	Kind ConversationKind
	ID   string
}

func PrivateRef(a, b string) ConversationRef {
	if b < a {
		a, b = b, a
	}
	return ConversationRef{Kind: KindPrivate, ID: a + ":" + b}
}

func GroupRef(roomID string) ConversationRef {
	return ConversationRef{Kind: KindGroup, ID: roomID}
}

func (r ConversationRef) String() string {
	if r.Kind == KindPrivate {
		return "dm:" + r.ID
	}
	return "room:" + r.ID
}

// Parties returns the two user ids of a private conversation.
func (r ConversationRef) Parties() (string, string, bool) {
	if r.Kind != KindPrivate {
		return "", "", false
	}
	a, b, ok := strings.Cut(r.ID, ":")
	return a, b, ok
}

// Other returns the counterpart of userID in a private conversation.
func (r ConversationRef) Other(userID string) string {
	a, b, ok := r.Parties()
	if !ok {
		return ""
	}
	if a == userID {
		return b
	}
	return a
}

func ParseConversationRef(s string) (ConversationRef, error) {
	switch {
	case strings.HasPrefix(s, "dm:"):
		a, b, ok := strings.Cut(strings.TrimPrefix(s, "dm:"), ":")
		if !ok || a == "" || b == "" {
			return ConversationRef{}, fmt.Errorf("malformed private conversation %q", s)
		}
		return PrivateRef(a, b), nil
	case strings.HasPrefix(s, "room:"):
		id := strings.TrimPrefix(s, "room:")
		if id == "" {
			return ConversationRef{}, fmt.Errorf("malformed room conversation %q", s)
		}
		return GroupRef(id), nil
	}
	return ConversationRef{}, fmt.Errorf("unknown conversation %q", s)
}

type Room struct {
	ID        string
	Name      string
	Members   []string
	CreatedBy string
	CreatedAt time.Time
}

func (r Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation  ConversationRef
	RoomName      string
	PartnerID     string
	PartnerName   string
	LastMessageID string
	LastBody      string
	LastSender    string
	LastAt        time.Time
}
