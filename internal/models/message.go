package models

import "time"

type Message struct {
	ID            string
	Seq           int64
	Conversation  ConversationRef
	RoomID        string
	SenderID      string
	SenderName    string
	RecipientID   string
	RecipientName string
	Body          string
	Attachment    *Attachment
	CreatedAt     time.Time
}

type Attachment struct {
	Filename     string
	OriginalName string
	Size         int64
	MimeType     string
	OwnerID      string
	MessageID    *string
	CreatedAt    time.Time
}
