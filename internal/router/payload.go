package router

import (
	"time"

	"chatcore/internal/models"
)

const (
	EventReceivePrivate = "receive_private"
	EventReceiveGroup   = "receive_group"
	EventMessageSent    = "message_sent"
)

// Linker turns an attachment filename into a URL clients can fetch.
type Linker interface {
	URL(filename string) string
}

// FileData describes an attachment inside a message payload.
type FileData struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimetype"`
	URL          string `json:"url"`
}

// Payload is the wire form of a message in receive_*, message_sent and
// history responses.
type Payload struct {
	ID        string                  `json:"id"`
	Seq       int64                   `json:"seq"`
	Type      models.ConversationKind `json:"type"`
	From      string                  `json:"from"`
	To        string                  `json:"to,omitempty"`
	RoomID    string                  `json:"roomId,omitempty"`
	Message   string                  `json:"message"`
	Timestamp time.Time               `json:"timestamp"`
	FileData  *FileData               `json:"fileData,omitempty"`
	ClientID  string                  `json:"clientId,omitempty"`
}

// NewPayload renders msg for the wire.
func NewPayload(msg models.Message, links Linker) Payload {
	p := Payload{
		ID:        msg.ID,
		Seq:       msg.Seq,
		Type:      msg.Conversation.Kind,
		From:      msg.SenderName,
		To:        msg.RecipientName,
		RoomID:    msg.RoomID,
		Message:   msg.Body,
		Timestamp: msg.CreatedAt,
	}
	if att := msg.Attachment; att != nil {
		p.FileData = &FileData{
			Filename:     att.Filename,
			OriginalName: att.OriginalName,
			Size:         att.Size,
			MimeType:     att.MimeType,
		}
		if links != nil {
			p.FileData.URL = links.URL(att.Filename)
		}
	}
	return p
}

// NewPayloads renders a history page.
func NewPayloads(msgs []models.Message, links Linker) []Payload {
	out := make([]Payload, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, NewPayload(msg, links))
	}
	return out
}
