package models

import "time"

type User struct {
	ID           string
	Username     string
	Email        *string
	PasswordHash []byte
	AvatarURL    *string
	CreatedAt    time.Time
}

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusAway      Status = "away"
	StatusDND       Status = "dnd"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusAway, StatusDND:
		return true
	}
	return false
}

// Presence is what peers see of an identity.
type Presence struct {
	UserID   string     `json:"-"`
	Username string     `json:"username"`
	Status   Status     `json:"status"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}
