package realtime

import (
	"encoding/json"
	"time"

	"chatcore/internal/models"
	"chatcore/internal/router"
)

// Client to server.
const (
	EventAuthenticate   = "authenticate"
	EventAuthRefresh    = "auth_refresh"
	EventSetUsername    = "set_username"
	EventSendPrivate    = "send_private"
	EventSendGroup      = "send_group"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventCreateGroup    = "create_group"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventGetHistory     = "get_history"
	EventUpdateStatus   = "update_status"
	EventSearchMessages = "search_messages"
)

// Server to client.
const (
	EventAuthError      = "auth_error"
	EventAuthRefreshed  = "auth_refreshed"
	EventMessageFailed  = "message_failed"
	EventGroupCreated   = "group_created"
	EventRoomHistory    = "room_history"
	EventMessageHistory = "message_history"
	EventUserList       = "user_list"
	EventSearchResults  = "search_results"
	EventError          = "error"
)

// CodeUnsupported answers events that are recognised but not served.
const CodeUnsupported = "UNSUPPORTED"

// ErrorPayload is the data of error and auth_error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type refreshedPayload struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// fileRef accepts the fileData object clients echo back from an upload;
// only the filename is trusted.
type fileRef struct {
	Filename string `json:"filename"`
}

type sendRequest struct {
	To       string   `json:"to"`
	RoomID   string   `json:"roomId"`
	Message  string   `json:"message"`
	FileData *fileRef `json:"fileData"`
	ClientID string   `json:"clientId"`
}

type failedPayload struct {
	ClientID string `json:"clientId,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

type typingRequest struct {
	To     string `json:"to"`
	RoomID string `json:"roomId"`
	Seq    int64  `json:"seq"`
}

type createGroupRequest struct {
	GroupName string   `json:"groupName"`
	Members   []string `json:"members"`
}

type groupCreatedPayload struct {
	RoomID    string   `json:"roomId"`
	GroupName string   `json:"groupName"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"createdBy"`
}

type historyRequest struct {
	With   string `json:"with"`
	RoomID string `json:"roomId"`
	Before string `json:"before"`
}

type roomHistoryPayload struct {
	RoomID   string           `json:"roomId"`
	Messages []router.Payload `json:"messages"`
}

type messageHistoryPayload struct {
	With     string           `json:"with"`
	Messages []router.Payload `json:"messages"`
}

type statusRequest struct {
	Status models.Status `json:"status"`
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResultsPayload struct {
	Query   string           `json:"query"`
	Results []router.Payload `json:"results"`
}

// UserEntry is one row of user_list.
type UserEntry struct {
	Username string        `json:"username"`
	Status   models.Status `json:"status"`
	Online   bool          `json:"online"`
}

// roomID reads join_room and leave_room data, sent either as a bare
// string or as {roomId}.
func roomID(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj.RoomID
	}
	return ""
}
