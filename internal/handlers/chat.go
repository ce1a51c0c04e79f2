package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
	"chatcore/internal/router"
)

type roomResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type createRoomRequest struct {
	Name    string   `json:"name" binding:"required"`
	Members []string `json:"members"`
}

type conversationResponse struct {
	Type          models.ConversationKind `json:"type"`
	RoomID        string                  `json:"roomId,omitempty"`
	RoomName      string                  `json:"roomName,omitempty"`
	With          string                  `json:"with,omitempty"`
	LastMessageID string                  `json:"lastMessageId"`
	LastMessage   string                  `json:"lastMessage"`
	LastSender    string                  `json:"lastSender"`
	LastAt        time.Time               `json:"lastAt"`
}

func (h HandlerSet) ListUsers(c *gin.Context) {
	users, err := h.deps.Users.List(c.Request.Context())
	if err != nil {
		respondError(c, fmt.Errorf("%w: %v", apperr.ErrPersistence, err))
		return
	}

	me := currentUserID(c)
	out := make([]userResponse, 0, len(users))
	for _, user := range users {
		if user.ID == me {
			continue
		}
		resp := toUserResponse(user)
		resp.Email = nil
		out = append(out, h.withPresence(resp, user.ID))
	}
	ok(c, http.StatusOK, out)
}

func (h HandlerSet) ListRooms(c *gin.Context) {
	ctx := c.Request.Context()
	rooms, err := h.deps.Directory.RoomsFor(ctx, currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	names, err := h.usernames(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, toRoomResponse(room, names))
	}
	ok(c, http.StatusOK, out)
}

// CreateRoom is the REST form of create_group. Members are usernames.
func (h HandlerSet) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}
	ctx := c.Request.Context()

	ids := make([]string, 0, len(req.Members))
	for _, name := range req.Members {
		user, err := h.deps.Users.LookupUsername(ctx, name)
		if err != nil {
			respondError(c, err)
			return
		}
		ids = append(ids, user.ID)
	}

	room, err := h.deps.Directory.CreateGroup(ctx, req.Name, currentUserID(c), ids)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.deps.Realtime != nil {
		if err := h.deps.Realtime.AnnounceGroup(ctx, room); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("room", room.ID).Msg("announce group")
		}
	}
	names, err := h.usernames(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusCreated, toRoomResponse(room, names))
}

func (h HandlerSet) PrivateMessages(c *gin.Context) {
	ctx := c.Request.Context()
	other, err := h.deps.Users.LookupUsername(ctx, c.Param("username"))
	if err != nil {
		respondError(c, err)
		return
	}
	me := currentUserID(c)
	h.history(c, me, models.PrivateRef(me, other.ID))
}

func (h HandlerSet) GroupMessages(c *gin.Context) {
	h.history(c, currentUserID(c), models.GroupRef(c.Param("roomId")))
}

// history answers one page, older than ?before= when given. Each page is
// in ascending order.
func (h HandlerSet) history(c *gin.Context, userID string, ref models.ConversationRef) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			respondError(c, fmt.Errorf("%w: limit must be a positive integer", apperr.ErrValidation))
			return
		}
		limit = v
	}

	msgs, err := h.deps.Router.History(c.Request.Context(), userID, ref, c.Query("before"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusOK, router.NewPayloads(msgs, h.deps.Router.Links()))
}

func (h HandlerSet) Conversations(c *gin.Context) {
	summaries, err := h.deps.Messages.Conversations(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, fmt.Errorf("%w: %v", apperr.ErrPersistence, err))
		return
	}

	out := make([]conversationResponse, 0, len(summaries))
	for _, s := range summaries {
		resp := conversationResponse{
			Type:          s.Conversation.Kind,
			LastMessageID: s.LastMessageID,
			LastMessage:   s.LastBody,
			LastSender:    s.LastSender,
			LastAt:        s.LastAt,
		}
		if s.Conversation.Kind == models.KindGroup {
			resp.RoomID, resp.RoomName = s.Conversation.ID, s.RoomName
		} else {
			resp.With = s.PartnerName
		}
		out = append(out, resp)
	}
	ok(c, http.StatusOK, out)
}

func (h HandlerSet) SearchMessages(c *gin.Context) {
	msgs, err := h.deps.Search.Search(c.Request.Context(), currentUserID(c), c.Query("q"))
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusOK, router.NewPayloads(msgs, h.deps.Router.Links()))
}

func (h HandlerSet) usernames(ctx context.Context) (map[string]string, error) {
	users, err := h.deps.Users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}
	return names, nil
}

func toRoomResponse(room models.Room, names map[string]string) roomResponse {
	members := make([]string, 0, len(room.Members))
	for _, id := range room.Members {
		members = append(members, names[id])
	}
	return roomResponse{
		ID:        room.ID,
		Name:      room.Name,
		Members:   members,
		CreatedBy: names[room.CreatedBy],
		CreatedAt: room.CreatedAt,
	}
}
