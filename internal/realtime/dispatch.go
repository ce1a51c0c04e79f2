package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
	"chatcore/internal/router"
	"chatcore/internal/service"
	"chatcore/internal/session"
)

func (h *Hub) dispatch(ctx context.Context, sess *session.Session, env Envelope) {
	var err error
	switch env.Event {
	case EventAuthRefresh:
		err = h.handleRefresh(ctx, sess, env.Data)
	case EventSetUsername:
		sess.Send(session.Event{Name: EventError, Data: ErrorPayload{
			Code:    CodeUnsupported,
			Message: "usernames are taken from the session token",
		}})
	case EventSendPrivate, EventSendGroup:
		h.handleSend(ctx, sess, env)
	case EventTyping, EventStopTyping:
		err = h.handleTyping(ctx, sess, env)
	case EventCreateGroup:
		err = h.handleCreateGroup(ctx, sess, env.Data)
	case EventJoinRoom:
		err = h.handleJoin(ctx, sess, env.Data)
	case EventLeaveRoom:
		if id := roomID(env.Data); id != "" {
			sess.LeaveRoom(id)
			h.deps.Typing.Stop(sess, models.GroupRef(id), 0)
		}
	case EventGetHistory:
		err = h.handleHistory(ctx, sess, env.Data)
	case EventUpdateStatus:
		var req statusRequest
		if err = decode(env.Data, &req); err == nil {
			if err = h.deps.Registry.SetStatus(ctx, sess.ID(), req.Status); err == nil {
				h.broadcastUserList(ctx)
			}
		}
	case EventSearchMessages:
		err = h.handleSearch(ctx, sess, env.Data)
	case EventAuthenticate:
		// already authenticated; a repeated frame is harmless
	default:
		err = fmt.Errorf("%w: unknown event %q", apperr.ErrValidation, env.Event)
	}

	if err != nil {
		h.log.Debug().Err(err).Str("event", env.Event).Str("conn_id", sess.ID()).Msg("event rejected")
		h.fail(sess, err)
	}
}

func (h *Hub) handleRefresh(ctx context.Context, sess *session.Session, data json.RawMessage) error {
	var req tokenRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	res, err := h.deps.Auth.Refresh(ctx, req.Token)
	if err != nil {
		return err
	}
	if err := h.deps.Registry.Renew(sess.ID(), res.Token); err != nil {
		return err
	}
	sess.Send(session.Event{Name: EventAuthRefreshed, Data: refreshedPayload{
		Token:     res.Token.Value,
		ExpiresAt: res.Token.ExpiresAt,
	}})
	return nil
}

// handleSend answers every failure with message_failed so the sender can
// settle its pending message.
func (h *Hub) handleSend(ctx context.Context, sess *session.Session, env Envelope) {
	var req sendRequest
	err := decode(env.Data, &req)
	if err == nil {
		out := router.Outbound{RoomID: req.RoomID, Body: req.Message, ClientID: req.ClientID}
		if req.FileData != nil {
			out.Attachment = req.FileData.Filename
		}

		if env.Event == EventSendPrivate {
			var to models.User
			if to, err = h.resolveUsername(ctx, req.To); err == nil {
				out.To = to.ID
				_, err = h.deps.Router.SendPrivate(ctx, sess.ID(), out)
			}
		} else {
			_, err = h.deps.Router.SendGroup(ctx, sess.ID(), out)
		}
	}
	if err == nil {
		return
	}

	h.log.Debug().Err(err).Str("event", env.Event).Str("conn_id", sess.ID()).Msg("send failed")
	sess.Send(session.Event{Name: EventMessageFailed, Data: failedPayload{
		ClientID: req.ClientID,
		Code:     service.ErrorCode(err),
		Message:  service.ErrorMessage(err),
	}})
}

func (h *Hub) handleTyping(ctx context.Context, sess *session.Session, env Envelope) error {
	var req typingRequest
	if err := decode(env.Data, &req); err != nil {
		return err
	}

	var ref models.ConversationRef
	switch {
	case req.RoomID != "":
		ref = models.GroupRef(req.RoomID)
	case req.To != "":
		to, err := h.resolveUsername(ctx, req.To)
		if err != nil {
			return err
		}
		ref = models.PrivateRef(sess.UserID, to.ID)
	default:
		return fmt.Errorf("%w: typing needs to or roomId", apperr.ErrValidation)
	}

	if env.Event == EventStopTyping {
		h.deps.Typing.Stop(sess, ref, req.Seq)
		return nil
	}
	return h.deps.Typing.Start(ctx, sess, ref, req.Seq)
}

func (h *Hub) handleCreateGroup(ctx context.Context, sess *session.Session, data json.RawMessage) error {
	var req createGroupRequest
	if err := decode(data, &req); err != nil {
		return err
	}

	memberIDs := make([]string, 0, len(req.Members))
	for _, name := range req.Members {
		user, err := h.resolveUsername(ctx, name)
		if err != nil {
			return err
		}
		memberIDs = append(memberIDs, user.ID)
	}

	room, err := h.deps.Directory.CreateGroup(ctx, req.GroupName, sess.UserID, memberIDs)
	if err != nil {
		return err
	}
	return h.AnnounceGroup(ctx, room)
}

// AnnounceGroup sends group_created to every live session of the room's
// members, whichever surface created the room.
func (h *Hub) AnnounceGroup(ctx context.Context, room models.Room) error {
	names, err := h.usernames(ctx, room.Members)
	if err != nil {
		return err
	}
	createdBy := ""
	for i, member := range room.Members {
		if member == room.CreatedBy {
			createdBy = names[i]
		}
	}
	evt := session.Event{Name: EventGroupCreated, Data: groupCreatedPayload{
		RoomID:    room.ID,
		GroupName: room.Name,
		Members:   names,
		CreatedBy: createdBy,
	}}
	for _, member := range room.Members {
		for _, other := range h.deps.Registry.SessionsOf(member) {
			other.Send(evt)
		}
	}
	return nil
}

// handleJoin subscribes the connection to a room's typing traffic and
// replies with the latest page of its history.
func (h *Hub) handleJoin(ctx context.Context, sess *session.Session, data json.RawMessage) error {
	id := roomID(data)
	if id == "" {
		return fmt.Errorf("%w: roomId required", apperr.ErrValidation)
	}
	ref := models.GroupRef(id)
	if err := h.deps.Directory.Join(ctx, ref, sess.UserID); err != nil {
		return err
	}
	sess.JoinRoom(id)

	msgs, err := h.deps.Router.History(ctx, sess.UserID, ref, "", 0)
	if err != nil {
		return err
	}
	sess.Send(session.Event{Name: EventRoomHistory, Data: roomHistoryPayload{
		RoomID:   id,
		Messages: router.NewPayloads(msgs, h.deps.Router.Links()),
	}})
	return nil
}

func (h *Hub) handleHistory(ctx context.Context, sess *session.Session, data json.RawMessage) error {
	var req historyRequest
	if err := decode(data, &req); err != nil {
		return err
	}

	switch {
	case req.RoomID != "":
		msgs, err := h.deps.Router.History(ctx, sess.UserID, models.GroupRef(req.RoomID), req.Before, 0)
		if err != nil {
			return err
		}
		sess.Send(session.Event{Name: EventRoomHistory, Data: roomHistoryPayload{
			RoomID:   req.RoomID,
			Messages: router.NewPayloads(msgs, h.deps.Router.Links()),
		}})
	case req.With != "":
		other, err := h.resolveUsername(ctx, req.With)
		if err != nil {
			return err
		}
		ref := models.PrivateRef(sess.UserID, other.ID)
		msgs, err := h.deps.Router.History(ctx, sess.UserID, ref, req.Before, 0)
		if err != nil {
			return err
		}
		sess.Send(session.Event{Name: EventMessageHistory, Data: messageHistoryPayload{
			With:     other.Username,
			Messages: router.NewPayloads(msgs, h.deps.Router.Links()),
		}})
	default:
		return fmt.Errorf("%w: history needs with or roomId", apperr.ErrValidation)
	}
	return nil
}

func (h *Hub) handleSearch(ctx context.Context, sess *session.Session, data json.RawMessage) error {
	var req searchRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	msgs, err := h.deps.Search.Search(ctx, sess.UserID, req.Query)
	if err != nil {
		return err
	}
	sess.Send(session.Event{Name: EventSearchResults, Data: searchResultsPayload{
		Query:   req.Query,
		Results: router.NewPayloads(msgs, h.deps.Router.Links()),
	}})
	return nil
}

func (h *Hub) usernames(ctx context.Context, userIDs []string) ([]string, error) {
	names := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		user, err := h.deps.Users.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		names = append(names, user.Username)
	}
	return names, nil
}
