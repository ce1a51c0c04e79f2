// Package directory resolves conversation addressing: private pairs and
// group rooms with their fixed membership.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/ids"
	"chatcore/internal/models"
	"chatcore/internal/store"
)

var ErrEmptyMembership = fmt.Errorf("%w: a group needs at least one member besides its creator", apperr.ErrValidation)

const maxRoomName = 64

type Directory struct {
	rooms    store.RoomStore
	messages store.MessageStore
	log      zerolog.Logger

	mu    sync.RWMutex
	cache map[string]models.Room
}

func New(rooms store.RoomStore, messages store.MessageStore, log zerolog.Logger) *Directory {
	return &Directory{
		rooms:    rooms,
		messages: messages,
		log:      log.With().Str("component", "directory").Logger(),
		cache:    make(map[string]models.Room),
	}
}

func (d *Directory) ResolvePrivate(a, b string) models.ConversationRef {
	return models.PrivateRef(a, b)
}

// CreateGroup creates a room. The creator is always a member and
// duplicate member ids are collapsed. Names need not be unique.
func (d *Directory) CreateGroup(ctx context.Context, name, creator string, members []string) (models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxRoomName {
		return models.Room{}, fmt.Errorf("%w: group name must be 1-%d characters", apperr.ErrValidation, maxRoomName)
	}

	set := []string{creator}
	seen := map[string]struct{}{creator: {}}
	for _, m := range members {
		if _, dup := seen[m]; dup || m == "" {
			continue
		}
		seen[m] = struct{}{}
		set = append(set, m)
	}
	if len(set) == 1 {
		return models.Room{}, ErrEmptyMembership
	}

	room := models.Room{
		ID:        ids.New(),
		Name:      name,
		Members:   set,
		CreatedBy: creator,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.rooms.CreateRoom(ctx, room); err != nil {
		return models.Room{}, fmt.Errorf("%w: create room: %v", apperr.ErrPersistence, err)
	}

	d.mu.Lock()
	d.cache[room.ID] = room
	d.mu.Unlock()

	d.log.Info().Str("room", room.ID).Str("name", room.Name).Int("members", len(set)).Msg("group created")
	return room, nil
}

// Room loads a room, serving repeats from memory since membership never
// changes after creation.
func (d *Directory) Room(ctx context.Context, roomID string) (models.Room, error) {
	d.mu.RLock()
	room, ok := d.cache[roomID]
	d.mu.RUnlock()
	if ok {
		return room, nil
	}

	room, err := d.rooms.RoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Room{}, fmt.Errorf("%w: room %s", apperr.ErrNotFound, roomID)
		}
		return models.Room{}, fmt.Errorf("%w: load room: %v", apperr.ErrPersistence, err)
	}

	d.mu.Lock()
	d.cache[roomID] = room
	d.mu.Unlock()
	return room, nil
}

func (d *Directory) MembersOf(ctx context.Context, ref models.ConversationRef) ([]string, error) {
	switch ref.Kind {
	case models.KindPrivate:
		a, b, ok := ref.Parties()
		if !ok {
			return nil, fmt.Errorf("%w: malformed conversation %s", apperr.ErrValidation, ref)
		}
		return []string{a, b}, nil
	case models.KindGroup:
		room, err := d.Room(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return room.Members, nil
	}
	return nil, fmt.Errorf("%w: unknown conversation kind %q", apperr.ErrValidation, ref.Kind)
}

func (d *Directory) IsMember(ctx context.Context, ref models.ConversationRef, userID string) (bool, error) {
	members, err := d.MembersOf(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

// Join checks that userID may subscribe to the room's live traffic.
// Joining twice is not an error.
func (d *Directory) Join(ctx context.Context, ref models.ConversationRef, userID string) error {
	if ref.Kind != models.KindGroup {
		return fmt.Errorf("%w: only groups can be joined", apperr.ErrValidation)
	}
	member, err := d.IsMember(ctx, ref, userID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: not a member of room %s", apperr.ErrForbidden, ref.ID)
	}
	return nil
}

func (d *Directory) RoomsFor(ctx context.Context, userID string) ([]models.Room, error) {
	rooms, err := d.rooms.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list rooms: %v", apperr.ErrPersistence, err)
	}
	d.mu.Lock()
	for _, room := range rooms {
		d.cache[room.ID] = room
	}
	d.mu.Unlock()
	return rooms, nil
}

// Peers lists every identity sharing a conversation with userID: private
// partners plus co-members of its groups.
func (d *Directory) Peers(ctx context.Context, userID string) ([]string, error) {
	partners, err := d.messages.PrivatePartners(ctx, userID)
	if err != nil {
		return nil, err
	}
	rooms, err := d.RoomsFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{userID: {}}
	var out []string
	add := func(id string) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, p := range partners {
		add(p)
	}
	for _, room := range rooms {
		for _, m := range room.Members {
			add(m)
		}
	}
	return out, nil
}
