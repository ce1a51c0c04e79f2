package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chatcore/internal/models"
	"chatcore/internal/store"
)

func (s *Store) CreateRoom(ctx context.Context, room models.Room) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insertRoom = `
			INSERT INTO rooms (id, name, created_by, created_at) VALUES ($1, $2, $3, $4)
		`
		if _, err := tx.Exec(ctx, insertRoom, room.ID, room.Name, room.CreatedBy, room.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return err
		}

		const insertMembers = `
			INSERT INTO room_members (room_id, user_id)
			SELECT $1, unnest($2::text[])
			ON CONFLICT DO NOTHING
		`
		if _, err := tx.Exec(ctx, insertMembers, room.ID, room.Members); err != nil {
			return fmt.Errorf("add members: %w", err)
		}
		return nil
	})
}

func (s *Store) RoomByID(ctx context.Context, id string) (models.Room, error) {
	const query = `
		SELECT r.id, r.name, r.created_by, r.created_at,
		       ARRAY(SELECT user_id FROM room_members WHERE room_id = r.id ORDER BY user_id)
		FROM rooms r WHERE r.id = $1
	`
	room, err := scanRoom(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Room{}, store.ErrNotFound
	}
	return room, err
}

func (s *Store) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	const query = `
		SELECT r.id, r.name, r.created_by, r.created_at,
		       ARRAY(SELECT user_id FROM room_members WHERE room_id = r.id ORDER BY user_id)
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = $1
		ORDER BY r.created_at, r.id
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Room, error) {
		return scanRoom(row)
	})
}

func scanRoom(row pgx.Row) (models.Room, error) {
	var room models.Room
	err := row.Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt, &room.Members)
	return room, err
}
