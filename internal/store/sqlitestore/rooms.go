package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatcore/internal/models"
	"chatcore/internal/store"
)

func (s *Store) CreateRoom(ctx context.Context, room models.Room) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const insertRoom = `INSERT INTO rooms (id, name, created_by, created_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertRoom, room.ID, room.Name, room.CreatedBy, room.CreatedAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}

	const insertMember = `INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)`
	for _, member := range room.Members {
		if _, err := tx.ExecContext(ctx, insertMember, room.ID, member); err != nil {
			return fmt.Errorf("add member %s: %w", member, err)
		}
	}
	return tx.Commit()
}

func (s *Store) RoomByID(ctx context.Context, id string) (models.Room, error) {
	const query = `SELECT id, name, created_by, created_at FROM rooms WHERE id = ?`
	var room models.Room
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Room{}, store.ErrNotFound
		}
		return models.Room{}, err
	}

	members, err := s.members(ctx, []string{room.ID})
	if err != nil {
		return models.Room{}, err
	}
	room.Members = members[room.ID]
	return room, nil
}

func (s *Store) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	const query = `
		SELECT r.id, r.name, r.created_by, r.created_at
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = ?
		ORDER BY r.created_at, r.id
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}

	var rooms []models.Room
	var ids []string
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		rooms = append(rooms, room)
		ids = append(ids, room.ID)
	}
	// the rows must be released before the next query on a single-conn pool
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	members, err := s.members(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].Members = members[rooms[i].ID]
	}
	return rooms, nil
}

func (s *Store) members(ctx context.Context, roomIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(roomIDs))
	const query = `SELECT user_id FROM room_members WHERE room_id = ? ORDER BY user_id`
	for _, id := range roomIDs {
		rows, err := s.db.QueryContext(ctx, query, id)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var userID string
			if err := rows.Scan(&userID); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = append(out[id], userID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
