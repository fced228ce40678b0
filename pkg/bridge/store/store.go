// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists bridged entities (the management bot and the
// registered IoT devices) and the rooms bound to them in a sqlite database.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix/id"
)

//go:embed schema.sql
var schema string

// Entity is a bridged identity: the single management bot (IsDevice false)
// or one registered device. RoomID and RoomPeer are populated from the
// bound room, if any.
type Entity struct {
	ID          int64
	Name        string
	Host        string
	MatrixID    id.UserID
	Description string
	AccessToken string
	IsDevice    bool

	RoomID   id.RoomID
	RoomPeer id.UserID
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const entityColumns = `
	e.id, e.name, e.host, e.matrix_id, e.description, e.access_token, e.is_device,
	COALESCE(e.room_id, ''), COALESCE(r.user_matrix_id, '')`

const entityFrom = ` FROM entities e LEFT JOIN rooms r ON r.id = e.room_id `

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var matrixID, roomID, roomPeer string
	err := row.Scan(&e.ID, &e.Name, &e.Host, &matrixID, &e.Description,
		&e.AccessToken, &e.IsDevice, &roomID, &roomPeer)
	if err != nil {
		return nil, err
	}
	e.MatrixID = id.UserID(matrixID)
	e.RoomID = id.RoomID(roomID)
	e.RoomPeer = id.UserID(roomPeer)
	return &e, nil
}

// EntityForRoom returns the entity bound to the given room, or nil if the
// room is not bound to anything.
func (s *Store) EntityForRoom(ctx context.Context, roomID id.RoomID) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+entityColumns+entityFrom+"WHERE e.room_id = ?", string(roomID))
	entity, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("entity for room %s: %w", roomID, err)
	}
	return entity, nil
}

// BotEntity returns the single management bot entity. The bot is created
// at first run, so its absence is an error.
func (s *Store) BotEntity(ctx context.Context) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+entityColumns+entityFrom+"WHERE e.is_device = 0")
	entity, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("bot entity: %w", err)
	}
	return entity, nil
}

// EntityByName returns the entity with the given name, or nil if none.
func (s *Store) EntityByName(ctx context.Context, name string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+entityColumns+entityFrom+"WHERE e.name = ?", name)
	entity, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("entity by name %q: %w", name, err)
	}
	return entity, nil
}

// Devices returns all device entities in registration order.
func (s *Store) Devices(ctx context.Context) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+entityColumns+entityFrom+"WHERE e.is_device = 1 ORDER BY e.id")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, entity)
	}
	return devices, rows.Err()
}

// CreateDevice inserts a new device entity and fills in its ID.
func (s *Store) CreateDevice(ctx context.Context, e *Entity) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (name, host, matrix_id, description, access_token, is_device)
		VALUES (?, ?, ?, ?, ?, 1)
	`, e.Name, e.Host, string(e.MatrixID), e.Description, e.AccessToken)
	if err != nil {
		return fmt.Errorf("create device %q: %w", e.Name, err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create device %q: %w", e.Name, err)
	}
	e.IsDevice = true
	return nil
}

// BindDeviceRoom creates the room record and binds it to a device as one
// transaction, so a crash cannot leave a half-bound room.
func (s *Store) BindDeviceRoom(ctx context.Context, entityID int64, roomID id.RoomID, peer id.UserID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bind device room: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO rooms (id, user_matrix_id) VALUES (?, ?)",
		string(roomID), string(peer)); err != nil {
		return fmt.Errorf("bind device room: insert room: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE entities SET room_id = ? WHERE id = ? AND is_device = 1",
		string(roomID), entityID)
	if err != nil {
		return fmt.Errorf("bind device room: update entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bind device room: no device entity with id %d", entityID)
	}
	return tx.Commit()
}

// SetBotRoom binds a room to the bot entity, creating the room record if
// absent and dropping any previous binding.
func (s *Store) SetBotRoom(ctx context.Context, roomID id.RoomID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set bot room: %w", err)
	}
	defer tx.Rollback()

	var botID int64
	var oldRoomID sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT id, room_id FROM entities WHERE is_device = 0").Scan(&botID, &oldRoomID)
	if err != nil {
		return fmt.Errorf("set bot room: find bot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO rooms (id) VALUES (?) ON CONFLICT(id) DO NOTHING",
		string(roomID)); err != nil {
		return fmt.Errorf("set bot room: insert room: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE entities SET room_id = ? WHERE id = ?",
		string(roomID), botID); err != nil {
		return fmt.Errorf("set bot room: update bot: %w", err)
	}
	if oldRoomID.Valid && oldRoomID.String != string(roomID) {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM rooms WHERE id = ?", oldRoomID.String); err != nil {
			return fmt.Errorf("set bot room: drop old room: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteBotRoom removes the bot's room binding. No-op if none exists.
func (s *Store) DeleteBotRoom(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete bot room: %w", err)
	}
	defer tx.Rollback()

	var botID int64
	var roomID sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT id, room_id FROM entities WHERE is_device = 0").Scan(&botID, &roomID)
	if err != nil {
		return fmt.Errorf("delete bot room: find bot: %w", err)
	}
	if !roomID.Valid {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE entities SET room_id = NULL WHERE id = ?", botID); err != nil {
		return fmt.Errorf("delete bot room: unbind: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM rooms WHERE id = ?", roomID.String); err != nil {
		return fmt.Errorf("delete bot room: drop room: %w", err)
	}
	return tx.Commit()
}

// EnsureBotEntity creates the management bot entity on first run.
func (s *Store) EnsureBotEntity(ctx context.Context, name string, mxid id.UserID, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (name, matrix_id, description, is_device)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(name) DO NOTHING
	`, name, string(mxid), description)
	if err != nil {
		return fmt.Errorf("ensure bot entity: %w", err)
	}
	return nil
}
