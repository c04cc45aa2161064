package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateMapping records that itemTaskID handled itemIdentity for stageTaskID.
// It is insert-or-ignore: when the pair already exists the stored id wins
// and is returned, so redelivered stage tasks reuse their original item ids.
func (s *Store) CreateMapping(ctx context.Context, stageTaskID uuid.UUID, itemIdentity string, itemTaskID uuid.UUID) (uuid.UUID, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO mappings (stage_task_id, item_identity, item_task_id)
		VALUES (?, ?, ?)
		ON CONFLICT (stage_task_id, item_identity) DO NOTHING
	`), stageTaskID.String(), itemIdentity, itemTaskID.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("create mapping: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return itemTaskID, nil
	}

	existing, ok, err := s.QueryMapping(ctx, stageTaskID, itemIdentity)
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("create mapping: conflicting row for (%s, %q) vanished", stageTaskID, itemIdentity)
	}
	return existing, nil
}

// QueryMapping looks up the item task that handled itemIdentity for stageTaskID
func (s *Store) QueryMapping(ctx context.Context, stageTaskID uuid.UUID, itemIdentity string) (uuid.UUID, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT item_task_id FROM mappings
		WHERE stage_task_id = ? AND item_identity = ?
	`), stageTaskID.String(), itemIdentity).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("query mapping: %w", err)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("query mapping: stored id %q: %w", raw, err)
	}
	return id, true, nil
}
