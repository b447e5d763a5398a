package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mmeshcher/exchanger/internal/model"
)

func jsonValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// InsertAuditLog сохраняет запись журнала аудита.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, e model.AuditEntry) error {
	oldValue, err := jsonValue(e.OldValue)
	if err != nil {
		return fmt.Errorf("marshal old value: %w", err)
	}
	newValue, err := jsonValue(e.NewValue)
	if err != nil {
		return fmt.Errorf("marshal new value: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, action, entity_type, entity_id, old_value, new_value)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, nullString(e.ActorID), e.Action, e.EntityType, e.EntityID, oldValue, newValue)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
