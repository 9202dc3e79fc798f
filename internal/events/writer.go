package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"cadence/internal/db"
)

const (
	ObligationCreated         = "obligation.created"
	ObligationUpdated         = "obligation.updated"
	ObligationDeleted         = "obligation.deleted"
	ObligationOverrideSet     = "obligation.override.set"
	ObligationOverrideCleared = "obligation.override.cleared"
	CompletionRecorded        = "completion.recorded"
	SuccessionExpanded        = "succession.expanded"
	SuccessionCancelled       = "succession.cancelled"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside tx so it commits or rolls back with
// the change it describes.
func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	query, args, err := db.Builder(tx.DriverName()).
		Insert("events").
		Columns("ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json").
		Values(ts, evtType, entityKind, nullable(entityID), actorID, string(data)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
