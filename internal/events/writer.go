package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"signflow/internal/domain"
)

const (
	KindDocument = "signature_document"
	KindSettings = "signature_settings"
)

type Payload map[string]any

// Document builds an event about one document.
func Document(evtType, documentID, actorID string, payload Payload) domain.Event {
	return domain.Event{Type: evtType, EntityKind: KindDocument, EntityID: documentID, ActorID: actorID, Payload: payload}
}

// Settings builds a settings.replaced style event.
func Settings(evtType, actorID string, payload Payload) domain.Event {
	return domain.Event{Type: evtType, EntityKind: KindSettings, ActorID: actorID, Payload: payload}
}

// Prepare fills the timestamp and actor defaults and encodes the payload.
func Prepare(e domain.Event, now func() time.Time) (domain.Event, []byte, error) {
	if now == nil {
		now = time.Now
	}
	if e.TS.IsZero() {
		e.TS = now()
	}
	e.TS = e.TS.UTC()
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return e, nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return e, data, nil
}

type Writer struct {
	Now func() time.Time
}

// Append writes e inside tx so it commits or rolls back with the change it
// describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.Event) (domain.Event, error) {
	e, data, err := Prepare(e, w.Now)
	if err != nil {
		return e, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		e.TS.Format(time.RFC3339Nano), e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return e, fmt.Errorf("append event %s: %w", e.Type, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
