package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"signflow/internal/domain"
	"signflow/internal/events"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repo is the SQLite store.
type Repo struct {
	DB     *sql.DB
	Locks  *KeyedMutex
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Locks: NewKeyedMutex()}
}

var _ Store = Repo{}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

const documentColumns = `id,quote_id,document_url,status,provider,envelope_id,created_at,sent_at,signed_at,declined_at,expired_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.SignatureDocument, error) {
	var (
		d                                         domain.SignatureDocument
		status, provider, createdAt               string
		envelope, sent, signed, declined, expired sql.NullString
	)
	err := row.Scan(&d.ID, &d.QuoteID, &d.DocumentURL, &status, &provider, &envelope, &createdAt, &sent, &signed, &declined, &expired, &d.Version)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Status = domain.Status(status)
	d.Provider = domain.Provider(provider)
	if envelope.Valid {
		v := envelope.String
		d.EnvelopeID = &v
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{sent, &d.SentAt}, {signed, &d.SignedAt}, {declined, &d.DeclinedAt}, {expired, &d.ExpiredAt}} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return d, err
		}
	}
	return d, nil
}

func (r Repo) CreateDocument(ctx context.Context, doc domain.SignatureDocument, evs ...domain.Event) error {
	if err := ValidateNew(doc); err != nil {
		return err
	}
	if doc.Version <= 0 {
		doc.Version = 1
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO signature_documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		doc.ID, doc.QuoteID, doc.DocumentURL, string(doc.Status), string(doc.Provider), nullableStringPtr(doc.EnvelopeID),
		formatTime(doc.CreatedAt), nullableTime(doc.SentAt), nullableTime(doc.SignedAt), nullableTime(doc.DeclinedAt), nullableTime(doc.ExpiredAt), doc.Version)
	if err != nil {
		return mapWriteError("insert document", err)
	}
	for i, s := range doc.Signers {
		_, err := tx.ExecContext(ctx, `INSERT INTO signature_signers(document_id,id,position,external_id,name,email,role,signed,signed_at,declined,declined_at,declined_reason) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			doc.ID, s.ID, i, nullable(s.ExternalID), s.Name, s.Email, string(s.Role), s.Signed, nullableTime(s.SignedAt), s.Declined, nullableTime(s.DeclinedAt), nullableStringPtr(s.DeclinedReason))
		if err != nil {
			return mapWriteError("insert signer "+s.ID, err)
		}
	}
	if err := r.appendEvents(ctx, tx, evs); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.SignatureDocument, error) {
	return getDocument(ctx, r.DB, id)
}

func getDocument(ctx context.Context, q queryer, id string) (domain.SignatureDocument, error) {
	d, err := scanDocument(q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM signature_documents WHERE id=?`, id))
	if err != nil {
		return d, err
	}
	d.Signers, err = listSigners(ctx, q, d.ID)
	return d, err
}

func listSigners(ctx context.Context, q queryer, documentID string) ([]domain.SignatureSigner, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,COALESCE(external_id,''),name,email,role,signed,signed_at,declined,declined_at,declined_reason FROM signature_signers WHERE document_id=? ORDER BY position`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureSigner
	for rows.Next() {
		var (
			s                domain.SignatureSigner
			role             string
			signedAt, declAt sql.NullString
			reason           sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.ExternalID, &s.Name, &s.Email, &role, &s.Signed, &signedAt, &s.Declined, &declAt, &reason); err != nil {
			return nil, err
		}
		s.Role = domain.Role(role)
		if s.SignedAt, err = parseNullTime(signedAt); err != nil {
			return nil, err
		}
		if s.DeclinedAt, err = parseNullTime(declAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			v := reason.String
			s.DeclinedReason = &v
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetDocumentByEnvelope(ctx context.Context, provider domain.Provider, envelopeID string) (domain.SignatureDocument, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM signature_documents WHERE provider=? AND envelope_id=?`, string(provider), envelopeID).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.SignatureDocument{}, ErrNotFound
	}
	if err != nil {
		return domain.SignatureDocument{}, err
	}
	return r.GetDocument(ctx, id)
}

func (r Repo) ListDocumentsByQuote(ctx context.Context, quoteID string) ([]domain.SignatureDocument, error) {
	return r.ListDocuments(ctx, DocumentFilter{QuoteID: quoteID, Limit: -1})
}

func (r Repo) ListDocuments(ctx context.Context, f DocumentFilter) ([]domain.SignatureDocument, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.QuoteID != "" {
		clauses = append(clauses, "quote_id=?")
		args = append(args, f.QuoteID)
	}
	if f.SentBefore != nil {
		clauses = append(clauses, "sent_at IS NOT NULL AND sent_at<?")
		args = append(args, formatTime(*f.SentBefore))
	}
	order := "created_at DESC, id"
	if f.QuoteID != "" {
		order = "created_at ASC, id"
	}
	query := fmt.Sprintf(`SELECT %s FROM signature_documents WHERE %s ORDER BY %s`, documentColumns, strings.Join(clauses, " AND "), order)
	if f.Limit >= 0 {
		query += " LIMIT ?"
		args = append(args, f.EffectiveLimit())
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.SignatureDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].Signers, err = listSigners(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// UpdateDocument loads the document under the per-id lock inside a write
// transaction, applies fn to a copy and writes it back guarded by version.
func (r Repo) UpdateDocument(ctx context.Context, id string, fn MutateFunc) (domain.SignatureDocument, error) {
	unlock := r.Locks.Lock(id)
	defer unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SignatureDocument{}, err
	}
	defer tx.Rollback()

	cur, err := getDocument(ctx, tx, id)
	if err != nil {
		return cur, err
	}
	next := cur.Clone()
	evs, err := fn(&next)
	if err != nil {
		return cur, err
	}
	if len(evs) == 0 && reflect.DeepEqual(cur, next) {
		return cur, nil
	}
	if err := CheckUpdate(cur, next); err != nil {
		return cur, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE signature_documents SET status=?,envelope_id=?,sent_at=?,signed_at=?,declined_at=?,expired_at=?,version=version+1 WHERE id=? AND version=?`,
		string(next.Status), nullableStringPtr(next.EnvelopeID), nullableTime(next.SentAt), nullableTime(next.SignedAt),
		nullableTime(next.DeclinedAt), nullableTime(next.ExpiredAt), id, cur.Version)
	if err != nil {
		return cur, mapWriteError("update document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cur, fmt.Errorf("%w: document %s at version %d", ErrConflict, id, cur.Version)
	}
	for _, s := range next.Signers {
		if _, err := tx.ExecContext(ctx, `UPDATE signature_signers SET external_id=?,signed=?,signed_at=?,declined=?,declined_at=?,declined_reason=? WHERE document_id=? AND id=?`,
			nullable(s.ExternalID), s.Signed, nullableTime(s.SignedAt), s.Declined, nullableTime(s.DeclinedAt), nullableStringPtr(s.DeclinedReason), id, s.ID); err != nil {
			return cur, fmt.Errorf("update signer %s: %w", s.ID, err)
		}
	}
	if err := r.appendEvents(ctx, tx, evs); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	next.Version = cur.Version + 1
	return next, nil
}

func (r Repo) appendEvents(ctx context.Context, tx *sql.Tx, evs []domain.Event) error {
	w := r.Events
	if w.Now == nil {
		w.Now = r.now
	}
	for _, e := range evs {
		if _, err := w.Append(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

// ListEvents returns the audit trail of one entity, oldest first. An empty
// entityID lists events across all entities.
func (r Repo) ListEvents(ctx context.Context, entityID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			ts      string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if e.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) GetSettings(ctx context.Context) (domain.SignatureSettings, error) {
	var (
		s         domain.SignatureSettings
		provider  string
		creds     sql.NullString
		webhook   sql.NullString
		updatedAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT provider,credentials_json,webhook_url,updated_at FROM signature_settings WHERE id=1`).
		Scan(&provider, &creds, &webhook, &updatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Provider = domain.Provider(provider)
	s.WebhookURL = webhook.String
	if creds.Valid && creds.String != "" {
		if err := json.Unmarshal([]byte(creds.String), &s.Credentials); err != nil {
			return s, fmt.Errorf("decode credentials: %w", err)
		}
	}
	ts, err := parseTime(updatedAt)
	if err != nil {
		return s, err
	}
	s.UpdatedAt = &ts
	return s, nil
}

// ReplaceSettings overwrites the singleton row and stamps UpdatedAt.
func (r Repo) ReplaceSettings(ctx context.Context, s domain.SignatureSettings, evs ...domain.Event) (domain.SignatureSettings, error) {
	if !s.Provider.Valid() {
		return s, fmt.Errorf("invalid provider %q", s.Provider)
	}
	out := s.Clone()
	now := r.now()
	out.UpdatedAt = &now
	var creds any
	if len(out.Credentials) > 0 {
		data, err := json.Marshal(out.Credentials)
		if err != nil {
			return s, err
		}
		creds = string(data)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO signature_settings(id,provider,credentials_json,webhook_url,updated_at) VALUES (1,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET provider=excluded.provider,credentials_json=excluded.credentials_json,webhook_url=excluded.webhook_url,updated_at=excluded.updated_at`,
		string(out.Provider), creds, nullable(out.WebhookURL), formatTime(now))
	if err != nil {
		return s, fmt.Errorf("replace settings: %w", err)
	}
	if err := r.appendEvents(ctx, tx, evs); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return out, nil
}

func mapWriteError(op string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return t, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t.UTC(), nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
