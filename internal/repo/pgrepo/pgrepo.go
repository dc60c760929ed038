// Package pgrepo is the PostgreSQL implementation of repo.Store.
package pgrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/internal/domain"
	"signflow/internal/events"
	"signflow/internal/repo"
)

type Store struct {
	Pool  *pgxpool.Pool
	Locks *repo.KeyedMutex
	Now   func() time.Time
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, Locks: repo.NewKeyedMutex()}
}

var _ repo.Store = (*Store)(nil)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

const documentColumns = `id,quote_id,document_url,status,provider,envelope_id,created_at,sent_at,signed_at,declined_at,expired_at,version`

func scanDocument(row pgx.Row) (domain.SignatureDocument, error) {
	var (
		d                domain.SignatureDocument
		status, provider string
	)
	err := row.Scan(&d.ID, &d.QuoteID, &d.DocumentURL, &status, &provider, &d.EnvelopeID, &d.CreatedAt,
		&d.SentAt, &d.SignedAt, &d.DeclinedAt, &d.ExpiredAt, &d.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, repo.ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Status = domain.Status(status)
	d.Provider = domain.Provider(provider)
	d.CreatedAt = d.CreatedAt.UTC()
	for _, t := range []**time.Time{&d.SentAt, &d.SignedAt, &d.DeclinedAt, &d.ExpiredAt} {
		*t = utc(*t)
	}
	return d, nil
}

func (s *Store) CreateDocument(ctx context.Context, doc domain.SignatureDocument, evs ...domain.Event) error {
	if err := repo.ValidateNew(doc); err != nil {
		return err
	}
	if doc.Version <= 0 {
		doc.Version = 1
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx, `INSERT INTO signature_documents (`+documentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		doc.ID, doc.QuoteID, doc.DocumentURL, string(doc.Status), string(doc.Provider), doc.EnvelopeID,
		doc.CreatedAt.UTC(), doc.SentAt, doc.SignedAt, doc.DeclinedAt, doc.ExpiredAt, doc.Version)
	if err != nil {
		return mapWriteError("insert document", err)
	}
	for i, sg := range doc.Signers {
		_, err := tx.Exec(ctx, `INSERT INTO signature_signers (document_id,id,position,external_id,name,email,role,signed,signed_at,declined,declined_at,declined_reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			doc.ID, sg.ID, i, nullable(sg.ExternalID), sg.Name, sg.Email, string(sg.Role), sg.Signed, sg.SignedAt, sg.Declined, sg.DeclinedAt, sg.DeclinedReason)
		if err != nil {
			return mapWriteError("insert signer "+sg.ID, err)
		}
	}
	if err := s.appendEvents(ctx, tx, evs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetDocument(ctx context.Context, id string) (domain.SignatureDocument, error) {
	return getDocument(ctx, s.Pool, id, false)
}

func getDocument(ctx context.Context, q querier, id string, forUpdate bool) (domain.SignatureDocument, error) {
	query := `SELECT ` + documentColumns + ` FROM signature_documents WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	d, err := scanDocument(q.QueryRow(ctx, query, id))
	if err != nil {
		return d, err
	}
	d.Signers, err = listSigners(ctx, q, d.ID)
	return d, err
}

func listSigners(ctx context.Context, q querier, documentID string) ([]domain.SignatureSigner, error) {
	rows, err := q.Query(ctx, `SELECT id,COALESCE(external_id,''),name,email,role,signed,signed_at,declined,declined_at,declined_reason
FROM signature_signers WHERE document_id=$1 ORDER BY position`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureSigner
	for rows.Next() {
		var (
			sg   domain.SignatureSigner
			role string
		)
		if err := rows.Scan(&sg.ID, &sg.ExternalID, &sg.Name, &sg.Email, &role, &sg.Signed, &sg.SignedAt, &sg.Declined, &sg.DeclinedAt, &sg.DeclinedReason); err != nil {
			return nil, err
		}
		sg.Role = domain.Role(role)
		sg.SignedAt = utc(sg.SignedAt)
		sg.DeclinedAt = utc(sg.DeclinedAt)
		res = append(res, sg)
	}
	return res, rows.Err()
}

func (s *Store) GetDocumentByEnvelope(ctx context.Context, provider domain.Provider, envelopeID string) (domain.SignatureDocument, error) {
	var id string
	err := s.Pool.QueryRow(ctx, `SELECT id FROM signature_documents WHERE provider=$1 AND envelope_id=$2`, string(provider), envelopeID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SignatureDocument{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.SignatureDocument{}, err
	}
	return s.GetDocument(ctx, id)
}

func (s *Store) ListDocumentsByQuote(ctx context.Context, quoteID string) ([]domain.SignatureDocument, error) {
	return s.ListDocuments(ctx, repo.DocumentFilter{QuoteID: quoteID, Limit: -1})
}

func (s *Store) ListDocuments(ctx context.Context, f repo.DocumentFilter) ([]domain.SignatureDocument, error) {
	clauses := []string{"TRUE"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		clauses = append(clauses, "status="+arg(string(f.Status)))
	}
	if f.QuoteID != "" {
		clauses = append(clauses, "quote_id="+arg(f.QuoteID))
	}
	if f.SentBefore != nil {
		clauses = append(clauses, "sent_at IS NOT NULL AND sent_at<"+arg(f.SentBefore.UTC()))
	}
	order := "created_at DESC, id"
	if f.QuoteID != "" {
		order = "created_at ASC, id"
	}
	query := fmt.Sprintf(`SELECT %s FROM signature_documents WHERE %s ORDER BY %s`, documentColumns, strings.Join(clauses, " AND "), order)
	if f.Limit >= 0 {
		query += " LIMIT " + arg(f.EffectiveLimit())
		if f.Offset > 0 {
			query += " OFFSET " + arg(f.Offset)
		}
	}
	rows, err := s.Pool.Query(ctx, query, args...)
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
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Signers, err = listSigners(ctx, s.Pool, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// UpdateDocument locks the row with SELECT ... FOR UPDATE, so writers in
// other processes queue behind this one as well.
func (s *Store) UpdateDocument(ctx context.Context, id string, fn repo.MutateFunc) (domain.SignatureDocument, error) {
	unlock := s.Locks.Lock(id)
	defer unlock()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return domain.SignatureDocument{}, err
	}
	defer tx.Rollback(ctx)

	cur, err := getDocument(ctx, tx, id, true)
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
	if err := repo.CheckUpdate(cur, next); err != nil {
		return cur, err
	}
	tag, err := tx.Exec(ctx, `UPDATE signature_documents SET status=$1,envelope_id=$2,sent_at=$3,signed_at=$4,declined_at=$5,expired_at=$6,version=version+1
WHERE id=$7 AND version=$8`,
		string(next.Status), next.EnvelopeID, next.SentAt, next.SignedAt, next.DeclinedAt, next.ExpiredAt, id, cur.Version)
	if err != nil {
		return cur, mapWriteError("update document", err)
	}
	if tag.RowsAffected() == 0 {
		return cur, fmt.Errorf("%w: document %s at version %d", repo.ErrConflict, id, cur.Version)
	}
	for _, sg := range next.Signers {
		if _, err := tx.Exec(ctx, `UPDATE signature_signers SET external_id=$1,signed=$2,signed_at=$3,declined=$4,declined_at=$5,declined_reason=$6
WHERE document_id=$7 AND id=$8`,
			nullable(sg.ExternalID), sg.Signed, sg.SignedAt, sg.Declined, sg.DeclinedAt, sg.DeclinedReason, id, sg.ID); err != nil {
			return cur, mapWriteError("update signer "+sg.ID, err)
		}
	}
	if err := s.appendEvents(ctx, tx, evs); err != nil {
		return cur, err
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, err
	}
	next.Version = cur.Version + 1
	return next, nil
}

func (s *Store) appendEvents(ctx context.Context, tx pgx.Tx, evs []domain.Event) error {
	for _, e := range evs {
		e, payload, err := events.Prepare(e, s.now)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO events (ts,type,entity_kind,entity_id,actor_id,payload) VALUES ($1,$2,$3,$4,$5,$6)`,
			e.TS, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, string(payload)); err != nil {
			return fmt.Errorf("append event %s: %w", e.Type, err)
		}
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, entityID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload FROM events`
	args := []any{}
	if entityID != "" {
		query += ` WHERE entity_id=$1`
		args = append(args, entityID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY id ASC LIMIT $%d`, len(args))
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.TS = e.TS.UTC()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *Store) GetSettings(ctx context.Context) (domain.SignatureSettings, error) {
	var (
		out      domain.SignatureSettings
		provider string
		creds    []byte
		webhook  *string
		updated  time.Time
	)
	err := s.Pool.QueryRow(ctx, `SELECT provider,credentials,webhook_url,updated_at FROM signature_settings WHERE id=1`).
		Scan(&provider, &creds, &webhook, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, repo.ErrNotFound
	}
	if err != nil {
		return out, err
	}
	out.Provider = domain.Provider(provider)
	if webhook != nil {
		out.WebhookURL = *webhook
	}
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &out.Credentials); err != nil {
			return out, fmt.Errorf("decode credentials: %w", err)
		}
	}
	updated = updated.UTC()
	out.UpdatedAt = &updated
	return out, nil
}

func (s *Store) ReplaceSettings(ctx context.Context, in domain.SignatureSettings, evs ...domain.Event) (domain.SignatureSettings, error) {
	if !in.Provider.Valid() {
		return in, fmt.Errorf("invalid provider %q", in.Provider)
	}
	out := in.Clone()
	now := s.now()
	out.UpdatedAt = &now
	var creds any
	if len(out.Credentials) > 0 {
		data, err := json.Marshal(out.Credentials)
		if err != nil {
			return in, err
		}
		creds = string(data)
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return in, err
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx, `INSERT INTO signature_settings (id,provider,credentials,webhook_url,updated_at) VALUES (1,$1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET provider=EXCLUDED.provider,credentials=EXCLUDED.credentials,webhook_url=EXCLUDED.webhook_url,updated_at=EXCLUDED.updated_at`,
		string(out.Provider), creds, nullable(out.WebhookURL), now)
	if err != nil {
		return in, fmt.Errorf("replace settings: %w", err)
	}
	if err := s.appendEvents(ctx, tx, evs); err != nil {
		return in, err
	}
	if err := tx.Commit(ctx); err != nil {
		return in, err
	}
	return out, nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s: %s", repo.ErrConflict, op, pgErr.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
