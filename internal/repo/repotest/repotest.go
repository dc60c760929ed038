// Package repotest holds the behaviour every repo.Store implementation must
// show. Backends call Run from their own tests.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"signflow/internal/consensus"
	"signflow/internal/domain"
	"signflow/internal/events"
	"signflow/internal/repo"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// NewDocument returns a valid pending document with n signers.
func NewDocument(id, quoteID string, n int) domain.SignatureDocument {
	doc := domain.SignatureDocument{
		ID:          id,
		QuoteID:     quoteID,
		DocumentURL: "https://files.example.com/" + quoteID + ".pdf",
		Status:      domain.StatusPending,
		Provider:    domain.ProviderLocal,
		CreatedAt:   base,
	}
	roles := []domain.Role{domain.RoleCustomer, domain.RoleConsultant, domain.RoleAdmin}
	for i := 0; i < n; i++ {
		doc.Signers = append(doc.Signers, domain.SignatureSigner{
			ID:    fmt.Sprintf("%s-s%d", id, i),
			Name:  fmt.Sprintf("Signer %d", i),
			Email: fmt.Sprintf("signer%d@example.com", i),
			Role:  roles[i%len(roles)],
		})
	}
	return doc
}

func markSent(envelope string, at time.Time) repo.MutateFunc {
	return func(d *domain.SignatureDocument) ([]domain.Event, error) {
		next, err := consensus.MarkSent(*d, envelope, nil, at)
		if err != nil {
			return nil, err
		}
		*d = next
		return []domain.Event{events.Document(domain.EventDocumentSent, d.ID, "tester", events.Payload{"envelope_id": envelope})}, nil
	}
}

func sign(signerID string, at time.Time) repo.MutateFunc {
	return func(d *domain.SignatureDocument) ([]domain.Event, error) {
		next, out, err := consensus.ApplySignerEvent(*d, consensus.SignerEvent{SignerID: signerID, State: domain.SignerSigned, At: at})
		if err != nil {
			return nil, err
		}
		*d = next
		if !out.Changed() {
			return nil, nil
		}
		return []domain.Event{events.Document(domain.EventSignerSigned, d.ID, "tester", events.Payload{"signer_id": signerID})}, nil
	}
}

// Run exercises store against the shared contract. newStore must return an
// empty, migrated store.
func Run(t *testing.T, newStore func(t *testing.T) repo.Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		doc := NewDocument("doc-1", "q-1", 3)
		if err := s.CreateDocument(ctx, doc, events.Document(domain.EventDocumentCreated, doc.ID, "tester", nil)); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := s.GetDocument(ctx, "doc-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != domain.StatusPending || got.Version != 1 || len(got.Signers) != 3 {
			t.Fatalf("unexpected document %+v", got)
		}
		for i, sg := range got.Signers {
			if sg.ID != doc.Signers[i].ID || sg.Role != doc.Signers[i].Role {
				t.Fatalf("signer order not preserved: %+v", got.Signers)
			}
		}
		if !got.CreatedAt.Equal(base) {
			t.Fatalf("created_at %v", got.CreatedAt)
		}
		if _, err := s.GetDocument(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		evs, err := s.ListEvents(ctx, "doc-1", 10)
		if err != nil || len(evs) != 1 || evs[0].Type != domain.EventDocumentCreated {
			t.Fatalf("events %v %+v", err, evs)
		}
	})

	t.Run("RejectsInvalidNewDocument", func(t *testing.T) {
		s := newStore(t)
		doc := NewDocument("doc-1", "q-1", 0)
		if err := s.CreateDocument(context.Background(), doc); !errors.Is(err, consensus.ErrInvariant) {
			t.Fatalf("expected invariant error, got %v", err)
		}
		if _, err := s.GetDocument(context.Background(), "doc-1"); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("document must not exist: %v", err)
		}
	})

	t.Run("UpdateAndLookupByEnvelope", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		doc := NewDocument("doc-1", "q-1", 2)
		if err := s.CreateDocument(ctx, doc); err != nil {
			t.Fatal(err)
		}
		sent, err := s.UpdateDocument(ctx, "doc-1", markSent("env-1", base.Add(time.Minute)))
		if err != nil {
			t.Fatalf("mark sent: %v", err)
		}
		if sent.Status != domain.StatusSent || sent.Version != 2 || sent.Signers[0].ExternalID != "doc-1-s0" {
			t.Fatalf("unexpected %+v", sent)
		}
		got, err := s.GetDocumentByEnvelope(ctx, domain.ProviderLocal, "env-1")
		if err != nil || got.ID != "doc-1" || got.Version != 2 {
			t.Fatalf("by envelope: %v %+v", err, got)
		}
		if _, err := s.GetDocumentByEnvelope(ctx, domain.ProviderRemoteA, "env-1"); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("envelope lookup must be scoped to provider, got %v", err)
		}
		if _, err := s.UpdateDocument(ctx, "missing", markSent("env-2", base)); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("FailedMutationWritesNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.CreateDocument(ctx, NewDocument("doc-1", "q-1", 1)); err != nil {
			t.Fatal(err)
		}
		boom := errors.New("boom")
		_, err := s.UpdateDocument(ctx, "doc-1", func(d *domain.SignatureDocument) ([]domain.Event, error) {
			d.Status = domain.StatusSent
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		unchanged, err := s.UpdateDocument(ctx, "doc-1", func(*domain.SignatureDocument) ([]domain.Event, error) { return nil, nil })
		if err != nil {
			t.Fatal(err)
		}
		if unchanged.Status != domain.StatusPending || unchanged.Version != 1 {
			t.Fatalf("document changed: %+v", unchanged)
		}
		_, err = s.UpdateDocument(ctx, "doc-1", func(d *domain.SignatureDocument) ([]domain.Event, error) {
			d.QuoteID = "other"
			return nil, nil
		})
		if !errors.Is(err, repo.ErrImmutable) {
			t.Fatalf("expected immutable error, got %v", err)
		}
		_, err = s.UpdateDocument(ctx, "doc-1", func(d *domain.SignatureDocument) ([]domain.Event, error) {
			d.Status = domain.StatusSigned
			return nil, nil
		})
		if !errors.Is(err, consensus.ErrInvariant) {
			t.Fatalf("expected invariant error, got %v", err)
		}
	})

	t.Run("ConcurrentSignersNeverLoseUpdates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const n = 6
		doc := NewDocument("doc-1", "q-1", n)
		if err := s.CreateDocument(ctx, doc); err != nil {
			t.Fatal(err)
		}
		if _, err := s.UpdateDocument(ctx, "doc-1", markSent("env-1", base.Add(time.Minute))); err != nil {
			t.Fatal(err)
		}
		var g errgroup.Group
		for i := 0; i < n; i++ {
			signerID := doc.Signers[i].ID
			at := base.Add(time.Duration(i+2) * time.Minute)
			g.Go(func() error {
				// duplicates race too
				for j := 0; j < 2; j++ {
					if _, err := s.UpdateDocument(ctx, "doc-1", sign(signerID, at)); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("concurrent updates: %v", err)
		}
		got, err := s.GetDocument(ctx, "doc-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.StatusSigned || got.SignedAt == nil {
			t.Fatalf("expected signed, got %+v", got)
		}
		if got.Version != int64(2+n) {
			t.Fatalf("expected version %d, got %d", 2+n, got.Version)
		}
		evs, _ := s.ListEvents(ctx, "doc-1", 100)
		if len(evs) != 1+n {
			t.Fatalf("expected %d events, got %d", 1+n, len(evs))
		}
	})

	t.Run("ListDocuments", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"a", "b", "c"} {
			doc := NewDocument(id, "q-1", 1)
			doc.CreatedAt = base.Add(time.Duration(i) * time.Hour)
			if id == "c" {
				doc.QuoteID = "q-2"
			}
			if err := s.CreateDocument(ctx, doc); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.UpdateDocument(ctx, "a", markSent("env-a", base.Add(time.Hour))); err != nil {
			t.Fatal(err)
		}
		if _, err := s.UpdateDocument(ctx, "b", markSent("env-b", base.Add(5*time.Hour))); err != nil {
			t.Fatal(err)
		}
		byQuote, err := s.ListDocumentsByQuote(ctx, "q-1")
		if err != nil || len(byQuote) != 2 || byQuote[0].ID != "a" || byQuote[1].ID != "b" {
			t.Fatalf("by quote: %v %+v", err, byQuote)
		}
		cutoff := base.Add(3 * time.Hour)
		stale, err := s.ListDocuments(ctx, repo.DocumentFilter{Status: domain.StatusSent, SentBefore: &cutoff})
		if err != nil || len(stale) != 1 || stale[0].ID != "a" {
			t.Fatalf("sent before: %v %+v", err, stale)
		}
		pending, err := s.ListDocuments(ctx, repo.DocumentFilter{Status: domain.StatusPending})
		if err != nil || len(pending) != 1 || pending[0].ID != "c" || len(pending[0].Signers) != 1 {
			t.Fatalf("pending: %v %+v", err, pending)
		}
		limited, err := s.ListDocuments(ctx, repo.DocumentFilter{Limit: 2})
		if err != nil || len(limited) != 2 || limited[0].ID != "c" {
			t.Fatalf("limit: %v %+v", err, limited)
		}
		paged, err := s.ListDocuments(ctx, repo.DocumentFilter{Limit: 2, Offset: 2})
		if err != nil || len(paged) != 1 || paged[0].ID != "a" {
			t.Fatalf("offset: %v %+v", err, paged)
		}
	})

	t.Run("DuplicateEnvelopeRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"a", "b"} {
			if err := s.CreateDocument(ctx, NewDocument(id, "q-1", 1)); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.UpdateDocument(ctx, "a", markSent("env-x", base)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.UpdateDocument(ctx, "b", markSent("env-x", base)); !errors.Is(err, repo.ErrConflict) {
			t.Fatalf("expected conflict on duplicate envelope, got %v", err)
		}
		got, _ := s.GetDocument(ctx, "b")
		if got.Status != domain.StatusPending {
			t.Fatalf("b must stay pending, got %s", got.Status)
		}
	})

	t.Run("DuplicateIDRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.CreateDocument(ctx, NewDocument("a", "q-1", 1)); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateDocument(ctx, NewDocument("a", "q-2", 1)); !errors.Is(err, repo.ErrConflict) {
			t.Fatalf("expected conflict on duplicate id, got %v", err)
		}
	})

	t.Run("Settings", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.GetSettings(ctx); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		in := domain.SignatureSettings{
			Provider:    domain.ProviderRemoteA,
			Credentials: map[string]string{"api_key": "k", "base_url": "https://a.example.com"},
			WebhookURL:  "https://hooks.example.com/a",
		}
		saved, err := s.ReplaceSettings(ctx, in, events.Settings(domain.EventSettingsReplaced, "admin", events.Payload{"provider": "remote_a"}))
		if err != nil {
			t.Fatalf("replace: %v", err)
		}
		if saved.UpdatedAt == nil {
			t.Fatalf("updated_at not stamped")
		}
		got, err := s.GetSettings(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.Provider != domain.ProviderRemoteA || got.Credential("api_key") != "k" || got.WebhookURL != in.WebhookURL {
			t.Fatalf("unexpected settings %+v", got)
		}
		if _, err := s.ReplaceSettings(ctx, domain.SignatureSettings{Provider: domain.ProviderLocal}); err != nil {
			t.Fatal(err)
		}
		got, _ = s.GetSettings(ctx)
		if got.Provider != domain.ProviderLocal || len(got.Credentials) != 0 || got.WebhookURL != "" {
			t.Fatalf("replace must be wholesale, got %+v", got)
		}
	})
}
