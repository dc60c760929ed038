package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signflow/internal/consensus"
	"signflow/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the stored version moved underneath an update.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrImmutable is returned when an update touches a field fixed at creation.
	ErrImmutable = errors.New("immutable field changed")
)

// MutateFunc edits a copy of the stored document and returns the events that
// describe the change. Returning an error aborts the update.
type MutateFunc func(doc *domain.SignatureDocument) ([]domain.Event, error)

// DocumentFilter narrows ListDocuments. Zero values mean no filter.
type DocumentFilter struct {
	Status     domain.Status
	QuoteID    string
	SentBefore *time.Time
	Limit      int
	// Offset skips rows; ignored when Limit is negative.
	Offset int
}

type DocumentRepository interface {
	CreateDocument(ctx context.Context, doc domain.SignatureDocument, evs ...domain.Event) error
	GetDocument(ctx context.Context, id string) (domain.SignatureDocument, error)
	GetDocumentByEnvelope(ctx context.Context, provider domain.Provider, envelopeID string) (domain.SignatureDocument, error)
	ListDocumentsByQuote(ctx context.Context, quoteID string) ([]domain.SignatureDocument, error)
	ListDocuments(ctx context.Context, f DocumentFilter) ([]domain.SignatureDocument, error)
	// UpdateDocument is the only write path for an existing document. Calls
	// for the same id are serialized.
	UpdateDocument(ctx context.Context, id string, fn MutateFunc) (domain.SignatureDocument, error)
	ListEvents(ctx context.Context, entityID string, limit int) ([]domain.Event, error)
}

type SettingsRepository interface {
	// GetSettings returns ErrNotFound until settings were written once.
	GetSettings(ctx context.Context) (domain.SignatureSettings, error)
	ReplaceSettings(ctx context.Context, s domain.SignatureSettings, evs ...domain.Event) (domain.SignatureSettings, error)
}

// Store is everything the signature engine persists.
type Store interface {
	DocumentRepository
	SettingsRepository
}

const defaultListLimit = 100

// EffectiveLimit applies the default row limit.
func (f DocumentFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// ValidateNew checks a document about to be inserted.
func ValidateNew(doc domain.SignatureDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: id required", consensus.ErrInvariant)
	}
	if doc.Status != domain.StatusPending {
		return fmt.Errorf("%w: new document must be pending", consensus.ErrInvariant)
	}
	return consensus.Check(doc)
}

// CheckUpdate rejects changes to creation-time fields and timestamps being
// cleared, then validates the aggregate.
func CheckUpdate(prev, next domain.SignatureDocument) error {
	switch {
	case next.ID != prev.ID, next.QuoteID != prev.QuoteID, next.DocumentURL != prev.DocumentURL,
		next.Provider != prev.Provider, !next.CreatedAt.Equal(prev.CreatedAt):
		return fmt.Errorf("%w: document %s", ErrImmutable, prev.ID)
	case len(next.Signers) != len(prev.Signers):
		return fmt.Errorf("%w: signer list of %s", ErrImmutable, prev.ID)
	}
	if prev.EnvelopeID != nil && (next.EnvelopeID == nil || *next.EnvelopeID != *prev.EnvelopeID) {
		return fmt.Errorf("%w: envelope of %s", ErrImmutable, prev.ID)
	}
	if !keptTime(prev.SentAt, next.SentAt) || !keptTime(prev.SignedAt, next.SignedAt) ||
		!keptTime(prev.DeclinedAt, next.DeclinedAt) || !keptTime(prev.ExpiredAt, next.ExpiredAt) {
		return fmt.Errorf("%w: timestamp of %s", ErrImmutable, prev.ID)
	}
	for i, p := range prev.Signers {
		n := next.Signers[i]
		if n.ID != p.ID || n.Name != p.Name || n.Email != p.Email || n.Role != p.Role {
			return fmt.Errorf("%w: signer %s", ErrImmutable, p.ID)
		}
		if (p.Signed && !n.Signed) || (p.Declined && !n.Declined) {
			return fmt.Errorf("%w: signer %s response reverted", ErrImmutable, p.ID)
		}
		if !keptTime(p.SignedAt, n.SignedAt) || !keptTime(p.DeclinedAt, n.DeclinedAt) {
			return fmt.Errorf("%w: signer %s timestamp", ErrImmutable, p.ID)
		}
	}
	return consensus.Check(next)
}

func keptTime(prev, next *time.Time) bool {
	if prev == nil {
		return true
	}
	return next != nil && next.Equal(*prev)
}

// KeyedMutex hands out one mutex per key and forgets keys nobody holds.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedEntry{}}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex) Lock(key string) func() {
	if k == nil {
		return func() {}
	}
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
