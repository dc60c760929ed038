// Package consensus turns individual signer responses into a single document
// status. Every function here is pure: it takes a document value, returns a new
// one and never touches storage or the clock.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"signflow/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDocumentTerminal is returned for signer events that reach a signed,
	// declined or expired document. Webhook redelivery makes this expected.
	ErrDocumentTerminal = fmt.Errorf("%w: document is terminal", ErrInvalidTransition)
	// ErrSignerFinalized is returned when a signer who already signed declines,
	// or the reverse. Signer flags never flip.
	ErrSignerFinalized = fmt.Errorf("%w: signer already responded", ErrInvalidTransition)
	ErrSignerNotFound  = errors.New("signer not found")
	ErrInvalidEvent    = errors.New("invalid signer event")
	ErrInvariant       = errors.New("document invariant violated")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	DocumentID string
	From       domain.Status
	Action     string
	Err        error
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("document %s: cannot %s while %s: %v", e.DocumentID, e.Action, e.From, e.Err)
}

func (e TransitionError) Unwrap() error { return e.Err }

// SignerEvent is one signer response, already resolved to an internal signer id.
type SignerEvent struct {
	SignerID string
	State    domain.SignerState
	Reason   string
	At       time.Time
}

// Outcome reports what ApplySignerEvent did.
type Outcome struct {
	From          domain.Status
	To            domain.Status
	SignerChanged bool
}

// Changed reports whether the document differs from its input.
func (o Outcome) Changed() bool {
	return o.SignerChanged || o.From != o.To
}

// Aggregate computes the status a dispatched document has given its signers.
// One decline wins over any number of signatures; a document is signed only
// when every signer signed.
func Aggregate(signers []domain.SignatureSigner) domain.Status {
	if len(signers) == 0 {
		return domain.StatusSent
	}
	all := true
	for _, s := range signers {
		if s.Declined {
			return domain.StatusDeclined
		}
		if !s.Signed {
			all = false
		}
	}
	if all {
		return domain.StatusSigned
	}
	return domain.StatusSent
}

// MarkSent moves a pending document to sent once the provider accepted it.
// signerRefs maps internal signer ids to provider ids; missing entries fall
// back to the internal id.
func MarkSent(doc domain.SignatureDocument, envelopeID string, signerRefs map[string]string, at time.Time) (domain.SignatureDocument, error) {
	if doc.Status != domain.StatusPending {
		return doc, TransitionError{DocumentID: doc.ID, From: doc.Status, Action: "send", Err: ErrInvalidTransition}
	}
	if envelopeID == "" {
		return doc, fmt.Errorf("%w: empty envelope id", ErrInvalidEvent)
	}
	if at.IsZero() {
		return doc, fmt.Errorf("%w: missing time", ErrInvalidEvent)
	}
	out := doc.Clone()
	at = at.UTC()
	out.EnvelopeID = &envelopeID
	out.SentAt = &at
	out.Status = domain.StatusSent
	for i := range out.Signers {
		ext := signerRefs[out.Signers[i].ID]
		if ext == "" {
			ext = out.Signers[i].ID
		}
		out.Signers[i].ExternalID = ext
	}
	return out, nil
}

// ApplySignerEvent records one signer response and recomputes the document
// status from the full signer list, so duplicate or reordered deliveries
// converge on the same state.
func ApplySignerEvent(doc domain.SignatureDocument, ev SignerEvent) (domain.SignatureDocument, Outcome, error) {
	outcome := Outcome{From: doc.Status, To: doc.Status}
	switch {
	case doc.Status == domain.StatusPending:
		return doc, outcome, TransitionError{DocumentID: doc.ID, From: doc.Status, Action: "apply signer event", Err: ErrInvalidTransition}
	case doc.Status.Terminal():
		return doc, outcome, TransitionError{DocumentID: doc.ID, From: doc.Status, Action: "apply signer event", Err: ErrDocumentTerminal}
	case doc.Status != domain.StatusSent:
		return doc, outcome, TransitionError{DocumentID: doc.ID, From: doc.Status, Action: "apply signer event", Err: ErrInvalidTransition}
	}
	if ev.State != domain.SignerSigned && ev.State != domain.SignerDeclined {
		return doc, outcome, fmt.Errorf("%w: state %q", ErrInvalidEvent, ev.State)
	}
	if ev.At.IsZero() {
		return doc, outcome, fmt.Errorf("%w: missing time", ErrInvalidEvent)
	}
	idx, ok := doc.SignerIndex(ev.SignerID)
	if !ok {
		return doc, outcome, fmt.Errorf("%w: %s", ErrSignerNotFound, ev.SignerID)
	}

	out := doc.Clone()
	at := ev.At.UTC()
	s := &out.Signers[idx]
	switch ev.State {
	case domain.SignerSigned:
		if s.Signed {
			return doc, outcome, nil
		}
		if s.Declined {
			return doc, outcome, TransitionError{DocumentID: doc.ID, From: doc.Status, Action: "sign for " + s.ID, Err: ErrSignerFinalized}
		}
		s.Signed = true
		s.SignedAt = &at
	case domain.SignerDeclined:
		if s.Declined {
			return doc, outcome, nil
		}
		if s.Signed {
			return doc, outcome, TransitionError{DocumentID: doc.ID, From: doc.Status, Action: "decline for " + s.ID, Err: ErrSignerFinalized}
		}
		s.Declined = true
		s.DeclinedAt = &at
		if ev.Reason != "" {
			reason := ev.Reason
			s.DeclinedReason = &reason
		}
	}
	outcome.SignerChanged = true

	out.Status = Aggregate(out.Signers)
	switch out.Status {
	case domain.StatusDeclined:
		if out.DeclinedAt == nil {
			out.DeclinedAt = &at
		}
	case domain.StatusSigned:
		if out.SignedAt == nil {
			out.SignedAt = &at
		}
	}
	outcome.To = out.Status
	return out, outcome, nil
}

// Expire closes a sent document without a signer event.
func Expire(doc domain.SignatureDocument, at time.Time) (domain.SignatureDocument, error) {
	if doc.Status != domain.StatusSent {
		return doc, TransitionError{DocumentID: doc.ID, From: doc.Status, Action: "expire", Err: ErrInvalidTransition}
	}
	if at.IsZero() {
		return doc, fmt.Errorf("%w: missing time", ErrInvalidEvent)
	}
	out := doc.Clone()
	at = at.UTC()
	out.Status = domain.StatusExpired
	out.ExpiredAt = &at
	return out, nil
}

// Check validates every aggregate invariant. Stores call it before writing.
func Check(doc domain.SignatureDocument) error {
	if !doc.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, doc.Status)
	}
	if len(doc.Signers) == 0 {
		return fmt.Errorf("%w: no signers", ErrInvariant)
	}
	for _, s := range doc.Signers {
		if s.Signed && s.Declined {
			return fmt.Errorf("%w: signer %s both signed and declined", ErrInvariant, s.ID)
		}
		if s.Signed != (s.SignedAt != nil) {
			return fmt.Errorf("%w: signer %s signed_at mismatch", ErrInvariant, s.ID)
		}
		if s.Declined != (s.DeclinedAt != nil) {
			return fmt.Errorf("%w: signer %s declined_at mismatch", ErrInvariant, s.ID)
		}
	}
	if (doc.Status == domain.StatusSigned) != (doc.SignedAt != nil) {
		return fmt.Errorf("%w: signed_at mismatch", ErrInvariant)
	}
	if (doc.Status == domain.StatusDeclined) != (doc.DeclinedAt != nil) {
		return fmt.Errorf("%w: declined_at mismatch", ErrInvariant)
	}
	if (doc.Status == domain.StatusExpired) != (doc.ExpiredAt != nil) {
		return fmt.Errorf("%w: expired_at mismatch", ErrInvariant)
	}
	if doc.Status == domain.StatusPending {
		if doc.EnvelopeID != nil || doc.SentAt != nil {
			return fmt.Errorf("%w: pending document already dispatched", ErrInvariant)
		}
		for _, s := range doc.Signers {
			if s.Signed || s.Declined {
				return fmt.Errorf("%w: pending document has signer responses", ErrInvariant)
			}
		}
		return nil
	}
	if doc.EnvelopeID == nil || doc.SentAt == nil {
		return fmt.Errorf("%w: dispatched document without envelope", ErrInvariant)
	}
	agg := Aggregate(doc.Signers)
	want := doc.Status
	if want == domain.StatusExpired {
		want = domain.StatusSent
	}
	if agg != want {
		return fmt.Errorf("%w: status %s but signers aggregate to %s", ErrInvariant, doc.Status, agg)
	}
	return nil
}
