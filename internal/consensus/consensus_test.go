package consensus_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"signflow/internal/consensus"
	"signflow/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newDoc(signerIDs ...string) domain.SignatureDocument {
	doc := domain.SignatureDocument{
		ID:          "doc-1",
		QuoteID:     "quote-1",
		DocumentURL: "https://files.example.com/q1.pdf",
		Status:      domain.StatusPending,
		Provider:    domain.ProviderLocal,
		CreatedAt:   t0,
	}
	for _, id := range signerIDs {
		doc.Signers = append(doc.Signers, domain.SignatureSigner{ID: id, Name: id, Email: id + "@example.com", Role: domain.RoleCustomer})
	}
	return doc
}

func sentDoc(t *testing.T, signerIDs ...string) domain.SignatureDocument {
	t.Helper()
	doc, err := consensus.MarkSent(newDoc(signerIDs...), "env-1", nil, t0)
	if err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	return doc
}

func apply(t *testing.T, doc domain.SignatureDocument, signerID string, state domain.SignerState, at time.Time) domain.SignatureDocument {
	t.Helper()
	out, _, err := consensus.ApplySignerEvent(doc, consensus.SignerEvent{SignerID: signerID, State: state, At: at})
	if err != nil {
		t.Fatalf("apply %s %s: %v", signerID, state, err)
	}
	if err := consensus.Check(out); err != nil {
		t.Fatalf("invariants after %s %s: %v", signerID, state, err)
	}
	return out
}

func TestAggregate(t *testing.T) {
	signed := domain.SignatureSigner{Signed: true}
	declined := domain.SignatureSigner{Declined: true}
	open := domain.SignatureSigner{}
	tests := []struct {
		name    string
		signers []domain.SignatureSigner
		want    domain.Status
	}{
		{"empty", nil, domain.StatusSent},
		{"none responded", []domain.SignatureSigner{open, open}, domain.StatusSent},
		{"partial", []domain.SignatureSigner{signed, open}, domain.StatusSent},
		{"all signed", []domain.SignatureSigner{signed, signed}, domain.StatusSigned},
		{"decline wins over signatures", []domain.SignatureSigner{signed, signed, declined}, domain.StatusDeclined},
		{"decline with open", []domain.SignatureSigner{open, declined}, domain.StatusDeclined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := consensus.Aggregate(tt.signers); got != tt.want {
				t.Fatalf("Aggregate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMarkSent(t *testing.T) {
	doc, err := consensus.MarkSent(newDoc("a", "b"), "env-9", map[string]string{"a": "ext-a"}, t0)
	if err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if doc.Status != domain.StatusSent || doc.EnvelopeID == nil || *doc.EnvelopeID != "env-9" || doc.SentAt == nil {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.Signers[0].ExternalID != "ext-a" || doc.Signers[1].ExternalID != "b" {
		t.Fatalf("signer refs not recorded: %+v", doc.Signers)
	}
	if _, err := consensus.MarkSent(doc, "env-10", nil, t0); !errors.Is(err, consensus.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second send, got %v", err)
	}
}

func TestPendingGuard(t *testing.T) {
	doc := newDoc("a")
	out, _, err := consensus.ApplySignerEvent(doc, consensus.SignerEvent{SignerID: "a", State: domain.SignerSigned, At: t0})
	if !errors.Is(err, consensus.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if errors.Is(err, consensus.ErrDocumentTerminal) {
		t.Fatalf("pending must not be reported as terminal")
	}
	if !reflect.DeepEqual(out, doc) {
		t.Fatalf("document changed on rejected event")
	}
}

func TestScenarioAllSigned(t *testing.T) {
	doc := sentDoc(t, "A", "B")
	doc = apply(t, doc, "A", domain.SignerSigned, t0.Add(time.Minute))
	if doc.Status != domain.StatusSent {
		t.Fatalf("after A signed status = %s", doc.Status)
	}
	doc = apply(t, doc, "B", domain.SignerSigned, t0.Add(2*time.Minute))
	if doc.Status != domain.StatusSigned {
		t.Fatalf("after B signed status = %s", doc.Status)
	}
	if doc.SignedAt == nil || !doc.SignedAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("signed_at = %v", doc.SignedAt)
	}
}

func TestScenarioDeclineImmediately(t *testing.T) {
	doc := sentDoc(t, "A", "B")
	out, outcome, err := consensus.ApplySignerEvent(doc, consensus.SignerEvent{SignerID: "B", State: domain.SignerDeclined, Reason: "price", At: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if out.Status != domain.StatusDeclined || !outcome.Changed() || outcome.To != domain.StatusDeclined {
		t.Fatalf("status = %s outcome %+v", out.Status, outcome)
	}
	if out.DeclinedAt == nil || out.Signers[1].DeclinedReason == nil || *out.Signers[1].DeclinedReason != "price" {
		t.Fatalf("decline not recorded: %+v", out)
	}
	if out.Signers[0].Signed || out.Signers[0].Declined {
		t.Fatalf("signer A must be untouched")
	}
}

// Every arrival order of N-1 signatures plus one decline ends declined.
func TestDeclineAbsorptionAnyOrder(t *testing.T) {
	ids := []string{"s1", "s2", "s3", "s4"}
	for decliner := range ids {
		for _, order := range permutations(len(ids)) {
			doc := sentDoc(t, ids...)
			for step, idx := range order {
				state := domain.SignerSigned
				if idx == decliner {
					state = domain.SignerDeclined
				}
				next, _, err := consensus.ApplySignerEvent(doc, consensus.SignerEvent{SignerID: ids[idx], State: state, At: t0.Add(time.Duration(step+1) * time.Minute)})
				if err != nil && !errors.Is(err, consensus.ErrDocumentTerminal) {
					t.Fatalf("order %v: %v", order, err)
				}
				doc = next
			}
			if doc.Status != domain.StatusDeclined {
				t.Fatalf("order %v decliner %d: status %s", order, decliner, doc.Status)
			}
		}
	}
}

func TestAllSignedConvergence(t *testing.T) {
	ids := []string{"a", "b", "c"}
	for _, order := range permutations(len(ids)) {
		doc := sentDoc(t, ids...)
		for i, idx := range order {
			if doc.Status == domain.StatusSigned {
				t.Fatalf("signed before every signer responded")
			}
			doc = apply(t, doc, ids[idx], domain.SignerSigned, t0.Add(time.Duration(i+1)*time.Second))
		}
		if doc.Status != domain.StatusSigned {
			t.Fatalf("order %v: status %s", order, doc.Status)
		}
	}
}

func TestReplayIsNoop(t *testing.T) {
	doc := sentDoc(t, "a", "b")
	once := apply(t, doc, "a", domain.SignerSigned, t0.Add(time.Minute))
	twice, outcome, err := consensus.ApplySignerEvent(once, consensus.SignerEvent{SignerID: "a", State: domain.SignerSigned, At: t0.Add(5 * time.Minute)})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome.Changed() {
		t.Fatalf("replay reported a change")
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("replay changed the document")
	}
}

func TestTerminalImmutability(t *testing.T) {
	signed := apply(t, apply(t, sentDoc(t, "a", "b"), "a", domain.SignerSigned, t0.Add(time.Minute)), "b", domain.SignerSigned, t0.Add(2*time.Minute))
	declined := apply(t, sentDoc(t, "a", "b"), "a", domain.SignerDeclined, t0.Add(time.Minute))
	expired, err := consensus.Expire(sentDoc(t, "a", "b"), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	for _, doc := range []domain.SignatureDocument{signed, declined, expired} {
		for _, state := range []domain.SignerState{domain.SignerSigned, domain.SignerDeclined} {
			out, outcome, err := consensus.ApplySignerEvent(doc, consensus.SignerEvent{SignerID: "b", State: state, At: t0.Add(24 * time.Hour)})
			if !errors.Is(err, consensus.ErrDocumentTerminal) {
				t.Fatalf("%s: expected terminal error, got %v", doc.Status, err)
			}
			if outcome.Changed() || !reflect.DeepEqual(out, doc) {
				t.Fatalf("%s: terminal document changed", doc.Status)
			}
		}
	}
}

func TestSignerFlagsNeverFlip(t *testing.T) {
	doc := apply(t, sentDoc(t, "a", "b"), "a", domain.SignerSigned, t0.Add(time.Minute))
	_, _, err := consensus.ApplySignerEvent(doc, consensus.SignerEvent{SignerID: "a", State: domain.SignerDeclined, At: t0.Add(2 * time.Minute)})
	if !errors.Is(err, consensus.ErrSignerFinalized) || !errors.Is(err, consensus.ErrInvalidTransition) {
		t.Fatalf("expected signer finalized, got %v", err)
	}
	var te consensus.TransitionError
	if !errors.As(err, &te) || te.DocumentID != "doc-1" {
		t.Fatalf("expected TransitionError, got %T", err)
	}
}

func TestUnknownSignerAndBadEvents(t *testing.T) {
	doc := sentDoc(t, "a")
	if _, _, err := consensus.ApplySignerEvent(doc, consensus.SignerEvent{SignerID: "zz", State: domain.SignerSigned, At: t0}); !errors.Is(err, consensus.ErrSignerNotFound) {
		t.Fatalf("expected signer not found, got %v", err)
	}
	if _, _, err := consensus.ApplySignerEvent(doc, consensus.SignerEvent{SignerID: "a", State: "viewed", At: t0}); !errors.Is(err, consensus.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
	if _, _, err := consensus.ApplySignerEvent(doc, consensus.SignerEvent{SignerID: "a", State: domain.SignerSigned}); !errors.Is(err, consensus.ErrInvalidEvent) {
		t.Fatalf("expected invalid event for zero time, got %v", err)
	}
}

func TestExpireOnlyFromSent(t *testing.T) {
	if _, err := consensus.Expire(newDoc("a"), t0); !errors.Is(err, consensus.ErrInvalidTransition) {
		t.Fatalf("expected pending expire to fail, got %v", err)
	}
	doc, err := consensus.Expire(sentDoc(t, "a"), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := consensus.Check(doc); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := consensus.Expire(doc, t0.Add(2*time.Hour)); !errors.Is(err, consensus.ErrInvalidTransition) {
		t.Fatalf("expected second expire to fail, got %v", err)
	}
}

func TestCheckRejectsBrokenDocuments(t *testing.T) {
	doc := sentDoc(t, "a")
	doc.Status = domain.StatusSigned
	if err := consensus.Check(doc); !errors.Is(err, consensus.ErrInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	both := sentDoc(t, "a")
	both.Signers[0].Signed, both.Signers[0].Declined = true, true
	now := t0
	both.Signers[0].SignedAt, both.Signers[0].DeclinedAt = &now, &now
	if err := consensus.Check(both); !errors.Is(err, consensus.ErrInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if err := consensus.Check(newDoc()); !errors.Is(err, consensus.ErrInvariant) {
		t.Fatalf("expected invariant error for no signers, got %v", err)
	}
}

func permutations(n int) [][]int {
	var res [][]int
	var rec func(cur []int, used []bool)
	rec = func(cur []int, used []bool) {
		if len(cur) == n {
			res = append(res, append([]int(nil), cur...))
			return
		}
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			used[i] = true
			rec(append(cur, i), used)
			used[i] = false
		}
	}
	rec(nil, make([]bool, n))
	return res
}
