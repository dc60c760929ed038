package domain

import (
	"fmt"
	"strings"
	"time"
)

// Provider names a signature backend. The value is snapshotted into every
// document at creation time.
type Provider string

const (
	ProviderLocal   Provider = "local"
	ProviderRemoteA Provider = "remote_a"
	ProviderRemoteB Provider = "remote_b"
)

// Providers lists every supported provider in display order.
var Providers = []Provider{ProviderLocal, ProviderRemoteA, ProviderRemoteB}

func (p Provider) Valid() bool {
	switch p {
	case ProviderLocal, ProviderRemoteA, ProviderRemoteB:
		return true
	}
	return false
}

// ParseProvider accepts the wire names plus the camelCase spellings used by
// older admin clients (remoteA, remoteB).
func ParseProvider(s string) (Provider, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "local":
		return ProviderLocal, nil
	case "remote_a", "remotea":
		return ProviderRemoteA, nil
	case "remote_b", "remoteb":
		return ProviderRemoteB, nil
	}
	return "", fmt.Errorf("invalid provider %q", s)
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusSigned   Status = "signed"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further signer updates apply.
func (s Status) Terminal() bool {
	return s == StatusSigned || s == StatusDeclined || s == StatusExpired
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusSigned, StatusDeclined, StatusExpired:
		return true
	}
	return false
}

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleConsultant Role = "consultant"
	RoleAdmin      Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleConsultant, RoleAdmin:
		return true
	}
	return false
}

// SignerState is the outcome a signer reports through a provider.
type SignerState string

const (
	SignerSigned   SignerState = "signed"
	SignerDeclined SignerState = "declined"
)

func ParseSignerState(s string) (SignerState, error) {
	switch SignerState(strings.ToLower(strings.TrimSpace(s))) {
	case SignerSigned:
		return SignerSigned, nil
	case SignerDeclined:
		return SignerDeclined, nil
	}
	return "", fmt.Errorf("invalid signer state %q", s)
}

// SignatureSettings is the process-wide provider selection. It is only ever
// replaced as a whole.
type SignatureSettings struct {
	Provider    Provider          `json:"provider" enum:"local,remote_a,remote_b"`
	Credentials map[string]string `json:"credentials,omitempty"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	UpdatedAt   *time.Time        `json:"updated_at,omitempty" format:"date-time"`
}

// Credential returns a trimmed credential value.
func (s SignatureSettings) Credential(key string) string {
	if s.Credentials == nil {
		return ""
	}
	return strings.TrimSpace(s.Credentials[key])
}

func (s SignatureSettings) Clone() SignatureSettings {
	out := s
	if s.Credentials != nil {
		out.Credentials = make(map[string]string, len(s.Credentials))
		for k, v := range s.Credentials {
			out.Credentials[k] = v
		}
	}
	if s.UpdatedAt != nil {
		t := *s.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// Redacted masks credential values for read models.
func (s SignatureSettings) Redacted() SignatureSettings {
	out := s.Clone()
	for k, v := range out.Credentials {
		if v != "" {
			out.Credentials[k] = "********"
		}
	}
	return out
}

type SignatureSigner struct {
	ID             string     `json:"id"`
	ExternalID     string     `json:"external_id,omitempty"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Role           Role       `json:"role" enum:"customer,consultant,admin"`
	Signed         bool       `json:"signed"`
	SignedAt       *time.Time `json:"signed_at,omitempty" format:"date-time"`
	Declined       bool       `json:"declined"`
	DeclinedAt     *time.Time `json:"declined_at,omitempty" format:"date-time"`
	DeclinedReason *string    `json:"declined_reason,omitempty"`
}

type SignatureDocument struct {
	ID          string            `json:"id"`
	QuoteID     string            `json:"quote_id"`
	DocumentURL string            `json:"document_url"`
	Status      Status            `json:"status" enum:"pending,sent,signed,declined,expired"`
	Provider    Provider          `json:"provider" enum:"local,remote_a,remote_b"`
	EnvelopeID  *string           `json:"envelope_id,omitempty"`
	Signers     []SignatureSigner `json:"signers"`
	CreatedAt   time.Time         `json:"created_at" format:"date-time"`
	SentAt      *time.Time        `json:"sent_at,omitempty" format:"date-time"`
	SignedAt    *time.Time        `json:"signed_at,omitempty" format:"date-time"`
	DeclinedAt  *time.Time        `json:"declined_at,omitempty" format:"date-time"`
	ExpiredAt   *time.Time        `json:"expired_at,omitempty" format:"date-time"`
	Version     int64             `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// original signer slice or timestamps.
func (d SignatureDocument) Clone() SignatureDocument {
	out := d
	out.EnvelopeID = cloneString(d.EnvelopeID)
	out.SentAt = cloneTime(d.SentAt)
	out.SignedAt = cloneTime(d.SignedAt)
	out.DeclinedAt = cloneTime(d.DeclinedAt)
	out.ExpiredAt = cloneTime(d.ExpiredAt)
	out.Signers = make([]SignatureSigner, len(d.Signers))
	for i, s := range d.Signers {
		s.SignedAt = cloneTime(s.SignedAt)
		s.DeclinedAt = cloneTime(s.DeclinedAt)
		s.DeclinedReason = cloneString(s.DeclinedReason)
		out.Signers[i] = s
	}
	return out
}

// SignerIndex returns the position of the signer with the given id.
func (d SignatureDocument) SignerIndex(id string) (int, bool) {
	for i, s := range d.Signers {
		if s.ID == id {
			return i, true
		}
	}
	return -1, false
}

// SignerByExternalID resolves a provider-side signer reference.
func (d SignatureDocument) SignerByExternalID(externalID string) (SignatureSigner, bool) {
	for _, s := range d.Signers {
		if s.ExternalID != "" && s.ExternalID == externalID {
			return s, true
		}
	}
	return SignatureSigner{}, false
}

// Event is an append-only audit entry written with the change it describes.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

const (
	EventDocumentCreated  = "document.created"
	EventDocumentSent     = "document.sent"
	EventSignerSigned     = "signer.signed"
	EventSignerDeclined   = "signer.declined"
	EventDocumentSigned   = "document.signed"
	EventDocumentDeclined = "document.declined"
	EventDocumentExpired  = "document.expired"
	EventSettingsReplaced = "settings.replaced"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
