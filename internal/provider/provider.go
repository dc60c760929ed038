// Package provider adapts external signing services behind one capability
// interface. Callers never branch on the provider type; they resolve an
// Adapter from the Registry and use it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"signflow/internal/domain"
)

// Error kinds. Admin clients show these messages verbatim.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrUnreachable        = errors.New("provider unreachable")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrUnauthenticated    = errors.New("unauthenticated payload")
	ErrRejected           = errors.New("provider rejected request")
	ErrUnknownProvider    = errors.New("unknown provider")
)

// Error is the structured failure every adapter returns.
type Error struct {
	Provider domain.Provider
	Kind     error
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Provider))
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(p domain.Provider, kind error, detail string, err error) *Error {
	return &Error{Provider: p, Kind: kind, Detail: detail, Err: err}
}

// Envelope is what a provider hands back after accepting a document.
type Envelope struct {
	ID string
	// SignerRefs maps internal signer ids to the provider's signer ids.
	SignerRefs map[string]string
}

// WebhookEvent is the canonical form of one provider notification.
type WebhookEvent struct {
	EnvelopeID       string             `json:"envelope_id"`
	SignerExternalID string             `json:"signer_external_id"`
	State            domain.SignerState `json:"state"`
	Reason           string             `json:"reason,omitempty"`
	OccurredAt       time.Time          `json:"occurred_at,omitempty"`
}

// Adapter is bound to one settings snapshot (provider + credentials).
type Adapter interface {
	Name() domain.Provider
	// Initiate registers the document with the provider. Retrying with the
	// same document id must not create a second registration.
	Initiate(ctx context.Context, doc domain.SignatureDocument) (Envelope, error)
	TestConnection(ctx context.Context) error
	// ParseWebhook authenticates and decodes a notification. An empty slice
	// with a nil error means the notification carries no signer change.
	ParseWebhook(headers http.Header, raw []byte) ([]WebhookEvent, error)
}

// Poller is implemented by adapters that can report signer state on demand.
type Poller interface {
	Poll(ctx context.Context, envelopeID string) ([]WebhookEvent, error)
}

// Factory builds an adapter for the given settings.
type Factory func(settings domain.SignatureSettings, client *http.Client) Adapter

// Registry maps provider names to factories.
type Registry struct {
	client    *http.Client
	factories map[domain.Provider]Factory
}

// NewRegistry returns a registry with the built-in providers.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{}
	}
	r := &Registry{client: client, factories: map[domain.Provider]Factory{}}
	r.Register(domain.ProviderLocal, func(s domain.SignatureSettings, _ *http.Client) Adapter { return NewLocal(s) })
	r.Register(domain.ProviderRemoteA, func(s domain.SignatureSettings, c *http.Client) Adapter { return NewRemoteA(s, c) })
	r.Register(domain.ProviderRemoteB, func(s domain.SignatureSettings, c *http.Client) Adapter { return NewRemoteB(s, c) })
	return r
}

// Register installs or replaces a factory.
func (r *Registry) Register(p domain.Provider, f Factory) {
	r.factories[p] = f
}

// Known reports whether a factory exists for p.
func (r *Registry) Known(p domain.Provider) bool {
	_, ok := r.factories[p]
	return ok
}

// Adapter builds the adapter for p. Credentials are only passed through when
// the settings select the same provider; a document created under another
// provider gets an adapter without credentials.
func (r *Registry) Adapter(p domain.Provider, settings domain.SignatureSettings) (Adapter, error) {
	f, ok := r.factories[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	bound := domain.SignatureSettings{Provider: p}
	if settings.Provider == p {
		bound = settings.Clone()
	}
	return f(bound, r.client), nil
}

// TestConnection validates settings against their own provider.
func (r *Registry) TestConnection(ctx context.Context, settings domain.SignatureSettings) error {
	a, err := r.Adapter(settings.Provider, settings)
	if err != nil {
		return err
	}
	return a.TestConnection(ctx)
}

func requireCredentials(p domain.Provider, s domain.SignatureSettings, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if s.Credential(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return newError(p, ErrMissingCredentials, strings.Join(missing, ", "), nil)
}
