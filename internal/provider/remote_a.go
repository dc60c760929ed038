package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"signflow/internal/domain"
)

// RemoteASignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const RemoteASignatureHeader = "X-Signature"

var remoteACredentials = []string{"base_url", "api_key", "account_id", "webhook_secret"}

// RemoteA talks to an envelope-style REST service: one call registers the
// document and all recipients, recipient status can be polled.
type RemoteA struct {
	settings domain.SignatureSettings
	client   *http.Client
}

func NewRemoteA(s domain.SignatureSettings, client *http.Client) *RemoteA {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteA{settings: s, client: client}
}

func (a *RemoteA) Name() domain.Provider { return domain.ProviderRemoteA }

func (a *RemoteA) headers(idempotencyKey string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + a.settings.Credential("api_key")}
	if idempotencyKey != "" {
		h["Idempotency-Key"] = idempotencyKey
	}
	return h
}

func (a *RemoteA) accountURL(parts ...string) string {
	return joinURL(a.settings.Credential("base_url"), append([]string{"accounts", a.settings.Credential("account_id")}, parts...)...)
}

type remoteARecipient struct {
	ClientID     string `json:"client_id"`
	RecipientID  string `json:"recipient_id,omitempty"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	RoutingOrder int    `json:"routing_order,omitempty"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"declined_reason,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	DeclinedAt   string `json:"declined_at,omitempty"`
}

type remoteAEnvelope struct {
	EnvelopeID string             `json:"envelope_id"`
	Recipients []remoteARecipient `json:"recipients"`
}

func (a *RemoteA) Initiate(ctx context.Context, doc domain.SignatureDocument) (Envelope, error) {
	if err := requireCredentials(a.Name(), a.settings, remoteACredentials...); err != nil {
		return Envelope{}, err
	}
	body := map[string]any{
		"reference":    doc.ID,
		"document_url": doc.DocumentURL,
	}
	if a.settings.WebhookURL != "" {
		body["callback_url"] = a.settings.WebhookURL
	}
	recipients := make([]remoteARecipient, 0, len(doc.Signers))
	for i, s := range doc.Signers {
		recipients = append(recipients, remoteARecipient{ClientID: s.ID, Name: s.Name, Email: s.Email, Role: string(s.Role), RoutingOrder: i + 1})
	}
	body["recipients"] = recipients

	var res remoteAEnvelope
	if err := doJSON(ctx, a.client, a.Name(), request{
		method:  http.MethodPost,
		url:     a.accountURL("envelopes"),
		headers: a.headers(doc.ID),
		body:    body,
	}, &res); err != nil {
		return Envelope{}, err
	}
	if strings.TrimSpace(res.EnvelopeID) == "" {
		return Envelope{}, newError(a.Name(), ErrMalformedPayload, "response without envelope_id", nil)
	}
	refs := make(map[string]string, len(res.Recipients))
	for _, r := range res.Recipients {
		if r.ClientID != "" && r.RecipientID != "" {
			refs[r.ClientID] = r.RecipientID
		}
	}
	return Envelope{ID: res.EnvelopeID, SignerRefs: refs}, nil
}

func (a *RemoteA) TestConnection(ctx context.Context) error {
	if err := requireCredentials(a.Name(), a.settings, remoteACredentials...); err != nil {
		return err
	}
	return doJSON(ctx, a.client, a.Name(), request{method: http.MethodGet, url: a.accountURL("ping"), headers: a.headers("")}, nil)
}

type remoteANotification struct {
	Event       string `json:"event"`
	EnvelopeID  string `json:"envelope_id"`
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason"`
	OccurredAt  string `json:"occurred_at"`
}

func (a *RemoteA) ParseWebhook(headers http.Header, raw []byte) ([]WebhookEvent, error) {
	secret := a.settings.Credential("webhook_secret")
	if secret == "" {
		return nil, newError(a.Name(), ErrMissingCredentials, "webhook_secret", nil)
	}
	if !verifySignature(secret, raw, headers.Get(RemoteASignatureHeader)) {
		return nil, newError(a.Name(), ErrUnauthenticated, "bad or missing "+RemoteASignatureHeader, nil)
	}
	var n remoteANotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, newError(a.Name(), ErrMalformedPayload, "", err)
	}
	var state domain.SignerState
	switch strings.ToLower(strings.TrimSpace(n.Event)) {
	case "recipient.completed":
		state = domain.SignerSigned
	case "recipient.declined":
		state = domain.SignerDeclined
	case "":
		return nil, newError(a.Name(), ErrMalformedPayload, "event required", nil)
	default:
		// delivered, viewed, envelope.* and similar carry no signer outcome
		return nil, nil
	}
	if strings.TrimSpace(n.EnvelopeID) == "" || strings.TrimSpace(n.RecipientID) == "" {
		return nil, newError(a.Name(), ErrMalformedPayload, "envelope_id and recipient_id required", nil)
	}
	at, err := parseOptionalTime(n.OccurredAt)
	if err != nil {
		return nil, newError(a.Name(), ErrMalformedPayload, "occurred_at", err)
	}
	return []WebhookEvent{{
		EnvelopeID:       strings.TrimSpace(n.EnvelopeID),
		SignerExternalID: strings.TrimSpace(n.RecipientID),
		State:            state,
		Reason:           strings.TrimSpace(n.Reason),
		OccurredAt:       at,
	}}, nil
}

// Poll reads the recipient list of an envelope and reports every recipient
// that has completed or declined.
func (a *RemoteA) Poll(ctx context.Context, envelopeID string) ([]WebhookEvent, error) {
	if err := requireCredentials(a.Name(), a.settings, remoteACredentials...); err != nil {
		return nil, err
	}
	var res remoteAEnvelope
	if err := doJSON(ctx, a.client, a.Name(), request{
		method:  http.MethodGet,
		url:     a.accountURL("envelopes", envelopeID, "recipients"),
		headers: a.headers(""),
	}, &res); err != nil {
		return nil, err
	}
	var out []WebhookEvent
	for _, r := range res.Recipients {
		var (
			state domain.SignerState
			ts    string
		)
		switch strings.ToLower(r.Status) {
		case "completed":
			state, ts = domain.SignerSigned, r.CompletedAt
		case "declined":
			state, ts = domain.SignerDeclined, r.DeclinedAt
		default:
			continue
		}
		at, err := parseOptionalTime(ts)
		if err != nil {
			return nil, newError(a.Name(), ErrMalformedPayload, "recipient "+r.RecipientID, err)
		}
		out = append(out, WebhookEvent{EnvelopeID: envelopeID, SignerExternalID: r.RecipientID, State: state, Reason: r.Reason, OccurredAt: at})
	}
	return out, nil
}
