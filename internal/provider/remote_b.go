package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"signflow/internal/domain"
)

// RemoteBSignatureHeader carries "sha256=<hex>" of the webhook body.
const RemoteBSignatureHeader = "Content-Hmac"

var remoteBCredentials = []string{"base_url", "access_token", "hmac_secret"}

// RemoteB registers a document first and then attaches each signer with a
// separate call. The service deduplicates both calls on external_id, so a
// retried Initiate converges on the same keys. Webhooks may batch events.
type RemoteB struct {
	settings domain.SignatureSettings
	client   *http.Client
}

func NewRemoteB(s domain.SignatureSettings, client *http.Client) *RemoteB {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteB{settings: s, client: client}
}

func (b *RemoteB) Name() domain.Provider { return domain.ProviderRemoteB }

func (b *RemoteB) url(parts ...string) string {
	return joinURL(b.settings.Credential("base_url"), append([]string{"api", "v1"}, parts...)...)
}

func (b *RemoteB) headers() map[string]string {
	return map[string]string{"Authorization": "Token " + b.settings.Credential("access_token")}
}

func (b *RemoteB) Initiate(ctx context.Context, doc domain.SignatureDocument) (Envelope, error) {
	if err := requireCredentials(b.Name(), b.settings, remoteBCredentials...); err != nil {
		return Envelope{}, err
	}
	body := map[string]any{"external_id": doc.ID, "url": doc.DocumentURL}
	if b.settings.WebhookURL != "" {
		body["callback_url"] = b.settings.WebhookURL
	}
	var created struct {
		Document struct {
			Key string `json:"key"`
		} `json:"document"`
	}
	if err := doJSON(ctx, b.client, b.Name(), request{method: http.MethodPost, url: b.url("documents"), headers: b.headers(), body: body}, &created); err != nil {
		return Envelope{}, err
	}
	key := strings.TrimSpace(created.Document.Key)
	if key == "" {
		return Envelope{}, newError(b.Name(), ErrMalformedPayload, "response without document key", nil)
	}
	refs := make(map[string]string, len(doc.Signers))
	for _, s := range doc.Signers {
		var signer struct {
			Signer struct {
				Key string `json:"key"`
			} `json:"signer"`
		}
		if err := doJSON(ctx, b.client, b.Name(), request{
			method:  http.MethodPost,
			url:     b.url("documents", key, "signers"),
			headers: b.headers(),
			body: map[string]any{
				"external_id": s.ID,
				"name":        s.Name,
				"email":       s.Email,
				"role":        string(s.Role),
			},
		}, &signer); err != nil {
			return Envelope{}, err
		}
		if signer.Signer.Key == "" {
			return Envelope{}, newError(b.Name(), ErrMalformedPayload, "response without signer key", nil)
		}
		refs[s.ID] = signer.Signer.Key
	}
	return Envelope{ID: key, SignerRefs: refs}, nil
}

func (b *RemoteB) TestConnection(ctx context.Context) error {
	if err := requireCredentials(b.Name(), b.settings, remoteBCredentials...); err != nil {
		return err
	}
	return doJSON(ctx, b.client, b.Name(), request{method: http.MethodGet, url: b.url("health"), headers: b.headers()}, nil)
}

type remoteBEvent struct {
	Type        string `json:"type"`
	DocumentKey string `json:"document_key"`
	SignerKey   string `json:"signer_key"`
	Reason      string `json:"reason"`
	OccurredAt  string `json:"occurred_at"`
}

func (b *RemoteB) ParseWebhook(headers http.Header, raw []byte) ([]WebhookEvent, error) {
	secret := b.settings.Credential("hmac_secret")
	if secret == "" {
		return nil, newError(b.Name(), ErrMissingCredentials, "hmac_secret", nil)
	}
	if !verifySignature(secret, raw, headers.Get(RemoteBSignatureHeader)) {
		return nil, newError(b.Name(), ErrUnauthenticated, "bad or missing "+RemoteBSignatureHeader, nil)
	}
	var payload struct {
		Event  *remoteBEvent  `json:"event"`
		Events []remoteBEvent `json:"events"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, newError(b.Name(), ErrMalformedPayload, "", err)
	}
	items := payload.Events
	if payload.Event != nil {
		items = append(items, *payload.Event)
	}
	if len(items) == 0 {
		return nil, newError(b.Name(), ErrMalformedPayload, "no events", nil)
	}
	var out []WebhookEvent
	for _, it := range items {
		var state domain.SignerState
		switch strings.ToLower(strings.TrimSpace(it.Type)) {
		case "sign":
			state = domain.SignerSigned
		case "refusal":
			state = domain.SignerDeclined
		case "":
			return nil, newError(b.Name(), ErrMalformedPayload, "event type required", nil)
		default:
			continue
		}
		if strings.TrimSpace(it.DocumentKey) == "" || strings.TrimSpace(it.SignerKey) == "" {
			return nil, newError(b.Name(), ErrMalformedPayload, "document_key and signer_key required", nil)
		}
		at, err := parseOptionalTime(it.OccurredAt)
		if err != nil {
			return nil, newError(b.Name(), ErrMalformedPayload, "occurred_at", err)
		}
		out = append(out, WebhookEvent{
			EnvelopeID:       strings.TrimSpace(it.DocumentKey),
			SignerExternalID: strings.TrimSpace(it.SignerKey),
			State:            state,
			Reason:           strings.TrimSpace(it.Reason),
			OccurredAt:       at,
		})
	}
	return out, nil
}
