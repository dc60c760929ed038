package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signflow/internal/domain"
)

// LocalSignatureHeader carries the optional HMAC for local webhooks.
const LocalSignatureHeader = "X-Signature"

// Local keeps signing inside signflow: initiate is a no-op and signer
// responses arrive as canonical JSON events.
type Local struct {
	settings domain.SignatureSettings
}

func NewLocal(s domain.SignatureSettings) *Local {
	return &Local{settings: s}
}

func (l *Local) Name() domain.Provider { return domain.ProviderLocal }

func (l *Local) Initiate(_ context.Context, doc domain.SignatureDocument) (Envelope, error) {
	refs := make(map[string]string, len(doc.Signers))
	for _, s := range doc.Signers {
		refs[s.ID] = s.ID
	}
	return Envelope{ID: "local-" + doc.ID, SignerRefs: refs}, nil
}

func (l *Local) TestConnection(context.Context) error { return nil }

type localEvent struct {
	EnvelopeID string `json:"envelope_id"`
	SignerID   string `json:"signer_id"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at,omitempty"`
}

type localPayload struct {
	localEvent
	Events []localEvent `json:"events"`
}

// ParseWebhook accepts one event object or {"events": [...]}. When the
// settings carry a webhook_secret the body must be signed with it.
func (l *Local) ParseWebhook(headers http.Header, raw []byte) ([]WebhookEvent, error) {
	if secret := l.settings.Credential("webhook_secret"); secret != "" {
		if !verifySignature(secret, raw, headers.Get(LocalSignatureHeader)) {
			return nil, newError(domain.ProviderLocal, ErrUnauthenticated, "bad or missing "+LocalSignatureHeader, nil)
		}
	}
	var payload localPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, newError(domain.ProviderLocal, ErrMalformedPayload, "", err)
	}
	items := payload.Events
	if len(items) == 0 {
		items = []localEvent{payload.localEvent}
	}
	out := make([]WebhookEvent, 0, len(items))
	for i, it := range items {
		ev, err := it.canonical()
		if err != nil {
			return nil, newError(domain.ProviderLocal, ErrMalformedPayload, "event "+strconv.Itoa(i), err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (e localEvent) canonical() (WebhookEvent, error) {
	envelope := strings.TrimSpace(e.EnvelopeID)
	signer := strings.TrimSpace(e.SignerID)
	if envelope == "" || signer == "" {
		return WebhookEvent{}, errMissingField("envelope_id and signer_id")
	}
	state, err := domain.ParseSignerState(e.State)
	if err != nil {
		return WebhookEvent{}, err
	}
	at, err := parseOptionalTime(e.OccurredAt)
	if err != nil {
		return WebhookEvent{}, err
	}
	return WebhookEvent{EnvelopeID: envelope, SignerExternalID: signer, State: state, Reason: strings.TrimSpace(e.Reason), OccurredAt: at}, nil
}

type missingFieldError string

func (e missingFieldError) Error() string { return string(e) + " required" }

func errMissingField(field string) error { return missingFieldError(field) }

func parseOptionalTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
