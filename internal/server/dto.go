package server

import (
	"time"

	"signflow/internal/consensus"
	"signflow/internal/domain"
	"signflow/internal/engine"
)

// Request payloads

type SignerRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role" enum:"customer,consultant,admin"`
}

type CreateDocumentRequest struct {
	QuoteID     string          `json:"quote_id"`
	DocumentURL string          `json:"document_url"`
	Signers     []SignerRequest `json:"signers" minItems:"1"`
}

type SignerEventRequest struct {
	State      string     `json:"state" enum:"signed,declined"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty" format:"date-time"`
}

type SettingsRequest struct {
	Provider    string            `json:"provider" enum:"local,remote_a,remote_b"`
	Credentials map[string]string `json:"credentials,omitempty"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
}

// Response payloads

type DocumentListResponse struct {
	Items []domain.SignatureDocument `json:"items"`
}

type SendResponse struct {
	EnvelopeID string                   `json:"envelope_id"`
	Document   domain.SignatureDocument `json:"document"`
}

type SignerEventResponse struct {
	Document domain.SignatureDocument `json:"document"`
	Changed  bool                     `json:"changed"`
	From     domain.Status            `json:"from"`
	To       domain.Status            `json:"to"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type TestConnectionResponse struct {
	OK       bool            `json:"ok"`
	Provider domain.Provider `json:"provider"`
}

func createOptions(in CreateDocumentRequest, actorID string) engine.CreateDocumentOptions {
	opts := engine.CreateDocumentOptions{
		QuoteID:     in.QuoteID,
		DocumentURL: in.DocumentURL,
		ActorID:     actorID,
		Signers:     make([]engine.SignerInput, 0, len(in.Signers)),
	}
	for _, s := range in.Signers {
		opts.Signers = append(opts.Signers, engine.SignerInput{ID: s.ID, Name: s.Name, Email: s.Email, Role: s.Role})
	}
	return opts
}

func settingsFromRequest(in SettingsRequest) domain.SignatureSettings {
	return domain.SignatureSettings{
		Provider:    domain.Provider(in.Provider),
		Credentials: in.Credentials,
		WebhookURL:  in.WebhookURL,
	}
}

func signerEventResponse(doc domain.SignatureDocument, out consensus.Outcome) SignerEventResponse {
	return SignerEventResponse{Document: doc, Changed: out.Changed(), From: out.From, To: out.To}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
