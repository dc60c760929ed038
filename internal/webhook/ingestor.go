// Package webhook turns provider notifications into signer events on stored
// documents.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"signflow/internal/consensus"
	"signflow/internal/domain"
	"signflow/internal/logging"
	"signflow/internal/provider"
	"signflow/internal/repo"
)

// Outcome is the per-event result recorded in a Report.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeDocumentNotFound  Outcome = "document_not_found"
	OutcomeSignerNotFound    Outcome = "signer_not_found"
	OutcomeInvalidTransition Outcome = "invalid_transition"
	OutcomeInvalidEvent      Outcome = "invalid_event"
)

type EventResult struct {
	EnvelopeID       string             `json:"envelope_id"`
	SignerExternalID string             `json:"signer_external_id"`
	State            domain.SignerState `json:"state"`
	DocumentID       string             `json:"document_id,omitempty"`
	SignerID         string             `json:"signer_id,omitempty"`
	Outcome          Outcome            `json:"outcome"`
	Status           domain.Status      `json:"status,omitempty"`
	Detail           string             `json:"detail,omitempty"`
}

type Report struct {
	Provider domain.Provider `json:"provider"`
	Results  []EventResult   `json:"results"`
}

// Count returns how many events ended with o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Facade is the part of the engine the ingestor drives.
type Facade interface {
	Settings(ctx context.Context) (domain.SignatureSettings, error)
	ApplySignerEvent(ctx context.Context, id string, ev consensus.SignerEvent, actorID string) (domain.SignatureDocument, consensus.Outcome, error)
}

type DocumentFinder interface {
	GetDocumentByEnvelope(ctx context.Context, p domain.Provider, envelopeID string) (domain.SignatureDocument, error)
}

type Ingestor struct {
	Engine    Facade
	Documents DocumentFinder
	Providers *provider.Registry
	Logger    *slog.Logger
}

const actorID = "webhook"

// Handle authenticates and parses raw for provider p and applies every event
// it carries. Only authentication and payload errors are returned; lookup
// misses and transition conflicts are recorded in the report.
func (in Ingestor) Handle(ctx context.Context, p domain.Provider, headers http.Header, raw []byte) (Report, error) {
	report := Report{Provider: p, Results: []EventResult{}}
	if !in.Providers.Known(p) {
		return report, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, p)
	}
	settings, err := in.Engine.Settings(ctx)
	if err != nil {
		return report, err
	}
	// Only the active provider holds webhook credentials.
	if settings.Provider != p {
		err := &provider.Error{Provider: p, Kind: provider.ErrUnauthenticated, Detail: "provider is not active"}
		in.log(ctx).Warn("webhook rejected", "provider", p, "active", settings.Provider, "error", err)
		return report, err
	}
	adapter, err := in.Providers.Adapter(p, settings)
	if err != nil {
		return report, err
	}
	evs, err := adapter.ParseWebhook(headers, raw)
	if err != nil {
		in.log(ctx).Warn("webhook rejected", "provider", p, "error", err)
		return report, err
	}
	for _, ev := range evs {
		res, err := in.apply(ctx, p, ev)
		if err != nil {
			return report, err
		}
		report.Results = append(report.Results, res)
	}
	in.log(ctx).Info("webhook processed", "provider", p, "events", len(evs),
		"applied", report.Count(OutcomeApplied), "ignored", report.Count(OutcomeIgnored))
	return report, nil
}

func (in Ingestor) apply(ctx context.Context, p domain.Provider, ev provider.WebhookEvent) (EventResult, error) {
	res := EventResult{EnvelopeID: ev.EnvelopeID, SignerExternalID: ev.SignerExternalID, State: ev.State}
	log := in.log(ctx).With("provider", p, "envelope_id", ev.EnvelopeID, "signer_external_id", ev.SignerExternalID)

	doc, err := in.Documents.GetDocumentByEnvelope(ctx, p, ev.EnvelopeID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn("webhook for unknown envelope")
		res.Outcome = OutcomeDocumentNotFound
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.DocumentID = doc.ID
	res.Status = doc.Status
	signer, ok := doc.SignerByExternalID(ev.SignerExternalID)
	if !ok {
		log.Warn("webhook for unknown signer", "document_id", doc.ID)
		res.Outcome = OutcomeSignerNotFound
		return res, nil
	}
	res.SignerID = signer.ID

	updated, out, err := in.Engine.ApplySignerEvent(ctx, doc.ID, consensus.SignerEvent{
		SignerID: signer.ID,
		State:    ev.State,
		Reason:   ev.Reason,
		At:       ev.OccurredAt,
	}, actorID)
	switch {
	case err == nil:
	case errors.Is(err, consensus.ErrDocumentTerminal):
		log.Info("late webhook for terminal document discarded", "document_id", doc.ID, "status", doc.Status)
		res.Outcome = OutcomeIgnored
		res.Detail = err.Error()
		return res, nil
	case errors.Is(err, consensus.ErrInvalidTransition):
		log.Warn("webhook transition rejected", "document_id", doc.ID, "error", err)
		res.Outcome = OutcomeInvalidTransition
		res.Detail = err.Error()
		return res, nil
	case errors.Is(err, consensus.ErrSignerNotFound):
		res.Outcome = OutcomeSignerNotFound
		return res, nil
	case errors.Is(err, repo.ErrNotFound):
		res.Outcome = OutcomeDocumentNotFound
		return res, nil
	case errors.Is(err, consensus.ErrInvalidEvent):
		res.Outcome = OutcomeInvalidEvent
		res.Detail = err.Error()
		return res, nil
	default:
		return res, err
	}
	res.Status = updated.Status
	if out.Changed() {
		res.Outcome = OutcomeApplied
	} else {
		log.Debug("webhook replay ignored", "document_id", doc.ID)
		res.Outcome = OutcomeIgnored
	}
	return res, nil
}

func (in Ingestor) log(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, in.Logger)
}
