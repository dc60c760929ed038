package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"signflow/internal/config"
	"signflow/internal/consensus"
	"signflow/internal/domain"
	"signflow/internal/engine/auth"
	"signflow/internal/events"
	"signflow/internal/logging"
	"signflow/internal/provider"
	"signflow/internal/repo"
)

// ErrPollingUnsupported is returned by Refresh for providers that only push.
var ErrPollingUnsupported = errors.New("provider does not support polling")

// ValidationError rejects input before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type Engine struct {
	Store     repo.Store
	Providers *provider.Registry
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
	// PageSize bounds each store read during sweeps; 0 means 100.
	PageSize int

	sendLocks *repo.KeyedMutex
}

func New(store repo.Store, cfg *config.Config, providers *provider.Registry) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if providers == nil {
		providers = provider.NewRegistry(nil)
	}
	return Engine{
		Store:     store,
		Providers: providers,
		Config:    cfg,
		Logger:    slog.Default(),
		Now:       time.Now,
		NewID:     uuid.NewString,
		sendLocks: repo.NewKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, e.Logger)
}

func (e Engine) providerTimeout() time.Duration {
	if e.Config != nil && e.Config.Provider.Timeout > 0 {
		return e.Config.Provider.Timeout
	}
	return 10 * time.Second
}

// callProvider runs fn under the provider timeout. A deadline that the
// adapter did not classify is reported as unreachable.
func (e Engine) callProvider(ctx context.Context, p domain.Provider, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.providerTimeout())
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, provider.ErrUnreachable) {
		return &provider.Error{Provider: p, Kind: provider.ErrUnreachable, Detail: "timeout", Err: err}
	}
	return err
}

// SignerInput describes one signer at creation time. ID is generated when
// empty.
type SignerInput struct {
	ID    string
	Name  string
	Email string
	Role  string
}

// CreateDocumentOptions are parameters for creating a signature document.
type CreateDocumentOptions struct {
	QuoteID     string
	DocumentURL string
	Signers     []SignerInput
	ActorID     string
}

func (e Engine) CreateDocument(ctx context.Context, opts CreateDocumentOptions) (domain.SignatureDocument, error) {
	if err := auth.Require(ctx, auth.PermDocumentsWrite); err != nil {
		return domain.SignatureDocument{}, err
	}
	quoteID := strings.TrimSpace(opts.QuoteID)
	if quoteID == "" {
		return domain.SignatureDocument{}, invalid("quote_id", "is required")
	}
	docURL := strings.TrimSpace(opts.DocumentURL)
	if err := validateURL("document_url", docURL); err != nil {
		return domain.SignatureDocument{}, err
	}
	if len(opts.Signers) == 0 {
		return domain.SignatureDocument{}, invalid("signers", "at least one signer is required")
	}
	signers := make([]domain.SignatureSigner, 0, len(opts.Signers))
	seen := map[string]bool{}
	for i, in := range opts.Signers {
		field := fmt.Sprintf("signers[%d]", i)
		s := domain.SignatureSigner{
			ID:    strings.TrimSpace(in.ID),
			Name:  strings.TrimSpace(in.Name),
			Email: strings.TrimSpace(in.Email),
			Role:  domain.Role(strings.ToLower(strings.TrimSpace(in.Role))),
		}
		if s.ID == "" {
			s.ID = e.newID()
		}
		if seen[s.ID] {
			return domain.SignatureDocument{}, invalid(field+".id", "duplicate signer id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Name == "" {
			return domain.SignatureDocument{}, invalid(field+".name", "is required")
		}
		if _, err := mail.ParseAddress(s.Email); err != nil || !strings.Contains(s.Email, "@") {
			return domain.SignatureDocument{}, invalid(field+".email", "invalid email %q", s.Email)
		}
		if !s.Role.Valid() {
			return domain.SignatureDocument{}, invalid(field+".role", "must be customer, consultant or admin")
		}
		signers = append(signers, s)
	}
	settings, err := e.currentSettings(ctx)
	if err != nil {
		return domain.SignatureDocument{}, err
	}
	actor := auth.ActorID(ctx, opts.ActorID)
	doc := domain.SignatureDocument{
		ID:          e.newID(),
		QuoteID:     quoteID,
		DocumentURL: docURL,
		Status:      domain.StatusPending,
		Provider:    settings.Provider,
		Signers:     signers,
		CreatedAt:   e.now(),
		Version:     1,
	}
	created := events.Document(domain.EventDocumentCreated, doc.ID, actor, events.Payload{
		"quote_id": doc.QuoteID,
		"provider": string(doc.Provider),
		"signers":  len(doc.Signers),
	})
	if err := e.Store.CreateDocument(ctx, doc, created); err != nil {
		return domain.SignatureDocument{}, fmt.Errorf("create document: %w", err)
	}
	e.log(ctx).Info("signature document created", "document_id", doc.ID, "quote_id", doc.QuoteID, "provider", doc.Provider)
	return doc, nil
}

// SendForSignature registers a pending document with its provider and marks
// it sent. A document that already has an envelope returns that envelope
// without calling the provider again. On provider failure the document stays
// pending.
func (e Engine) SendForSignature(ctx context.Context, id, actorID string) (string, error) {
	if err := auth.Require(ctx, auth.PermDocumentsWrite); err != nil {
		return "", err
	}
	unlock := e.sendLocks.Lock(id)
	defer unlock()

	doc, err := e.Store.GetDocument(ctx, id)
	if err != nil {
		return "", fmt.Errorf("document %s: %w", id, err)
	}
	if doc.EnvelopeID != nil {
		return *doc.EnvelopeID, nil
	}
	if doc.Status != domain.StatusPending {
		return "", consensus.TransitionError{DocumentID: id, From: doc.Status, Action: "send", Err: consensus.ErrInvalidTransition}
	}
	settings, err := e.currentSettings(ctx)
	if err != nil {
		return "", err
	}
	adapter, err := e.Providers.Adapter(doc.Provider, settings)
	if err != nil {
		return "", err
	}
	var env provider.Envelope
	err = e.callProvider(ctx, doc.Provider, func(ctx context.Context) error {
		var err error
		env, err = adapter.Initiate(ctx, doc)
		return err
	})
	if err != nil {
		e.log(ctx).Warn("initiate failed; document stays pending", "document_id", id, "provider", doc.Provider, "error", err)
		return "", err
	}

	actor := auth.ActorID(ctx, actorID)
	sentAt := e.now()
	updated, err := e.Store.UpdateDocument(ctx, id, func(d *domain.SignatureDocument) ([]domain.Event, error) {
		if d.EnvelopeID != nil {
			return nil, nil
		}
		next, err := consensus.MarkSent(*d, env.ID, env.SignerRefs, sentAt)
		if err != nil {
			return nil, err
		}
		*d = next
		return []domain.Event{events.Document(domain.EventDocumentSent, d.ID, actor, events.Payload{
			"envelope_id": env.ID,
			"provider":    string(d.Provider),
		})}, nil
	})
	if err != nil {
		return "", fmt.Errorf("mark sent: %w", err)
	}
	e.log(ctx).Info("signature document sent", "document_id", id, "provider", updated.Provider, "envelope_id", *updated.EnvelopeID)
	return *updated.EnvelopeID, nil
}

func (e Engine) GetDocument(ctx context.Context, id string) (domain.SignatureDocument, error) {
	if err := auth.Require(ctx, auth.PermDocumentsRead); err != nil {
		return domain.SignatureDocument{}, err
	}
	doc, err := e.Store.GetDocument(ctx, id)
	if err != nil {
		return doc, fmt.Errorf("document %s: %w", id, err)
	}
	return doc, nil
}

func (e Engine) DocumentsByQuote(ctx context.Context, quoteID string) ([]domain.SignatureDocument, error) {
	if err := auth.Require(ctx, auth.PermDocumentsRead); err != nil {
		return nil, err
	}
	if strings.TrimSpace(quoteID) == "" {
		return nil, invalid("quote_id", "is required")
	}
	return e.Store.ListDocumentsByQuote(ctx, quoteID)
}

func (e Engine) ListDocuments(ctx context.Context, f repo.DocumentFilter) ([]domain.SignatureDocument, error) {
	if err := auth.Require(ctx, auth.PermDocumentsRead); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("status", "unknown status %q", f.Status)
	}
	return e.Store.ListDocuments(ctx, f)
}

func (e Engine) DocumentEvents(ctx context.Context, id string, limit int) ([]domain.Event, error) {
	if _, err := e.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.ListEvents(ctx, id, limit)
}

// ApplySignerEvent records one signer response. Replays return the stored
// document with an unchanged outcome.
func (e Engine) ApplySignerEvent(ctx context.Context, id string, ev consensus.SignerEvent, actorID string) (domain.SignatureDocument, consensus.Outcome, error) {
	if err := auth.Require(ctx, auth.PermDocumentsWrite); err != nil {
		return domain.SignatureDocument{}, consensus.Outcome{}, err
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	actor := auth.ActorID(ctx, actorID)
	var outcome consensus.Outcome
	doc, err := e.Store.UpdateDocument(ctx, id, func(d *domain.SignatureDocument) ([]domain.Event, error) {
		next, out, err := consensus.ApplySignerEvent(*d, ev)
		outcome = out
		if err != nil {
			return nil, err
		}
		*d = next
		return signerEvents(next, ev, out, actor), nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return doc, outcome, fmt.Errorf("document %s: %w", id, err)
		}
		return doc, outcome, err
	}
	if outcome.Changed() {
		e.log(ctx).Info("signer event applied", "document_id", id, "signer_id", ev.SignerID, "state", ev.State, "from", outcome.From, "to", outcome.To)
	}
	return doc, outcome, nil
}

func signerEvents(doc domain.SignatureDocument, ev consensus.SignerEvent, out consensus.Outcome, actor string) []domain.Event {
	if !out.Changed() {
		return nil
	}
	var evs []domain.Event
	if out.SignerChanged {
		typ := domain.EventSignerSigned
		payload := events.Payload{"signer_id": ev.SignerID}
		if ev.State == domain.SignerDeclined {
			typ = domain.EventSignerDeclined
			if ev.Reason != "" {
				payload["reason"] = ev.Reason
			}
		}
		evs = append(evs, events.Document(typ, doc.ID, actor, payload))
	}
	if out.From != out.To {
		switch out.To {
		case domain.StatusSigned:
			evs = append(evs, events.Document(domain.EventDocumentSigned, doc.ID, actor, events.Payload{"from": string(out.From)}))
		case domain.StatusDeclined:
			evs = append(evs, events.Document(domain.EventDocumentDeclined, doc.ID, actor, events.Payload{"from": string(out.From), "signer_id": ev.SignerID}))
		}
	}
	return evs
}

// ExpireDocument closes a sent document.
func (e Engine) ExpireDocument(ctx context.Context, id, actorID string) (domain.SignatureDocument, error) {
	if err := auth.Require(ctx, auth.PermDocumentsWrite); err != nil {
		return domain.SignatureDocument{}, err
	}
	actor := auth.ActorID(ctx, actorID)
	at := e.now()
	doc, err := e.Store.UpdateDocument(ctx, id, func(d *domain.SignatureDocument) ([]domain.Event, error) {
		next, err := consensus.Expire(*d, at)
		if err != nil {
			return nil, err
		}
		*d = next
		return []domain.Event{events.Document(domain.EventDocumentExpired, d.ID, actor, events.Payload{"sent_at": d.SentAt})}, nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return doc, fmt.Errorf("document %s: %w", id, err)
		}
		return doc, err
	}
	e.log(ctx).Info("signature document expired", "document_id", id)
	return doc, nil
}

// ExpireStale expires every sent document dispatched more than olderThan
// ago. The caller picks the duration; there is no default.
func (e Engine) ExpireStale(ctx context.Context, olderThan time.Duration, actorID string) ([]string, error) {
	if err := auth.Require(ctx, auth.PermDocumentsWrite); err != nil {
		return nil, err
	}
	if olderThan <= 0 {
		return nil, invalid("older_than", "must be a positive duration")
	}
	cutoff := e.now().Add(-olderThan)
	var expired []string
	seen := map[string]bool{}
	for {
		batch, err := e.Store.ListDocuments(ctx, repo.DocumentFilter{Status: domain.StatusSent, SentBefore: &cutoff, Limit: e.pageSize()})
		if err != nil {
			return expired, err
		}
		progressed := false
		for _, d := range batch {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			progressed = true
			if _, err := e.ExpireDocument(ctx, d.ID, actorID); err != nil {
				if errors.Is(err, consensus.ErrInvalidTransition) {
					// finished while we were sweeping
					continue
				}
				return expired, err
			}
			expired = append(expired, d.ID)
		}
		if !progressed || len(batch) < e.pageSize() {
			return expired, nil
		}
	}
}

// RefreshResult reports what a poll changed.
type RefreshResult struct {
	Document domain.SignatureDocument `json:"document"`
	Applied  int                      `json:"applied"`
	Ignored  int                      `json:"ignored"`
}

// Refresh polls the provider for signer state of one sent document and
// applies what it reports.
func (e Engine) Refresh(ctx context.Context, id string) (RefreshResult, error) {
	if err := auth.Require(ctx, auth.PermDocumentsWrite); err != nil {
		return RefreshResult{}, err
	}
	doc, err := e.Store.GetDocument(ctx, id)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("document %s: %w", id, err)
	}
	res := RefreshResult{Document: doc}
	if doc.Status != domain.StatusSent || doc.EnvelopeID == nil {
		return res, nil
	}
	settings, err := e.currentSettings(ctx)
	if err != nil {
		return res, err
	}
	adapter, err := e.Providers.Adapter(doc.Provider, settings)
	if err != nil {
		return res, err
	}
	poller, ok := adapter.(provider.Poller)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrPollingUnsupported, doc.Provider)
	}
	var reported []provider.WebhookEvent
	err = e.callProvider(ctx, doc.Provider, func(ctx context.Context) error {
		var err error
		reported, err = poller.Poll(ctx, *doc.EnvelopeID)
		return err
	})
	if err != nil {
		return res, err
	}
	for _, we := range reported {
		signer, ok := doc.SignerByExternalID(we.SignerExternalID)
		if !ok {
			e.log(ctx).Warn("polled signer not found", "document_id", id, "signer_external_id", we.SignerExternalID)
			res.Ignored++
			continue
		}
		updated, out, err := e.ApplySignerEvent(ctx, id, consensus.SignerEvent{
			SignerID: signer.ID, State: we.State, Reason: we.Reason, At: we.OccurredAt,
		}, "poller")
		switch {
		case errors.Is(err, consensus.ErrInvalidTransition):
			res.Ignored++
			continue
		case err != nil:
			return res, err
		}
		res.Document = updated
		if out.Changed() {
			res.Applied++
		} else {
			res.Ignored++
		}
	}
	return res, nil
}

// RefreshSummary aggregates a RefreshSent run.
type RefreshSummary struct {
	Checked     int `json:"checked"`
	Applied     int `json:"applied"`
	Unsupported int `json:"unsupported"`
	Failed      int `json:"failed"`
}

// RefreshSent polls every sent document with at most concurrency polls in
// flight. Per-document failures are logged and counted.
func (e Engine) RefreshSent(ctx context.Context, concurrency int) (RefreshSummary, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	if err := auth.Require(ctx, auth.PermDocumentsRead); err != nil {
		return RefreshSummary{}, err
	}
	ids, err := e.sentDocumentIDs(ctx)
	if err != nil {
		return RefreshSummary{}, err
	}
	var applied, unsupported, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := e.Refresh(gctx, id)
			switch {
			case errors.Is(err, ErrPollingUnsupported):
				unsupported.Add(1)
			case err != nil:
				failed.Add(1)
				e.log(ctx).Warn("refresh failed", "document_id", id, "error", err)
			default:
				applied.Add(int64(res.Applied))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RefreshSummary{}, err
	}
	return RefreshSummary{
		Checked:     len(ids),
		Applied:     int(applied.Load()),
		Unsupported: int(unsupported.Load()),
		Failed:      int(failed.Load()),
	}, nil
}

// currentSettings reads the stored settings, falling back to the config seed
// before anything was stored.
func (e Engine) currentSettings(ctx context.Context) (domain.SignatureSettings, error) {
	s, err := e.Store.GetSettings(ctx)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return s, err
	}
	if e.Config == nil {
		return domain.SignatureSettings{Provider: domain.ProviderLocal}, nil
	}
	return e.Config.SeedSettings()
}

// Settings returns the active settings. Credential values are included;
// callers decide whether to redact.
func (e Engine) Settings(ctx context.Context) (domain.SignatureSettings, error) {
	if err := auth.Require(ctx, auth.PermSettingsRead); err != nil {
		return domain.SignatureSettings{}, err
	}
	return e.currentSettings(ctx)
}

func normalizeSettings(s domain.SignatureSettings) (domain.SignatureSettings, error) {
	p, err := domain.ParseProvider(string(s.Provider))
	if err != nil {
		return s, invalid("provider", "must be local, remote_a or remote_b")
	}
	out := s.Clone()
	out.Provider = p
	out.UpdatedAt = nil
	out.WebhookURL = strings.TrimSpace(out.WebhookURL)
	if out.WebhookURL != "" {
		if err := validateURL("webhook_url", out.WebhookURL); err != nil {
			return s, err
		}
	}
	for k, v := range out.Credentials {
		if strings.TrimSpace(k) == "" {
			return s, invalid("credentials", "empty credential name")
		}
		out.Credentials[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// TestConnection validates settings and checks the provider accepts them.
func (e Engine) TestConnection(ctx context.Context, s domain.SignatureSettings) error {
	if err := auth.Require(ctx, auth.PermSettingsWrite); err != nil {
		return err
	}
	norm, err := normalizeSettings(s)
	if err != nil {
		return err
	}
	return e.callProvider(ctx, norm.Provider, func(ctx context.Context) error {
		return e.Providers.TestConnection(ctx, norm)
	})
}

// UpdateSettings tests the new settings against their provider and replaces
// the stored settings only if the test passes.
func (e Engine) UpdateSettings(ctx context.Context, s domain.SignatureSettings, actorID string) (domain.SignatureSettings, error) {
	if err := auth.Require(ctx, auth.PermSettingsWrite); err != nil {
		return domain.SignatureSettings{}, err
	}
	norm, err := normalizeSettings(s)
	if err != nil {
		return domain.SignatureSettings{}, err
	}
	if err := e.TestConnection(ctx, norm); err != nil {
		e.log(ctx).Warn("settings rejected by test connection", "provider", norm.Provider, "error", err)
		return domain.SignatureSettings{}, err
	}
	prev, err := e.currentSettings(ctx)
	if err != nil {
		return domain.SignatureSettings{}, err
	}
	keys := make([]string, 0, len(norm.Credentials))
	for k := range norm.Credentials {
		keys = append(keys, k)
	}
	evt := events.Settings(domain.EventSettingsReplaced, auth.ActorID(ctx, actorID), events.Payload{
		"provider":          string(norm.Provider),
		"previous_provider": string(prev.Provider),
		"credential_keys":   keys,
	})
	saved, err := e.Store.ReplaceSettings(ctx, norm, evt)
	if err != nil {
		return domain.SignatureSettings{}, fmt.Errorf("replace settings: %w", err)
	}
	e.log(ctx).Info("signature settings replaced", "provider", saved.Provider, "previous_provider", prev.Provider)
	return saved, nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return invalid(field, "is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid(field, "must be an absolute http(s) URL")
	}
	return nil
}

// sentDocumentIDs pages through every sent document. Ids are collected
// before polling starts so status changes cannot shift the pages.
func (e Engine) sentDocumentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	seen := map[string]bool{}
	size := e.pageSize()
	for offset := 0; ; offset += size {
		batch, err := e.Store.ListDocuments(ctx, repo.DocumentFilter{Status: domain.StatusSent, Limit: size, Offset: offset})
		if err != nil {
			return ids, err
		}
		for _, d := range batch {
			if !seen[d.ID] {
				seen[d.ID] = true
				ids = append(ids, d.ID)
			}
		}
		if len(batch) < size {
			return ids, nil
		}
	}
}

func (e Engine) pageSize() int {
	if e.PageSize <= 0 {
		return 100
	}
	return e.PageSize
}
