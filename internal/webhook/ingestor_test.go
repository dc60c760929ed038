package webhook_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"signflow/internal/config"
	"signflow/internal/db"
	"signflow/internal/domain"
	"signflow/internal/engine"
	"signflow/internal/migrate"
	"signflow/internal/provider"
	"signflow/internal/repo"
	"signflow/internal/webhook"
)

type fixture struct {
	ctx      context.Context
	engine   engine.Engine
	store    repo.Store
	ingestor webhook.Ingestor
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.New(conn)
	providers := provider.NewRegistry(nil)
	eng := engine.New(store, config.Default(), providers)
	return fixture{
		ctx:      context.Background(),
		engine:   eng,
		store:    store,
		ingestor: webhook.Ingestor{Engine: eng, Documents: store, Providers: providers},
	}
}

func (f fixture) sentDocument(t *testing.T) (domain.SignatureDocument, string) {
	t.Helper()
	doc, err := f.engine.CreateDocument(f.ctx, engine.CreateDocumentOptions{
		QuoteID:     "Q-7",
		DocumentURL: "https://files.example.com/q-7.pdf",
		Signers: []engine.SignerInput{
			{ID: "A", Name: "Alice", Email: "alice@example.com", Role: "customer"},
			{ID: "B", Name: "Bob", Email: "bob@example.com", Role: "consultant"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	envelope, err := f.engine.SendForSignature(f.ctx, doc.ID, "tester")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return doc, envelope
}

func (f fixture) post(t *testing.T, body string) webhook.Report {
	t.Helper()
	report, err := f.ingestor.Handle(f.ctx, domain.ProviderLocal, http.Header{}, []byte(body))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	return report
}

func TestAppliesEventsAndReportsReplays(t *testing.T) {
	f := newFixture(t)
	doc, envelope := f.sentDocument(t)

	body := `{"envelope_id":"` + envelope + `","signer_id":"A","state":"signed"}`
	report := f.post(t, body)
	if len(report.Results) != 1 || report.Results[0].Outcome != webhook.OutcomeApplied {
		t.Fatalf("first delivery: %+v", report)
	}
	if report.Results[0].DocumentID != doc.ID || report.Results[0].SignerID != "A" {
		t.Fatalf("result not resolved: %+v", report.Results[0])
	}

	report = f.post(t, body)
	if report.Results[0].Outcome != webhook.OutcomeIgnored {
		t.Fatalf("replay should be ignored: %+v", report)
	}

	report = f.post(t, `{"events":[{"envelope_id":"`+envelope+`","signer_id":"B","state":"signed"}]}`)
	if report.Count(webhook.OutcomeApplied) != 1 || report.Results[0].Status != domain.StatusSigned {
		t.Fatalf("second signer: %+v", report)
	}
	got, err := f.store.GetDocument(f.ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSigned {
		t.Fatalf("expected signed, got %s", got.Status)
	}
}

func TestLookupMissesAreReported(t *testing.T) {
	f := newFixture(t)
	_, envelope := f.sentDocument(t)

	report := f.post(t, `{"events":[
		{"envelope_id":"local-missing","signer_id":"A","state":"signed"},
		{"envelope_id":"`+envelope+`","signer_id":"Z","state":"signed"},
		{"envelope_id":"`+envelope+`","signer_id":"A","state":"signed"}
	]}`)
	want := []webhook.Outcome{webhook.OutcomeDocumentNotFound, webhook.OutcomeSignerNotFound, webhook.OutcomeApplied}
	if len(report.Results) != len(want) {
		t.Fatalf("results %+v", report.Results)
	}
	for i, o := range want {
		if report.Results[i].Outcome != o {
			t.Fatalf("result %d: want %s got %+v", i, o, report.Results[i])
		}
	}
}

func TestLateEventOnDeclinedDocumentIsIgnored(t *testing.T) {
	f := newFixture(t)
	doc, envelope := f.sentDocument(t)

	report := f.post(t, `{"envelope_id":"`+envelope+`","signer_id":"B","state":"declined","reason":"price"}`)
	if report.Results[0].Outcome != webhook.OutcomeApplied || report.Results[0].Status != domain.StatusDeclined {
		t.Fatalf("decline: %+v", report)
	}
	report = f.post(t, `{"envelope_id":"`+envelope+`","signer_id":"A","state":"signed"}`)
	if report.Results[0].Outcome != webhook.OutcomeIgnored {
		t.Fatalf("late signature: %+v", report)
	}
	got, _ := f.store.GetDocument(f.ctx, doc.ID)
	if got.Status != domain.StatusDeclined || got.Signers[0].Signed {
		t.Fatalf("declined document changed: %+v", got)
	}
}

func TestRejectedPayloads(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingestor.Handle(f.ctx, domain.ProviderLocal, http.Header{}, []byte(`{"envelope_id":`))
	if !errors.Is(err, provider.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
	_, err = f.ingestor.Handle(f.ctx, domain.Provider("fax"), http.Header{}, []byte(`{}`))
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
}

func TestSignedLocalWebhooks(t *testing.T) {
	f := newFixture(t)
	_, envelope := f.sentDocument(t)
	if _, err := f.engine.UpdateSettings(f.ctx, domain.SignatureSettings{
		Provider:    domain.ProviderLocal,
		Credentials: map[string]string{"webhook_secret": "s3cret"},
	}, "admin"); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	body := []byte(`{"envelope_id":"` + envelope + `","signer_id":"A","state":"signed"}`)

	_, err := f.ingestor.Handle(f.ctx, domain.ProviderLocal, http.Header{}, body)
	if !errors.Is(err, provider.ErrUnauthenticated) {
		t.Fatalf("unsigned body should be rejected, got %v", err)
	}
	h := http.Header{}
	h.Set(provider.LocalSignatureHeader, provider.SignBody("s3cret", body))
	report, err := f.ingestor.Handle(f.ctx, domain.ProviderLocal, h, body)
	if err != nil || report.Count(webhook.OutcomeApplied) != 1 {
		t.Fatalf("signed body: %v %+v", err, report)
	}
}

func TestInactiveProviderWebhooksAreRefused(t *testing.T) {
	f := newFixture(t)
	doc, envelope := f.sentDocument(t)
	if _, err := f.engine.UpdateSettings(f.ctx, domain.SignatureSettings{
		Provider:    domain.ProviderLocal,
		Credentials: map[string]string{"webhook_secret": "s3cret"},
	}, "admin"); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if _, err := f.store.ReplaceSettings(f.ctx, domain.SignatureSettings{
		Provider:    domain.ProviderRemoteA,
		Credentials: map[string]string{"api_key": "k", "account_id": "acc", "base_url": "http://unused", "webhook_secret": "whsec"},
	}); err != nil {
		t.Fatalf("switch provider: %v", err)
	}

	body := []byte(`{"envelope_id":"` + envelope + `","signer_id":"B","state":"declined"}`)
	_, err := f.ingestor.Handle(f.ctx, domain.ProviderLocal, http.Header{}, body)
	if !errors.Is(err, provider.ErrUnauthenticated) {
		t.Fatalf("unsigned local body after switch should be rejected, got %v", err)
	}
	got, err := f.store.GetDocument(f.ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSent {
		t.Fatalf("document changed by rejected webhook: %s", got.Status)
	}

	_, err = f.ingestor.Handle(f.ctx, domain.ProviderRemoteB, http.Header{}, []byte(`{}`))
	if !errors.Is(err, provider.ErrUnauthenticated) {
		t.Fatalf("inactive remote_b should be rejected, got %v", err)
	}
}
