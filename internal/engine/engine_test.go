package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"signflow/internal/config"
	"signflow/internal/consensus"
	"signflow/internal/db"
	"signflow/internal/domain"
	"signflow/internal/engine"
	"signflow/internal/engine/auth"
	"signflow/internal/migrate"
	"signflow/internal/provider"
	"signflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Provider.Timeout = 200 * time.Millisecond
	eng := engine.New(repo.New(conn), cfg, provider.NewRegistry(nil))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) createAB(t *testing.T) domain.SignatureDocument {
	t.Helper()
	doc, err := env.Engine.CreateDocument(env.Ctx, engine.CreateDocumentOptions{
		QuoteID:     "Q-100",
		DocumentURL: "https://files.example.com/q-100.pdf",
		Signers: []engine.SignerInput{
			{ID: "A", Name: "Alice", Email: "alice@example.com", Role: "customer"},
			{ID: "B", Name: "Bob", Email: "bob@example.com", Role: "consultant"},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func (env testEnv) send(t *testing.T, id string) string {
	t.Helper()
	envelope, err := env.Engine.SendForSignature(env.Ctx, id, "tester")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return envelope
}

func signed(id string) consensus.SignerEvent {
	return consensus.SignerEvent{SignerID: id, State: domain.SignerSigned}
}

func TestScenarioAllSigned(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createAB(t)
	if doc.Status != domain.StatusPending || doc.Provider != domain.ProviderLocal {
		t.Fatalf("unexpected new document %+v", doc)
	}
	if envelope := env.send(t, doc.ID); envelope != "local-"+doc.ID {
		t.Fatalf("envelope %q", envelope)
	}
	got, _ := env.Engine.GetDocument(env.Ctx, doc.ID)
	if got.Status != domain.StatusSent || got.SentAt == nil {
		t.Fatalf("expected sent, got %+v", got)
	}
	got, _, err := env.Engine.ApplySignerEvent(env.Ctx, doc.ID, signed("A"), "tester")
	if err != nil || got.Status != domain.StatusSent {
		t.Fatalf("after A: %v %s", err, got.Status)
	}
	got, out, err := env.Engine.ApplySignerEvent(env.Ctx, doc.ID, signed("B"), "tester")
	if err != nil || got.Status != domain.StatusSigned || got.SignedAt == nil || out.To != domain.StatusSigned {
		t.Fatalf("after B: %v %+v", err, got)
	}
	evs, err := env.Engine.DocumentEvents(env.Ctx, doc.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range evs {
		types = append(types, e.Type)
	}
	want := []string{domain.EventDocumentCreated, domain.EventDocumentSent, domain.EventSignerSigned, domain.EventSignerSigned, domain.EventDocumentSigned}
	if len(types) != len(want) {
		t.Fatalf("events %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events %v", types)
		}
	}
}

func TestScenarioDeclineWins(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createAB(t)
	env.send(t, doc.ID)
	got, _, err := env.Engine.ApplySignerEvent(env.Ctx, doc.ID, consensus.SignerEvent{SignerID: "B", State: domain.SignerDeclined, Reason: "price"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDeclined || got.DeclinedAt == nil {
		t.Fatalf("expected declined, got %+v", got)
	}
	if r := got.Signers[1].DeclinedReason; r == nil || *r != "price" {
		t.Fatalf("reason not stored: %+v", got.Signers[1])
	}
	// late signature is a terminal no-op
	_, _, err = env.Engine.ApplySignerEvent(env.Ctx, doc.ID, signed("A"), "tester")
	if !errors.Is(err, consensus.ErrDocumentTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	after, _ := env.Engine.GetDocument(env.Ctx, doc.ID)
	if after.Status != domain.StatusDeclined || after.Signers[0].Signed || !after.DeclinedAt.Equal(*got.DeclinedAt) {
		t.Fatalf("terminal document changed: %+v", after)
	}
}

func TestPendingGuard(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createAB(t)
	_, _, err := env.Engine.ApplySignerEvent(env.Ctx, doc.ID, signed("A"), "tester")
	if !errors.Is(err, consensus.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, _ := env.Engine.GetDocument(env.Ctx, doc.ID)
	if got.Status != domain.StatusPending || got.Signers[0].Signed || got.Version != 1 {
		t.Fatalf("pending document changed: %+v", got)
	}
}

func TestReplayIsNoop(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createAB(t)
	env.send(t, doc.ID)
	first, _, err := env.Engine.ApplySignerEvent(env.Ctx, doc.ID, signed("A"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	second, out, err := env.Engine.ApplySignerEvent(env.Ctx, doc.ID, signed("A"), "tester")
	if err != nil || out.Changed() || second.Version != first.Version {
		t.Fatalf("replay changed document: %v %+v", err, out)
	}
}

func TestCreateDocumentValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.CreateDocumentOptions{
		{QuoteID: "", DocumentURL: "https://x.example.com/a.pdf", Signers: []engine.SignerInput{{Name: "A", Email: "a@example.com", Role: "customer"}}},
		{QuoteID: "Q", DocumentURL: "not a url", Signers: []engine.SignerInput{{Name: "A", Email: "a@example.com", Role: "customer"}}},
		{QuoteID: "Q", DocumentURL: "https://x.example.com/a.pdf"},
		{QuoteID: "Q", DocumentURL: "https://x.example.com/a.pdf", Signers: []engine.SignerInput{{Name: "A", Email: "nope", Role: "customer"}}},
		{QuoteID: "Q", DocumentURL: "https://x.example.com/a.pdf", Signers: []engine.SignerInput{{Name: "A", Email: "a@example.com", Role: "boss"}}},
		{QuoteID: "Q", DocumentURL: "https://x.example.com/a.pdf", Signers: []engine.SignerInput{
			{ID: "x", Name: "A", Email: "a@example.com", Role: "customer"},
			{ID: "x", Name: "B", Email: "b@example.com", Role: "admin"},
		}},
	}
	for i, opts := range cases {
		_, err := env.Engine.CreateDocument(env.Ctx, opts)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	docs, _ := env.Engine.ListDocuments(env.Ctx, repo.DocumentFilter{})
	if len(docs) != 0 {
		t.Fatalf("nothing should be persisted, got %d documents", len(docs))
	}
}

type fakeAdapter struct {
	calls atomic.Int32
	fail  atomic.Bool
	block bool
}

func (f *fakeAdapter) Name() domain.Provider { return domain.ProviderLocal }

func (f *fakeAdapter) Initiate(ctx context.Context, doc domain.SignatureDocument) (provider.Envelope, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return provider.Envelope{}, ctx.Err()
	}
	if f.fail.Load() {
		return provider.Envelope{}, &provider.Error{Provider: domain.ProviderLocal, Kind: provider.ErrUnreachable, Detail: "down"}
	}
	time.Sleep(10 * time.Millisecond)
	return provider.Envelope{ID: "env-" + doc.ID}, nil
}

func (f *fakeAdapter) TestConnection(context.Context) error { return nil }

func (f *fakeAdapter) ParseWebhook(http.Header, []byte) ([]provider.WebhookEvent, error) {
	return nil, nil
}

func withFake(env testEnv, f *fakeAdapter) {
	env.Engine.Providers.Register(domain.ProviderLocal, func(domain.SignatureSettings, *http.Client) provider.Adapter { return f })
}

func TestSendTwiceRegistersOnce(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeAdapter{}
	withFake(env, fake)
	doc := env.createAB(t)

	var g errgroup.Group
	envelopes := make([]string, 4)
	for i := range envelopes {
		g.Go(func() error {
			var err error
			envelopes[i], err = env.Engine.SendForSignature(env.Ctx, doc.ID, "tester")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fake.calls.Load() != 1 {
		t.Fatalf("expected one initiate call, got %d", fake.calls.Load())
	}
	for _, e := range envelopes {
		if e != "env-"+doc.ID {
			t.Fatalf("envelopes %v", envelopes)
		}
	}
}

func TestSendFailureKeepsPending(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeAdapter{}
	fake.fail.Store(true)
	withFake(env, fake)
	doc := env.createAB(t)

	if _, err := env.Engine.SendForSignature(env.Ctx, doc.ID, "tester"); !errors.Is(err, provider.ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	got, _ := env.Engine.GetDocument(env.Ctx, doc.ID)
	if got.Status != domain.StatusPending || got.EnvelopeID != nil {
		t.Fatalf("document must stay pending: %+v", got)
	}
	fake.fail.Store(false)
	if envelope := env.send(t, doc.ID); envelope != "env-"+doc.ID {
		t.Fatalf("retry envelope %q", envelope)
	}
}

func TestSendTimeoutIsUnreachable(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Provider.Timeout = 20 * time.Millisecond
	withFake(env, &fakeAdapter{block: true})
	doc := env.createAB(t)
	_, err := env.Engine.SendForSignature(env.Ctx, doc.ID, "tester")
	if !errors.Is(err, provider.ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestSendTerminalDocumentIsNoop(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createAB(t)
	first := env.send(t, doc.ID)
	if _, err := env.Engine.ExpireDocument(env.Ctx, doc.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	again, err := env.Engine.SendForSignature(env.Ctx, doc.ID, "tester")
	if err != nil || again != first {
		t.Fatalf("resend: %v %q", err, again)
	}
}

func TestConcurrentSignerEvents(t *testing.T) {
	env := newTestEnv(t)
	signers := make([]engine.SignerInput, 5)
	for i := range signers {
		signers[i] = engine.SignerInput{ID: string(rune('a' + i)), Name: "S", Email: "s@example.com", Role: "customer"}
	}
	doc, err := env.Engine.CreateDocument(env.Ctx, engine.CreateDocumentOptions{QuoteID: "Q", DocumentURL: "https://x.example.com/a.pdf", Signers: signers})
	if err != nil {
		t.Fatal(err)
	}
	env.send(t, doc.ID)
	var g errgroup.Group
	for _, s := range signers {
		id := s.ID
		g.Go(func() error {
			_, _, err := env.Engine.ApplySignerEvent(env.Ctx, doc.ID, signed(id), "webhook")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.GetDocument(env.Ctx, doc.ID)
	if got.Status != domain.StatusSigned {
		t.Fatalf("lost update: %+v", got.Signers)
	}
}

func TestUpdateSettingsFailureLeavesSettingsUnchanged(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.Settings(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.UpdateSettings(env.Ctx, domain.SignatureSettings{Provider: "remoteA"}, "admin")
	if !errors.Is(err, provider.ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
	after, _ := env.Engine.Settings(env.Ctx)
	if after.Provider != before.Provider || after.Provider != domain.ProviderLocal {
		t.Fatalf("settings changed: %+v", after)
	}
	if _, err := env.Engine.UpdateSettings(env.Ctx, domain.SignatureSettings{Provider: "fax"}, "admin"); !errors.As(err, new(engine.ValidationError)) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSettingsRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := auth.WithPrincipal(env.Ctx, auth.Principal{ActorID: "carol", Roles: []string{"consultant"}})
	_, err := env.Engine.UpdateSettings(ctx, domain.SignatureSettings{Provider: domain.ProviderLocal}, "")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != auth.PermSettingsWrite {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.Settings(ctx); err != nil {
		t.Fatalf("consultant can read settings: %v", err)
	}
	admin := auth.WithPrincipal(env.Ctx, auth.Principal{ActorID: "root", Roles: []string{"admin"}})
	saved, err := env.Engine.UpdateSettings(admin, domain.SignatureSettings{Provider: domain.ProviderLocal, WebhookURL: "https://hooks.example.com/local"}, "")
	if err != nil || saved.UpdatedAt == nil {
		t.Fatalf("admin update: %v %+v", err, saved)
	}
}

func TestExpireStale(t *testing.T) {
	env := newTestEnv(t)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return clock }
	old := env.createAB(t)
	env.send(t, old.ID)
	clock = clock.Add(48 * time.Hour)
	fresh := env.createAB(t)
	env.send(t, fresh.ID)
	pending := env.createAB(t)

	if _, err := env.Engine.ExpireStale(env.Ctx, 0, "sweeper"); !errors.As(err, new(engine.ValidationError)) {
		t.Fatalf("zero duration must be rejected, got %v", err)
	}
	clock = clock.Add(time.Hour)
	ids, err := env.Engine.ExpireStale(env.Ctx, 24*time.Hour, "sweeper")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != old.ID {
		t.Fatalf("expired %v", ids)
	}
	got, _ := env.Engine.GetDocument(env.Ctx, old.ID)
	if got.Status != domain.StatusExpired || got.ExpiredAt == nil {
		t.Fatalf("expected expired, got %+v", got)
	}
	if _, err := env.Engine.ExpireDocument(env.Ctx, pending.ID, "sweeper"); !errors.Is(err, consensus.ErrInvalidTransition) {
		t.Fatalf("pending cannot expire, got %v", err)
	}
}

// remoteAServer answers envelope creation and recipient polling.
func remoteAServer(t *testing.T, declined *atomic.Bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts/acct/ping":
		case "/accounts/acct/envelopes":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"envelope_id": "env-77",
				"recipients": []map[string]string{
					{"client_id": "A", "recipient_id": "ra"},
					{"client_id": "B", "recipient_id": "rb"},
				},
			})
		case "/accounts/acct/envelopes/env-77/recipients":
			recips := []map[string]string{{"recipient_id": "ra", "status": "completed", "completed_at": "2024-01-01T00:05:00Z"}}
			if declined.Load() {
				recips = append(recips, map[string]string{"recipient_id": "rb", "status": "declined", "declined_at": "2024-01-01T00:06:00Z"})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"recipients": recips})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestRemoteAFlowWithPolling(t *testing.T) {
	env := newTestEnv(t)
	var declined atomic.Bool
	srv := remoteAServer(t, &declined)
	defer srv.Close()

	_, err := env.Engine.UpdateSettings(env.Ctx, domain.SignatureSettings{
		Provider: domain.ProviderRemoteA,
		Credentials: map[string]string{
			"base_url": srv.URL, "api_key": "k", "account_id": "acct", "webhook_secret": "s",
		},
	}, "admin")
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	doc := env.createAB(t)
	if doc.Provider != domain.ProviderRemoteA {
		t.Fatalf("provider snapshot %s", doc.Provider)
	}
	if envelope := env.send(t, doc.ID); envelope != "env-77" {
		t.Fatalf("envelope %q", envelope)
	}
	res, err := env.Engine.Refresh(env.Ctx, doc.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Applied != 1 || res.Document.Status != domain.StatusSent || !res.Document.Signers[0].Signed {
		t.Fatalf("first refresh %+v", res)
	}
	declined.Store(true)
	sum, err := env.Engine.RefreshSent(env.Ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Checked != 1 || sum.Applied != 1 || sum.Failed != 0 {
		t.Fatalf("summary %+v", sum)
	}
	got, _ := env.Engine.GetDocument(env.Ctx, doc.ID)
	if got.Status != domain.StatusDeclined {
		t.Fatalf("expected declined, got %s", got.Status)
	}
}

func TestRefreshLocalUnsupported(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createAB(t)
	env.send(t, doc.ID)
	if _, err := env.Engine.Refresh(env.Ctx, doc.ID); !errors.Is(err, engine.ErrPollingUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	sum, err := env.Engine.RefreshSent(env.Ctx, 1)
	if err != nil || sum.Unsupported != 1 {
		t.Fatalf("summary %v %+v", err, sum)
	}
}

func TestRefreshSentVisitsEveryPage(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.PageSize = 2
	for i := 0; i < 5; i++ {
		doc := env.createAB(t)
		env.send(t, doc.ID)
	}
	env.createAB(t)
	sum, err := env.Engine.RefreshSent(env.Ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Checked != 5 || sum.Unsupported != 5 {
		t.Fatalf("summary %+v", sum)
	}
}
