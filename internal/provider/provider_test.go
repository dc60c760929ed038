package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"signflow/internal/domain"
)

func testDoc() domain.SignatureDocument {
	return domain.SignatureDocument{
		ID:          "doc-1",
		QuoteID:     "q-1",
		DocumentURL: "https://files.example.com/q-1.pdf",
		Status:      domain.StatusPending,
		Signers: []domain.SignatureSigner{
			{ID: "s-a", Name: "Ana", Email: "ana@example.com", Role: domain.RoleCustomer},
			{ID: "s-b", Name: "Ben", Email: "ben@example.com", Role: domain.RoleConsultant},
		},
	}
}

func signedHeader(name, secret string, body []byte) http.Header {
	h := http.Header{}
	h.Set(name, SignBody(secret, body))
	return h
}

func TestLocalInitiateIsStable(t *testing.T) {
	l := NewLocal(domain.SignatureSettings{Provider: domain.ProviderLocal})
	first, err := l.Initiate(context.Background(), testDoc())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	second, _ := l.Initiate(context.Background(), testDoc())
	if first.ID != second.ID || first.ID != "local-doc-1" {
		t.Fatalf("envelope ids %q %q", first.ID, second.ID)
	}
	if first.SignerRefs["s-b"] != "s-b" {
		t.Fatalf("signer refs %v", first.SignerRefs)
	}
	if err := l.TestConnection(context.Background()); err != nil {
		t.Fatalf("local test connection: %v", err)
	}
}

func TestLocalParseWebhook(t *testing.T) {
	l := NewLocal(domain.SignatureSettings{Provider: domain.ProviderLocal})
	events, err := l.ParseWebhook(http.Header{}, []byte(`{"envelope_id":"local-doc-1","signer_id":"s-a","state":"declined","reason":"price","occurred_at":"2024-03-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 || events[0].State != domain.SignerDeclined || events[0].Reason != "price" || events[0].OccurredAt.IsZero() {
		t.Fatalf("unexpected events %+v", events)
	}
	batch, err := l.ParseWebhook(http.Header{}, []byte(`{"events":[{"envelope_id":"e","signer_id":"a","state":"signed"},{"envelope_id":"e","signer_id":"b","state":"signed"}]}`))
	if err != nil || len(batch) != 2 {
		t.Fatalf("batch: %v %+v", err, batch)
	}
	for _, bad := range []string{`not json`, `{"envelope_id":"e","state":"signed"}`, `{"envelope_id":"e","signer_id":"a","state":"viewed"}`, `{"envelope_id":"e","signer_id":"a","state":"signed","extra":1}`} {
		if _, err := l.ParseWebhook(http.Header{}, []byte(bad)); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("%s: expected malformed payload, got %v", bad, err)
		}
	}
}

func TestLocalWebhookSecret(t *testing.T) {
	l := NewLocal(domain.SignatureSettings{Provider: domain.ProviderLocal, Credentials: map[string]string{"webhook_secret": "s3"}})
	body := []byte(`{"envelope_id":"e","signer_id":"a","state":"signed"}`)
	if _, err := l.ParseWebhook(http.Header{}, body); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := l.ParseWebhook(signedHeader(LocalSignatureHeader, "s3", body), body); err != nil {
		t.Fatalf("signed body rejected: %v", err)
	}
}

func TestMissingCredentialsMessage(t *testing.T) {
	a := NewRemoteA(domain.SignatureSettings{Provider: domain.ProviderRemoteA, Credentials: map[string]string{"base_url": "http://x"}}, nil)
	err := a.TestConnection(context.Background())
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Provider != domain.ProviderRemoteA {
		t.Fatalf("expected provider error, got %T", err)
	}
	if !strings.Contains(err.Error(), "missing credentials") || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("message %q", err.Error())
	}
	b := NewRemoteB(domain.SignatureSettings{Provider: domain.ProviderRemoteB}, nil)
	if _, err := b.Initiate(context.Background(), testDoc()); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
}

func remoteASettings(base string) domain.SignatureSettings {
	return domain.SignatureSettings{
		Provider:   domain.ProviderRemoteA,
		WebhookURL: "https://signflow.example.com/v1/webhooks/remote_a",
		Credentials: map[string]string{
			"base_url":       base,
			"api_key":        "key-1",
			"account_id":     "acct-7",
			"webhook_secret": "whsec",
		},
	}
}

func TestRemoteAInitiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/accounts/acct-7/envelopes" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "doc-1" || r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("headers %v", r.Header)
		}
		var body struct {
			CallbackURL string             `json:"callback_url"`
			Recipients  []remoteARecipient `json:"recipients"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.CallbackURL == "" || len(body.Recipients) != 2 || body.Recipients[1].RoutingOrder != 2 {
			t.Errorf("body %+v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"envelope_id": "env-123",
			"recipients": []map[string]string{
				{"client_id": "s-a", "recipient_id": "r-1"},
				{"client_id": "s-b", "recipient_id": "r-2"},
			},
		})
	}))
	defer srv.Close()
	env, err := NewRemoteA(remoteASettings(srv.URL), srv.Client()).Initiate(context.Background(), testDoc())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if env.ID != "env-123" || env.SignerRefs["s-b"] != "r-2" {
		t.Fatalf("envelope %+v", env)
	}
}

func TestRemoteAFailures(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s := status.Load(); s != 0 {
			w.WriteHeader(int(s))
			return
		}
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	a := NewRemoteA(remoteASettings(srv.URL), srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.TestConnection(ctx); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("timeout: expected unreachable, got %v", err)
	}
	status.Store(http.StatusBadGateway)
	if err := a.TestConnection(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("502: expected unreachable, got %v", err)
	}
	status.Store(http.StatusUnauthorized)
	if err := a.TestConnection(context.Background()); !errors.Is(err, ErrRejected) {
		t.Fatalf("401: expected rejected, got %v", err)
	}
	status.Store(http.StatusOK)
	if err := a.TestConnection(context.Background()); err != nil {
		t.Fatalf("200: %v", err)
	}
}

func TestRemoteAParseWebhook(t *testing.T) {
	a := NewRemoteA(remoteASettings("http://unused"), nil)
	body := []byte(`{"event":"recipient.completed","envelope_id":"env-123","recipient_id":"r-1","occurred_at":"2024-03-01T10:00:00Z"}`)
	events, err := a.ParseWebhook(signedHeader(RemoteASignatureHeader, "whsec", body), body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 || events[0].SignerExternalID != "r-1" || events[0].State != domain.SignerSigned {
		t.Fatalf("events %+v", events)
	}
	if _, err := a.ParseWebhook(signedHeader(RemoteASignatureHeader, "wrong", body), body); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	viewed := []byte(`{"event":"recipient.delivered","envelope_id":"env-123","recipient_id":"r-1"}`)
	events, err = a.ParseWebhook(signedHeader(RemoteASignatureHeader, "whsec", viewed), viewed)
	if err != nil || len(events) != 0 {
		t.Fatalf("informational event: %v %+v", err, events)
	}
	broken := []byte(`{"event":"recipient.declined"}`)
	if _, err := a.ParseWebhook(signedHeader(RemoteASignatureHeader, "whsec", broken), broken); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestRemoteAPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/acct-7/envelopes/env-123/recipients" {
			t.Errorf("path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"recipients":[
			{"recipient_id":"r-1","status":"completed","completed_at":"2024-03-01T10:00:00Z"},
			{"recipient_id":"r-2","status":"sent"},
			{"recipient_id":"r-3","status":"declined","declined_reason":"terms"}]}`))
	}))
	defer srv.Close()
	var poller Poller = NewRemoteA(remoteASettings(srv.URL), srv.Client())
	events, err := poller.Poll(context.Background(), "env-123")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 2 || events[1].State != domain.SignerDeclined || events[1].Reason != "terms" {
		t.Fatalf("events %+v", events)
	}
}

func TestRemoteBInitiateAndWebhook(t *testing.T) {
	var signerCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/api/v1/documents":
			_, _ = w.Write([]byte(`{"document":{"key":"dk-1"}}`))
		case r.URL.Path == "/api/v1/documents/dk-1/signers":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			signerCalls.Add(1)
			_, _ = w.Write([]byte(`{"signer":{"key":"sk-` + body["external_id"] + `"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	settings := domain.SignatureSettings{Provider: domain.ProviderRemoteB, Credentials: map[string]string{"base_url": srv.URL, "access_token": "tok", "hmac_secret": "hm"}}
	b := NewRemoteB(settings, srv.Client())
	env, err := b.Initiate(context.Background(), testDoc())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if env.ID != "dk-1" || env.SignerRefs["s-a"] != "sk-s-a" || signerCalls.Load() != 2 {
		t.Fatalf("envelope %+v calls %d", env, signerCalls.Load())
	}

	body := []byte(`{"events":[{"type":"sign","document_key":"dk-1","signer_key":"sk-s-a"},{"type":"view","document_key":"dk-1","signer_key":"sk-s-b"},{"type":"refusal","document_key":"dk-1","signer_key":"sk-s-b","reason":"no"}]}`)
	events, err := b.ParseWebhook(signedHeader(RemoteBSignatureHeader, "hm", body), body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 2 || events[1].State != domain.SignerDeclined {
		t.Fatalf("events %+v", events)
	}
	if _, ok := any(b).(Poller); ok {
		t.Fatalf("remote_b must not advertise polling")
	}
}

func TestRegistryBindsCredentialsPerProvider(t *testing.T) {
	r := NewRegistry(nil)
	settings := remoteASettings("http://unused")
	a, err := r.Adapter(domain.ProviderRemoteB, settings)
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	if err := a.TestConnection(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("remote_b must not see remote_a credentials, got %v", err)
	}
	if _, err := r.Adapter("fax", settings); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
	if err := r.TestConnection(context.Background(), domain.SignatureSettings{Provider: domain.ProviderLocal}); err != nil {
		t.Fatalf("local: %v", err)
	}
}
