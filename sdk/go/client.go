package signflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal signflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Signer is one signer of a document.
type Signer struct {
	ID             string     `json:"id,omitempty"`
	ExternalID     string     `json:"external_id,omitempty"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Role           string     `json:"role"`
	Signed         bool       `json:"signed,omitempty"`
	SignedAt       *time.Time `json:"signed_at,omitempty"`
	Declined       bool       `json:"declined,omitempty"`
	DeclinedAt     *time.Time `json:"declined_at,omitempty"`
	DeclinedReason *string    `json:"declined_reason,omitempty"`
}

// Document is the API signature document model.
type Document struct {
	ID          string     `json:"id"`
	QuoteID     string     `json:"quote_id"`
	DocumentURL string     `json:"document_url"`
	Status      string     `json:"status"`
	Provider    string     `json:"provider"`
	EnvelopeID  *string    `json:"envelope_id,omitempty"`
	Signers     []Signer   `json:"signers"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	SignedAt    *time.Time `json:"signed_at,omitempty"`
	DeclinedAt  *time.Time `json:"declined_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`
	Version     int64      `json:"version"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Settings is the provider selection. Credentials come back redacted.
type Settings struct {
	Provider    string            `json:"provider"`
	Credentials map[string]string `json:"credentials,omitempty"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	UpdatedAt   *time.Time        `json:"updated_at,omitempty"`
}

type SignerEventResult struct {
	Document Document `json:"document"`
	Changed  bool     `json:"changed"`
	From     string   `json:"from"`
	To       string   `json:"to"`
}

type RefreshResult struct {
	Document Document `json:"document"`
	Applied  int      `json:"applied"`
	Ignored  int      `json:"ignored"`
}

// ListOptions filters ListDocuments.
type ListOptions struct {
	QuoteID string
	Status  string
	Limit   int
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDocument creates a pending document.
func (c *Client) CreateDocument(ctx context.Context, quoteID, documentURL string, signers []Signer) (Document, error) {
	body := map[string]any{
		"quote_id":     quoteID,
		"document_url": documentURL,
		"signers":      signers,
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "documents", body, &resp)
	return resp, err
}

// GetDocument fetches a document by id.
func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodGet, "documents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListDocuments returns documents matching opts.
func (c *Client) ListDocuments(ctx context.Context, opts ListOptions) ([]Document, error) {
	q := url.Values{}
	if opts.QuoteID != "" {
		q.Set("quote_id", opts.QuoteID)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "documents"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Document `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Send registers the document with its provider and returns the envelope id.
func (c *Client) Send(ctx context.Context, id string) (string, Document, error) {
	var resp struct {
		EnvelopeID string   `json:"envelope_id"`
		Document   Document `json:"document"`
	}
	err := c.do(ctx, http.MethodPost, "documents/"+url.PathEscape(id)+"/send", nil, &resp)
	return resp.EnvelopeID, resp.Document, err
}

// Expire closes a sent document.
func (c *Client) Expire(ctx context.Context, id string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, "documents/"+url.PathEscape(id)+"/expire", nil, &resp)
	return resp, err
}

// Refresh polls the provider for a document's signer state.
func (c *Client) Refresh(ctx context.Context, id string) (RefreshResult, error) {
	var resp RefreshResult
	err := c.do(ctx, http.MethodPost, "documents/"+url.PathEscape(id)+"/refresh", nil, &resp)
	return resp, err
}

// RecordSignerEvent records a signed or declined response for one signer.
func (c *Client) RecordSignerEvent(ctx context.Context, documentID, signerID, state, reason string) (SignerEventResult, error) {
	body := map[string]any{"state": state}
	if reason != "" {
		body["reason"] = reason
	}
	var resp SignerEventResult
	endpoint := fmt.Sprintf("documents/%s/signers/%s/events", url.PathEscape(documentID), url.PathEscape(signerID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns the audit trail of a document.
func (c *Client) Events(ctx context.Context, documentID string, limit int) ([]Event, error) {
	endpoint := "documents/" + url.PathEscape(documentID) + "/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Settings returns the active settings.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodGet, "settings", nil, &resp)
	return resp, err
}

// UpdateSettings tests and replaces the settings.
func (c *Client) UpdateSettings(ctx context.Context, s Settings) (Settings, error) {
	s.UpdatedAt = nil
	var resp Settings
	err := c.do(ctx, http.MethodPut, "settings", s, &resp)
	return resp, err
}

// TestSettings checks s against its provider without saving.
func (c *Client) TestSettings(ctx context.Context, s Settings) error {
	s.UpdatedAt = nil
	return c.do(ctx, http.MethodPost, "settings/test", s, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
