package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"signflow/internal/domain"
)

const maxResponseBytes = 1 << 20

type request struct {
	method  string
	url     string
	headers map[string]string
	body    any
}

// doJSON performs one provider call. Transport failures and deadlines map to
// ErrUnreachable, 5xx too; other non-2xx answers map to ErrRejected.
func doJSON(ctx context.Context, client *http.Client, p domain.Provider, r request, out any) error {
	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", p, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return newError(p, ErrRejected, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		return newError(p, ErrUnreachable, "", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return newError(p, ErrUnreachable, "read response", err)
	}
	switch {
	case res.StatusCode >= 500:
		return newError(p, ErrUnreachable, fmt.Sprintf("status %d", res.StatusCode), nil)
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return newError(p, ErrRejected, fmt.Sprintf("credentials rejected (status %d)", res.StatusCode), nil)
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return newError(p, ErrRejected, fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data))), nil)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newError(p, ErrMalformedPayload, "decode response", err)
	}
	return nil
}

func joinURL(base string, parts ...string) string {
	u := strings.TrimRight(strings.TrimSpace(base), "/")
	for _, p := range parts {
		u += "/" + strings.Trim(p, "/")
	}
	return u
}

// SignBody returns the hex HMAC-SHA256 of body with the "sha256=" prefix.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifySignature accepts a hex digest with or without the "sha256=" prefix.
func verifySignature(secret string, body []byte, header string) bool {
	sig := strings.TrimSpace(header)
	if sig == "" || secret == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(sig), "sha256=") {
		sig = sig[len("sha256="):]
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
