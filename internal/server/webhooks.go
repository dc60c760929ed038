package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"signflow/internal/domain"
	"signflow/internal/logging"
	"signflow/internal/provider"
	"signflow/internal/webhook"
)

const maxWebhookBody = 5 << 20

// registerWebhooks mounts the provider callback route. It bypasses huma so
// the adapter sees the exact bytes the provider signed.
func registerWebhooks(r chi.Router, basePath string, in webhook.Ingestor) {
	r.Post(path.Join(basePath, "webhooks/{provider}"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		p := domain.Provider(chi.URLParam(req, "provider"))
		raw, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds 5 MiB", nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "read body", nil))
			return
		}
		report, err := in.Handle(ctx, p, req.Header, raw)
		if err != nil {
			se := webhookError(err)
			if se.GetStatus() >= http.StatusInternalServerError {
				logging.FromContext(ctx, in.Logger).Error("webhook ingestion failed", "provider", p, "error", err)
			}
			respondStatusError(w, se)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(report)
	})
}

func webhookError(err error) *apiError {
	status, code := http.StatusInternalServerError, "internal_error"
	msg := err.Error()
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		status, code = http.StatusNotFound, "unknown_provider"
	case errors.Is(err, provider.ErrMalformedPayload):
		status, code = http.StatusBadRequest, "malformed_payload"
	case errors.Is(err, provider.ErrUnauthenticated), errors.Is(err, provider.ErrMissingCredentials):
		status, code = http.StatusUnauthorized, "unauthenticated"
	default:
		msg = "internal error"
	}
	return newAPIError(status, code, msg, nil).(*apiError)
}
