package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"signflow/internal/consensus"
	"signflow/internal/domain"
	"signflow/internal/engine"
	"signflow/internal/engine/auth"
	"signflow/internal/logging"
	"signflow/internal/provider"
	"signflow/internal/repo"
	"signflow/internal/webhook"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Ingestor webhook.Ingestor
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot send document in status signed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"quote_id\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

const actorFallback = "api"

// New returns an HTTP handler exposing the signflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema/request validation errors are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Signflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDocuments(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerWebhooks(router, basePath, cfg.Ingestor)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger tags each request with an id (X-Request-Id or a fresh uuid)
// and logs one line when it completes.
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			ctx := logging.WithRequestID(r.Context(), id)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logging.FromContext(ctx, base).Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine and store errors onto API errors. Unmapped errors
// are logged and answered with a bare 500.
func handleError(ctx context.Context, log *slog.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		details := map[string]any{"provider": string(pe.Provider)}
		switch {
		case errors.Is(err, provider.ErrMissingCredentials):
			return newAPIError(http.StatusBadRequest, "missing_credentials", err.Error(), details)
		case errors.Is(err, provider.ErrRejected):
			return newAPIError(http.StatusUnprocessableEntity, "provider_rejected", err.Error(), details)
		default:
			return newAPIError(http.StatusBadGateway, "provider_unreachable", err.Error(), details)
		}
	}
	var te consensus.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": string(te.From)})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, consensus.ErrSignerNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, consensus.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, consensus.ErrInvalidEvent):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrPollingUnsupported):
		return newAPIError(http.StatusConflict, "polling_unsupported", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, provider.ErrUnknownProvider):
		return newAPIError(http.StatusBadRequest, "unknown_provider", err.Error(), nil)
	default:
		logging.FromContext(ctx, log).Error("request failed", "error", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Signflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;. Mint one with sf token.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type documentPath struct {
	ID string `path:"id"`
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Create a signature document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.SignatureDocument `json:"body"`
	}, error) {
		doc, err := e.CreateDocument(ctx, createOptions(input.Body, auth.ActorID(ctx, actorFallback)))
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body domain.SignatureDocument `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List documents",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		QuoteID    string    `query:"quote_id"`
		Status     string    `query:"status" enum:"pending,sent,signed,declined,expired"`
		SentBefore time.Time `query:"sent_before" format:"date-time"`
		Limit      int       `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body DocumentListResponse `json:"body"`
	}, error) {
		var (
			items []domain.SignatureDocument
			err   error
		)
		if input.QuoteID != "" && input.Status == "" && input.SentBefore.IsZero() {
			items, err = e.DocumentsByQuote(ctx, input.QuoteID)
		} else {
			f := repo.DocumentFilter{QuoteID: input.QuoteID, Status: domain.Status(input.Status), Limit: input.Limit}
			if !input.SentBefore.IsZero() {
				f.SentBefore = &input.SentBefore
			}
			items, err = e.ListDocuments(ctx, f)
		}
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body DocumentListResponse `json:"body"`
		}{Body: DocumentListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{id}",
		Summary:     "Get a document",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *documentPath) (*struct {
		Body domain.SignatureDocument `json:"body"`
	}, error) {
		doc, err := e.GetDocument(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body domain.SignatureDocument `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/send",
		Summary:     "Send a pending document to its provider",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *documentPath) (*struct {
		Body SendResponse `json:"body"`
	}, error) {
		envelope, err := e.SendForSignature(ctx, input.ID, auth.ActorID(ctx, actorFallback))
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		doc, err := e.GetDocument(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body SendResponse `json:"body"`
		}{Body: SendResponse{EnvelopeID: envelope, Document: doc}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/expire",
		Summary:     "Expire a sent document",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *documentPath) (*struct {
		Body domain.SignatureDocument `json:"body"`
	}, error) {
		doc, err := e.ExpireDocument(ctx, input.ID, auth.ActorID(ctx, actorFallback))
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body domain.SignatureDocument `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/refresh",
		Summary:     "Poll the provider for signer state",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *documentPath) (*struct {
		Body engine.RefreshResult `json:"body"`
	}, error) {
		res, err := e.Refresh(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body engine.RefreshResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-document-events",
		Method:      http.MethodGet,
		Path:        "/documents/{id}/events",
		Summary:     "Audit trail of a document",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := e.DocumentEvents(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-signer-event",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/signers/{signer_id}/events",
		Summary:     "Record a signer response",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID       string             `path:"id"`
		SignerID string             `path:"signer_id"`
		Body     SignerEventRequest `json:"body"`
	}) (*struct {
		Body SignerEventResponse `json:"body"`
	}, error) {
		state, err := domain.ParseSignerState(input.Body.State)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "state"})
		}
		ev := consensus.SignerEvent{SignerID: input.SignerID, State: state, Reason: strings.TrimSpace(input.Body.Reason)}
		if input.Body.OccurredAt != nil {
			ev.At = *input.Body.OccurredAt
		}
		doc, out, err := e.ApplySignerEvent(ctx, input.ID, ev, auth.ActorID(ctx, actorFallback))
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body SignerEventResponse `json:"body"`
		}{Body: signerEventResponse(doc, out)}, nil
	})
}

func registerSettings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Active signature settings (credentials redacted)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SignatureSettings `json:"body"`
	}, error) {
		s, err := e.Settings(ctx)
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body domain.SignatureSettings `json:"body"`
		}{Body: s.Redacted()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-settings",
		Method:      http.MethodPut,
		Path:        "/settings",
		Summary:     "Test and replace signature settings",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body SettingsRequest `json:"body"`
	}) (*struct {
		Body domain.SignatureSettings `json:"body"`
	}, error) {
		saved, err := e.UpdateSettings(ctx, settingsFromRequest(input.Body), auth.ActorID(ctx, actorFallback))
		if err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body domain.SignatureSettings `json:"body"`
		}{Body: saved.Redacted()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-settings",
		Method:      http.MethodPost,
		Path:        "/settings/test",
		Summary:     "Check credentials against their provider without saving",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body SettingsRequest `json:"body"`
	}) (*struct {
		Body TestConnectionResponse `json:"body"`
	}, error) {
		s := settingsFromRequest(input.Body)
		if err := e.TestConnection(ctx, s); err != nil {
			return nil, handleError(ctx, e.Logger, err)
		}
		return &struct {
			Body TestConnectionResponse `json:"body"`
		}{Body: TestConnectionResponse{OK: true, Provider: s.Provider}}, nil
	})
}
