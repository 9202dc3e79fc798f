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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/repo"
	"cadence/internal/schedule"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_frequency"`
	Message string         `json:"message" example:"invalid frequency: interval_days must be positive, got 0"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the cadence API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		router.Use(requestLogger(cfg.Logger))
		if cfg.Auth.Logger == nil {
			cfg.Auth.Logger = cfg.Logger
		}
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("cadence API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerObligations(group, cfg.Engine)
	registerCompletions(group, cfg.Engine)
	registerSuccessions(group, cfg.Engine)
	registerSummary(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.JWTSecret != "")

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
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

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{schedule.ErrInvalidFrequency, http.StatusBadRequest, "invalid_frequency"},
	{schedule.ErrInvalidObligation, http.StatusBadRequest, "invalid_obligation"},
	{schedule.ErrCompletionBeforeCreation, http.StatusBadRequest, "completion_before_creation"},
	{schedule.ErrStaleCompletion, http.StatusBadRequest, "stale_completion"},
	{schedule.ErrFutureCompletion, http.StatusBadRequest, "future_completion"},
	{schedule.ErrInvalidSuccessionParameters, http.StatusBadRequest, "invalid_succession_parameters"},
	{schedule.ErrGroupNotFound, http.StatusNotFound, "group_not_found"},
	{repo.ErrNotFound, http.StatusNotFound, "not_found"},
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return newAPIError(c.status, c.code, err.Error(), nil)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, bearer bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if bearer {
				applyAuthSecurity(oas, basePath)
			}
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
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
    <title>cadence API Docs</title>
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

type obligationPath struct {
	ID string `path:"id"`
}

type obligationBody struct {
	Body engine.ObligationView `json:"body"`
}

func registerObligations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-obligation",
		Method:        http.MethodPost,
		Path:          "/obligations",
		Summary:       "Create obligation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateObligationRequest `json:"body"`
	}) (*obligationBody, error) {
		v, err := e.CreateObligation(ctx, engine.CreateOptions{
			ID:             input.Body.ID,
			Category:       input.Body.Category,
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			Notes:          input.Body.Notes,
			IntervalDays:   input.Body.IntervalDays,
			FrequencyLabel: input.Body.FrequencyLabel,
			OneOff:         input.Body.OneOff,
			ManualDueAt:    input.Body.ManualDueAt,
			ActorID:        actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &obligationBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-obligations",
		Method:      http.MethodGet,
		Path:        "/obligations",
		Summary:     "List obligations, most urgent first",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
		GroupID  string `query:"group_id"`
		Status   string `query:"status" enum:"ok,due_soon,overdue,unknown"`
	}) (*struct {
		Body obligationList `json:"body"`
	}, error) {
		items, err := e.Board(ctx, engine.BoardFilters{
			Category: input.Category,
			GroupID:  input.GroupID,
			Status:   domain.Status(input.Status),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []engine.ObligationView{}
		}
		return &struct {
			Body obligationList `json:"body"`
		}{Body: obligationList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-obligation",
		Method:      http.MethodGet,
		Path:        "/obligations/{id}",
		Summary:     "Get obligation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *obligationPath) (*obligationBody, error) {
		v, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &obligationBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-obligation",
		Method:      http.MethodPatch,
		Path:        "/obligations/{id}",
		Summary:     "Update obligation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateObligationRequest `json:"body"`
	}) (*obligationBody, error) {
		v, err := e.UpdateObligation(ctx, engine.UpdateOptions{
			ID:             input.ID,
			Name:           input.Body.Name,
			Category:       input.Body.Category,
			Description:    input.Body.Description,
			Notes:          input.Body.Notes,
			IntervalDays:   input.Body.IntervalDays,
			ClearInterval:  input.Body.ClearInterval,
			FrequencyLabel: input.Body.FrequencyLabel,
			OneOff:         input.Body.OneOff,
			ActorID:        actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &obligationBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-obligation",
		Method:        http.MethodDelete,
		Path:          "/obligations/{id}",
		Summary:       "Delete obligation; its completion log is kept",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *obligationPath) (*struct{}, error) {
		if err := e.DeleteObligation(ctx, input.ID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-manual-due",
		Method:      http.MethodPut,
		Path:        "/obligations/{id}/manual-due",
		Summary:     "Set manual due date override",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SetManualDueRequest `json:"body"`
	}) (*obligationBody, error) {
		if input.Body.DueAt.IsZero() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "due_at is required", map[string]any{"field": "due_at"})
		}
		due := input.Body.DueAt
		v, err := e.SetManualDue(ctx, input.ID, &due, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &obligationBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-manual-due",
		Method:      http.MethodDelete,
		Path:        "/obligations/{id}/manual-due",
		Summary:     "Clear manual due date override",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *obligationPath) (*obligationBody, error) {
		v, err := e.SetManualDue(ctx, input.ID, nil, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &obligationBody{Body: v}, nil
	})
}

func registerCompletions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "complete-obligation",
		Method:        http.MethodPost,
		Path:          "/obligations/{id}/completions",
		Summary:       "Record a completion",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body engine.CompletionResult `json:"body"`
	}, error) {
		res, err := e.Complete(ctx, engine.CompleteOptions{
			ID:      input.ID,
			At:      input.Body.CompletedAt,
			Note:    input.Body.Note,
			Cost:    input.Body.Cost,
			ActorID: actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CompletionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-completions",
		Method:      http.MethodGet,
		Path:        "/obligations/{id}/completions",
		Summary:     "Completion history",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body engine.History `json:"body"`
	}, error) {
		h, err := e.History(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if h.Entries == nil {
			h.Entries = []domain.CompletionLogEntry{}
		}
		return &struct {
			Body engine.History `json:"body"`
		}{Body: h}, nil
	})
}

func registerSuccessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "expand-succession",
		Method:        http.MethodPost,
		Path:          "/successions",
		Summary:       "Expand a succession series",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ExpandSuccessionRequest `json:"body"`
	}) (*struct {
		Body engine.Succession `json:"body"`
	}, error) {
		s, err := e.ExpandSuccession(ctx, engine.SuccessionOptions{
			Category:       input.Body.Category,
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			Notes:          input.Body.Notes,
			FrequencyLabel: input.Body.FrequencyLabel,
			FirstDate:      input.Body.FirstDate,
			IntervalWeeks:  input.Body.IntervalWeeks,
			Count:          input.Body.Count,
			ActorID:        actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Succession `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-succession",
		Method:      http.MethodDelete,
		Path:        "/successions/{group_id}",
		Summary:     "Cancel every member of a succession series",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body CancelGroupResponse `json:"body"`
	}, error) {
		removed, err := e.CancelGroup(ctx, input.GroupID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CancelGroupResponse `json:"body"`
		}{Body: CancelGroupResponse{GroupID: input.GroupID, RemovedIDs: removed}}, nil
	})
}

func registerSummary(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Per-category roll-up",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
	}) (*struct {
		Body engine.Summary `json:"body"`
	}, error) {
		s, err := e.Summary(ctx, engine.SummaryFilters{Category: input.Category})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Summary `json:"body"`
		}{Body: s}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"obligation,succession"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Log(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
