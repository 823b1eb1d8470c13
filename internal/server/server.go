package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"

	"intentline/internal/app"
	"intentline/internal/config"
	"intentline/internal/domain"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"isolation_violation"`
	Message string         `json:"message" example:"resource belongs to another tenant"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Intentline API.
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
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Runtime.Repo))
	hcfg := huma.DefaultConfig("Intentline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Runtime)
	registerSessions(group, cfg.Runtime)
	registerIntents(group, cfg.Runtime)
	registerExecutions(group, cfg.Runtime)
	registerWAL(group, cfg.Runtime)
	registerContracts(group, cfg.Runtime)
	registerPolicies(group, cfg.Runtime)
	registerArtifacts(group, cfg.Runtime)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Runtime)
	return router, nil
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

// handleError maps domain errors to the wire envelope. Isolation
// violations deliberately read as not_found.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr domain.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": verr.Field})
	}
	var ierr domain.IsolationError
	if errors.As(err, &ierr) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	var perr domain.PolicyDeniedError
	if errors.As(err, &perr) {
		return newAPIError(http.StatusForbidden, "policy_denied", err.Error(), nil)
	}
	var derr domain.DurabilityError
	if errors.As(err, &derr) {
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "durable storage unavailable", nil)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "policy_denied"
	case http.StatusServiceUnavailable:
		return "storage_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API, rt *app.Runtime) {
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

	huma.Register(api, huma.Operation{
		OperationID: "ready",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Readiness with per-component detail",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		report := rt.Lifecycle.Health(ctx)
		for _, status := range report {
			if status != "ok" {
				return nil, newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "a component is unavailable", map[string]any{"components": report})
			}
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: report}, nil
	})
}

func registerSessions(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create session",
		Description:   "Creates a session. Without tenant_id the session is anonymous and can be upgraded later.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if p, ok := principalFromContext(ctx); ok && input.Body.TenantID != "" && input.Body.TenantID != p.TenantID {
			return nil, newAPIError(http.StatusForbidden, "policy_denied", "cannot create a session for another tenant", nil)
		}
		s, err := rt.Lifecycle.CreateSession(ctx, input.Body.TenantID, input.Body.UserID, input.Body.Context)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := rt.Lifecycle.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upgrade-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/upgrade",
		Summary:     "Upgrade session to a tenant",
		Description: "Binds an anonymous session to a tenant, exactly once. Prior work is re-homed into the tenant's event stream.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SessionID string                `path:"session_id"`
		Body      UpgradeSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if p, ok := principalFromContext(ctx); ok && input.Body.TenantID != p.TenantID {
			return nil, newAPIError(http.StatusForbidden, "policy_denied", "cannot bind a session to another tenant", nil)
		}
		s, err := rt.Lifecycle.UpgradeSession(ctx, input.SessionID, input.Body.TenantID, input.Body.UserID)
		if err != nil {
			var ierr domain.IsolationError
			if errors.As(err, &ierr) {
				// A rebinding attempt is reported, not masked: the caller
				// already holds the session.
				return nil, newAPIError(http.StatusConflict, "conflict", "session is bound to a different tenant", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-session-context",
		Method:      http.MethodPatch,
		Path:        "/sessions/{session_id}/context",
		Summary:     "Merge session context",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string                      `path:"session_id"`
		Body      UpdateSessionContextRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := rt.Lifecycle.UpdateSessionContext(ctx, input.SessionID, input.Body.Context)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerIntents(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-intent",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/intents",
		Summary:       "Submit intent",
		Description:   "Accepts an intent and returns an execution handle immediately; the work runs asynchronously.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string              `path:"session_id"`
		Body      SubmitIntentRequest `json:"body"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if input.Body.IntentType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "intent_type is required", nil)
		}
		exec, err := rt.Lifecycle.SubmitIntent(ctx, input.SessionID, input.Body.TenantID,
			input.Body.IntentType, input.Body.SolutionID, input.Body.Parameters, input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(exec)}, nil
	})
}

func registerExecutions(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/executions/{execution_id}",
		Summary:     "Execution status",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID    string `path:"tenant_id"`
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		exec, err := rt.Lifecycle.GetExecution(ctx, input.TenantID, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(exec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-execution",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/executions/{execution_id}/cancel",
		Summary:     "Cancel execution",
		Description: "Requests cancellation; completed steps are compensated. Cancelling a terminal execution is a no-op.",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID    string `path:"tenant_id"`
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		exec, err := rt.Lifecycle.CancelExecution(ctx, input.TenantID, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(exec)}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "watch-execution",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/executions/{execution_id}/watch",
		Summary:     "Watch execution",
		Description: "Streams execution snapshots as server-sent events until the execution is terminal.",
	}, map[string]any{
		"execution": ExecutionResponse{},
	}, func(ctx context.Context, input *struct {
		TenantID    string `path:"tenant_id"`
		ExecutionID string `path:"execution_id"`
	}, send sse.Sender) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return
		}
		ch, cancel, err := rt.Lifecycle.Watch(ctx, input.TenantID, input.ExecutionID)
		if err != nil {
			return
		}
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				if err := send.Data(executionResponse(snap)); err != nil {
					return
				}
				if snap.Terminal() {
					return
				}
			}
		}
	})
}

func registerWAL(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "read-wal",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/wal",
		Summary:     "Read event stream",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		From     int64  `query:"from" default:"1"`
		Limit    int    `query:"limit" default:"100"`
	}) (*struct {
		Body []WALEventResponse `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		events, err := rt.WAL.Read(ctx, input.TenantID, input.From, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WALEventResponse `json:"body"`
		}{Body: mapWALEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-tenant",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/replay",
		Summary:     "Rebuild snapshots from the event stream",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		n, err := rt.Lifecycle.ReplayTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"restored": n}}, nil
	})
}

func registerContracts(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/contracts",
		Summary:     "List boundary contracts",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ContractResponse `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		items, err := rt.Repo.ListContracts(ctx, input.TenantID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContractResponse `json:"body"`
		}{Body: mapContracts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/contracts/{contract_id}",
		Summary:     "Get boundary contract",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		c, err := rt.Repo.GetContract(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		if c.TenantID != input.TenantID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})
}

func registerPolicies(api huma.API, rt *app.Runtime) {
	set := func(ctx context.Context, tenantID, solutionID string, body SetPolicyRequest) error {
		rule := config.PolicyRule{
			AllowAll:     body.AllowAll,
			BackingStore: body.BackingStore,
			TTL:          body.TTL,
		}
		if len(body.Types) > 0 {
			rule.Types = make(map[string]config.TypeGrant, len(body.Types))
			for typ, grant := range body.Types {
				rule.Types[typ] = config.TypeGrant{BackingStore: grant.BackingStore, TTL: grant.TTL}
			}
		}
		if !rule.AllowAll && len(rule.Types) == 0 {
			return domain.ValidationError{Field: "types", Reason: "policy must allow_all or list types"}
		}
		return rt.Policy.SetTenantPolicy(ctx, tenantID, solutionID, rule)
	}

	huma.Register(api, huma.Operation{
		OperationID: "set-tenant-policy",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/policy",
		Summary:     "Set tenant materialization policy",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID string           `path:"tenant_id"`
		Body     SetPolicyRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		if err := set(ctx, input.TenantID, "", input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-solution-policy",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/solutions/{solution_id}/policy",
		Summary:     "Set solution materialization policy",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID   string           `path:"tenant_id"`
		SolutionID string           `path:"solution_id"`
		Body       SetPolicyRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		if err := set(ctx, input.TenantID, input.SolutionID, input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerArtifacts(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/artifacts/{artifact_id}",
		Summary:     "Get artifact",
		Description: "Artifacts whose contract has expired read as not found.",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		ArtifactID string `path:"artifact_id"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		a, err := rt.Artifacts.Get(ctx, input.TenantID, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})
}

func registerDevAuth(api huma.API, auth AuthConfig) {
	if !auth.DevMode {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a tenant-scoped dev token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if input.Body.TenantID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant_id is required", nil)
		}
		token, err := issueJWT(auth.JWTSecret, input.Body.TenantID, input.Body.UserID, 24*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	tenantPrefix := path.Join(basePath, "tenants") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if strings.HasPrefix(route, tenantPrefix) {
				op.Security = security
			} else {
				op.Security = []map[string][]string{}
			}
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
    <title>Intentline API Docs</title>
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
      Authenticate tenant routes with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
