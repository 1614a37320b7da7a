package server

import (
	"bytes"
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
	"github.com/go-chi/chi/v5"

	"dealflow/internal/audit"
	"dealflow/internal/classify"
	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/mailparse"
	"dealflow/internal/notify"
	"dealflow/internal/repo"
	"dealflow/internal/sla"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"deal not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dealflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope, keeping Huma's status codes
	// (schema violations and unparseable bodies stay 422).
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Dealflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(api)
	registerDeals(group, cfg.Engine)
	registerSLA(group, cfg.Engine)
	registerClassify(group, cfg.Engine)
	registerAudit(group)
	registerDrafts(group, cfg.Engine)
	registerWhoami(group)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "unknown deal state"),
		strings.Contains(lowered, "unknown contract status"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
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
			applyAuthSecurity(oas)
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

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == "/health" {
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
    <title>Dealflow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Create deal from extraction result",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.Canonical) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "canonical is required", nil)
		}
		opts := engine.DealCreateOptions{
			DealID:         input.Body.DealID,
			Canonical:      input.Body.Canonical,
			Status:         input.Body.Status,
			VendorEmail:    input.Body.VendorEmail,
			SolicitorEmail: input.Body.SolicitorEmail,
			Source:         sourceOrActor(ctx, input.Body.Source),
		}
		if input.Body.Timestamp != nil {
			ts, err := domain.ParseTime(*input.Body.Timestamp)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Timestamp = &ts
		}
		d, err := e.CreateDeal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DealResponse `json:"body"`
	}, error) {
		if input.Status != "" {
			if _, err := domain.ParseState(input.Status); err != nil {
				return nil, handleError(err)
			}
		}
		items, err := e.Repo.ListDeals(ctx, repo.DealFilters{
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DealResponse `json:"body"`
		}{Body: mapDeals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}",
		Summary:     "Get deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
		Events bool   `query:"events"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDeal(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d, input.Events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-deal-event",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/events",
		Summary:     "Apply workflow event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DealID string            `path:"deal_id"`
		Body   ApplyEventRequest `json:"body"`
	}) (*struct {
		Body ApplyEventResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Event == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "event is required", nil)
		}
		opts := engine.ApplyEventOptions{
			Source: sourceOrActor(ctx, input.Body.Source),
			Context: engine.TransitionContext{
				Version:             input.Body.ContractVersion,
				Filename:            input.Body.ContractFilename,
				AppointmentAt:       input.Body.AppointmentAt,
				Comparison:          input.Body.Comparison,
				AutoSendToSolicitor: input.Body.AutoSendToSolicitor,
				Metadata:            input.Body.Metadata,
			},
		}
		if input.Body.Timestamp != nil {
			ts, err := domain.ParseTime(*input.Body.Timestamp)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Timestamp = &ts
		}
		res, err := e.ApplyEvent(ctx, input.DealID, input.Body.Event, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplyEventResponse `json:"body"`
		}{Body: ApplyEventResponse{
			Applied: res.Applied,
			Reason:  res.Reason,
			Deal:    dealResponse(res.Deal, false),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-timeline",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/timeline",
		Summary:     "Deal audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		events, err := e.Timeline(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func registerSLA(api huma.API, e engine.Engine) {
	monitor := sla.Monitor{Engine: e}

	huma.Register(api, huma.Operation{
		OperationID: "register-sla",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/sla/register",
		Summary:     "Arm buyer-signature deadline",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DealID string             `path:"deal_id"`
		Body   RegisterSLARequest `json:"body"`
	}) (*struct {
		Body RegisterSLAResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.AppointmentAt == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "appointment_datetime is required", nil)
		}
		deadline, err := monitor.RegisterTimer(ctx, input.DealID, input.Body.AppointmentAt, sourceOrActor(ctx, input.Body.Source), nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterSLAResponse `json:"body"`
		}{Body: RegisterSLAResponse{
			DealID:      input.DealID,
			SLADeadline: deadline.Format(time.RFC3339),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-sla",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/sla/cancel",
		Summary:     "Disarm buyer-signature deadline",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DealID string           `path:"deal_id"`
		Body   CancelSLARequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		if err := monitor.CancelTimer(ctx, input.DealID, input.Body.Reason, sourceOrActor(ctx, input.Body.Source)); err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDeal(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-sla",
		Method:      http.MethodGet,
		Path:        "/sla/pending",
		Summary:     "Deals with a reached deadline",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Now string `query:"now"`
	}) (*struct {
		Body []PendingSLAResponse `json:"body"`
	}, error) {
		now, err := nowOrDefault(e, input.Now)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.Repo.PendingSLAChecks(ctx, now)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]PendingSLAResponse, 0, len(pending))
		for _, p := range pending {
			res = append(res, PendingSLAResponse{
				DealID:   p.DealID,
				Deadline: p.Deadline.Format(time.RFC3339),
			})
		}
		return &struct {
			Body []PendingSLAResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-sla",
		Method:      http.MethodPost,
		Path:        "/sla/sweep",
		Summary:     "Fire overdue deadlines",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SweepRequest `json:"body"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		var raw string
		if input.Body.Now != nil {
			raw = *input.Body.Now
		}
		now, err := nowOrDefault(e, raw)
		if err != nil {
			return nil, handleError(err)
		}
		fired, err := monitor.EvaluateDue(ctx, now, sourceOrActor(ctx, input.Body.Source))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{
			CheckedAt: now.Format(time.RFC3339),
			Fired:     nonNilSlice(fired),
		}}, nil
	})
}

func registerClassify(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "classify-message",
		Method:      http.MethodPost,
		Path:        "/classify",
		Summary:     "Classify raw email text",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ClassifyRequest `json:"body"`
	}) (*struct {
		Body ClassifyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Message == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		msg, err := mailparse.Parse(strings.NewReader(input.Body.Message))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid message: "+err.Error(), nil)
		}
		classifier := classify.Classifier{}
		if e.Config != nil {
			classifier.Threshold = e.Config.Threshold()
		}
		return &struct {
			Body ClassifyResponse `json:"body"`
		}{Body: classifyResponse(classifier.Classify(msg))}, nil
	})
}

func registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "compare-documents",
		Method:      http.MethodPost,
		Path:        "/audit/compare",
		Summary:     "Compare contract fields against the EOI",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CompareRequest `json:"body"`
	}) (*struct {
		Body domain.ComparisonResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.EOI) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "eoi is required", nil)
		}
		if len(input.Body.Contract) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "contract is required", nil)
		}
		res, err := audit.Compare(input.Body.EOI, input.Body.Contract)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body domain.ComparisonResult `json:"body"`
		}{Body: *res}, nil
	})
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "draft-notification",
		Method:      http.MethodPost,
		Path:        "/drafts/{kind}",
		Summary:     "Render a notification draft from a deal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Kind string       `path:"kind"`
		Body DraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.DealID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "deal_id is required", nil)
		}
		d, err := e.Repo.GetDeal(ctx, input.Body.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		p := draftParams(e, d)
		var draft notify.Draft
		switch strings.ToUpper(input.Kind) {
		case notify.KindContractToSolicitor:
			draft = notify.ContractToSolicitor(p)
		case notify.KindVendorRelease:
			draft = notify.VendorRelease(p)
		case notify.KindDiscrepancyAlert:
			draft = notify.DiscrepancyAlert(p, comparisonFromDeal(d))
		case notify.KindSLAOverdue:
			draft = notify.SLAOverdue(p)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown draft kind %q", input.Kind), nil)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(draft)}, nil
	})
}

func registerWhoami(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/whoami",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

// draftParams projects a deal onto the facts the notify builders consume.
func draftParams(e engine.Engine, d *domain.Deal) notify.Params {
	now := time.Now().UTC()
	if e.Now != nil {
		now = e.Now()
	}
	p := notify.Params{
		LotNumber:      domain.CanonicalString(d.Canonical, "property.lot_number"),
		Address:        domain.CanonicalString(d.Canonical, "property.address"),
		SolicitorName:  domain.CanonicalString(d.Canonical, "solicitor.name"),
		SolicitorEmail: d.SolicitorEmail,
		VendorName:     domain.CanonicalString(d.Canonical, "vendor.name"),
		VendorEmail:    d.VendorEmail,
		Now:            now,
	}
	if p.SolicitorEmail == "" {
		p.SolicitorEmail = domain.CanonicalString(d.Canonical, "solicitor.email")
	}
	for _, key := range []string{"purchaser_1.full_name", "purchaser_2.full_name"} {
		if name := domain.CanonicalString(d.Canonical, key); name != "" {
			p.PurchaserNames = append(p.PurchaserNames, name)
		}
	}
	if c := d.Contracts[d.CurrentVersion]; c != nil {
		p.ContractFilename = c.Filename
	}
	if e.Config != nil {
		p.Company = e.Config.Notify.Company
		p.SupportAddr = e.Config.Notify.SupportAddress
		p.SystemAddr = e.Config.Notify.SystemAddress
	}
	if d.SolicitorAppointment != nil {
		p.AppointmentAt = notify.FormatAppointment(*d.SolicitorAppointment)
	}
	if d.SLADeadline != nil {
		p.Deadline = notify.FormatAppointment(*d.SLADeadline)
		if now.After(*d.SLADeadline) {
			p.Overdue = notify.FormatOverdue(now.Sub(*d.SLADeadline))
		}
	}
	return p
}

// comparisonFromDeal rebuilds the comparator verdict for the deal's current
// contract revision from its stored record.
func comparisonFromDeal(d *domain.Deal) *domain.ComparisonResult {
	c := d.Contracts[d.CurrentVersion]
	if c == nil {
		return nil
	}
	cmp := &domain.ComparisonResult{
		ContractVersion: fmt.Sprintf("V%d", c.Version),
		SourceFile:      c.Filename,
		RiskScore:       c.RiskScore,
		MismatchCount:   len(c.Mismatches),
		Mismatches:      c.Mismatches,
	}
	if c.IsValid != nil {
		cmp.IsValid = *c.IsValid
	}
	return cmp
}

// sourceOrActor resolves the audit source for a mutation: an explicit value
// wins, then the authenticated actor, then the engine's "system" default.
func sourceOrActor(ctx context.Context, source string) string {
	if source != "" {
		return source
	}
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID
	}
	return ""
}

func nowOrDefault(e engine.Engine, raw string) (time.Time, error) {
	if raw != "" {
		return domain.ParseTime(raw)
	}
	if e.Now != nil {
		return e.Now(), nil
	}
	return time.Now().UTC(), nil
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
