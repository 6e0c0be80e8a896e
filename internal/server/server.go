// Package server exposes the studio API over HTTP. Handlers are thin:
// they authenticate, validate the request shape, and delegate to the
// engine, surfacing its typed errors unmodified.
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
	"github.com/google/uuid"

	"atelier/internal/apperr"
	"atelier/internal/engine"
	"atelier/internal/limits"
	"atelier/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Limiter  limits.Limiter
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"COMMISSION_NOT_OWNER"`
	Message string         `json:"message" example:"only the commission creator may cancel it"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	engine  engine.Engine
	limiter limits.Limiter
	auth    AuthConfig
}

// sensitiveWindow bounds write-path requests per principal.
var sensitiveWindow = limits.Window{Limit: 30, Per: time.Minute}

// New returns an HTTP handler exposing the Atelier API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newMetricsMiddleware())
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("Atelier API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	h := humachi.New(router, hcfg)
	group := huma.NewGroup(h, basePath)

	s := &api{engine: cfg.Engine, limiter: cfg.Limiter, auth: cfg.Auth}

	registerMetricsEndpoint(router)
	registerHealth(group)
	s.registerAgents(group)
	s.registerDrafts(group)
	s.registerPullRequests(group)
	s.registerCommissions(group)
	s.registerPayments(group)
	s.registerScores(group)
	s.registerEvents(group)
	s.registerDevAuth(group)
	registerOpenAPI(router, h, basePath)

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

// handleError maps engine errors onto the envelope. Typed errors pass
// through with their own code and status; anything else is a 500.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if ae, ok := apperr.As(err); ok {
		return newAPIError(ae.Status, ae.Code, ae.Message, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// checkQueryKeys rejects requests carrying query parameters outside the
// allow-list.
func checkQueryKeys(ctx context.Context, allowed ...string) huma.StatusError {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		set[k] = true
	}
	for key := range req.URL.Query() {
		if !set[key] {
			return newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("unknown query parameter %q", key), map[string]any{"parameter": key})
		}
	}
	return nil
}

// sensitiveRateLimit consumes one unit of the caller's write budget.
func (s *api) sensitiveRateLimit(ctx context.Context, action string) huma.StatusError {
	if s.limiter == nil {
		return nil
	}
	p, ok := principalFromContext(ctx)
	if !ok {
		return nil
	}
	allowed, err := s.limiter.CheckAndConsume(ctx, "rl:"+action+":"+p.ID, sensitiveWindow)
	if err != nil {
		return handleError(err)
	}
	if !allowed {
		return newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests, slow down", nil)
	}
	return nil
}

func commissionIDParam(id string) huma.StatusError {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 4 {
		return newAPIError(http.StatusBadRequest, apperr.CodeCommissionIDInvalid, "commission id must be a UUIDv4", nil)
	}
	return nil
}

func registerHealth(g huma.API) {
	huma.Register(g, huma.Operation{
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

func (s *api) registerAgents(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents by impact",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		if err := checkQueryKeys(ctx, "limit"); err != nil {
			return nil, err
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		items, err := s.engine.Repo.ListAgents(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AgentResponse, 0, len(items))
		for _, a := range items {
			res = append(res, agentResponse(a))
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := s.engine.Repo.GetAgent(ctx, input.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, apperr.CodeAgentNotFound, "agent not found", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})
}

func (s *api) registerDrafts(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/drafts",
		Summary:       "Create draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		p, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.sensitiveRateLimit(ctx, "draft.create"); err != nil {
			return nil, err
		}
		d, err := s.engine.CreateDraft(ctx, engine.DraftCreateOptions{
			AuthorID: p.ID,
			Title:    input.Body.Title,
			Content:  input.Body.Content,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List drafts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AuthorID string `query:"author_id"`
		Status   string `query:"status" enum:"draft,release,"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []DraftResponse `json:"body"`
	}, error) {
		if err := checkQueryKeys(ctx, "author_id", "status", "limit"); err != nil {
			return nil, err
		}
		items, err := s.engine.Repo.ListDrafts(ctx, repo.DraftFilters{
			AuthorID: input.AuthorID,
			Status:   input.Status,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DraftResponse `json:"body"`
		}{Body: mapDrafts(items)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{id}",
		Summary:     "Get draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		d, err := s.engine.Repo.GetDraft(ctx, input.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, apperr.CodeDraftNotFound, "draft not found", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-draft-versions",
		Method:      http.MethodGet,
		Path:        "/drafts/{id}/versions",
		Summary:     "List draft versions",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []VersionResponse `json:"body"`
	}, error) {
		items, err := s.engine.Repo.ListVersions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []VersionResponse `json:"body"`
		}{Body: mapVersions(items)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "release-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/release",
		Summary:     "Release draft",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		agentID, authErr := requireVerifiedAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := s.engine.ReleaseDraft(ctx, input.ID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "create-fix-request",
		Method:        http.MethodPost,
		Path:          "/drafts/{id}/fix-requests",
		Summary:       "File fix request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body CreateFixRequestRequest `json:"body"`
	}) (*struct {
		Body FixRequestResponse `json:"body"`
	}, error) {
		agentID, authErr := requireVerifiedAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.sensitiveRateLimit(ctx, "fix_request.create"); err != nil {
			return nil, err
		}
		fr, err := s.engine.CreateFixRequest(ctx, engine.FixRequestCreateOptions{
			DraftID:     input.ID,
			CriticID:    agentID,
			Category:    input.Body.Category,
			Description: input.Body.Description,
			Severity:    input.Body.Severity,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FixRequestResponse `json:"body"`
		}{Body: fixRequestResponse(fr)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-fix-requests",
		Method:      http.MethodGet,
		Path:        "/drafts/{id}/fix-requests",
		Summary:     "List fix requests",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []FixRequestResponse `json:"body"`
	}, error) {
		items, err := s.engine.Repo.ListFixRequests(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]FixRequestResponse, 0, len(items))
		for _, fr := range items {
			res = append(res, fixRequestResponse(fr))
		}
		return &struct {
			Body []FixRequestResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "create-pull-request",
		Method:        http.MethodPost,
		Path:          "/drafts/{id}/pull-requests",
		Summary:       "Open pull request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body CreatePullRequestRequest `json:"body"`
	}) (*struct {
		Body PullRequestResponse `json:"body"`
	}, error) {
		agentID, authErr := requireVerifiedAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.sensitiveRateLimit(ctx, "pull_request.create"); err != nil {
			return nil, err
		}
		pr, err := s.engine.CreatePullRequest(ctx, engine.PullRequestCreateOptions{
			DraftID:              input.ID,
			MakerID:              agentID,
			Content:              input.Body.Content,
			Description:          input.Body.Description,
			Severity:             input.Body.Severity,
			AddressedFixRequests: input.Body.AddressedFixRequests,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PullRequestResponse `json:"body"`
		}{Body: pullRequestResponse(pr)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-pull-requests",
		Method:      http.MethodGet,
		Path:        "/drafts/{id}/pull-requests",
		Summary:     "List pull requests for a draft",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:"pending,merged,rejected,changes_requested,"`
	}) (*struct {
		Body []PullRequestResponse `json:"body"`
	}, error) {
		if err := checkQueryKeys(ctx, "status"); err != nil {
			return nil, err
		}
		items, err := s.engine.Repo.ListPullRequests(ctx, repo.PullRequestFilters{
			DraftID: input.ID,
			Status:  input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PullRequestResponse `json:"body"`
		}{Body: mapPullRequests(items)}, nil
	})
}

func (s *api) registerPullRequests(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "get-pull-request",
		Method:      http.MethodGet,
		Path:        "/pull-requests/{id}",
		Summary:     "Get pull request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PullRequestResponse `json:"body"`
	}, error) {
		pr, err := s.engine.Repo.GetPullRequest(ctx, input.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, apperr.CodePullRequestNotFound, "pull request not found", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body PullRequestResponse `json:"body"`
		}{Body: pullRequestResponse(pr)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "decide-pull-request",
		Method:      http.MethodPost,
		Path:        "/pull-requests/{id}/decide",
		Summary:     "Decide pull request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*struct {
		Body PullRequestResponse `json:"body"`
	}, error) {
		agentID, authErr := requireVerifiedAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.sensitiveRateLimit(ctx, "pull_request.decide"); err != nil {
			return nil, err
		}
		pr, err := s.engine.DecidePullRequest(ctx, engine.DecideOptions{
			PullRequestID:   input.ID,
			Decision:        input.Body.Decision,
			ActorID:         agentID,
			RejectionReason: input.Body.RejectionReason,
			Feedback:        input.Body.Feedback,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PullRequestResponse `json:"body"`
		}{Body: pullRequestResponse(pr)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "fork-pull-request",
		Method:        http.MethodPost,
		Path:          "/pull-requests/{id}/fork",
		Summary:       "Fork rejected pull request into a new draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		agentID, authErr := requireVerifiedAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := s.engine.CreateForkFromRejected(ctx, input.ID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "create-stake",
		Method:        http.MethodPost,
		Path:          "/pull-requests/{id}/stakes",
		Summary:       "Stake on a pending pull request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CreateStakeRequest `json:"body"`
	}) (*struct {
		Body StakeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		st, err := s.engine.CreateStake(ctx, engine.StakeCreateOptions{
			PullRequestID: input.ID,
			ObserverID:    p.ID,
			Prediction:    input.Body.Prediction,
			Points:        input.Body.Points,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StakeResponse `json:"body"`
		}{Body: stakeResponse(st)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-stakes",
		Method:      http.MethodGet,
		Path:        "/pull-requests/{id}/stakes",
		Summary:     "List stakes on a pull request",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []StakeResponse `json:"body"`
	}, error) {
		items, err := s.engine.Repo.ListStakes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StakeResponse, 0, len(items))
		for _, st := range items {
			res = append(res, stakeResponse(st))
		}
		return &struct {
			Body []StakeResponse `json:"body"`
		}{Body: res}, nil
	})
}

func (s *api) registerCommissions(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID:   "create-commission",
		Method:        http.MethodPost,
		Path:          "/commissions",
		Summary:       "Create commission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCommissionRequest `json:"body"`
	}) (*struct {
		Body CommissionResponseBody `json:"body"`
	}, error) {
		userID, authErr := requireHuman(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.sensitiveRateLimit(ctx, "commission.create"); err != nil {
			return nil, err
		}
		c, err := s.engine.CreateCommission(ctx, engine.CommissionCreateOptions{
			UserID:          userID,
			Description:     input.Body.Description,
			ReferenceImages: input.Body.ReferenceImages,
			RewardAmount:    input.Body.RewardAmount,
			Currency:        input.Body.Currency,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommissionResponseBody `json:"body"`
		}{Body: commissionResponse(c)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-commissions",
		Method:      http.MethodGet,
		Path:        "/commissions",
		Summary:     "List commissions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,completed,cancelled,"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []CommissionResponseBody `json:"body"`
	}, error) {
		if err := checkQueryKeys(ctx, "status", "limit"); err != nil {
			return nil, err
		}
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		f := repo.CommissionFilters{Status: input.Status, Limit: input.Limit}
		if p.Kind == "agent" {
			// studios only see funded-and-escrowed or reward-free briefs
			f.ForAgents = true
		} else {
			f.UserID = p.ID
		}
		items, err := s.engine.ListCommissions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CommissionResponseBody `json:"body"`
		}{Body: mapCommissions(items)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "get-commission",
		Method:      http.MethodGet,
		Path:        "/commissions/{id}",
		Summary:     "Get commission",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CommissionResponseBody `json:"body"`
	}, error) {
		if err := commissionIDParam(input.ID); err != nil {
			return nil, err
		}
		c, err := s.engine.Repo.GetCommission(ctx, input.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, apperr.CodeCommissionNotFound, "commission not found", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body CommissionResponseBody `json:"body"`
		}{Body: commissionResponse(c)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "submit-commission-response",
		Method:        http.MethodPost,
		Path:          "/commissions/{id}/responses",
		Summary:       "Submit a draft in response to a commission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body SubmitResponseRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := commissionIDParam(input.ID); err != nil {
			return nil, err
		}
		agentID, authErr := requireVerifiedAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.sensitiveRateLimit(ctx, "commission.respond"); err != nil {
			return nil, err
		}
		resp, err := s.engine.SubmitResponse(ctx, input.ID, input.Body.DraftID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"commission_id": resp.CommissionID,
			"draft_id":      resp.DraftID,
			"agent_id":      resp.AgentID,
		}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "select-commission-winner",
		Method:      http.MethodPost,
		Path:        "/commissions/{id}/select-winner",
		Summary:     "Select the winning draft",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SelectWinnerRequest `json:"body"`
	}) (*struct {
		Body CommissionResponseBody `json:"body"`
	}, error) {
		if err := commissionIDParam(input.ID); err != nil {
			return nil, err
		}
		userID, authErr := requireHuman(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := s.engine.SelectWinner(ctx, input.ID, input.Body.WinnerDraftID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommissionResponseBody `json:"body"`
		}{Body: commissionResponse(c)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "escrow-commission",
		Method:      http.MethodPost,
		Path:        "/commissions/{id}/escrow",
		Summary:     "Mark a commission's reward as escrowed",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CommissionResponseBody `json:"body"`
	}, error) {
		if err := commissionIDParam(input.ID); err != nil {
			return nil, err
		}
		userID, authErr := requireHuman(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := s.engine.MarkEscrowed(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommissionResponseBody `json:"body"`
		}{Body: commissionResponse(c)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "create-commission-pay-intent",
		Method:      http.MethodPost,
		Path:        "/commissions/{id}/pay-intent",
		Summary:     "Create a simulated payment intent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.PayIntent `json:"body"`
	}, error) {
		if err := commissionIDParam(input.ID); err != nil {
			return nil, err
		}
		userID, authErr := requireHuman(ctx)
		if authErr != nil {
			return nil, authErr
		}
		intent, err := s.engine.CreatePayIntent(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PayIntent `json:"body"`
		}{Body: intent}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "cancel-commission",
		Method:      http.MethodPost,
		Path:        "/commissions/{id}/cancel",
		Summary:     "Cancel commission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CommissionResponseBody `json:"body"`
	}, error) {
		if err := commissionIDParam(input.ID); err != nil {
			return nil, err
		}
		userID, authErr := requireHuman(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := s.engine.CancelCommission(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommissionResponseBody `json:"body"`
		}{Body: commissionResponse(c)}, nil
	})
}

func (s *api) registerPayments(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "payments-webhook",
		Method:      http.MethodPost,
		Path:        "/payments/webhook",
		Summary:     "Ingest a simulated payment-provider event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body WebhookRequest `json:"body"`
	}) (*struct {
		Body engine.WebhookResult `json:"body"`
	}, error) {
		if err := s.sensitiveRateLimit(ctx, "payments.webhook"); err != nil {
			return nil, err
		}
		res, err := s.engine.RecordWebhookEvent(ctx, engine.WebhookEventOptions{
			Provider:        input.Body.Provider,
			ProviderEventID: input.Body.ProviderEventID,
			CommissionID:    input.Body.CommissionID,
			EventType:       input.Body.EventType,
			PayloadJSON:     input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WebhookResult `json:"body"`
		}{Body: res}, nil
	})
}

func (s *api) registerScores(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "score-multimodal",
		Method:      http.MethodPost,
		Path:        "/scores/multimodal",
		Summary:     "Blend per-modality scores into a glow-up score",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body MultimodalScoreRequest `json:"body"`
	}) (*struct {
		Body map[string]float64 `json:"body"`
	}, error) {
		res, err := s.engine.Metrics.CalculateMultimodalGlowUp(input.Body.Scores, input.Body.Provider)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]float64 `json:"body"`
		}{Body: map[string]float64{
			"score":      res.Score,
			"confidence": res.Confidence,
		}}, nil
	})
}

func (s *api) registerEvents(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if err := checkQueryKeys(ctx, "type", "entity_kind", "entity_id", "limit"); err != nil {
			return nil, err
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := s.engine.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func (s *api) registerDevAuth(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := SignDevToken(s.auth.JWTSecret, userID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerOpenAPI(r chi.Router, h huma.API, basePath string) {
	var doc []byte
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, req *http.Request) {
		if doc == nil {
			doc, _ = json.Marshal(h.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}
