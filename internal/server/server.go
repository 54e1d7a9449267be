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
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"autoflow/internal/domain"
	"autoflow/internal/engine"
	"autoflow/internal/ledger"
	"autoflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Ledger   ledger.Ledger
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_authorized"`
	Message string         `json:"message" example:"address mallory is not authorized to execute this function"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the autoflow API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Autoflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBalances(group, cfg.Ledger)
	registerFees(group, cfg.Ledger)
	registerWorkflows(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerCharges(group, cfg.Engine, cfg.Ledger)
	registerAdmin(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

	var ledgerAuth ledger.NotAuthorizedError
	if errors.As(err, &ledgerAuth) {
		return newAPIError(http.StatusForbidden, "not_authorized", err.Error(), map[string]any{"address": ledgerAuth.Address})
	}
	var engineAuth engine.NotAuthorizedError
	if errors.As(err, &engineAuth) {
		return newAPIError(http.StatusForbidden, "not_authorized", err.Error(), map[string]any{"address": engineAuth.Address})
	}
	var notWhitelisted engine.ContractNotWhitelistedError
	if errors.As(err, &notWhitelisted) {
		return newAPIError(http.StatusForbidden, "contract_not_whitelisted", err.Error(), map[string]any{
			"contract": notWhitelisted.Contract, "workflow_id": notWhitelisted.WorkflowID,
		})
	}

	var wfNotFound engine.WorkflowNotFoundError
	var actionNotFound engine.ActionNotFoundError
	var tplNotFound engine.TemplateNotFoundError
	switch {
	case errors.As(err, &wfNotFound),
		errors.As(err, &actionNotFound),
		errors.As(err, &tplNotFound),
		errors.Is(err, engine.ErrInstanceNotFound),
		errors.Is(err, engine.ErrNoPaymentConfig),
		errors.Is(err, engine.ErrUnknownCorrelationID),
		errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}

	var dup engine.WorkflowAlreadyExistsError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	}

	var insufficient ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_balance", err.Error(), map[string]any{
			"available": insufficient.Available, "requested": insufficient.Requested,
		})
	}
	var allowance engine.AllowanceExceededError
	if errors.As(err, &allowance) {
		return newAPIError(http.StatusUnprocessableEntity, "allowance_exceeded", err.Error(), map[string]any{
			"allowance": allowance.Allowance, "requested": allowance.Requested,
		})
	}

	var badDenom ledger.DenomNotAcceptedError
	var badCreator ledger.InvalidCreatorAddressError
	var badPayment ledger.InvalidPaymentError
	var missingParam engine.MissingParamError
	var badFunds engine.InvalidFundsError
	switch {
	case errors.As(err, &badDenom),
		errors.As(err, &badCreator),
		errors.As(err, &badPayment),
		errors.As(err, &missingParam),
		errors.As(err, &badFunds),
		errors.Is(err, ledger.ErrNoFundsSent),
		errors.Is(err, ledger.ErrInvalidWithdrawalAmount):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}

	var notApproved engine.WorkflowNotApprovedError
	var private engine.PrivateWorkflowError
	switch {
	case errors.As(err, &notApproved),
		errors.As(err, &private),
		errors.Is(err, engine.ErrCannotExecuteAction),
		errors.Is(err, engine.ErrInstanceExpired),
		errors.Is(err, engine.ErrInstanceNotRunning),
		errors.Is(err, engine.ErrInstanceNotPaused),
		errors.Is(err, engine.ErrInstanceNotRecurrent),
		errors.Is(err, engine.ErrInstanceNotCancelled):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	}

	switch {
	case errors.Is(err, ledger.ErrNoCreatorFeesToClaim),
		errors.Is(err, ledger.ErrNoExecutionFeesToDistribute),
		errors.Is(err, ledger.ErrNoCreatorFeesToDistribute):
		return newAPIError(http.StatusUnprocessableEntity, "nothing_to_distribute", err.Error(), nil)
	}

	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Autoflow API Docs</title>
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

func registerBalances(api huma.API, led ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID: "deposit",
		Method:      http.MethodPost,
		Path:        "/balances/deposit",
		Summary:     "Deposit funds into the caller's balance",
	}, func(ctx context.Context, input *struct {
		Body DepositRequest `json:"body"`
	}) (*struct {
		Body BalancesResponse `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		balances, err := led.Deposit(ctx, sender, coinsFromRequest(input.Body.Funds))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalancesResponse `json:"body"`
		}{Body: BalancesResponse{User: sender, Balances: balances}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw",
		Method:      http.MethodPost,
		Path:        "/balances/withdraw",
		Summary:     "Withdraw from the caller's balance",
	}, func(ctx context.Context, input *struct {
		Body WithdrawRequest `json:"body"`
	}) (*struct {
		Body WithdrawResponse `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		newBalance, err := led.Withdraw(ctx, sender, input.Body.Denom, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WithdrawResponse `json:"body"`
		}{Body: WithdrawResponse{Denom: input.Body.Denom, NewBalance: newBalance}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-balances",
		Method:      http.MethodGet,
		Path:        "/balances/{user}",
		Summary:     "Per-user balances across all accepted denoms",
	}, func(ctx context.Context, input *struct {
		User string `path:"user"`
	}) (*struct {
		Body BalancesResponse `json:"body"`
	}, error) {
		balances, err := led.UserBalances(ctx, input.User)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalancesResponse `json:"body"`
		}{Body: BalancesResponse{User: input.User, Balances: balances}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-debt-limit",
		Method:      http.MethodGet,
		Path:        "/balances/{user}/debt-limit",
		Summary:     "Whether the user exceeded any denom's debt cap",
	}, func(ctx context.Context, input *struct {
		User string `path:"user"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		exceeded, err := led.HasExceededDebtLimit(ctx, input.User)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"exceeded": exceeded}}, nil
	})
}

func registerFees(api huma.API, led ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID: "charge-fees-from-balance",
		Method:      http.MethodPost,
		Path:        "/fees/charge-from-balance",
		Summary:     "Charge a fee batch against user balances",
	}, func(ctx context.Context, input *struct {
		Body ChargeFromBalanceRequest `json:"body"`
	}) (*struct {
		Body ChargeFromBalanceResponse `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		below, err := led.ChargeFeesFromUserBalance(ctx, sender, batchFromRequest(input.Body.Batch))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChargeFromBalanceResponse `json:"body"`
		}{Body: ChargeFromBalanceResponse{BelowThreshold: below}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "charge-fees-from-coins",
		Method:      http.MethodPost,
		Path:        "/fees/charge-from-coins",
		Summary:     "Charge fees from funds attached to the call",
	}, func(ctx context.Context, input *struct {
		Body ChargeFromCoinsRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := senderFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		err := led.ChargeFeesFromMessageCoins(ctx, feesFromRequest(input.Body.Fees), coinsFromRequest(input.Body.Funds))
		if err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-creator-fees",
		Method:      http.MethodPost,
		Path:        "/fees/claim",
		Summary:     "Claim the caller's accrued creator fees",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CreatorFeesResponse `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		claimed, err := led.ClaimCreatorFees(ctx, sender)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatorFeesResponse `json:"body"`
		}{Body: CreatorFeesResponse{Creator: sender, Fees: claimed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "distribute-non-creator-fees",
		Method:      http.MethodPost,
		Path:        "/fees/distribute/non-creator",
		Summary:     "Send execution and distribution fees to their destinations",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := led.DistributeNonCreatorFees(ctx, sender); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "distribute-creator-fees",
		Method:      http.MethodPost,
		Path:        "/fees/distribute/creator",
		Summary:     "Pay subscribed creators minus the platform cut",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := led.DistributeCreatorFees(ctx, sender); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-fee-subscription",
		Method:      http.MethodPut,
		Path:        "/fees/subscription",
		Summary:     "Opt the caller in or out of creator fee distribution",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Subscribed bool `json:"subscribed"`
		} `json:"body"`
	}) (*struct {
		Body SubscriptionResponse `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var err error
		if input.Body.Subscribed {
			err = led.EnableCreatorFeeDistribution(ctx, sender)
		} else {
			err = led.DisableCreatorFeeDistribution(ctx, sender)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubscriptionResponse `json:"body"`
		}{Body: SubscriptionResponse{Creator: sender, Subscribed: input.Body.Subscribed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-creator-fees",
		Method:      http.MethodGet,
		Path:        "/fees/creator/{creator}",
		Summary:     "Non-zero accrued fees for one creator",
	}, func(ctx context.Context, input *struct {
		Creator string `path:"creator"`
	}) (*struct {
		Body CreatorFeesResponse `json:"body"`
	}, error) {
		fees, err := led.CreatorFees(ctx, input.Creator)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatorFeesResponse `json:"body"`
		}{Body: CreatorFeesResponse{Creator: input.Creator, Fees: fees}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-non-creator-fees",
		Method:      http.MethodGet,
		Path:        "/fees/non-creator",
		Summary:     "Aggregate execution and distribution fee totals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ledger.NonCreatorFees `json:"body"`
	}, error) {
		fees, err := led.GetNonCreatorFees(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.NonCreatorFees `json:"body"`
		}{Body: fees}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-fee-subscription",
		Method:      http.MethodGet,
		Path:        "/fees/subscription/{creator}",
		Summary:     "Creator's distribution opt-in flag",
	}, func(ctx context.Context, input *struct {
		Creator string `path:"creator"`
	}) (*struct {
		Body SubscriptionResponse `json:"body"`
	}, error) {
		subscribed, err := led.IsCreatorSubscribed(ctx, input.Creator)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubscriptionResponse `json:"body"`
		}{Body: SubscriptionResponse{Creator: input.Creator, Subscribed: subscribed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subscribed-creators",
		Method:      http.MethodGet,
		Path:        "/fees/subscribed-creators",
		Summary:     "All creators opted into distribution",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		creators, err := led.SubscribedCreators(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: creators}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Publish a workflow graph",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body PublishWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		w, err := e.PublishWorkflow(ctx, sender, domain.Workflow{
			ID:           input.Body.ID,
			StartActions: input.Body.StartActions,
			EndActions:   input.Body.EndActions,
			Visibility:   input.Body.Visibility,
			State:        input.Body.State,
		}, input.Body.Actions)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: WorkflowResponse{Workflow: w, Actions: input.Body.Actions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get a workflow with its actions",
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		w, actions, err := e.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: WorkflowResponse{Workflow: w, Actions: actions}}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "execute-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Create a running instance of a workflow",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body ExecuteInstanceRequest `json:"body"`
	}) (*struct {
		Body domain.Instance `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.ExecuteInstance(ctx, sender, engine.ExecuteInstanceOptions{
			WorkflowID:     input.Body.WorkflowID,
			ExecutionType:  input.Body.ExecutionType,
			ExpirationTime: input.Body.ExpirationTime,
			OnchainParams:  input.Body.OnchainParams,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Instance `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List the caller's instances",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Instance `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListInstances(ctx, sender)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Instance `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get one of the caller's instances",
	}, func(ctx context.Context, input *struct {
		InstanceID uint64 `path:"instance_id"`
	}) (*struct {
		Body domain.Instance `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.GetInstance(ctx, sender, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Instance `json:"body"`
		}{Body: in}, nil
	})

	type instanceTransition struct {
		InstanceID uint64 `path:"instance_id"`
	}
	transitions := []struct {
		id, pathSuffix, summary string
		apply                   func(ctx context.Context, sender string, id uint64) error
	}{
		{"cancel-instance", "cancel", "Cancel a running or paused instance", e.CancelInstance},
		{"pause-instance", "pause", "Pause a running instance", e.PauseInstance},
		{"resume-instance", "resume", "Resume a paused instance", e.ResumeInstance},
	}
	for _, tr := range transitions {
		apply := tr.apply
		huma.Register(api, huma.Operation{
			OperationID: tr.id,
			Method:      http.MethodPost,
			Path:        "/instances/{instance_id}/" + tr.pathSuffix,
			Summary:     tr.summary,
		}, func(ctx context.Context, input *instanceTransition) (*struct{}, error) {
			sender, authErr := senderFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := apply(ctx, sender, input.InstanceID); err != nil {
				return nil, handleError(err)
			}
			return nil, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "finish-instances",
		Method:      http.MethodPost,
		Path:        "/admin/instances/finish",
		Summary:     "Force instances to finished",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Instances []engine.InstanceRef `json:"instances"`
		} `json:"body"`
	}) (*struct{}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.FinishInstances(ctx, sender, input.Body.Instances); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-instances",
		Method:      http.MethodPost,
		Path:        "/admin/instances/purge",
		Summary:     "Delete cancelled and finished instances",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.PurgeInstances(ctx, sender)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"purged": n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-instance",
		Method:      http.MethodPost,
		Path:        "/admin/instances/{requester}/{instance_id}/reset",
		Summary:     "Clear an instance's cursor",
	}, func(ctx context.Context, input *struct {
		Requester  string `path:"requester"`
		InstanceID uint64 `path:"instance_id"`
	}) (*struct{}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResetInstance(ctx, sender, input.Requester, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-action",
		Method:      http.MethodPost,
		Path:        "/actions/execute",
		Summary:     "Advance an instance through one action",
	}, func(ctx context.Context, input *struct {
		Body ExecuteActionRequest `json:"body"`
	}) (*struct{}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		err := e.ExecuteAction(ctx, sender, engine.ExecuteActionOptions{
			UserAddress: input.Body.UserAddress,
			InstanceID:  input.Body.InstanceID,
			ActionID:    input.Body.ActionID,
			TemplateID:  input.Body.TemplateID,
			CallParams:  input.Body.CallParams,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerCharges(api huma.API, e engine.Engine, led ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID: "charge-fees",
		Method:      http.MethodPost,
		Path:        "/charges",
		Summary:     "Submit and settle a manager-side charge batch",
	}, func(ctx context.Context, input *struct {
		Body ChargeFeesRequest `json:"body"`
	}) (*struct {
		Body ChargeFeesResponse `json:"body"`
	}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		correlationID, err := e.ChargeFees(ctx, sender, led, batchFromRequest(input.Body.Batch))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChargeFeesResponse `json:"body"`
		}{Body: ChargeFeesResponse{CorrelationID: correlationID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "charge-reply",
		Method:      http.MethodPost,
		Path:        "/charges/{correlation_id}/reply",
		Summary:     "Deliver the settlement reply for a pending charge",
	}, func(ctx context.Context, input *struct {
		CorrelationID string `path:"correlation_id"`
		Body          struct {
			Success bool   `json:"success"`
			Reason  string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := senderFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.HandleChargeReply(ctx, input.CorrelationID, input.Body.Success, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-roles",
		Method:      http.MethodPatch,
		Path:        "/admin/roles",
		Summary:     "Update role addresses",
	}, func(ctx context.Context, input *struct {
		Body RolesUpdateRequest `json:"body"`
	}) (*struct{}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Crank != "" {
			if err := e.SetCrankAddress(ctx, sender, input.Body.Crank); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.AllowedPublishers != nil {
			if err := e.SetAllowedPublishers(ctx, sender, input.Body.AllowedPublishers); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.AllowedActionExecutors != nil {
			if err := e.SetAllowedActionExecutors(ctx, sender, input.Body.AllowedActionExecutors); err != nil {
				return nil, handleError(err)
			}
		}
		// ownership transfer last, so the same call can still use the old
		// owner for the other updates
		if input.Body.Owner != "" {
			if err := e.SetOwner(ctx, sender, input.Body.Owner); err != nil {
				return nil, handleError(err)
			}
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-payment-config",
		Method:      http.MethodPut,
		Path:        "/admin/payment-configs",
		Summary:     "Install a user's charging allowance",
	}, func(ctx context.Context, input *struct {
		Body PaymentConfigRequest `json:"body"`
	}) (*struct{}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		err := e.SetUserPaymentConfig(ctx, sender, domain.PaymentConfig{
			User:      input.Body.User,
			Allowance: input.Body.Allowance,
			Source:    input.Body.Source,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-payment-config",
		Method:      http.MethodDelete,
		Path:        "/admin/payment-configs/{user}",
		Summary:     "Remove a user's payment config",
	}, func(ctx context.Context, input *struct {
		User string `path:"user"`
	}) (*struct{}, error) {
		sender, authErr := senderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveUserPaymentConfig(ctx, sender, input.User); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-payment-config",
		Method:      http.MethodGet,
		Path:        "/payment-configs/{user}",
		Summary:     "Get a user's payment config",
	}, func(ctx context.Context, input *struct {
		User string `path:"user"`
	}) (*struct {
		Body domain.PaymentConfig `json:"body"`
	}, error) {
		pc, err := e.GetUserPaymentConfig(ctx, input.User)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PaymentConfig `json:"body"`
		}{Body: pc}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	type afterLimit struct {
		After int64 `query:"after" default:"0"`
		Limit int   `query:"limit" default:"100" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List emitted events",
	}, func(ctx context.Context, input *afterLimit) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transfers",
		Method:      http.MethodGet,
		Path:        "/transfers",
		Summary:     "List outbound transfer instructions",
	}, func(ctx context.Context, input *afterLimit) (*struct {
		Body []domain.Transfer `json:"body"`
	}, error) {
		items, err := e.Repo.ListTransfers(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transfer `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contract-calls",
		Method:      http.MethodGet,
		Path:        "/contract-calls",
		Summary:     "List outbound delegated contract calls",
	}, func(ctx context.Context, input *afterLimit) (*struct {
		Body []domain.ContractCall `json:"body"`
	}, error) {
		items, err := e.Repo.ListContractCalls(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ContractCall `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key bound to an address",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := senderFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Address == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "address is required", nil)
		}
		rawKey := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			Address:   input.Body.Address,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{ID: key.ID, Address: key.Address, Name: key.Name, Key: rawKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := senderFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete an API key",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := senderFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
