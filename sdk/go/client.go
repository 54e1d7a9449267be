package autoflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Autoflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Coin is an amount of one denom.
type Coin struct {
	Denom  string `json:"denom"`
	Amount uint64 `json:"amount"`
}

// Balance is a signed per-denom balance; negative means debt.
type Balance struct {
	Denom  string `json:"denom"`
	Amount int64  `json:"amount"`
}

// Fee is one fee line in a charge batch.
type Fee struct {
	Type    string `json:"fee_type"`
	Creator string `json:"creator_address,omitempty"`
	Denom   string `json:"denom"`
	Amount  uint64 `json:"amount"`
}

// UserFees groups one user's fees within a batch.
type UserFees struct {
	User string `json:"user"`
	Fees []Fee  `json:"fees"`
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	ID           string   `json:"id"`
	StartActions []string `json:"start_actions"`
	EndActions   []string `json:"end_actions"`
	Visibility   string   `json:"visibility"`
	State        string   `json:"state"`
	Publisher    string   `json:"publisher"`
}

// Action is one node of a workflow graph.
type Action struct {
	WorkflowID           string            `json:"workflow_id"`
	ID                   string            `json:"id"`
	NextActions          []string          `json:"next_actions"`
	Params               map[string]string `json:"params,omitempty"`
	Templates            []Template        `json:"templates,omitempty"`
	WhitelistedContracts []string          `json:"whitelisted_contracts,omitempty"`
}

// Template is one rendering of an action as a contract call.
type Template struct {
	ID       string `json:"id"`
	Contract string `json:"contract"`
	Message  string `json:"message"`
	Funds    string `json:"funds,omitempty"`
}

// Instance is a user's run of a workflow.
type Instance struct {
	Requester          string            `json:"requester"`
	ID                 uint64            `json:"id"`
	WorkflowID         string            `json:"workflow_id"`
	State              string            `json:"state"`
	LastExecutedAction *string           `json:"last_executed_action,omitempty"`
	ExecutionType      string            `json:"execution_type"`
	ExpirationTime     string            `json:"expiration_time"`
	OnchainParams      map[string]string `json:"onchain_parameters,omitempty"`
}

// Event is one log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Attributes []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"attributes"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Deposit adds funds to the caller's balance.
func (c *Client) Deposit(ctx context.Context, funds []Coin) ([]Balance, error) {
	var resp struct {
		Balances []Balance `json:"balances"`
	}
	err := c.do(ctx, http.MethodPost, "balances/deposit", map[string]any{"funds": funds}, &resp)
	return resp.Balances, err
}

// Withdraw pulls positive balance back out. Debt cannot be withdrawn into.
func (c *Client) Withdraw(ctx context.Context, denom string, amount uint64) (int64, error) {
	var resp struct {
		NewBalance int64 `json:"new_balance"`
	}
	err := c.do(ctx, http.MethodPost, "balances/withdraw", map[string]any{"denom": denom, "amount": amount}, &resp)
	return resp.NewBalance, err
}

// Balances returns a user's balances across all accepted denoms.
func (c *Client) Balances(ctx context.Context, user string) ([]Balance, error) {
	var resp struct {
		Balances []Balance `json:"balances"`
	}
	err := c.do(ctx, http.MethodGet, "balances/"+url.PathEscape(user), nil, &resp)
	return resp.Balances, err
}

// ChargeFromBalance debits a fee batch against user balances. Requires the
// workflow-manager role. Returns the (user, denom) pairs that fell to or
// below their configured threshold.
func (c *Client) ChargeFromBalance(ctx context.Context, batch []UserFees) ([]struct {
	User  string `json:"user"`
	Denom string `json:"denom"`
}, error) {
	var resp struct {
		BelowThreshold []struct {
			User  string `json:"user"`
			Denom string `json:"denom"`
		} `json:"below_threshold"`
	}
	err := c.do(ctx, http.MethodPost, "fees/charge-from-balance", map[string]any{"batch": batch}, &resp)
	return resp.BelowThreshold, err
}

// ClaimCreatorFees claims the caller's accrued creator fees in full.
func (c *Client) ClaimCreatorFees(ctx context.Context) ([]Coin, error) {
	var resp struct {
		Fees []Coin `json:"fees"`
	}
	err := c.do(ctx, http.MethodPost, "fees/claim", nil, &resp)
	return resp.Fees, err
}

// PublishWorkflow registers a workflow graph.
func (c *Client) PublishWorkflow(ctx context.Context, w Workflow, actions []Action) (Workflow, error) {
	body := map[string]any{
		"id":            w.ID,
		"start_actions": w.StartActions,
		"end_actions":   w.EndActions,
		"visibility":    w.Visibility,
		"state":         w.State,
		"actions":       actions,
	}
	var resp struct {
		Workflow Workflow `json:"workflow"`
	}
	err := c.do(ctx, http.MethodPost, "workflows", body, &resp)
	return resp.Workflow, err
}

// GetWorkflow fetches a workflow and its actions.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, []Action, error) {
	var resp struct {
		Workflow Workflow `json:"workflow"`
		Actions  []Action `json:"actions"`
	}
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(id), nil, &resp)
	return resp.Workflow, resp.Actions, err
}

// ExecuteInstance creates a running instance of a workflow for the caller.
func (c *Client) ExecuteInstance(ctx context.Context, workflowID, executionType, expirationTime string, onchainParams map[string]string) (Instance, error) {
	body := map[string]any{
		"workflow_id":        workflowID,
		"execution_type":     executionType,
		"expiration_time":    expirationTime,
		"onchain_parameters": onchainParams,
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "instances", body, &resp)
	return resp, err
}

// ListInstances returns the caller's instances.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	var resp []Instance
	err := c.do(ctx, http.MethodGet, "instances", nil, &resp)
	return resp, err
}

// GetInstance fetches one of the caller's instances.
func (c *Client) GetInstance(ctx context.Context, id uint64) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("instances/%d", id), nil, &resp)
	return resp, err
}

// CancelInstance cancels a running or paused instance.
func (c *Client) CancelInstance(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("instances/%d/cancel", id), nil, nil)
}

// PauseInstance pauses a running instance.
func (c *Client) PauseInstance(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("instances/%d/pause", id), nil, nil)
}

// ResumeInstance resumes a paused instance.
func (c *Client) ResumeInstance(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("instances/%d/resume", id), nil, nil)
}

// ExecuteAction advances an instance through one action. Requires the
// action-executor role.
func (c *Client) ExecuteAction(ctx context.Context, userAddress string, instanceID uint64, actionID, templateID string, callParams map[string]string) error {
	body := map[string]any{
		"user_address": userAddress,
		"instance_id":  instanceID,
		"action_id":    actionID,
		"template_id":  templateID,
		"call_params":  callParams,
	}
	return c.do(ctx, http.MethodPost, "actions/execute", body, nil)
}

// ChargeFees submits and settles a manager-side charge batch. Requires the
// owner role. Returns the correlation id of the settled charge.
func (c *Client) ChargeFees(ctx context.Context, batch []UserFees) (string, error) {
	var resp struct {
		CorrelationID string `json:"correlation_id"`
	}
	err := c.do(ctx, http.MethodPost, "charges", map[string]any{"batch": batch}, &resp)
	return resp.CorrelationID, err
}

// Events returns events after the given id, oldest first.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
