package server

import (
	"autoflow/internal/domain"
	"autoflow/internal/ledger"
)

type CoinRequest struct {
	Denom  string `json:"denom" example:"uusdc"`
	Amount uint64 `json:"amount" example:"500"`
}

type DepositRequest struct {
	Funds []CoinRequest `json:"funds"`
}

type BalancesResponse struct {
	User     string           `json:"user"`
	Balances []domain.Balance `json:"balances"`
}

type WithdrawRequest struct {
	Denom  string `json:"denom" example:"uusdc"`
	Amount uint64 `json:"amount" example:"200"`
}

type WithdrawResponse struct {
	Denom      string `json:"denom"`
	NewBalance int64  `json:"new_balance"`
}

type FeeRequest struct {
	Type    string `json:"fee_type" enum:"execution,creator"`
	Creator string `json:"creator_address,omitempty"`
	Denom   string `json:"denom"`
	Amount  uint64 `json:"amount"`
}

type UserFeesRequest struct {
	User string       `json:"user"`
	Fees []FeeRequest `json:"fees"`
}

type ChargeFromBalanceRequest struct {
	Batch []UserFeesRequest `json:"batch"`
}

type ChargeFromBalanceResponse struct {
	BelowThreshold []ledger.BelowThreshold `json:"below_threshold,omitempty"`
}

type ChargeFromCoinsRequest struct {
	Fees  []FeeRequest  `json:"fees"`
	Funds []CoinRequest `json:"funds"`
}

type CreatorFeesResponse struct {
	Creator string              `json:"creator"`
	Fees    []domain.FeeBalance `json:"fees"`
}

type SubscriptionResponse struct {
	Creator    string `json:"creator"`
	Subscribed bool   `json:"subscribed"`
}

type PublishWorkflowRequest struct {
	ID           string          `json:"id"`
	StartActions []string        `json:"start_actions"`
	EndActions   []string        `json:"end_actions,omitempty"`
	Visibility   string          `json:"visibility,omitempty" enum:"public,private,"`
	State        string          `json:"state,omitempty" enum:"approved,pending,"`
	Actions      []domain.Action `json:"actions"`
}

type WorkflowResponse struct {
	Workflow domain.Workflow `json:"workflow"`
	Actions  []domain.Action `json:"actions,omitempty"`
}

type ExecuteInstanceRequest struct {
	WorkflowID     string            `json:"workflow_id"`
	ExecutionType  string            `json:"execution_type,omitempty" enum:"one_shot,recurrent,"`
	ExpirationTime string            `json:"expiration_time" format:"date-time"`
	OnchainParams  map[string]string `json:"onchain_parameters,omitempty"`
}

type ExecuteActionRequest struct {
	UserAddress string            `json:"user_address"`
	InstanceID  uint64            `json:"instance_id"`
	ActionID    string            `json:"action_id"`
	TemplateID  string            `json:"template_id"`
	CallParams  map[string]string `json:"call_params,omitempty"`
}

type PaymentConfigRequest struct {
	User      string `json:"user"`
	Allowance uint64 `json:"allowance"`
	Source    string `json:"source" enum:"wallet,prepaid"`
}

type ChargeFeesRequest struct {
	Batch []UserFeesRequest `json:"batch"`
}

type ChargeFeesResponse struct {
	CorrelationID string `json:"correlation_id"`
}

type RolesUpdateRequest struct {
	Owner                  string   `json:"owner,omitempty"`
	Crank                  string   `json:"crank,omitempty"`
	AllowedPublishers      []string `json:"allowed_publishers,omitempty"`
	AllowedActionExecutors []string `json:"allowed_action_executors,omitempty"`
}

type CreateAPIKeyRequest struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

func coinsFromRequest(funds []CoinRequest) []domain.Coin {
	coins := make([]domain.Coin, 0, len(funds))
	for _, f := range funds {
		coins = append(coins, domain.Coin{Denom: f.Denom, Amount: f.Amount})
	}
	return coins
}

func feesFromRequest(fees []FeeRequest) []domain.Fee {
	out := make([]domain.Fee, 0, len(fees))
	for _, f := range fees {
		out = append(out, domain.Fee{
			Type:    domain.FeeType(f.Type),
			Creator: f.Creator,
			Denom:   f.Denom,
			Amount:  f.Amount,
		})
	}
	return out
}

func batchFromRequest(batch []UserFeesRequest) []domain.UserFees {
	out := make([]domain.UserFees, 0, len(batch))
	for _, uf := range batch {
		out = append(out, domain.UserFees{User: uf.User, Fees: feesFromRequest(uf.Fees)})
	}
	return out
}
