package domain

// Coin is an (amount, denom) pair. Amounts are unsigned on the wire; only
// ledger balances may go negative.
type Coin struct {
	Denom  string `json:"denom"`
	Amount uint64 `json:"amount"`
}

// Balance is a per-(user, denom) signed balance. Negative values represent
// unsecured debt up to the denom's configured max_debt.
type Balance struct {
	Denom  string `json:"denom"`
	Amount int64  `json:"amount"`
}

// AcceptedDenom configures one denom the ledger accepts.
type AcceptedDenom struct {
	Denom               string `json:"denom"`
	MaxDebt             uint64 `json:"max_debt"`
	MinBalanceThreshold int64  `json:"min_balance_threshold"`
}

// FeeBalance is one accumulator entry.
type FeeBalance struct {
	Denom  string `json:"denom"`
	Amount uint64 `json:"amount"`
}

// FeeType distinguishes execution fees from creator fees.
type FeeType string

const (
	FeeTypeExecution FeeType = "execution"
	FeeTypeCreator   FeeType = "creator"
)

// Fee is one fee demand. Creator is required when Type is FeeTypeCreator.
type Fee struct {
	Type    FeeType `json:"fee_type" enum:"execution,creator"`
	Creator string  `json:"creator_address,omitempty"`
	Denom   string  `json:"denom"`
	Amount  uint64  `json:"amount"`
}

// UserFees groups the fees charged against one user in a batch.
type UserFees struct {
	User string `json:"user"`
	Fees []Fee  `json:"fees"`
}

// Workflow visibility.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Workflow approval state.
const (
	WorkflowApproved = "approved"
	WorkflowPending  = "pending"
)

// Workflow is a published action graph header. Actions live in their own
// rows keyed by (workflow_id, action_id).
type Workflow struct {
	ID           string   `json:"id"`
	StartActions []string `json:"start_actions"`
	EndActions   []string `json:"end_actions"`
	Visibility   string   `json:"visibility" enum:"public,private"`
	State        string   `json:"state" enum:"approved,pending"`
	Publisher    string   `json:"publisher"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Action is one node of a workflow graph.
type Action struct {
	WorkflowID           string              `json:"workflow_id"`
	ID                   string              `json:"id"`
	NextActions          []string            `json:"next_actions,omitempty"`
	Params               map[string]string   `json:"params,omitempty"`
	Templates            map[string]Template `json:"templates,omitempty"`
	WhitelistedContracts []string            `json:"whitelisted_contracts,omitempty"`
}

// Template is a parameterized (contract, message, funds) triple. Each field
// may contain {{key}} placeholders; funds pairs are (amount, denom) strings.
type Template struct {
	Contract string      `json:"contract"`
	Message  string      `json:"message"`
	Funds    [][2]string `json:"funds,omitempty"`
}

// Instance state machine.
const (
	InstanceRunning   = "running"
	InstancePaused    = "paused"
	InstanceCancelled = "cancelled"
	InstanceFinished  = "finished"
)

// Execution modes.
const (
	ExecutionOneShot   = "one_shot"
	ExecutionRecurrent = "recurrent"
)

// Instance is one requester's execution cursor through a workflow.
type Instance struct {
	Requester          string            `json:"requester"`
	ID                 uint64            `json:"id"`
	WorkflowID         string            `json:"workflow_id"`
	State              string            `json:"state" enum:"running,paused,cancelled,finished"`
	LastExecutedAction *string           `json:"last_executed_action,omitempty"`
	ExecutionType      string            `json:"execution_type" enum:"one_shot,recurrent"`
	ExpirationTime     string            `json:"expiration_time" format:"date-time"`
	OnchainParams      map[string]string `json:"onchain_parameters,omitempty"`
	CreatedAt          string            `json:"created_at" format:"date-time"`
}

// Payment sources for manager-side fee charging.
const (
	PaymentSourceWallet  = "wallet"
	PaymentSourcePrepaid = "prepaid"
)

// PaymentConfig is the per-user allowance consumed by manager-side charges.
type PaymentConfig struct {
	User      string `json:"user"`
	Allowance uint64 `json:"allowance"`
	Source    string `json:"source" enum:"wallet,prepaid"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// PendingCharge correlates an outbound fee-manager charge with its later
// reply. Rows are keyed by CorrelationID and deleted once the reply lands.
type PendingCharge struct {
	CorrelationID string  `json:"correlation_id"`
	User          string  `json:"user"`
	Denom         string  `json:"denom"`
	Amount        uint64  `json:"amount"`
	FeeType       FeeType `json:"fee_type"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// Attribute is one ordered key/value pair on an event. Attribute order is
// part of the observable contract.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is one structured record emitted by an entry point.
type Event struct {
	ID         int64       `json:"id"`
	TS         string      `json:"ts" format:"date-time"`
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

// Transfer is an outbound native-asset transfer instruction. One denom per
// instruction, never batched across denoms.
type Transfer struct {
	ID        int64  `json:"id"`
	Recipient string `json:"recipient"`
	Denom     string `json:"denom"`
	Amount    uint64 `json:"amount"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ContractCall is an outbound delegated contract call executed on behalf of
// OnBehalfOf via a prior authorization grant.
type ContractCall struct {
	ID         int64  `json:"id"`
	OnBehalfOf string `json:"on_behalf_of"`
	Contract   string `json:"contract"`
	Message    string `json:"message"`
	Funds      []Coin `json:"funds,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// APIKey authenticates API callers and binds them to an on-chain address.
type APIKey struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
