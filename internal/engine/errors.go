package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInstanceNotFound     = errors.New("workflow instance not found")
	ErrInstanceNotRunning   = errors.New("instance is not in running state")
	ErrInstanceNotPaused    = errors.New("instance is not in paused state")
	ErrInstanceNotRecurrent = errors.New("cannot change schedule for non-recurrent instances")
	ErrInstanceNotCancelled = errors.New("instance cannot be cancelled in its current state")
	ErrInstanceExpired      = errors.New("instance has expired")
	ErrCannotExecuteAction  = errors.New("action cannot be executed from the current instance state")
	ErrNoPaymentConfig      = errors.New("user has no payment config")
	ErrUnknownCorrelationID = errors.New("no pending charge for correlation id")
)

// NotAuthorizedError indicates the wrong caller for a gated operation.
type NotAuthorizedError struct {
	Address string
}

func (e NotAuthorizedError) Error() string {
	return fmt.Sprintf("address %s is not authorized to execute this function", e.Address)
}

// WorkflowAlreadyExistsError rejects publishing over an existing id.
type WorkflowAlreadyExistsError struct {
	WorkflowID string
}

func (e WorkflowAlreadyExistsError) Error() string {
	return fmt.Sprintf("workflow %s already exists", e.WorkflowID)
}

// WorkflowNotFoundError indicates the referenced workflow is unknown.
type WorkflowNotFoundError struct {
	WorkflowID string
}

func (e WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow %s not found", e.WorkflowID)
}

// WorkflowNotApprovedError rejects instantiating an unapproved workflow.
type WorkflowNotApprovedError struct {
	WorkflowID string
}

func (e WorkflowNotApprovedError) Error() string {
	return fmt.Sprintf("workflow %s is not approved", e.WorkflowID)
}

// PrivateWorkflowError rejects instantiating a private workflow by anyone
// other than its publisher.
type PrivateWorkflowError struct {
	WorkflowID string
}

func (e PrivateWorkflowError) Error() string {
	return fmt.Sprintf("workflow %s is private and can only be executed by its publisher", e.WorkflowID)
}

// ActionNotFoundError indicates the action id has no record in the workflow.
type ActionNotFoundError struct {
	WorkflowID string
	ActionID   string
}

func (e ActionNotFoundError) Error() string {
	return fmt.Sprintf("action %s not found in workflow %s", e.ActionID, e.WorkflowID)
}

// TemplateNotFoundError indicates an unknown template id for the action.
type TemplateNotFoundError struct {
	WorkflowID string
	ActionID   string
	TemplateID string
}

func (e TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template %s not found for action %s in workflow %s", e.TemplateID, e.ActionID, e.WorkflowID)
}

// ContractNotWhitelistedError blocks delegated calls to contracts outside
// the action's whitelist. The check runs on the resolved address.
type ContractNotWhitelistedError struct {
	Contract   string
	WorkflowID string
}

func (e ContractNotWhitelistedError) Error() string {
	return fmt.Sprintf("contract %s is not whitelisted in workflow %s", e.Contract, e.WorkflowID)
}

// MissingParamError indicates a parameter reference with no binding in its
// namespace (instance params for #ip.*, call params for #cp.*).
type MissingParamError struct {
	Namespace string
	Key       string
}

func (e MissingParamError) Error() string {
	return fmt.Sprintf("missing %s parameter %q", e.Namespace, e.Key)
}

// InvalidFundsError indicates a template fund amount that did not parse as
// an unsigned integer after substitution.
type InvalidFundsError struct {
	Amount string
}

func (e InvalidFundsError) Error() string {
	return fmt.Sprintf("invalid funds amount %q", e.Amount)
}

// AllowanceExceededError rejects a manager-side charge that would consume
// more than the user's configured allowance.
type AllowanceExceededError struct {
	User      string
	Allowance uint64
	Requested uint64
}

func (e AllowanceExceededError) Error() string {
	return fmt.Sprintf("charge of %d exceeds allowance %d for user %s", e.Requested, e.Allowance, e.User)
}
