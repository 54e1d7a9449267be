package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"autoflow/internal/domain"
	"autoflow/internal/events"
	"autoflow/internal/repo"
)

// ExecuteActionOptions carries one action-execution request.
type ExecuteActionOptions struct {
	UserAddress string
	InstanceID  uint64
	ActionID    string
	TemplateID  string
	CallParams  map[string]string
}

// ExecuteAction advances an instance's cursor through its workflow graph,
// emitting one delegated contract call on behalf of the instance's
// requester. The cursor is only updated after every check has passed, so a
// rejected execution leaves the instance exactly as it was.
func (e Engine) ExecuteAction(ctx context.Context, sender string, opts ExecuteActionOptions) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg, err := e.loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if !cfg.IsActionExecutor(sender) {
		return NotAuthorizedError{Address: sender}
	}

	in, err := e.Repo.GetInstance(ctx, tx, opts.UserAddress, opts.InstanceID)
	if err != nil {
		// The raw lookup error surfaces here rather than a dedicated
		// not-found kind. TODO(instances): map ErrNotFound to
		// ErrInstanceNotFound once callers stop matching on the generic
		// message.
		return fmt.Errorf("load instance %s/%d: %w", opts.UserAddress, opts.InstanceID, err)
	}

	expiration, err := time.Parse(time.RFC3339, in.ExpirationTime)
	if err != nil {
		return fmt.Errorf("parse expiration time: %w", err)
	}
	if !e.now().UTC().Before(expiration) {
		return ErrInstanceExpired
	}

	if _, err := e.Repo.GetActionEdges(ctx, tx, in.WorkflowID, opts.ActionID); err != nil {
		if err == repo.ErrNotFound {
			return ActionNotFoundError{WorkflowID: in.WorkflowID, ActionID: opts.ActionID}
		}
		return err
	}

	w, err := e.Repo.GetWorkflow(ctx, tx, in.WorkflowID)
	if err != nil {
		return err
	}
	legal, err := e.isLegalTransition(ctx, tx, w, in, opts.ActionID)
	if err != nil {
		return err
	}
	if !legal {
		return ErrCannotExecuteAction
	}

	tpl, err := e.Repo.GetActionTemplate(ctx, tx, in.WorkflowID, opts.ActionID, opts.TemplateID)
	if err != nil {
		if err == repo.ErrNotFound {
			return TemplateNotFoundError{WorkflowID: in.WorkflowID, ActionID: opts.ActionID, TemplateID: opts.TemplateID}
		}
		return err
	}

	actionParams, err := e.Repo.GetActionParams(ctx, tx, in.WorkflowID, opts.ActionID)
	if err != nil {
		return err
	}
	instanceParams, err := e.Repo.GetInstanceParams(ctx, tx, in.Requester, in.ID)
	if err != nil {
		return err
	}
	resolved, err := resolveParams(in.Requester, actionParams, instanceParams, opts.CallParams)
	if err != nil {
		return err
	}
	contract, message, funds, err := renderTemplate(tpl, resolved, opts.CallParams)
	if err != nil {
		return err
	}

	// The whitelist runs on the resolved address so call-param substitution
	// cannot redirect the template to an unapproved contract.
	whitelisted, err := e.Repo.IsContractWhitelisted(ctx, tx, in.WorkflowID, opts.ActionID, contract)
	if err != nil {
		return err
	}
	if !whitelisted {
		return ContractNotWhitelistedError{Contract: contract, WorkflowID: in.WorkflowID}
	}

	if err := e.Outbox.DelegatedCall(ctx, tx, in.Requester, contract, message, funds); err != nil {
		return err
	}
	actionID := opts.ActionID
	in.LastExecutedAction = &actionID
	if err := e.Repo.UpdateInstance(ctx, tx, in); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "action.executed",
		events.Attr("requester", in.Requester),
		events.Attr("instance_id", strconv.FormatUint(in.ID, 10)),
		events.Attr("workflow_id", in.WorkflowID),
		events.Attr("action_id", opts.ActionID),
		events.Attr("contract", contract),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// isLegalTransition reports whether actionID is reachable from the
// instance's current cursor: a start action on a fresh instance, a
// next-action of the last executed one, or a Recurrent loop-back from an
// end action to a start action.
func (e Engine) isLegalTransition(ctx context.Context, tx *sql.Tx, w domain.Workflow, in domain.Instance, actionID string) (bool, error) {
	if in.LastExecutedAction == nil {
		return containsString(w.StartActions, actionID), nil
	}
	prev := *in.LastExecutedAction
	next, err := e.Repo.GetActionEdges(ctx, tx, w.ID, prev)
	if err != nil {
		if err == repo.ErrNotFound {
			// A dangling cursor names the vanished action, not the one
			// being requested.
			return false, ActionNotFoundError{WorkflowID: w.ID, ActionID: prev}
		}
		return false, err
	}
	if containsString(next, actionID) {
		return true, nil
	}
	if in.ExecutionType == domain.ExecutionRecurrent &&
		containsString(w.EndActions, prev) &&
		containsString(w.StartActions, actionID) {
		return true, nil
	}
	return false, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
