package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"autoflow/internal/domain"
)

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(in string) ([]string, error) {
	var out []string
	if in == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(in), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertWorkflow persists the workflow header and one row per action edge
// set, parameter, template and whitelisted contract.
func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow, actions []domain.Action) error {
	starts, err := marshalStrings(w.StartActions)
	if err != nil {
		return err
	}
	ends, err := marshalStrings(w.EndActions)
	if err != nil {
		return err
	}
	if _, err := r.q(tx).ExecContext(ctx, `
INSERT INTO workflows(id, start_actions, end_actions, visibility, state, publisher, created_at)
VALUES (?,?,?,?,?,?,?)`,
		w.ID, starts, ends, w.Visibility, w.State, w.Publisher, w.CreatedAt); err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	for _, a := range actions {
		next, err := marshalStrings(a.NextActions)
		if err != nil {
			return err
		}
		if _, err := r.q(tx).ExecContext(ctx, `
INSERT INTO workflow_actions(workflow_id, action_id, next_actions) VALUES (?,?,?)`,
			w.ID, a.ID, next); err != nil {
			return fmt.Errorf("insert action %s: %w", a.ID, err)
		}
		for paramID, value := range a.Params {
			if _, err := r.q(tx).ExecContext(ctx, `
INSERT INTO workflow_action_params(workflow_id, action_id, param_id, value) VALUES (?,?,?,?)`,
				w.ID, a.ID, paramID, value); err != nil {
				return err
			}
		}
		for templateID, t := range a.Templates {
			funds, err := json.Marshal(t.Funds)
			if err != nil {
				return err
			}
			if _, err := r.q(tx).ExecContext(ctx, `
INSERT INTO workflow_action_templates(workflow_id, action_id, template_id, contract, message, funds_json)
VALUES (?,?,?,?,?,?)`,
				w.ID, a.ID, templateID, t.Contract, t.Message, string(funds)); err != nil {
				return err
			}
		}
		for _, contract := range a.WhitelistedContracts {
			if _, err := r.q(tx).ExecContext(ctx, `
INSERT INTO workflow_action_contracts(workflow_id, action_id, contract) VALUES (?,?,?)`,
				w.ID, a.ID, contract); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetWorkflow loads a workflow header by id.
func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, id string) (domain.Workflow, error) {
	row := r.q(tx).QueryRowContext(ctx, `
SELECT id, start_actions, end_actions, visibility, state, publisher, created_at
FROM workflows WHERE id=?`, id)
	var w domain.Workflow
	var starts, ends string
	if err := row.Scan(&w.ID, &starts, &ends, &w.Visibility, &w.State, &w.Publisher, &w.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Workflow{}, ErrNotFound
		}
		return domain.Workflow{}, err
	}
	var err error
	if w.StartActions, err = unmarshalStrings(starts); err != nil {
		return domain.Workflow{}, err
	}
	if w.EndActions, err = unmarshalStrings(ends); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// WorkflowExists is a point check without loading the graph.
func (r Repo) WorkflowExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id=? LIMIT 1`, id)
	var n int
	if err := row.Scan(&n); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetActionEdges loads just the next_actions set of one action.
func (r Repo) GetActionEdges(ctx context.Context, tx *sql.Tx, workflowID, actionID string) ([]string, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT next_actions FROM workflow_actions WHERE workflow_id=? AND action_id=?`, workflowID, actionID)
	var next string
	if err := row.Scan(&next); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return unmarshalStrings(next)
}

// GetActionParams loads the parameter template map of one action.
func (r Repo) GetActionParams(ctx context.Context, tx *sql.Tx, workflowID, actionID string) (map[string]string, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT param_id, value FROM workflow_action_params WHERE workflow_id=? AND action_id=?`, workflowID, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	params := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		params[k] = v
	}
	return params, rows.Err()
}

// GetActionTemplate loads one template of one action.
func (r Repo) GetActionTemplate(ctx context.Context, tx *sql.Tx, workflowID, actionID, templateID string) (domain.Template, error) {
	row := r.q(tx).QueryRowContext(ctx, `
SELECT contract, message, COALESCE(funds_json,'') FROM workflow_action_templates
WHERE workflow_id=? AND action_id=? AND template_id=?`, workflowID, actionID, templateID)
	var t domain.Template
	var funds string
	if err := row.Scan(&t.Contract, &t.Message, &funds); err != nil {
		if err == sql.ErrNoRows {
			return domain.Template{}, ErrNotFound
		}
		return domain.Template{}, err
	}
	if funds != "" {
		if err := json.Unmarshal([]byte(funds), &t.Funds); err != nil {
			return domain.Template{}, err
		}
	}
	return t, nil
}

// IsContractWhitelisted checks action-level whitelist membership.
func (r Repo) IsContractWhitelisted(ctx context.Context, tx *sql.Tx, workflowID, actionID, contract string) (bool, error) {
	row := r.q(tx).QueryRowContext(ctx, `
SELECT 1 FROM workflow_action_contracts WHERE workflow_id=? AND action_id=? AND contract=? LIMIT 1`,
		workflowID, actionID, contract)
	var n int
	if err := row.Scan(&n); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetWorkflowActions loads every action of a workflow, fully hydrated.
// Used by queries, not by the execution path.
func (r Repo) GetWorkflowActions(ctx context.Context, tx *sql.Tx, workflowID string) ([]domain.Action, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT action_id, next_actions FROM workflow_actions WHERE workflow_id=? ORDER BY action_id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actions []domain.Action
	for rows.Next() {
		a := domain.Action{WorkflowID: workflowID}
		var next string
		if err := rows.Scan(&a.ID, &next); err != nil {
			return nil, err
		}
		if a.NextActions, err = unmarshalStrings(next); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range actions {
		a := &actions[i]
		if a.Params, err = r.GetActionParams(ctx, tx, workflowID, a.ID); err != nil {
			return nil, err
		}
		if a.Templates, err = r.getActionTemplates(ctx, tx, workflowID, a.ID); err != nil {
			return nil, err
		}
		if a.WhitelistedContracts, err = r.getActionContracts(ctx, tx, workflowID, a.ID); err != nil {
			return nil, err
		}
	}
	return actions, nil
}

func (r Repo) getActionTemplates(ctx context.Context, tx *sql.Tx, workflowID, actionID string) (map[string]domain.Template, error) {
	rows, err := r.q(tx).QueryContext(ctx, `
SELECT template_id, contract, message, COALESCE(funds_json,'')
FROM workflow_action_templates WHERE workflow_id=? AND action_id=?`, workflowID, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	templates := map[string]domain.Template{}
	for rows.Next() {
		var id, funds string
		var t domain.Template
		if err := rows.Scan(&id, &t.Contract, &t.Message, &funds); err != nil {
			return nil, err
		}
		if funds != "" {
			if err := json.Unmarshal([]byte(funds), &t.Funds); err != nil {
				return nil, err
			}
		}
		templates[id] = t
	}
	return templates, rows.Err()
}

func (r Repo) getActionContracts(ctx context.Context, tx *sql.Tx, workflowID, actionID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `
SELECT contract FROM workflow_action_contracts WHERE workflow_id=? AND action_id=? ORDER BY contract`,
		workflowID, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
