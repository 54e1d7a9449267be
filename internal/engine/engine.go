package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/domain"
	"autoflow/internal/events"
	"autoflow/internal/outbox"
	"autoflow/internal/repo"
)

// Engine is the workflow side of the system: the published graph store, the
// instance state machine and the action executor. Entry points follow the
// same one-transaction discipline as the ledger.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Outbox outbox.Recorder
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Outbox: outbox.Recorder{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) loadConfig(ctx context.Context, tx *sql.Tx) (*config.Config, error) {
	cfg, err := e.Repo.GetChainConfig(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("load chain config: %w", err)
	}
	return cfg, nil
}

// PublishWorkflow persists a workflow and all its action records. The graph
// is trusted as published: next_actions references are not checked and no
// cycle detection runs.
func (e Engine) PublishWorkflow(ctx context.Context, sender string, w domain.Workflow, actions []domain.Action) (domain.Workflow, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	cfg, err := e.loadConfig(ctx, tx)
	if err != nil {
		return domain.Workflow{}, err
	}
	if !cfg.IsPublisher(sender) {
		return domain.Workflow{}, NotAuthorizedError{Address: sender}
	}
	exists, err := e.Repo.WorkflowExists(ctx, tx, w.ID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if exists {
		return domain.Workflow{}, WorkflowAlreadyExistsError{WorkflowID: w.ID}
	}

	w.Publisher = sender
	if w.Visibility == "" {
		w.Visibility = domain.VisibilityPublic
	}
	if w.State == "" {
		w.State = domain.WorkflowApproved
	}
	w.CreatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertWorkflow(ctx, tx, w, actions); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.published",
		events.Attr("workflow_id", w.ID),
		events.Attr("publisher", sender),
		events.Attr("actions", strconv.Itoa(len(actions))),
	); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// ExecuteInstanceOptions carries an instance-creation request.
type ExecuteInstanceOptions struct {
	WorkflowID     string
	ExecutionType  string
	ExpirationTime string
	OnchainParams  map[string]string
}

// ExecuteInstance creates a Running instance with a cleared cursor. Instance
// ids come from a single global counter shared across all workflows.
func (e Engine) ExecuteInstance(ctx context.Context, sender string, opts ExecuteInstanceOptions) (domain.Instance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflow(ctx, tx, opts.WorkflowID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Instance{}, WorkflowNotFoundError{WorkflowID: opts.WorkflowID}
		}
		return domain.Instance{}, err
	}
	if w.State != domain.WorkflowApproved {
		return domain.Instance{}, WorkflowNotApprovedError{WorkflowID: w.ID}
	}
	if w.Visibility == domain.VisibilityPrivate && sender != w.Publisher {
		return domain.Instance{}, PrivateWorkflowError{WorkflowID: w.ID}
	}
	executionType := opts.ExecutionType
	if executionType == "" {
		executionType = domain.ExecutionOneShot
	}
	if executionType != domain.ExecutionOneShot && executionType != domain.ExecutionRecurrent {
		return domain.Instance{}, fmt.Errorf("unknown execution type %q", executionType)
	}
	if _, err := time.Parse(time.RFC3339, opts.ExpirationTime); err != nil {
		return domain.Instance{}, fmt.Errorf("invalid expiration time: %w", err)
	}

	id, err := e.Repo.NextCounter(ctx, tx, "instance_id")
	if err != nil {
		return domain.Instance{}, err
	}
	in := domain.Instance{
		Requester:      sender,
		ID:             id,
		WorkflowID:     w.ID,
		State:          domain.InstanceRunning,
		ExecutionType:  executionType,
		ExpirationTime: opts.ExpirationTime,
		OnchainParams:  opts.OnchainParams,
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertInstance(ctx, tx, in); err != nil {
		return domain.Instance{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.created",
		events.Attr("requester", sender),
		events.Attr("instance_id", strconv.FormatUint(id, 10)),
		events.Attr("workflow_id", w.ID),
		events.Attr("execution_type", executionType),
	); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	return in, nil
}

// CancelInstance moves a Running or Paused instance to Cancelled.
func (e Engine) CancelInstance(ctx context.Context, sender string, id uint64) error {
	return e.transition(ctx, sender, id, "instance.cancelled", func(in *domain.Instance) error {
		if in.State != domain.InstanceRunning && in.State != domain.InstancePaused {
			return ErrInstanceNotCancelled
		}
		in.State = domain.InstanceCancelled
		return nil
	})
}

// PauseInstance moves a Running instance to Paused. Only Recurrent
// instances carry a schedule that can be suspended; the recurrency check
// runs before the state check.
func (e Engine) PauseInstance(ctx context.Context, sender string, id uint64) error {
	return e.transition(ctx, sender, id, "instance.paused", func(in *domain.Instance) error {
		if in.ExecutionType != domain.ExecutionRecurrent {
			return ErrInstanceNotRecurrent
		}
		if in.State != domain.InstanceRunning {
			return ErrInstanceNotRunning
		}
		in.State = domain.InstancePaused
		return nil
	})
}

// ResumeInstance moves a Paused instance back to Running. Recurrent only,
// as with PauseInstance.
func (e Engine) ResumeInstance(ctx context.Context, sender string, id uint64) error {
	return e.transition(ctx, sender, id, "instance.resumed", func(in *domain.Instance) error {
		if in.ExecutionType != domain.ExecutionRecurrent {
			return ErrInstanceNotRecurrent
		}
		if in.State != domain.InstancePaused {
			return ErrInstanceNotPaused
		}
		in.State = domain.InstanceRunning
		return nil
	})
}

func (e Engine) transition(ctx context.Context, requester string, id uint64, eventType string, apply func(*domain.Instance) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInstance(ctx, tx, requester, id)
	if err != nil {
		if err == repo.ErrNotFound {
			return ErrInstanceNotFound
		}
		return err
	}
	if err := apply(&in); err != nil {
		return err
	}
	if err := e.Repo.UpdateInstance(ctx, tx, in); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, eventType,
		events.Attr("requester", requester),
		events.Attr("instance_id", strconv.FormatUint(id, 10)),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// FinishInstances forces the named instances to Finished. Owner only.
func (e Engine) FinishInstances(ctx context.Context, sender string, refs []InstanceRef) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg, err := e.loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if sender != cfg.Roles.Owner {
		return NotAuthorizedError{Address: sender}
	}
	for _, ref := range refs {
		in, err := e.Repo.GetInstance(ctx, tx, ref.Requester, ref.ID)
		if err != nil {
			if err == repo.ErrNotFound {
				return ErrInstanceNotFound
			}
			return err
		}
		in.State = domain.InstanceFinished
		if err := e.Repo.UpdateInstance(ctx, tx, in); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "instance.finished",
		events.Attr("count", strconv.Itoa(len(refs))),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// InstanceRef names one instance by its composite key.
type InstanceRef struct {
	Requester string `json:"requester"`
	ID        uint64 `json:"id"`
}

// PurgeInstances deletes Cancelled and Finished instances along with their
// bound parameters. Running and Paused instances are never purged. Owner
// only. Returns the number of deleted instances.
func (e Engine) PurgeInstances(ctx context.Context, sender string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cfg, err := e.loadConfig(ctx, tx)
	if err != nil {
		return 0, err
	}
	if sender != cfg.Roles.Owner {
		return 0, NotAuthorizedError{Address: sender}
	}
	doomed, err := e.Repo.ListInstancesByState(ctx, tx, []string{domain.InstanceCancelled, domain.InstanceFinished})
	if err != nil {
		return 0, err
	}
	for _, in := range doomed {
		if err := e.Repo.DeleteInstance(ctx, tx, in.Requester, in.ID); err != nil {
			return 0, err
		}
	}
	if err := e.Events.Append(ctx, tx, "instance.purged",
		events.Attr("count", strconv.Itoa(len(doomed))),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// ResetInstance clears an instance's cursor back to the pre-first-action
// state and returns it to Running. Owner only.
func (e Engine) ResetInstance(ctx context.Context, sender, requester string, id uint64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg, err := e.loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if sender != cfg.Roles.Owner {
		return NotAuthorizedError{Address: sender}
	}
	in, err := e.Repo.GetInstance(ctx, tx, requester, id)
	if err != nil {
		if err == repo.ErrNotFound {
			return ErrInstanceNotFound
		}
		return err
	}
	in.LastExecutedAction = nil
	in.State = domain.InstanceRunning
	if err := e.Repo.UpdateInstance(ctx, tx, in); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "instance.reset",
		events.Attr("requester", requester),
		events.Attr("instance_id", strconv.FormatUint(id, 10)),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SetOwner transfers ownership. Owner only.
func (e Engine) SetOwner(ctx context.Context, sender, newOwner string) error {
	return e.updateRoles(ctx, sender, "roles.owner_updated", func(cfg *config.Config) error {
		if err := config.ValidateAddress(newOwner, "owner"); err != nil {
			return err
		}
		cfg.Roles.Owner = newOwner
		return nil
	})
}

// SetCrankAddress replaces the crank address. Owner only.
func (e Engine) SetCrankAddress(ctx context.Context, sender, crank string) error {
	return e.updateRoles(ctx, sender, "roles.crank_updated", func(cfg *config.Config) error {
		if err := config.ValidateAddress(crank, "crank"); err != nil {
			return err
		}
		cfg.Roles.Crank = crank
		return nil
	})
}

// SetAllowedPublishers replaces the publisher allow-list. Owner only.
func (e Engine) SetAllowedPublishers(ctx context.Context, sender string, publishers []string) error {
	return e.updateRoles(ctx, sender, "roles.publishers_updated", func(cfg *config.Config) error {
		for _, p := range publishers {
			if err := config.ValidateAddress(p, "publisher"); err != nil {
				return err
			}
		}
		cfg.Roles.AllowedPublishers = publishers
		return nil
	})
}

// SetAllowedActionExecutors replaces the executor allow-list. Owner only.
func (e Engine) SetAllowedActionExecutors(ctx context.Context, sender string, executors []string) error {
	return e.updateRoles(ctx, sender, "roles.executors_updated", func(cfg *config.Config) error {
		for _, x := range executors {
			if err := config.ValidateAddress(x, "action executor"); err != nil {
				return err
			}
		}
		cfg.Roles.AllowedActionExecutors = executors
		return nil
	})
}

func (e Engine) updateRoles(ctx context.Context, sender, eventType string, apply func(*config.Config) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg, err := e.loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if sender != cfg.Roles.Owner {
		return NotAuthorizedError{Address: sender}
	}
	if err := apply(cfg); err != nil {
		return err
	}
	if err := e.Repo.UpsertChainConfig(ctx, tx, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, eventType,
		events.Attr("updated_by", sender),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetWorkflow returns a workflow header with its full action set.
func (e Engine) GetWorkflow(ctx context.Context, id string) (domain.Workflow, []domain.Action, error) {
	w, err := e.Repo.GetWorkflow(ctx, nil, id)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Workflow{}, nil, WorkflowNotFoundError{WorkflowID: id}
		}
		return domain.Workflow{}, nil, err
	}
	actions, err := e.Repo.GetWorkflowActions(ctx, nil, id)
	if err != nil {
		return domain.Workflow{}, nil, err
	}
	return w, actions, nil
}

// GetInstance returns one instance by its composite key.
func (e Engine) GetInstance(ctx context.Context, requester string, id uint64) (domain.Instance, error) {
	in, err := e.Repo.GetInstance(ctx, nil, requester, id)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Instance{}, ErrInstanceNotFound
		}
		return domain.Instance{}, err
	}
	params, err := e.Repo.GetInstanceParams(ctx, nil, requester, id)
	if err != nil {
		return domain.Instance{}, err
	}
	in.OnchainParams = params
	return in, nil
}

// ListInstances returns all of a requester's instances.
func (e Engine) ListInstances(ctx context.Context, requester string) ([]domain.Instance, error) {
	return e.Repo.ListInstancesByRequester(ctx, requester)
}
