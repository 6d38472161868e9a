// Package changeorder drives the change-order state machine and orchestrates
// branch locking, impact previews and merge execution at each transition.
package changeorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpattn/evmbranch/internal/branch"
	"github.com/rpattn/evmbranch/internal/domain"
	"github.com/rpattn/evmbranch/internal/merge"
	"github.com/rpattn/evmbranch/internal/repository"

	"github.com/google/uuid"
)

// Workflow coordinates change orders with their branches and merges.
type Workflow struct {
	repo     repository.Store
	branches *branch.Manager
	merger   *merge.Engine
	now      func() time.Time
}

// Option customizes a Workflow.
type Option func(*Workflow)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorkflow creates the workflow service.
func NewWorkflow(repo repository.Store, branches *branch.Manager, merger *merge.Engine, opts ...Option) *Workflow {
	workflow := &Workflow{repo: repo, branches: branches, merger: merger, now: time.Now}
	for _, opt := range opts {
		opt(workflow)
	}
	return workflow
}

// Create opens a change order in design state with a fresh branch.
func (w *Workflow) Create(ctx context.Context, title, description string) (domain.ChangeOrder, error) {
	order := domain.NewChangeOrder(title, description)

	created, err := w.branches.Create(ctx, order.ID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	order.BranchName = created.Name

	if err := w.repo.ChangeOrders().Insert(ctx, order); err != nil {
		return domain.ChangeOrder{}, err
	}
	return order, nil
}

// Fork clones an existing change order's branch into a new change order in
// design state.
func (w *Workflow) Fork(ctx context.Context, sourceID uuid.UUID, title, description string) (domain.ChangeOrder, error) {
	source, err := w.repo.ChangeOrders().Get(ctx, sourceID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	order := domain.NewChangeOrder(title, description)
	clone, err := w.branches.Clone(ctx, source.BranchName, order.ID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	order.BranchName = clone.Name

	if err := w.repo.ChangeOrders().Insert(ctx, order); err != nil {
		return domain.ChangeOrder{}, err
	}
	return order, nil
}

// Get loads one change order.
func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	return w.repo.ChangeOrders().Get(ctx, id)
}

// List returns every change order.
func (w *Workflow) List(ctx context.Context) ([]domain.ChangeOrder, error) {
	return w.repo.ChangeOrders().List(ctx)
}

// Approve moves design -> approved: the branch is locked against further
// edits and the compare output is snapshotted as the recorded financial
// impact, kept for audit even if execution is delayed.
func (w *Workflow) Approve(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	order, err := w.repo.ChangeOrders().Get(ctx, id)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if !order.CanTransition(domain.ChangeOrderApproved) {
		return domain.ChangeOrder{}, domain.ErrInvalidTransition
	}

	if _, err := w.branches.Lock(ctx, order.BranchName); err != nil {
		return domain.ChangeOrder{}, err
	}

	diff, err := w.merger.Compare(ctx, order.BranchName)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	preview, err := json.Marshal(diff)
	if err != nil {
		return domain.ChangeOrder{}, fmt.Errorf("failed to snapshot impact preview: %w", err)
	}

	order.Status = domain.ChangeOrderApproved
	order.ImpactPreview = preview
	order.UpdatedAt = w.now()
	return w.repo.ChangeOrders().Update(ctx, order)
}

// Execute moves approved -> executed by merging the branch onto trunk. On
// StaleMerge the order stays approved and the conflict is surfaced for
// re-approval; force repeats the merge with last-write-wins override.
func (w *Workflow) Execute(ctx context.Context, id uuid.UUID, force bool) (domain.ChangeOrder, merge.MergeResult, error) {
	order, err := w.repo.ChangeOrders().Get(ctx, id)
	if err != nil {
		return domain.ChangeOrder{}, merge.MergeResult{}, err
	}
	if !order.CanTransition(domain.ChangeOrderExecuted) {
		return domain.ChangeOrder{}, merge.MergeResult{}, domain.ErrInvalidTransition
	}

	opts := merge.MergeOptions{Force: force}
	if len(order.ImpactPreview) > 0 {
		var preview domain.BranchDiff
		if err := json.Unmarshal(order.ImpactPreview, &preview); err != nil {
			return domain.ChangeOrder{}, merge.MergeResult{}, fmt.Errorf("failed to decode impact preview: %w", err)
		}
		opts.Preview = &preview
	}

	result, err := w.merger.Merge(ctx, order.BranchName, opts)
	if err != nil {
		return domain.ChangeOrder{}, merge.MergeResult{}, err
	}

	order.Status = domain.ChangeOrderExecuted
	order.UpdatedAt = w.now()
	updated, err := w.repo.ChangeOrders().Update(ctx, order)
	if err != nil {
		return domain.ChangeOrder{}, merge.MergeResult{}, err
	}
	return updated, result, nil
}

// Cancel moves any non-terminal state to cancelled and soft-deletes the
// branch; trunk is never touched.
func (w *Workflow) Cancel(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	order, err := w.repo.ChangeOrders().Get(ctx, id)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if !order.CanTransition(domain.ChangeOrderCancelled) {
		return domain.ChangeOrder{}, domain.ErrInvalidTransition
	}

	if err := w.branches.Delete(ctx, order.BranchName); err != nil {
		return domain.ChangeOrder{}, err
	}

	order.Status = domain.ChangeOrderCancelled
	order.UpdatedAt = w.now()
	return w.repo.ChangeOrders().Update(ctx, order)
}
