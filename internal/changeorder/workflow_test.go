package changeorder

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rpattn/evmbranch/internal/branch"
	"github.com/rpattn/evmbranch/internal/domain"
	"github.com/rpattn/evmbranch/internal/merge"
	"github.com/rpattn/evmbranch/internal/repository"
	"github.com/rpattn/evmbranch/internal/versionstore"

	"github.com/google/uuid"
)

type fixture struct {
	workflow *Workflow
	store    *versionstore.Store
	branches *branch.Manager
}

func newFixture() fixture {
	repo := repository.NewMemoryStore()
	branches := branch.NewManager(repo)
	merger := merge.NewEngine(repo)
	return fixture{
		workflow: NewWorkflow(repo, branches, merger),
		store:    versionstore.New(repo),
		branches: branches,
	}
}

func wbePayload(name string, budget float64) map[string]any {
	return map[string]any{"name": name, "budget": budget}
}

func TestCreateOpensDesignOrderWithBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order, err := f.workflow.Create(ctx, "CO-17 scope increase", "extra piling work")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if order.Status != domain.ChangeOrderDesign {
		t.Errorf("expected design status, got %s", order.Status)
	}
	if order.BranchName == "" || order.BranchName == domain.TrunkBranch {
		t.Errorf("expected a dedicated branch, got %q", order.BranchName)
	}

	owned, err := f.branches.Get(ctx, order.BranchName)
	if err != nil {
		t.Fatalf("unexpected branch get error: %v", err)
	}
	if owned.ChangeOrderID != order.ID {
		t.Errorf("expected branch owned by order %s, got %s", order.ID, owned.ChangeOrderID)
	}
	if owned.Status != domain.BranchOpen {
		t.Errorf("expected open branch, got %s", owned.Status)
	}
}

func TestApproveLocksBranchAndSnapshotsImpact(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order, err := f.workflow.Create(ctx, "CO-1", "")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	seeded, err := f.store.Create(ctx, domain.KindWBE, domain.TrunkBranch, wbePayload("E1", 100))
	if err != nil {
		t.Fatalf("unexpected entity create error: %v", err)
	}
	if _, err := f.store.Update(ctx, domain.KindWBE, seeded.EntityID, order.BranchName, wbePayload("E1", 160)); err != nil {
		t.Fatalf("unexpected branch update error: %v", err)
	}

	approved, err := f.workflow.Approve(ctx, order.ID)
	if err != nil {
		t.Fatalf("unexpected approve error: %v", err)
	}
	if approved.Status != domain.ChangeOrderApproved {
		t.Errorf("expected approved status, got %s", approved.Status)
	}

	var preview domain.BranchDiff
	if err := json.Unmarshal(approved.ImpactPreview, &preview); err != nil {
		t.Fatalf("failed to decode impact preview: %v", err)
	}
	if len(preview.Changes) != 1 || preview.Changes[0].Type != domain.ChangeUpdate {
		t.Fatalf("expected one update in the preview, got %+v", preview.Changes)
	}
	if preview.Totals["budget"] != 60 {
		t.Errorf("expected budget delta +60 in preview, got %v", preview.Totals["budget"])
	}

	// Branch is locked: further edits are rejected.
	if _, err := f.store.Update(ctx, domain.KindWBE, seeded.EntityID, order.BranchName, wbePayload("E1", 999)); !errors.Is(err, domain.ErrBranchLocked) {
		t.Fatalf("expected ErrBranchLocked after approval, got %v", err)
	}

	// Double approval is rejected.
	if _, err := f.workflow.Approve(ctx, order.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double approve, got %v", err)
	}
}

func TestExecuteMergesAndCompletesOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order, err := f.workflow.Create(ctx, "CO-2", "")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	seeded, err := f.store.Create(ctx, domain.KindWBE, domain.TrunkBranch, wbePayload("E1", 100))
	if err != nil {
		t.Fatalf("unexpected entity create error: %v", err)
	}
	if _, err := f.store.Update(ctx, domain.KindWBE, seeded.EntityID, order.BranchName, wbePayload("E1", 160)); err != nil {
		t.Fatalf("unexpected branch update error: %v", err)
	}

	// Execute straight from design is rejected.
	if _, _, err := f.workflow.Execute(ctx, order.ID, false); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition executing design order, got %v", err)
	}

	if _, err := f.workflow.Approve(ctx, order.ID); err != nil {
		t.Fatalf("unexpected approve error: %v", err)
	}

	executed, result, err := f.workflow.Execute(ctx, order.ID, false)
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if executed.Status != domain.ChangeOrderExecuted {
		t.Errorf("expected executed status, got %s", executed.Status)
	}
	if len(result.Applied) != 1 {
		t.Fatalf("expected one applied change, got %d", len(result.Applied))
	}

	trunk, err := f.store.Resolve(ctx, domain.KindWBE, seeded.EntityID, domain.TrunkBranch, versionstore.ResolveOptions{})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if got := domain.FinancialValue(trunk.Payload, "budget"); got != 160 {
		t.Errorf("expected merged budget 160, got %v", got)
	}

	// Terminal: no further transitions.
	if _, err := f.workflow.Cancel(ctx, order.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition cancelling executed order, got %v", err)
	}
	if _, _, err := f.workflow.Execute(ctx, order.ID, false); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition re-executing, got %v", err)
	}
}

func TestExecuteStaleStaysApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order, err := f.workflow.Create(ctx, "CO-3", "")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	seeded, err := f.store.Create(ctx, domain.KindWBE, domain.TrunkBranch, wbePayload("E1", 100))
	if err != nil {
		t.Fatalf("unexpected entity create error: %v", err)
	}
	if _, err := f.store.Update(ctx, domain.KindWBE, seeded.EntityID, order.BranchName, wbePayload("E1", 160)); err != nil {
		t.Fatalf("unexpected branch update error: %v", err)
	}
	if _, err := f.workflow.Approve(ctx, order.ID); err != nil {
		t.Fatalf("unexpected approve error: %v", err)
	}

	// Trunk moves after approval.
	if _, err := f.store.Update(ctx, domain.KindWBE, seeded.EntityID, domain.TrunkBranch, wbePayload("E1", 120)); err != nil {
		t.Fatalf("unexpected trunk update error: %v", err)
	}

	if _, _, err := f.workflow.Execute(ctx, order.ID, false); !errors.Is(err, domain.ErrStaleMerge) {
		t.Fatalf("expected ErrStaleMerge, got %v", err)
	}

	// The order survives the aborted merge in approved state.
	current, err := f.workflow.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if current.Status != domain.ChangeOrderApproved {
		t.Fatalf("expected order still approved, got %s", current.Status)
	}

	// Force pushes the branch value through.
	executed, _, err := f.workflow.Execute(ctx, order.ID, true)
	if err != nil {
		t.Fatalf("unexpected forced execute error: %v", err)
	}
	if executed.Status != domain.ChangeOrderExecuted {
		t.Errorf("expected executed status, got %s", executed.Status)
	}
	trunk, err := f.store.Resolve(ctx, domain.KindWBE, seeded.EntityID, domain.TrunkBranch, versionstore.ResolveOptions{})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if got := domain.FinancialValue(trunk.Payload, "budget"); got != 160 {
		t.Errorf("expected branch value 160 to win, got %v", got)
	}
}

func TestCancelRetiresBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order, err := f.workflow.Create(ctx, "CO-4", "")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	seeded, err := f.store.Create(ctx, domain.KindWBE, domain.TrunkBranch, wbePayload("E1", 100))
	if err != nil {
		t.Fatalf("unexpected entity create error: %v", err)
	}
	if _, err := f.store.Update(ctx, domain.KindWBE, seeded.EntityID, order.BranchName, wbePayload("E1", 500)); err != nil {
		t.Fatalf("unexpected branch update error: %v", err)
	}

	cancelled, err := f.workflow.Cancel(ctx, order.ID)
	if err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if cancelled.Status != domain.ChangeOrderCancelled {
		t.Errorf("expected cancelled status, got %s", cancelled.Status)
	}

	retired, err := f.branches.Get(ctx, order.BranchName)
	if err != nil {
		t.Fatalf("unexpected branch get error: %v", err)
	}
	if retired.Status != domain.BranchDeleted {
		t.Errorf("expected branch deleted, got %s", retired.Status)
	}

	// Trunk is untouched by cancellation.
	trunk, err := f.store.Resolve(ctx, domain.KindWBE, seeded.EntityID, domain.TrunkBranch, versionstore.ResolveOptions{})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if got := domain.FinancialValue(trunk.Payload, "budget"); got != 100 {
		t.Errorf("expected trunk budget 100, got %v", got)
	}
}

func TestCancelApprovedOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	order, err := f.workflow.Create(ctx, "CO-5", "")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if _, err := f.workflow.Approve(ctx, order.ID); err != nil {
		t.Fatalf("unexpected approve error: %v", err)
	}

	cancelled, err := f.workflow.Cancel(ctx, order.ID)
	if err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if cancelled.Status != domain.ChangeOrderCancelled {
		t.Errorf("expected cancelled status, got %s", cancelled.Status)
	}
}

func TestForkClonesBranchIntoNewOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	source, err := f.workflow.Create(ctx, "CO-6", "")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	seeded, err := f.store.Create(ctx, domain.KindWBE, source.BranchName, wbePayload("branch-only", 42))
	if err != nil {
		t.Fatalf("unexpected entity create error: %v", err)
	}

	fork, err := f.workflow.Fork(ctx, source.ID, "CO-6b", "variant")
	if err != nil {
		t.Fatalf("unexpected fork error: %v", err)
	}
	if fork.Status != domain.ChangeOrderDesign {
		t.Errorf("expected design status, got %s", fork.Status)
	}
	if fork.BranchName == source.BranchName {
		t.Fatalf("expected fork on its own branch")
	}

	resolved, err := f.store.Resolve(ctx, domain.KindWBE, seeded.EntityID, fork.BranchName, versionstore.ResolveOptions{})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if got := domain.FinancialValue(resolved.Payload, "budget"); got != 42 {
		t.Errorf("expected forked budget 42, got %v", got)
	}
}

func TestUnknownOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	if _, err := f.workflow.Get(ctx, uuid.New()); !errors.Is(err, domain.ErrChangeOrderNotFound) {
		t.Fatalf("expected ErrChangeOrderNotFound, got %v", err)
	}
	if _, err := f.workflow.Approve(ctx, uuid.New()); !errors.Is(err, domain.ErrChangeOrderNotFound) {
		t.Fatalf("expected ErrChangeOrderNotFound, got %v", err)
	}
	if _, _, err := f.workflow.Execute(ctx, uuid.New(), false); !errors.Is(err, domain.ErrChangeOrderNotFound) {
		t.Fatalf("expected ErrChangeOrderNotFound, got %v", err)
	}
}
