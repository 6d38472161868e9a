// Package merge computes branch-vs-trunk diffs and performs the atomic
// last-write-wins merge that lands a change order on trunk.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rpattn/evmbranch/internal/domain"
	"github.com/rpattn/evmbranch/internal/repository"
)

// Engine implements compare and merge over the repository.
type Engine struct {
	repo repository.Store
	now  func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a merge engine.
func NewEngine(repo repository.Store, opts ...Option) *Engine {
	engine := &Engine{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// MergeOptions control one merge invocation.
type MergeOptions struct {
	// Preview is the diff shown to the approver. When set, the merge aborts
	// with StaleMerge if trunk advanced for any affected entity since the
	// preview was generated.
	Preview *domain.BranchDiff
	// Force bypasses the staleness check; the branch's value wins
	// unconditionally.
	Force bool
}

// AppliedChange records one trunk write performed by a merge.
type AppliedChange struct {
	Kind         domain.Kind       `json:"kind"`
	EntityID     string            `json:"entityId"`
	Type         domain.ChangeType `json:"type"`
	TrunkVersion int64             `json:"trunkVersion"`
}

// MergeResult summarizes an executed merge.
type MergeResult struct {
	Branch      string                `json:"branch"`
	MergedAt    time.Time             `json:"mergedAt"`
	Applied     []AppliedChange       `json:"applied"`
	Totals      domain.FinancialDelta `json:"totals"`
	RetiredRows int                   `json:"retiredRows"`
}

// Compare computes the diff between a branch and trunk. Read-only and safe
// to call repeatedly; two calls with no intervening writes yield identical
// diffs.
func (e *Engine) Compare(ctx context.Context, branchName string) (domain.BranchDiff, error) {
	branch, err := e.repo.Branches().Get(ctx, branchName)
	if err != nil {
		return domain.BranchDiff{}, err
	}
	if branch.IsTrunk() {
		return domain.BranchDiff{}, domain.ErrInvalidTransition
	}
	return compareIn(ctx, e.repo, branchName, e.now())
}

// Merge lands the branch on trunk inside a single transaction: re-compare,
// staleness check against the preview, one new trunk version per change,
// branch rows retired as merged, branch status merged. A failure at any step
// leaves trunk untouched.
func (e *Engine) Merge(ctx context.Context, branchName string, opts MergeOptions) (MergeResult, error) {
	branch, err := e.repo.Branches().Get(ctx, branchName)
	if err != nil {
		return MergeResult{}, err
	}
	if branch.IsTrunk() || branch.Terminal() {
		return MergeResult{}, domain.ErrInvalidTransition
	}

	mergedAt := e.now()
	result := MergeResult{Branch: branchName, MergedAt: mergedAt, Totals: domain.FinancialDelta{}}

	err = e.repo.InTx(ctx, func(tx repository.Store) error {
		fresh, err := compareIn(ctx, tx, branchName, mergedAt)
		if err != nil {
			return err
		}

		if opts.Preview != nil && !opts.Force {
			if conflicts := staleEntities(*opts.Preview, fresh); len(conflicts) > 0 {
				return &domain.StaleMergeError{Branch: branchName, Conflicts: conflicts}
			}
		}

		refs := make([]domain.EntityRef, 0, len(fresh.Changes))
		for _, change := range fresh.Changes {
			trunkVersion, err := applyChange(ctx, tx, change, mergedAt)
			if err != nil {
				return err
			}
			refs = append(refs, change.Ref())
			result.Applied = append(result.Applied, AppliedChange{
				Kind:         change.Kind,
				EntityID:     change.EntityID.String(),
				Type:         change.Type,
				TrunkVersion: trunkVersion,
			})
			result.Totals.Add(change.Financial)
		}

		if len(refs) > 0 {
			retired, err := tx.Versions().RetireBranch(ctx, branchName, domain.StatusMerged, refs)
			if err != nil {
				return err
			}
			result.RetiredRows = retired
		}

		if _, err := tx.Branches().UpdateStatus(ctx, branchName, domain.BranchMerged); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

// applyChange appends the winning trunk version for one entity change.
// Last-write-wins: the branch payload fully replaces trunk's.
func applyChange(ctx context.Context, tx repository.Store, change domain.EntityChange, mergedAt time.Time) (int64, error) {
	next := change.TargetVersion
	if change.BaseVersion > next {
		next = change.BaseVersion
	}
	next++

	status := domain.StatusActive
	payload := change.Target
	if change.Type == domain.ChangeDelete {
		status = domain.StatusDeleted
	}

	version := domain.VersionedEntity{
		EntityID:   change.EntityID,
		Kind:       change.Kind,
		Branch:     domain.TrunkBranch,
		Version:    next,
		Status:     status,
		Payload:    domain.ClonePayload(payload),
		RecordedAt: mergedAt,
	}
	if err := tx.Versions().Insert(ctx, version); err != nil {
		return 0, fmt.Errorf("failed to write trunk version for %s: %w", change.Ref(), err)
	}
	return next, nil
}

// staleEntities reports every entity whose trunk base moved between the
// preview diff and the in-transaction diff. Entities that newly appear in
// the fresh diff also count: their classification itself was changed by a
// trunk write the approver never saw.
func staleEntities(preview, fresh domain.BranchDiff) []domain.EntityRef {
	baseByRef := make(map[domain.EntityRef]int64, len(preview.Changes))
	for _, change := range preview.Changes {
		baseByRef[change.Ref()] = change.BaseVersion
	}

	var conflicts []domain.EntityRef
	for _, change := range fresh.Changes {
		base, seen := baseByRef[change.Ref()]
		if !seen || base != change.BaseVersion {
			conflicts = append(conflicts, change.Ref())
		}
	}
	return conflicts
}

// compareIn runs the diff against an arbitrary store view, so Merge can
// re-run it inside its transaction.
func compareIn(ctx context.Context, store repository.Store, branchName string, generatedAt time.Time) (domain.BranchDiff, error) {
	refs, err := store.Versions().EntitiesOnBranch(ctx, branchName)
	if err != nil {
		return domain.BranchDiff{}, err
	}

	diff := domain.BranchDiff{
		Branch:      branchName,
		BaseBranch:  domain.TrunkBranch,
		GeneratedAt: generatedAt,
		Totals:      domain.FinancialDelta{},
	}

	for _, ref := range refs {
		change, include, err := classify(ctx, store, ref, branchName)
		if err != nil {
			return domain.BranchDiff{}, err
		}
		if !include {
			continue
		}
		diff.Changes = append(diff.Changes, change)
		diff.Totals.Add(change.Financial)
	}

	sort.Slice(diff.Changes, func(i, j int) bool {
		if diff.Changes[i].Kind != diff.Changes[j].Kind {
			return diff.Changes[i].Kind < diff.Changes[j].Kind
		}
		return diff.Changes[i].EntityID.String() < diff.Changes[j].EntityID.String()
	})
	return diff, nil
}

// classify buckets one branch-touched entity into create, update or delete,
// or excludes it as a no-op.
func classify(ctx context.Context, store repository.Store, ref domain.EntityRef, branchName string) (domain.EntityChange, bool, error) {
	branchCur, err := store.Versions().Current(ctx, ref.Kind, ref.EntityID, branchName)
	if err != nil {
		return domain.EntityChange{}, false, err
	}
	if branchCur.Status == domain.StatusMerged {
		// Already consumed by an earlier merge of this branch.
		return domain.EntityChange{}, false, nil
	}

	trunkCur, err := store.Versions().Current(ctx, ref.Kind, ref.EntityID, domain.TrunkBranch)
	trunkExists := err == nil
	if err != nil && !errors.Is(err, domain.ErrEntityNotFound) {
		return domain.EntityChange{}, false, err
	}

	trunkActive := trunkExists && trunkCur.Status == domain.StatusActive

	change := domain.EntityChange{
		Kind:          ref.Kind,
		EntityID:      ref.EntityID,
		TargetVersion: branchCur.Version,
		Target:        domain.ClonePayload(branchCur.Payload),
	}
	if trunkExists {
		change.BaseVersion = trunkCur.Version
	}

	switch {
	case branchCur.Status == domain.StatusDeleted && trunkActive:
		change.Type = domain.ChangeDelete
		change.Base = domain.ClonePayload(trunkCur.Payload)
		change.Financial = domain.FinancialDeltaBetween(trunkCur.Payload, nil)
	case branchCur.Status == domain.StatusDeleted:
		// Deleted on the branch with nothing visible on trunk: no-op.
		return domain.EntityChange{}, false, nil
	case !trunkActive:
		change.Type = domain.ChangeCreate
		change.Financial = domain.FinancialDeltaBetween(nil, branchCur.Payload)
	case domain.PayloadsEqual(trunkCur.Payload, branchCur.Payload):
		return domain.EntityChange{}, false, nil
	default:
		change.Type = domain.ChangeUpdate
		change.Base = domain.ClonePayload(trunkCur.Payload)
		change.Financial = domain.FinancialDeltaBetween(trunkCur.Payload, branchCur.Payload)
	}

	baseSnapshot, targetSnapshot := diffSnapshots(branchCur, trunkCur, trunkActive, change.Type)
	unified, err := domain.DiffSnapshots(domain.TrunkBranch, baseSnapshot, branchName, targetSnapshot)
	if err != nil {
		return domain.EntityChange{}, false, err
	}
	change.UnifiedDiff = unified

	return change, true, nil
}

func diffSnapshots(branchCur, trunkCur domain.VersionedEntity, trunkActive bool, changeType domain.ChangeType) (base, target *domain.PayloadSnapshot) {
	if trunkActive {
		snapshot := domain.SnapshotOf(trunkCur)
		base = &snapshot
	}
	if changeType != domain.ChangeDelete {
		snapshot := domain.SnapshotOf(branchCur)
		target = &snapshot
	}
	return base, target
}
