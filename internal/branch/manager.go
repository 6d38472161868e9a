// Package branch owns branch lifecycle: creation, advisory locking, cloning
// and soft-deletion.
package branch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/evmbranch/internal/domain"
	"github.com/rpattn/evmbranch/internal/repository"

	"github.com/google/uuid"
)

// maxNameRetries bounds regeneration when a generated co-<short-id> name
// collides with an existing branch.
const maxNameRetries = 5

// Manager implements branch lifecycle over the repository.
type Manager struct {
	repo repository.Store
	now  func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a branch manager.
func NewManager(repo repository.Store, opts ...Option) *Manager {
	manager := &Manager{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// Create opens a new branch off trunk for the given change order.
func (m *Manager) Create(ctx context.Context, changeOrderID uuid.UUID) (domain.Branch, error) {
	var lastErr error
	for attempt := 0; attempt < maxNameRetries; attempt++ {
		branch := domain.Branch{
			Name:          domain.NewBranchName(),
			BaseBranch:    domain.TrunkBranch,
			Status:        domain.BranchOpen,
			ChangeOrderID: changeOrderID,
			CreatedAt:     m.now(),
		}
		if err := m.repo.Branches().Insert(ctx, branch); err != nil {
			if errors.Is(err, domain.ErrBranchExists) {
				lastErr = err
				continue
			}
			return domain.Branch{}, err
		}
		return branch, nil
	}
	return domain.Branch{}, fmt.Errorf("failed to allocate unique branch name: %w", lastErr)
}

// Get loads one branch.
func (m *Manager) Get(ctx context.Context, name string) (domain.Branch, error) {
	return m.repo.Branches().Get(ctx, name)
}

// List returns every branch, trunk included.
func (m *Manager) List(ctx context.Context) ([]domain.Branch, error) {
	return m.repo.Branches().List(ctx)
}

// Lock transitions an open branch to locked, blocking further entity
// mutations. Called on change-order approval.
func (m *Manager) Lock(ctx context.Context, name string) (domain.Branch, error) {
	return m.transition(ctx, name, domain.BranchOpen, domain.BranchLocked)
}

// Unlock reopens a locked branch.
func (m *Manager) Unlock(ctx context.Context, name string) (domain.Branch, error) {
	return m.transition(ctx, name, domain.BranchLocked, domain.BranchOpen)
}

func (m *Manager) transition(ctx context.Context, name string, from, to domain.BranchStatus) (domain.Branch, error) {
	branch, err := m.repo.Branches().Get(ctx, name)
	if err != nil {
		return domain.Branch{}, err
	}
	if branch.IsTrunk() || branch.Status != from {
		return domain.Branch{}, domain.ErrInvalidTransition
	}
	return m.repo.Branches().UpdateStatus(ctx, name, to)
}

// Clone forks a branch: branch-scoped version rows (never trunk's) are
// copied with their version numbers preserved onto a fresh open branch owned
// by the given change order.
func (m *Manager) Clone(ctx context.Context, sourceName string, changeOrderID uuid.UUID) (domain.Branch, error) {
	source, err := m.repo.Branches().Get(ctx, sourceName)
	if err != nil {
		return domain.Branch{}, err
	}
	if source.IsTrunk() {
		return domain.Branch{}, domain.ErrInvalidTransition
	}

	clone := domain.Branch{
		Name:          domain.NewBranchName(),
		BaseBranch:    source.BaseBranch,
		Status:        domain.BranchOpen,
		ChangeOrderID: changeOrderID,
		CreatedAt:     m.now(),
	}
	err = m.repo.InTx(ctx, func(tx repository.Store) error {
		if err := tx.Branches().Insert(ctx, clone); err != nil {
			return err
		}
		if _, err := tx.Versions().CopyBranch(ctx, sourceName, clone.Name, m.now()); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Branch{}, err
	}
	return clone, nil
}

// Delete soft-deletes a branch: every branch-scoped version row is marked
// deleted (not merged) and the branch reaches its deleted terminal state.
// Idempotent; trunk and merged branches are rejected.
func (m *Manager) Delete(ctx context.Context, name string) error {
	branch, err := m.repo.Branches().Get(ctx, name)
	if err != nil {
		return err
	}
	if branch.IsTrunk() || branch.Status == domain.BranchMerged {
		return domain.ErrInvalidTransition
	}
	if branch.Status == domain.BranchDeleted {
		return nil
	}

	return m.repo.InTx(ctx, func(tx repository.Store) error {
		if _, err := tx.Versions().RetireBranch(ctx, name, domain.StatusDeleted, nil); err != nil {
			return err
		}
		if _, err := tx.Branches().UpdateStatus(ctx, name, domain.BranchDeleted); err != nil {
			return err
		}
		return nil
	})
}
