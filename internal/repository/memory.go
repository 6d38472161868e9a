package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/evmbranch/internal/domain"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and ephemeral deployments.
// Transactions copy the whole state and swap it back on success, which gives
// the same all-or-nothing behaviour the Postgres store gets from pgx
// transactions.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

var _ Store = (*MemoryStore)(nil)

type memoryState struct {
	versions     map[domain.Kind]map[uuid.UUID][]domain.VersionedEntity
	branches     map[string]domain.Branch
	changeOrders map[uuid.UUID]domain.ChangeOrder
}

func newMemoryState() *memoryState {
	state := &memoryState{
		versions:     make(map[domain.Kind]map[uuid.UUID][]domain.VersionedEntity),
		branches:     make(map[string]domain.Branch),
		changeOrders: make(map[uuid.UUID]domain.ChangeOrder),
	}
	for _, kind := range domain.Kinds() {
		state.versions[kind] = make(map[uuid.UUID][]domain.VersionedEntity)
	}
	return state
}

func (s *memoryState) clone() *memoryState {
	out := newMemoryState()
	for kind, entities := range s.versions {
		for id, rows := range entities {
			copied := make([]domain.VersionedEntity, len(rows))
			for i, row := range rows {
				copied[i] = cloneVersion(row)
			}
			out.versions[kind][id] = copied
		}
	}
	for name, branch := range s.branches {
		out.branches[name] = branch
	}
	for id, order := range s.changeOrders {
		out.changeOrders[id] = order
	}
	return out
}

func cloneVersion(v domain.VersionedEntity) domain.VersionedEntity {
	v.Payload = domain.ClonePayload(v.Payload)
	return v
}

// NewMemoryStore creates an empty store with the trunk branch seeded.
func NewMemoryStore() *MemoryStore {
	state := newMemoryState()
	state.branches[domain.TrunkBranch] = domain.Branch{
		Name:       domain.TrunkBranch,
		BaseBranch: "",
		Status:     domain.BranchOpen,
		CreatedAt:  time.Now(),
	}
	return &MemoryStore{state: state}
}

func (s *MemoryStore) Versions() VersionRepository         { return &memoryVersions{store: s} }
func (s *MemoryStore) Branches() BranchRepository          { return &memoryBranches{store: s} }
func (s *MemoryStore) ChangeOrders() ChangeOrderRepository { return &memoryChangeOrders{store: s} }

// InTx clones the state, runs fn against the clone, and swaps the clone in
// only when fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := &MemoryStore{state: s.state.clone()}
	if err := fn(child); err != nil {
		return err
	}
	s.state = child.state
	return nil
}

type memoryVersions struct {
	store *MemoryStore
}

func (r *memoryVersions) Insert(_ context.Context, v domain.VersionedEntity) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rows := r.store.state.versions[v.Kind][v.EntityID]
	for _, existing := range rows {
		if existing.Branch == v.Branch && existing.Version == v.Version {
			return domain.ErrVersionConflict
		}
	}

	rows = append(rows, cloneVersion(v))
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Version != rows[j].Version {
			return rows[i].Version < rows[j].Version
		}
		return rows[i].Branch < rows[j].Branch
	})
	r.store.state.versions[v.Kind][v.EntityID] = rows
	return nil
}

func (r *memoryVersions) Current(_ context.Context, kind domain.Kind, entityID uuid.UUID, branch string) (domain.VersionedEntity, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var current domain.VersionedEntity
	found := false
	for _, row := range r.store.state.versions[kind][entityID] {
		if row.Branch != branch {
			continue
		}
		if !found || row.Version > current.Version {
			current = row
			found = true
		}
	}
	if !found {
		return domain.VersionedEntity{}, domain.ErrEntityNotFound
	}
	return cloneVersion(current), nil
}

func (r *memoryVersions) History(_ context.Context, kind domain.Kind, entityID uuid.UUID, branch *string) ([]domain.VersionedEntity, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.VersionedEntity
	for _, row := range r.store.state.versions[kind][entityID] {
		if branch != nil && row.Branch != *branch {
			continue
		}
		out = append(out, cloneVersion(row))
	}
	return out, nil
}

func (r *memoryVersions) EntitiesOnBranch(_ context.Context, branch string) ([]domain.EntityRef, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var refs []domain.EntityRef
	for _, kind := range domain.Kinds() {
		for entityID, rows := range r.store.state.versions[kind] {
			for _, row := range rows {
				if row.Branch == branch {
					refs = append(refs, domain.EntityRef{Kind: kind, EntityID: entityID})
					break
				}
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].EntityID.String() < refs[j].EntityID.String()
	})
	return refs, nil
}

func (r *memoryVersions) CopyBranch(_ context.Context, source, dest string, recordedAt time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	copied := 0
	for kind, entities := range r.store.state.versions {
		for entityID, rows := range entities {
			var additions []domain.VersionedEntity
			for _, row := range rows {
				if row.Branch != source {
					continue
				}
				for _, existing := range rows {
					if existing.Branch == dest && existing.Version == row.Version {
						return 0, domain.ErrVersionConflict
					}
				}
				duplicate := cloneVersion(row)
				duplicate.Branch = dest
				duplicate.RecordedAt = recordedAt
				additions = append(additions, duplicate)
			}
			if len(additions) == 0 {
				continue
			}
			rows = append(rows, additions...)
			sort.Slice(rows, func(i, j int) bool {
				if rows[i].Version != rows[j].Version {
					return rows[i].Version < rows[j].Version
				}
				return rows[i].Branch < rows[j].Branch
			})
			r.store.state.versions[kind][entityID] = rows
			copied += len(additions)
		}
	}
	return copied, nil
}

func (r *memoryVersions) RetireBranch(_ context.Context, branch string, status domain.Status, refs []domain.EntityRef) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	wanted := make(map[domain.EntityRef]bool, len(refs))
	for _, ref := range refs {
		wanted[ref] = true
	}

	touched := 0
	for kind, entities := range r.store.state.versions {
		for entityID, rows := range entities {
			if refs != nil && !wanted[domain.EntityRef{Kind: kind, EntityID: entityID}] {
				continue
			}
			for i := range rows {
				if rows[i].Branch != branch {
					continue
				}
				rows[i].Status = status
				touched++
			}
		}
	}
	return touched, nil
}

type memoryBranches struct {
	store *MemoryStore
}

func (r *memoryBranches) Insert(_ context.Context, branch domain.Branch) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.state.branches[branch.Name]; exists {
		return domain.ErrBranchExists
	}
	r.store.state.branches[branch.Name] = branch
	return nil
}

func (r *memoryBranches) Get(_ context.Context, name string) (domain.Branch, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	branch, ok := r.store.state.branches[name]
	if !ok {
		return domain.Branch{}, domain.ErrBranchNotFound
	}
	return branch, nil
}

func (r *memoryBranches) List(_ context.Context) ([]domain.Branch, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]domain.Branch, 0, len(r.store.state.branches))
	for _, branch := range r.store.state.branches {
		out = append(out, branch)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *memoryBranches) UpdateStatus(_ context.Context, name string, status domain.BranchStatus) (domain.Branch, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	branch, ok := r.store.state.branches[name]
	if !ok {
		return domain.Branch{}, domain.ErrBranchNotFound
	}
	branch.Status = status
	r.store.state.branches[name] = branch
	return branch, nil
}

type memoryChangeOrders struct {
	store *MemoryStore
}

func (r *memoryChangeOrders) Insert(_ context.Context, order domain.ChangeOrder) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.state.changeOrders[order.ID] = order
	return nil
}

func (r *memoryChangeOrders) Get(_ context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	order, ok := r.store.state.changeOrders[id]
	if !ok {
		return domain.ChangeOrder{}, domain.ErrChangeOrderNotFound
	}
	return order, nil
}

func (r *memoryChangeOrders) List(_ context.Context) ([]domain.ChangeOrder, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]domain.ChangeOrder, 0, len(r.store.state.changeOrders))
	for _, order := range r.store.state.changeOrders {
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *memoryChangeOrders) Update(_ context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.state.changeOrders[order.ID]; !ok {
		return domain.ChangeOrder{}, domain.ErrChangeOrderNotFound
	}
	r.store.state.changeOrders[order.ID] = order
	return order, nil
}
