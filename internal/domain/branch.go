package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BranchStatus is the lifecycle state of a branch.
type BranchStatus string

const (
	BranchOpen    BranchStatus = "open"
	BranchLocked  BranchStatus = "locked"
	BranchMerged  BranchStatus = "merged"
	BranchDeleted BranchStatus = "deleted"
)

// Branch is a sparse overlay of entity versions tied to one change order.
// Trunk is modelled as a permanently open branch with no change order.
type Branch struct {
	Name          string       `json:"name"`
	BaseBranch    string       `json:"baseBranch"`
	Status        BranchStatus `json:"status"`
	ChangeOrderID uuid.UUID    `json:"changeOrderId"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// IsTrunk reports whether this is the distinguished base branch.
func (b Branch) IsTrunk() bool {
	return b.Name == TrunkBranch
}

// Mutable reports whether entity mutations are currently allowed on the
// branch. Trunk stays mutable for life; other branches only while open.
func (b Branch) Mutable() bool {
	return b.Status == BranchOpen
}

// Terminal reports whether the branch reached an end state.
func (b Branch) Terminal() bool {
	return b.Status == BranchMerged || b.Status == BranchDeleted
}

// NewBranchName generates a change-order branch name of the form
// co-<short-id>. Uniqueness is enforced by the branch table; collisions on
// the 8-char prefix are resolved by regenerating.
func NewBranchName() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "co-" + id[:8]
}
