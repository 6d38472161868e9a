package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeOrderStatus is the workflow state of a change order.
type ChangeOrderStatus string

const (
	ChangeOrderDesign    ChangeOrderStatus = "design"
	ChangeOrderApproved  ChangeOrderStatus = "approved"
	ChangeOrderExecuted  ChangeOrderStatus = "executed"
	ChangeOrderCancelled ChangeOrderStatus = "cancelled"
)

// ChangeOrder groups a set of proposed project changes behind one branch.
// Its payloads are editable only while in design.
type ChangeOrder struct {
	ID          uuid.UUID         `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	BranchName  string            `json:"branchName"`
	Status      ChangeOrderStatus `json:"status"`
	// ImpactPreview snapshots the compare() output taken at approval so the
	// approved financial impact stays auditable even if execution is delayed.
	ImpactPreview json.RawMessage `json:"impactPreview,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// NewChangeOrder creates a change order in design state.
func NewChangeOrder(title, description string) ChangeOrder {
	now := time.Now()
	return ChangeOrder{
		ID:          uuid.New(),
		Title:       title,
		Description: description,
		Status:      ChangeOrderDesign,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanTransition reports whether the workflow permits moving to the target
// state: design -> approved -> executed, with cancellation allowed from any
// non-terminal state.
func (c ChangeOrder) CanTransition(target ChangeOrderStatus) bool {
	switch target {
	case ChangeOrderApproved:
		return c.Status == ChangeOrderDesign
	case ChangeOrderExecuted:
		return c.Status == ChangeOrderApproved
	case ChangeOrderCancelled:
		return c.Status == ChangeOrderDesign || c.Status == ChangeOrderApproved
	default:
		return false
	}
}

// Terminal reports whether the change order reached an end state.
func (c ChangeOrder) Terminal() bool {
	return c.Status == ChangeOrderExecuted || c.Status == ChangeOrderCancelled
}
