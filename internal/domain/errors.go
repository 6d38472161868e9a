package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Engine error taxonomy. Callers match with errors.Is; the HTTP layer maps
// these onto status codes.
var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrAlreadyDeleted      = errors.New("entity already deleted")
	ErrNotDeleted          = errors.New("entity is not deleted")
	ErrBranchLocked        = errors.New("branch is locked")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrStaleMerge          = errors.New("trunk advanced since merge preview")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrBranchNotFound      = errors.New("branch not found")
	ErrBranchExists        = errors.New("branch already exists")
	ErrChangeOrderNotFound = errors.New("change order not found")

	// ErrVersionConflict signals a lost race appending (entity_id, branch,
	// version); the store retries the append with the next version number.
	ErrVersionConflict = errors.New("version number already taken")
)

// EntityRef identifies one branchable entity across kinds.
type EntityRef struct {
	Kind     Kind      `json:"kind"`
	EntityID uuid.UUID `json:"entityId"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.EntityID)
}

// StaleMergeError reports which entities moved on trunk between preview and
// merge. It matches ErrStaleMerge under errors.Is.
type StaleMergeError struct {
	Branch    string
	Conflicts []EntityRef
}

func (e *StaleMergeError) Error() string {
	refs := make([]string, len(e.Conflicts))
	for i, ref := range e.Conflicts {
		refs[i] = ref.String()
	}
	return fmt.Sprintf("stale merge on branch %s: trunk advanced for %s", e.Branch, strings.Join(refs, ", "))
}

func (e *StaleMergeError) Is(target error) bool {
	return target == ErrStaleMerge
}

// PayloadError lists the schema violations behind an ErrInvalidPayload.
type PayloadError struct {
	Kind    Kind
	Missing []string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: missing required fields %s", e.Kind, strings.Join(e.Missing, ", "))
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrInvalidPayload
}
