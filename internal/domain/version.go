package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TrunkBranch is the distinguished base branch holding the accepted project
// state. Every other branch overlays it.
const TrunkBranch = "trunk"

// Kind enumerates the branchable entity kinds.
type Kind string

const (
	KindWBE         Kind = "wbe"
	KindCostElement Kind = "cost_element"
)

// Kinds lists every branchable kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindWBE, KindCostElement}
}

// ParseKind validates a kind coming off the wire.
func ParseKind(value string) (Kind, error) {
	switch Kind(value) {
	case KindWBE, KindCostElement:
		return Kind(value), nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", value)
	}
}

// Status is the lifecycle state of one version row.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
	// StatusMerged marks branch rows consumed by a merge; only the merge
	// engine writes it.
	StatusMerged Status = "merged"
)

// VersionedEntity is one immutable row of an entity's version log.
// Editing an entity appends a new row; nothing mutates in place.
type VersionedEntity struct {
	EntityID   uuid.UUID      `json:"entityId"`
	Kind       Kind           `json:"kind"`
	Branch     string         `json:"branch"`
	Version    int64          `json:"version"`
	Status     Status         `json:"status"`
	Payload    map[string]any `json:"payload"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// PayloadJSON marshals the payload for JSONB storage.
func (v *VersionedEntity) PayloadJSON() (json.RawMessage, error) {
	if v.Payload == nil {
		v.Payload = make(map[string]any)
	}
	return json.Marshal(v.Payload)
}

// PayloadFromJSON decodes a stored JSONB payload.
func PayloadFromJSON(raw json.RawMessage) (map[string]any, error) {
	var payload map[string]any
	err := json.Unmarshal(raw, &payload)
	return payload, err
}

// ClonePayload copies a payload map so callers cannot mutate stored versions.
func ClonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = cloneValue(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = cloneValue(v)
		}
		return out
	default:
		return typed
	}
}

// requiredFields is the minimal schema enforced per kind. The web tier
// validates the full field set; the engine only guards what it needs to
// keep merges and financial rollups meaningful.
var requiredFields = map[Kind][]string{
	KindWBE:         {"name", "budget"},
	KindCostElement: {"name", "wbe_id", "budget"},
}

// ValidatePayload enforces the per-kind required fields.
func ValidatePayload(kind Kind, payload map[string]any) error {
	var missing []string
	for _, field := range requiredFields[kind] {
		value, ok := payload[field]
		if !ok || value == nil {
			missing = append(missing, field)
			continue
		}
		if s, isString := value.(string); isString && s == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &PayloadError{Kind: kind, Missing: missing}
	}
	return nil
}

// FinancialFields are the payload keys aggregated into merge-preview deltas.
var FinancialFields = []string{"budget", "revenue", "actual_cost"}

// FinancialValue reads a numeric payload field, tolerating the numeric
// shapes JSON decoding produces. Missing or non-numeric values count as 0.
func FinancialValue(payload map[string]any, field string) float64 {
	if payload == nil {
		return 0
	}
	switch typed := payload[field].(type) {
	case float64:
		return typed
	case float32:
		return float64(typed)
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0
		}
		return parsed
	case string:
		parsed, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
