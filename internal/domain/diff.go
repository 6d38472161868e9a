package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies one entity within a branch diff.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// FinancialDelta maps a financial payload field to its branch-minus-trunk
// difference.
type FinancialDelta map[string]float64

// Add accumulates another delta into this one.
func (d FinancialDelta) Add(other FinancialDelta) {
	for field, value := range other {
		d[field] += value
	}
}

// EntityChange is one entity's contribution to a branch diff.
type EntityChange struct {
	Kind          Kind           `json:"kind"`
	EntityID      uuid.UUID      `json:"entityId"`
	Type          ChangeType     `json:"type"`
	BaseVersion   int64          `json:"baseVersion"`   // trunk current at preview time, 0 when absent
	TargetVersion int64          `json:"targetVersion"` // branch current
	Base          map[string]any `json:"base,omitempty"`
	Target        map[string]any `json:"target,omitempty"`
	Financial     FinancialDelta `json:"financial"`
	UnifiedDiff   string         `json:"unifiedDiff,omitempty"`
}

// Ref returns the entity reference for this change.
func (c EntityChange) Ref() EntityRef {
	return EntityRef{Kind: c.Kind, EntityID: c.EntityID}
}

// BranchDiff is the full compare() result for one branch against its base.
type BranchDiff struct {
	Branch      string         `json:"branch"`
	BaseBranch  string         `json:"baseBranch"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Changes     []EntityChange `json:"changes"`
	Totals      FinancialDelta `json:"totals"`
}

// Counts returns the number of creates, updates and deletes in the diff.
func (d BranchDiff) Counts() (creates, updates, deletes int) {
	for _, change := range d.Changes {
		switch change.Type {
		case ChangeCreate:
			creates++
		case ChangeUpdate:
			updates++
		case ChangeDelete:
			deletes++
		}
	}
	return creates, updates, deletes
}

// FinancialDeltaBetween computes per-field branch-minus-trunk differences
// over the tracked financial fields. Either payload may be nil (create and
// delete cases).
func FinancialDeltaBetween(base, target map[string]any) FinancialDelta {
	delta := make(FinancialDelta, len(FinancialFields))
	for _, field := range FinancialFields {
		delta[field] = FinancialValue(target, field) - FinancialValue(base, field)
	}
	return delta
}

// PayloadSnapshot is the minimal data needed to render a versioned payload
// into deterministic diffable text.
type PayloadSnapshot struct {
	Kind     Kind
	EntityID uuid.UUID
	Version  int64
	Status   Status
	Payload  map[string]any
}

// SnapshotOf builds a snapshot from a version row.
func SnapshotOf(v VersionedEntity) PayloadSnapshot {
	return PayloadSnapshot{
		Kind:     v.Kind,
		EntityID: v.EntityID,
		Version:  v.Version,
		Status:   v.Status,
		Payload:  ClonePayload(v.Payload),
	}
}

// CanonicalText flattens the snapshot into a deterministic set of lines
// suitable for diffing.
func (s PayloadSnapshot) CanonicalText() ([]string, error) {
	lines := []string{
		fmt.Sprintf("Kind: %s", s.Kind),
		fmt.Sprintf("EntityID: %s", s.EntityID),
		fmt.Sprintf("Version: %d", s.Version),
		fmt.Sprintf("Status: %s", s.Status),
		"Payload:",
	}

	flattened := map[string]string{}
	if len(s.Payload) > 0 {
		if err := flattenPayload("", s.Payload, flattened); err != nil {
			return nil, err
		}
	}

	if len(flattened) == 0 {
		lines = append(lines, "  (empty)")
		return lines, nil
	}

	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", key, flattened[key]))
	}

	return lines, nil
}

// DiffSnapshots produces a unified diff between two snapshots using the
// provided labels. Either snapshot may be nil.
func DiffSnapshots(baseLabel string, base *PayloadSnapshot, targetLabel string, target *PayloadSnapshot) (string, error) {
	baseString, err := canonicalString(base)
	if err != nil {
		return "", err
	}

	targetString, err := canonicalString(target)
	if err != nil {
		return "", err
	}

	return buildUnifiedDiff(baseLabel, targetLabel, baseString, targetString), nil
}

// PayloadsEqual reports whether two payloads flatten to identical canonical
// form. This is the no-op test used to exclude unchanged entities from a
// branch diff.
func PayloadsEqual(a, b map[string]any) bool {
	flatA := map[string]string{}
	flatB := map[string]string{}
	if err := flattenPayload("", a, flatA); err != nil {
		return false
	}
	if err := flattenPayload("", b, flatB); err != nil {
		return false
	}
	if len(flatA) != len(flatB) {
		return false
	}
	for key, value := range flatA {
		if flatB[key] != value {
			return false
		}
	}
	return true
}

func canonicalString(snapshot *PayloadSnapshot) (string, error) {
	if snapshot == nil {
		return "", nil
	}

	lines, err := snapshot.CanonicalText()
	if err != nil {
		return "", err
	}

	return strings.Join(lines, "\n") + "\n", nil
}

func flattenPayload(prefix string, value any, acc map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "{}"
			}
			return nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			nextPrefix := key
			if prefix != "" {
				nextPrefix = prefix + "." + key
			}
			if err := flattenPayload(nextPrefix, typed[key], acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "[]"
			}
			return nil
		}
		for idx, item := range typed {
			nextPrefix := fmt.Sprintf("%s[%d]", prefix, idx)
			if prefix == "" {
				nextPrefix = fmt.Sprintf("[%d]", idx)
			}
			if err := flattenPayload(nextPrefix, item, acc); err != nil {
				return err
			}
		}
	case nil:
		if prefix != "" {
			acc[prefix] = "null"
		}
	default:
		if prefix == "" {
			return fmt.Errorf("payload key missing for value %v", typed)
		}
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
		} else {
			acc[prefix] = string(encoded)
		}
	}

	return nil
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) string {
	baseLines := splitLines(baseContent)
	targetLines := splitLines(targetContent)

	ops := diffLines(baseLines, targetLines)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	builder.WriteString("@@ -0,0 +0,0 @@\n")
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

func splitLines(input string) []string {
	lines := strings.Split(input, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffLines emits an LCS-based line diff between base and target.
func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == target[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		if base[i] == target[j] {
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
			continue
		}

		if dp[i+1][j] >= dp[i][j+1] {
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		} else {
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}

	for i < m {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
		i++
	}

	for j < n {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
		j++
	}

	return ops
}
