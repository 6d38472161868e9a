package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCanonicalTextFlattensNestedPayload(t *testing.T) {
	snapshot := PayloadSnapshot{
		Kind:     KindWBE,
		EntityID: uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Version:  3,
		Status:   StatusActive,
		Payload: map[string]any{
			"name":   "Foundations",
			"budget": 1200.5,
			"tags":   []any{"civil", "phase-1"},
			"meta":   map[string]any{"owner": "pm", "priority": 2.0},
		},
	}

	lines, err := snapshot.CanonicalText()
	if err != nil {
		t.Fatalf("unexpected canonical text error: %v", err)
	}

	text := strings.Join(lines, "\n")
	for _, expected := range []string{
		"Kind: wbe",
		"Version: 3",
		"Status: active",
		`  budget: 1200.5`,
		`  meta.owner: "pm"`,
		"  meta.priority: 2",
		`  name: "Foundations"`,
		`  tags[0]: "civil"`,
		`  tags[1]: "phase-1"`,
	} {
		if !strings.Contains(text, expected) {
			t.Errorf("expected canonical text to contain %q, got:\n%s", expected, text)
		}
	}

	// Deterministic: same payload, same lines.
	again, err := snapshot.CanonicalText()
	if err != nil {
		t.Fatalf("unexpected canonical text error: %v", err)
	}
	if strings.Join(again, "\n") != text {
		t.Errorf("expected stable canonical text across calls")
	}
}

func TestCanonicalTextEmptyPayload(t *testing.T) {
	snapshot := PayloadSnapshot{Kind: KindWBE, Version: 1, Status: StatusActive}
	lines, err := snapshot.CanonicalText()
	if err != nil {
		t.Fatalf("unexpected canonical text error: %v", err)
	}
	if lines[len(lines)-1] != "  (empty)" {
		t.Errorf("expected (empty) marker, got %q", lines[len(lines)-1])
	}
}

func TestDiffSnapshotsMarksChangedLines(t *testing.T) {
	id := uuid.New()
	base := PayloadSnapshot{
		Kind: KindWBE, EntityID: id, Version: 1, Status: StatusActive,
		Payload: map[string]any{"name": "E1", "budget": 100.0},
	}
	target := PayloadSnapshot{
		Kind: KindWBE, EntityID: id, Version: 2, Status: StatusActive,
		Payload: map[string]any{"name": "E1", "budget": 150.0},
	}

	diff, err := DiffSnapshots("trunk", &base, "co-abc123", &target)
	if err != nil {
		t.Fatalf("unexpected diff error: %v", err)
	}

	if !strings.Contains(diff, "--- trunk") || !strings.Contains(diff, "+++ co-abc123") {
		t.Errorf("expected labelled headers, got:\n%s", diff)
	}
	if !strings.Contains(diff, "-  budget: 100") {
		t.Errorf("expected removed budget line, got:\n%s", diff)
	}
	if !strings.Contains(diff, "+  budget: 150") {
		t.Errorf("expected added budget line, got:\n%s", diff)
	}
	if !strings.Contains(diff, ` name: "E1"`) {
		t.Errorf("expected unchanged name line in context, got:\n%s", diff)
	}
}

func TestDiffSnapshotsNilSides(t *testing.T) {
	snapshot := PayloadSnapshot{
		Kind: KindWBE, EntityID: uuid.New(), Version: 1, Status: StatusActive,
		Payload: map[string]any{"name": "new", "budget": 10.0},
	}

	created, err := DiffSnapshots("trunk", nil, "co-a", &snapshot)
	if err != nil {
		t.Fatalf("unexpected diff error: %v", err)
	}
	if !strings.Contains(created, "+Kind: wbe") {
		t.Errorf("expected every line added for create diff, got:\n%s", created)
	}
	if strings.Contains(created, "\n-Kind") {
		t.Errorf("expected no removals for create diff, got:\n%s", created)
	}

	deleted, err := DiffSnapshots("trunk", &snapshot, "co-a", nil)
	if err != nil {
		t.Fatalf("unexpected diff error: %v", err)
	}
	if !strings.Contains(deleted, "-Kind: wbe") {
		t.Errorf("expected every line removed for delete diff, got:\n%s", deleted)
	}
	if strings.Contains(deleted, "\n+Kind") {
		t.Errorf("expected no additions for delete diff, got:\n%s", deleted)
	}
}

func TestPayloadsEqual(t *testing.T) {
	a := map[string]any{"name": "E1", "budget": 100.0, "meta": map[string]any{"x": 1.0}}
	b := map[string]any{"budget": 100.0, "name": "E1", "meta": map[string]any{"x": 1.0}}
	if !PayloadsEqual(a, b) {
		t.Errorf("expected key order not to matter")
	}

	c := map[string]any{"name": "E1", "budget": 101.0, "meta": map[string]any{"x": 1.0}}
	if PayloadsEqual(a, c) {
		t.Errorf("expected differing budget to break equality")
	}

	d := map[string]any{"name": "E1", "budget": 100.0}
	if PayloadsEqual(a, d) {
		t.Errorf("expected missing key to break equality")
	}

	if !PayloadsEqual(nil, map[string]any{}) {
		t.Errorf("expected nil and empty payloads to be equal")
	}
}

func TestFinancialDeltaBetween(t *testing.T) {
	base := map[string]any{"budget": 100.0, "revenue": 80.0, "actual_cost": 20.0}
	target := map[string]any{"budget": 150.0, "revenue": 80.0}

	delta := FinancialDeltaBetween(base, target)
	if delta["budget"] != 50 {
		t.Errorf("expected budget delta 50, got %v", delta["budget"])
	}
	if delta["revenue"] != 0 {
		t.Errorf("expected revenue delta 0, got %v", delta["revenue"])
	}
	// Missing on target counts as 0.
	if delta["actual_cost"] != -20 {
		t.Errorf("expected actual_cost delta -20, got %v", delta["actual_cost"])
	}

	// Create and delete pass nil for the absent side.
	created := FinancialDeltaBetween(nil, target)
	if created["budget"] != 150 {
		t.Errorf("expected create delta 150, got %v", created["budget"])
	}
	removed := FinancialDeltaBetween(base, nil)
	if removed["budget"] != -100 {
		t.Errorf("expected delete delta -100, got %v", removed["budget"])
	}
}

func TestFinancialDeltaAdd(t *testing.T) {
	total := FinancialDelta{}
	total.Add(FinancialDelta{"budget": 50, "revenue": -10})
	total.Add(FinancialDelta{"budget": 25})
	if total["budget"] != 75 || total["revenue"] != -10 {
		t.Errorf("unexpected accumulated totals: %v", total)
	}
}

func TestFinancialValueNumericShapes(t *testing.T) {
	payload := map[string]any{
		"float":  123.5,
		"int":    7,
		"number": json.Number("42.25"),
		"string": "9.75",
		"junk":   "not-a-number",
	}
	cases := []struct {
		field string
		want  float64
	}{
		{"float", 123.5},
		{"int", 7},
		{"number", 42.25},
		{"string", 9.75},
		{"junk", 0},
		{"missing", 0},
	}
	for _, tc := range cases {
		if got := FinancialValue(payload, tc.field); got != tc.want {
			t.Errorf("FinancialValue(%q) = %v, want %v", tc.field, got, tc.want)
		}
	}
	if got := FinancialValue(nil, "budget"); got != 0 {
		t.Errorf("expected nil payload to read 0, got %v", got)
	}
}

func TestValidatePayload(t *testing.T) {
	if err := ValidatePayload(KindWBE, map[string]any{"name": "E1", "budget": 100.0}); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	err := ValidatePayload(KindWBE, map[string]any{"budget": 100.0})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	var payloadErr *PayloadError
	if !errors.As(err, &payloadErr) || len(payloadErr.Missing) != 1 || payloadErr.Missing[0] != "name" {
		t.Fatalf("expected missing name reported, got %v", err)
	}

	// Empty strings and explicit nulls count as missing.
	err = ValidatePayload(KindCostElement, map[string]any{"name": "", "wbe_id": nil, "budget": 5.0})
	if !errors.As(err, &payloadErr) || len(payloadErr.Missing) != 2 {
		t.Fatalf("expected name and wbe_id missing, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, kind := range Kinds() {
		parsed, err := ParseKind(string(kind))
		if err != nil || parsed != kind {
			t.Errorf("expected %q to parse, got %v %v", kind, parsed, err)
		}
	}
	if _, err := ParseKind("invoice"); err == nil {
		t.Errorf("expected unknown kind to be rejected")
	}
}

func TestClonePayloadIsolation(t *testing.T) {
	original := map[string]any{
		"name": "E1",
		"meta": map[string]any{"owner": "pm"},
		"tags": []any{"a"},
	}
	clone := ClonePayload(original)

	clone["name"] = "changed"
	clone["meta"].(map[string]any)["owner"] = "someone-else"
	clone["tags"].([]any)[0] = "b"

	if original["name"] != "E1" {
		t.Errorf("expected top-level isolation")
	}
	if original["meta"].(map[string]any)["owner"] != "pm" {
		t.Errorf("expected nested map isolation")
	}
	if original["tags"].([]any)[0] != "a" {
		t.Errorf("expected nested slice isolation")
	}
}
