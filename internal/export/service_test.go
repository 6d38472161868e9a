package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rpattn/evmbranch/internal/branch"
	"github.com/rpattn/evmbranch/internal/domain"
	"github.com/rpattn/evmbranch/internal/merge"
	"github.com/rpattn/evmbranch/internal/repository"
	"github.com/rpattn/evmbranch/internal/versionstore"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

func TestImpactWorkbook(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryStore()
	store := versionstore.New(repo)
	manager := branch.NewManager(repo)
	service := NewService(merge.NewEngine(repo))

	working, err := manager.Create(ctx, uuid.New())
	if err != nil {
		t.Fatalf("failed to create branch: %v", err)
	}

	seeded, err := store.Create(ctx, domain.KindWBE, domain.TrunkBranch, map[string]any{"name": "E1", "budget": 100.0})
	if err != nil {
		t.Fatalf("failed to seed entity: %v", err)
	}
	if _, err := store.Update(ctx, domain.KindWBE, seeded.EntityID, working.Name, map[string]any{"name": "E1", "budget": 180.0}); err != nil {
		t.Fatalf("failed to edit on branch: %v", err)
	}
	if _, err := store.Create(ctx, domain.KindWBE, working.Name, map[string]any{"name": "E2", "budget": 40.0}); err != nil {
		t.Fatalf("failed to create on branch: %v", err)
	}

	payload, filename, err := service.ImpactWorkbook(ctx, working.Name)
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	if !strings.HasPrefix(filename, "impact-"+working.Name) || !strings.HasSuffix(filename, ".xlsx") {
		t.Errorf("unexpected filename %q", filename)
	}

	book, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to reopen workbook: %v", err)
	}
	defer book.Close()

	rows, err := book.GetRows(impactSheet)
	if err != nil {
		t.Fatalf("failed to read sheet: %v", err)
	}
	// Header, two changes, totals.
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	if rows[0][0] != "Kind" || rows[0][2] != "Change" {
		t.Errorf("unexpected header row: %v", rows[0])
	}

	changeTypes := map[string]bool{}
	for _, r := range rows[1:3] {
		changeTypes[r[2]] = true
	}
	if !changeTypes["create"] || !changeTypes["update"] {
		t.Errorf("expected a create and an update row, got %v", changeTypes)
	}

	total := rows[len(rows)-1]
	if total[0] != "TOTAL" {
		t.Errorf("expected TOTAL marker, got %q", total[0])
	}
	// budget delta column: (180-100) + 40.
	budget, err := book.GetCellValue(impactSheet, "F4")
	if err != nil {
		t.Fatalf("failed to read totals cell: %v", err)
	}
	if budget != "120" {
		t.Errorf("expected total budget delta 120, got %q", budget)
	}
}

func TestImpactWorkbookUnknownBranch(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryStore()
	service := NewService(merge.NewEngine(repo))

	if _, _, err := service.ImpactWorkbook(ctx, "co-missing"); !errors.Is(err, domain.ErrBranchNotFound) {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}
}
