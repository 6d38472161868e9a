// Package export renders change-order impact previews into downloadable
// workbooks.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/evmbranch/internal/domain"
	"github.com/rpattn/evmbranch/internal/merge"

	"github.com/xuri/excelize/v2"
)

const impactSheet = "Impact"

// Service builds financial-impact workbooks from branch diffs.
type Service struct {
	merger *merge.Engine
	now    func() time.Time
}

// NewService creates the export service.
func NewService(merger *merge.Engine) *Service {
	return &Service{merger: merger, now: time.Now}
}

// ImpactWorkbook runs compare on the branch and renders the diff as an XLSX
// workbook: one row per entity change plus a totals row.
func (s *Service) ImpactWorkbook(ctx context.Context, branchName string) ([]byte, string, error) {
	diff, err := s.merger.Compare(ctx, branchName)
	if err != nil {
		return nil, "", err
	}

	payload, err := renderWorkbook(diff)
	if err != nil {
		return nil, "", err
	}

	filename := fmt.Sprintf("impact-%s-%s.xlsx", branchName, s.now().Format("20060102-150405"))
	return payload, filename, nil
}

func renderWorkbook(diff domain.BranchDiff) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName(f.GetSheetName(0), impactSheet)

	headers := []any{"Kind", "Entity ID", "Change", "Base Version", "Target Version"}
	for _, field := range domain.FinancialFields {
		headers = append(headers, fmt.Sprintf("%s delta", field))
	}
	if err := writeRow(f, 1, headers); err != nil {
		return nil, err
	}

	row := 2
	for _, change := range diff.Changes {
		cells := []any{
			string(change.Kind),
			change.EntityID.String(),
			string(change.Type),
			change.BaseVersion,
			change.TargetVersion,
		}
		for _, field := range domain.FinancialFields {
			cells = append(cells, change.Financial[field])
		}
		if err := writeRow(f, row, cells); err != nil {
			return nil, err
		}
		row++
	}

	totals := []any{"TOTAL", "", "", "", ""}
	for _, field := range domain.FinancialFields {
		totals = append(totals, diff.Totals[field])
	}
	if err := writeRow(f, row, totals); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, row int, cells []any) error {
	for col, value := range cells {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(impactSheet, cell, value); err != nil {
			return fmt.Errorf("failed to write cell %s: %w", cell, err)
		}
	}
	return nil
}
