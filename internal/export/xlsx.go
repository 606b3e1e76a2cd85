// Package export renders report rows into spreadsheets for download. The
// report engine hands over plain rows; nothing here recomputes aggregates.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/alansahai/csm-sjc/internal/report"
)

// MatrixWorkbook renders the overall attendance matrix: one row per
// student, one column per available session date, trailing percentage.
func MatrixWorkbook(m report.Matrix) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	header := []any{"Student ID", "Name"}
	for _, d := range m.Dates {
		header = append(header, d)
	}
	header = append(header, "Attendance %")
	if err := setRow(f, sheet, 1, header); err != nil {
		return nil, err
	}

	for i, row := range m.Rows {
		cells := []any{row.StudentID, row.Name}
		for _, status := range row.Cells {
			cells = append(cells, string(status))
		}
		cells = append(cells, row.Percentage)
		if err := setRow(f, sheet, i+2, cells); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// AssessmentWorkbook renders one assessment's score sheet. Ungraded rows
// show "Not submitted" instead of a number.
func AssessmentWorkbook(rep report.AssessmentReport) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	title := fmt.Sprintf("%s (out of %g)", rep.Assessment.Name, rep.Assessment.TotalMarks)
	if err := setRow(f, sheet, 1, []any{title}); err != nil {
		return nil, err
	}
	if err := setRow(f, sheet, 2, []any{"Student ID", "Name", "Marks", "Percentage"}); err != nil {
		return nil, err
	}
	for i, row := range rep.Rows {
		cells := []any{row.StudentID, row.Name}
		if row.Submitted {
			cells = append(cells, *row.Marks, row.Percentage)
		} else {
			cells = append(cells, "Not submitted", "")
		}
		if err := setRow(f, sheet, i+3, cells); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}
