// Package tasks loads the operator's shop list from a spreadsheet.
package tasks

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/xuri/excelize/v2"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("tasks: missing required column")

const (
	fieldLocation = "location"
	fieldShop     = "shop"
	fieldNote     = "note"
)

var headerAliases = map[string]string{
	"定位点":       fieldLocation,
	"poi":       fieldLocation,
	"location":  fieldLocation,
	"店铺名字":      fieldShop,
	"店铺名":       fieldShop,
	"shop_name": fieldShop,
	"shop":      fieldShop,
	"备注":        fieldNote,
	"note":      fieldNote,
}

// LoadFile reads tasks from an .xlsx (active sheet) or .csv file. Rows
// missing the location or shop are skipped with a warning.
func LoadFile(path string, logger *slog.Logger) ([]models.Task, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err = readXLSX(path)
	case ".csv":
		rows, err = readCSV(path)
	default:
		return nil, fmt.Errorf("unsupported task file %s: want .xlsx or .csv", path)
	}
	if err != nil {
		return nil, err
	}

	tasks, err := parseRows(rows, logger.With(slog.String("file", path)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tasks, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open task workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		return nil, fmt.Errorf("task workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return rows, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read task csv: %w", err)
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}

func parseRows(rows [][]string, logger *slog.Logger) ([]models.Task, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("task file is empty")
	}

	cols := make(map[string]int)
	for idx, header := range rows[0] {
		field, ok := headerAliases[strings.ToLower(strings.TrimSpace(header))]
		if !ok {
			continue
		}
		if _, dup := cols[field]; !dup {
			cols[field] = idx
		}
	}
	if _, ok := cols[fieldLocation]; !ok {
		return nil, fmt.Errorf("%w: 定位点/poi", ErrMissingColumn)
	}
	if _, ok := cols[fieldShop]; !ok {
		return nil, fmt.Errorf("%w: 店铺名字/店铺名/shop_name", ErrMissingColumn)
	}

	cell := func(row []string, field string) string {
		idx, ok := cols[field]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var tasks []models.Task
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		task := models.Task{
			LocationHint: cell(row, fieldLocation),
			TargetName:   cell(row, fieldShop),
			Note:         cell(row, fieldNote),
		}
		if task.LocationHint == "" || task.TargetName == "" {
			logger.Warn("skipping incomplete task row", slog.Int("row", i+2))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// WriteTemplate writes an example task workbook to path.
func WriteTemplate(path string) error {
	const sheet = "采集任务"
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	headers := []string{"定位点", "店铺名字", "备注"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	samples := [][]string{
		{"天河区体育西路", "好药师大药房（体育西店）", "示例任务1"},
		{"海珠区江南西", "大参林（江南西店）", ""},
	}
	for r, sample := range samples {
		for c, v := range sample {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	_ = f.SetCellStyle(sheet, "A1", "C1", style)
	_ = f.SetColWidth(sheet, "A", "A", 30)
	_ = f.SetColWidth(sheet, "B", "B", 40)
	_ = f.SetColWidth(sheet, "C", "C", 20)
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}
