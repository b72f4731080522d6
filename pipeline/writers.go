package pipeline

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/xuri/excelize/v2"
)

// SheetName is the worksheet holding collected items.
const SheetName = "药品数据"

// TableHeaders are the result table columns, in order.
var TableHeaders = []string{"定位ID", "定位点", "店铺名字", "商品分类", "商品名字", "月销量", "价格"}

var columnWidths = []float64{10, 35, 25, 15, 40, 12, 12}

func tableRow(r *models.Record) []string {
	return []string{
		strconv.Itoa(r.TaskIndex + 1),
		r.LocationHint,
		r.Shop,
		r.Category,
		r.ItemName,
		r.MonthlySales,
		r.Price,
	}
}

// CSVWriter writes records to CSV.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row. The file
// starts with a UTF-8 byte order mark so spreadsheet tools detect the encoding.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}
	if _, err := f.WriteString("\ufeff"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv bom: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(TableHeaders); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends records to the CSV output.
func (cw *CSVWriter) Write(records []*models.Record) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, r := range records {
		if err := cw.writer.Write(tableRow(r)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content.
func (cw *CSVWriter) Validate() error {
	info, err := os.Stat(cw.file.Name())
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// Path returns the file name.
func (cw *CSVWriter) Path() string {
	return cw.file.Name()
}

// JournalWriter appends newline-delimited JSON records and syncs every
// batch to disk. It is the durable record of what a shop run emitted.
type JournalWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJournalWriter opens filename for appending. A partial last line left
// by an interrupted write is cut off first.
func NewJournalWriter(filename string) (*JournalWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	if err := repairTail(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JournalWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends records and syncs them.
func (jw *JournalWriter) Write(records []*models.Record) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, r := range records {
		if err := jw.encoder.Encode(r); err != nil {
			return fmt.Errorf("encode journal record: %w", err)
		}
	}
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := jw.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JournalWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the journal has data.
func (jw *JournalWriter) Validate() error {
	info, err := os.Stat(jw.file.Name())
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("journal is empty")
	}
	return nil
}

// Path returns the file name.
func (jw *JournalWriter) Path() string {
	return jw.file.Name()
}

func repairTail(filename string) error {
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if err := os.Truncate(filename, int64(keep)); err != nil {
		return fmt.Errorf("truncate partial journal line: %w", err)
	}
	return nil
}

// ReadJournal returns the records in filename. A missing file yields no
// records; an undecodable final line is treated as an interrupted write.
func ReadJournal(filename string) ([]*models.Record, error) {
	f, err := os.Open(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var (
		records []*models.Record
		badLine int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		if badLine > 0 {
			return nil, fmt.Errorf("journal %s: line %d is corrupt", filename, badLine)
		}
		var r models.Record
		if err := json.Unmarshal(text, &r); err != nil {
			badLine = line
			continue
		}
		records = append(records, &r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return records, nil
}

// XLSXWriter keeps the result workbook in memory and saves it after every
// batch.
type XLSXWriter struct {
	path  string
	file  *excelize.File
	row   int
	dirty bool
	mu    sync.Mutex
}

// NewXLSXWriter prepares a workbook with the styled, frozen header row.
// Nothing is written to disk until the first batch.
func NewXLSXWriter(filename string) (*XLSXWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		f.Close()
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	header := make([]interface{}, len(TableHeaders))
	for i, h := range TableHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write xlsx header: %w", err)
	}

	style, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(TableHeaders))
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.SetCellStyle(SheetName, "A1", lastCol+"1", style); err != nil {
		f.Close()
		return nil, fmt.Errorf("style header: %w", err)
	}
	for i, width := range columnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetColWidth(SheetName, col, col, width); err != nil {
			f.Close()
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	return &XLSXWriter{path: filename, file: f, row: 2}, nil
}

// Write appends records and saves the workbook.
func (xw *XLSXWriter) Write(records []*models.Record) error {
	xw.mu.Lock()
	defer xw.mu.Unlock()

	for _, r := range records {
		row := []interface{}{r.TaskIndex + 1, r.LocationHint, r.Shop, r.Category, r.ItemName, r.MonthlySales, r.Price}
		cell, err := excelize.CoordinatesToCellName(1, xw.row)
		if err != nil {
			return err
		}
		if err := xw.file.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write xlsx row %d: %w", xw.row, err)
		}
		xw.row++
		xw.dirty = true
	}
	return xw.save()
}

func (xw *XLSXWriter) save() error {
	if !xw.dirty {
		return nil
	}
	if err := xw.file.SaveAs(xw.path); err != nil {
		return fmt.Errorf("save xlsx: %w", err)
	}
	xw.dirty = false
	return nil
}

// Close saves pending rows and releases the workbook.
func (xw *XLSXWriter) Close() error {
	xw.mu.Lock()
	defer xw.mu.Unlock()

	saveErr := xw.save()
	closeErr := xw.file.Close()
	return errors.Join(saveErr, closeErr)
}

// Validate ensures the workbook exists on disk.
func (xw *XLSXWriter) Validate() error {
	info, err := os.Stat(xw.path)
	if err != nil {
		return fmt.Errorf("stat xlsx file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("xlsx file is empty")
	}
	return nil
}

// Path returns the file name.
func (xw *XLSXWriter) Path() string {
	return xw.path
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
