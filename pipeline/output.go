package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

// ShopOutput is the set of files one shop's records go to: the journal,
// always written first, and the result table(s).
type ShopOutput struct {
	*MultiWriter

	JournalPath string
	TablePaths  []string

	mu    sync.Mutex
	total int
}

// ShopBase returns the path prefix {results}/{shop}_{task} shared by a shop's files.
func ShopBase(resultsDir, shop string, taskIndex int) string {
	return filepath.Join(resultsDir, fmt.Sprintf("%s_%d", parser.SanitizeFilename(shop), taskIndex+1))
}

// OpenShopOutput opens the outputs of one shop. Records already present in
// the journal are returned and copied into the freshly created tables, so a
// resumed run continues the same files.
func OpenShopOutput(resultsDir, shop string, taskIndex int, format string) (*ShopOutput, []*models.Record, error) {
	base := ShopBase(resultsDir, shop, taskIndex)
	journalPath := base + ".jsonl"

	existing, err := ReadJournal(journalPath)
	if err != nil {
		return nil, nil, err
	}

	var tables []OutputWriter
	var tablePaths []string
	closeAll := func() {
		for _, t := range tables {
			t.Close()
		}
	}
	addXLSX := func() error {
		w, err := NewXLSXWriter(base + ".xlsx")
		if err != nil {
			return err
		}
		tables = append(tables, w)
		tablePaths = append(tablePaths, w.Path())
		return nil
	}
	addCSV := func() error {
		w, err := NewCSVWriter(base + ".csv")
		if err != nil {
			return err
		}
		tables = append(tables, w)
		tablePaths = append(tablePaths, w.Path())
		return nil
	}

	switch format {
	case "xlsx":
		err = addXLSX()
	case "csv":
		err = addCSV()
	case "dual":
		if err = addXLSX(); err == nil {
			err = addCSV()
		}
	default:
		err = fmt.Errorf("unsupported format: %s", format)
	}
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	if len(existing) > 0 {
		for _, t := range tables {
			if err := t.Write(existing); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("rebuild table: %w", err)
			}
		}
	}

	journal, err := NewJournalWriter(journalPath)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	writers := append([]OutputWriter{journal}, tables...)
	return &ShopOutput{
		MultiWriter: NewMultiWriter(writers...),
		JournalPath: journalPath,
		TablePaths:  tablePaths,
		total:       len(existing),
	}, existing, nil
}

// Write writes records to the journal, then the tables.
func (o *ShopOutput) Write(records []*models.Record) error {
	if err := o.MultiWriter.Write(records); err != nil {
		return err
	}
	o.mu.Lock()
	o.total += len(records)
	o.mu.Unlock()
	return nil
}

// Total returns the number of records in the shop's output.
func (o *ShopOutput) Total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}

// Close closes every file. A shop that produced no records leaves no files.
func (o *ShopOutput) Close() error {
	err := o.MultiWriter.Close()
	if o.Total() > 0 {
		return err
	}
	for _, p := range append([]string{o.JournalPath}, o.TablePaths...) {
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}
