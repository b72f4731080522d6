package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/xuri/excelize/v2"
)

func TestOpenShopOutputResumeRebuildsTable(t *testing.T) {
	dir := t.TempDir()

	out, existing, err := OpenShopOutput(dir, "益丰/大药房", 0, "dual")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(existing) != 0 {
		t.Fatalf("fresh shop has %d records", len(existing))
	}
	if err := out.Write([]*models.Record{
		rec("感冒用药", "[A]阿莫西林胶囊", "月售1", "9.9"),
		rec("感冒用药", "[B]布洛芬缓释胶囊", "月售2", "12"),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// simulate an interruption: files are left as they are
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, existing, err = OpenShopOutput(dir, "益丰/大药房", 0, "dual")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(existing) != 2 {
		t.Fatalf("existing = %d, want 2", len(existing))
	}
	if err := out.Write([]*models.Record{rec("维生素钙", "[C]钙尔奇碳酸钙", "月售3", "30")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.Total() != 3 {
		t.Fatalf("total = %d, want 3", out.Total())
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	base := filepath.Join(dir, "益丰_大药房_1")
	if out.JournalPath != base+".jsonl" {
		t.Fatalf("journal path = %s", out.JournalPath)
	}
	journal, err := ReadJournal(base + ".jsonl")
	if err != nil || len(journal) != 3 {
		t.Fatalf("journal = %d records, %v", len(journal), err)
	}

	f, err := excelize.OpenFile(base + ".xlsx")
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("xlsx rows = %d, want header + 3", len(rows))
	}
	if _, err := os.Stat(base + ".csv"); err != nil {
		t.Fatalf("csv missing: %v", err)
	}
}

func TestShopOutputWithoutRecordsLeavesNoFiles(t *testing.T) {
	dir := t.TempDir()
	out, _, err := OpenShopOutput(dir, "空店", 2, "csv")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, p := range append([]string{out.JournalPath}, out.TablePaths...) {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s should have been removed", p)
		}
	}
}

func TestOpenShopOutputRejectsUnknownFormat(t *testing.T) {
	if _, _, err := OpenShopOutput(t.TempDir(), "shop", 0, "parquet"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
