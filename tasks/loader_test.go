package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aluiziolira/go-scrape-catalog/logging"
	"github.com/xuri/excelize/v2"
)

func TestTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks_template.xlsx")
	if err := WriteTemplate(path); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}

	tasks, err := LoadFile(path, logging.Discard())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].LocationHint != "天河区体育西路" || tasks[0].TargetName != "好药师大药房（体育西店）" || tasks[0].Note != "示例任务1" {
		t.Fatalf("first task = %+v", tasks[0])
	}
	if tasks[1].Note != "" {
		t.Fatalf("second task note = %q", tasks[1].Note)
	}
}

func TestLoadXLSXWithEnglishHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.xlsx")
	f := excelize.NewFile()
	rows := [][]interface{}{
		{"note", "POI", "shop_name"},
		{"first", "中山路", "益丰大药房"},
		{"", "", ""},
		{"incomplete", "北京路", ""},
		{"", "体育西路", "大参林"},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.Close()

	tasks, err := LoadFile(path, logging.Discard())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].LocationHint != "中山路" || tasks[0].Note != "first" {
		t.Fatalf("first task = %+v", tasks[0])
	}
	if tasks[1].TargetName != "大参林" {
		t.Fatalf("second task = %+v", tasks[1])
	}
}

func TestLoadCSV(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantErr   error
	}{
		{
			name:      "chinese headers with bom",
			content:   "\ufeff定位点,店铺名,备注\n中山路,益丰大药房,\n北京路,老百姓大药房,加急\n",
			wantCount: 2,
		},
		{
			name:      "ragged rows",
			content:   "location,shop\n中山路,益丰大药房,extra\n北京路\n",
			wantCount: 1,
		},
		{
			name:    "missing shop column",
			content: "定位点,备注\n中山路,x\n",
			wantErr: ErrMissingColumn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tasks.csv")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			tasks, err := LoadFile(path, logging.Discard())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if len(tasks) != tt.wantCount {
				t.Fatalf("tasks = %+v, want %d", tasks, tt.wantCount)
			}
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	if _, err := LoadFile("tasks.txt", nil); err == nil {
		t.Fatalf("expected unsupported file error")
	}
}
