package models

import "testing"

func TestRecordKeyNormalization(t *testing.T) {
	base := &Record{Category: "感冒用药", ItemName: "Vitamin C 100片", Price: "12.5", MonthlySales: "月售10"}

	tests := []struct {
		name   string
		record *Record
		same   bool
	}{
		{
			name:   "extra whitespace",
			record: &Record{Category: " 感冒用药 ", ItemName: "Vitamin  C\t100片", Price: "12.5 "},
			same:   true,
		},
		{
			name:   "case differs",
			record: &Record{Category: "感冒用药", ItemName: "VITAMIN c 100片", Price: "12.5"},
			same:   true,
		},
		{
			name:   "full-width digits",
			record: &Record{Category: "感冒用药", ItemName: "Vitamin C １００片", Price: "１２.５"},
			same:   true,
		},
		{
			name:   "sales differ",
			record: &Record{Category: "感冒用药", ItemName: "Vitamin C 100片", Price: "12.5", MonthlySales: "月售99"},
			same:   true,
		},
		{
			name:   "price differs",
			record: &Record{Category: "感冒用药", ItemName: "Vitamin C 100片", Price: "13"},
			same:   false,
		},
		{
			name:   "category differs",
			record: &Record{Category: "维生素", ItemName: "Vitamin C 100片", Price: "12.5"},
			same:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.Key() == base.Key(); got != tt.same {
				t.Fatalf("key equality = %v, want %v (%q vs %q)", got, tt.same, tt.record.Key(), base.Key())
			}
		})
	}
}

func TestCheckpointResetForTask(t *testing.T) {
	cp := &Checkpoint{
		TaskIndex:      1,
		CategoryIndex:  4,
		Categories:     []string{"a", "b"},
		Keys:           []string{"k"},
		CollectedCount: 9,
	}
	cp.ResetForTask(2, "shop")

	if cp.TaskIndex != 2 || cp.ShopName != "shop" {
		t.Fatalf("task not advanced: %+v", cp)
	}
	if cp.CategoryIndex != 0 || len(cp.Keys) != 0 || len(cp.Categories) != 0 || cp.CollectedCount != 0 {
		t.Fatalf("per-shop progress not cleared: %+v", cp)
	}
}
