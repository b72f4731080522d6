package pipeline

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

type mockWriter struct {
	mu          sync.Mutex
	batches     [][]*models.Record
	closed      bool
	writeErr    error
	validateErr error
}

func (mw *mockWriter) Write(records []*models.Record) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.writeErr != nil {
		return mw.writeErr
	}
	copyBatch := make([]*models.Record, len(records))
	copy(copyBatch, records)
	mw.batches = append(mw.batches, copyBatch)
	return nil
}

func (mw *mockWriter) Close() error {
	mw.mu.Lock()
	mw.closed = true
	mw.mu.Unlock()
	return nil
}

func (mw *mockWriter) Validate() error {
	return mw.validateErr
}

func (mw *mockWriter) totalWritten() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	total := 0
	for _, batch := range mw.batches {
		total += len(batch)
	}
	return total
}

func (mw *mockWriter) names() []string {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	var out []string
	for _, batch := range mw.batches {
		for _, r := range batch {
			out = append(out, r.ItemName)
		}
	}
	return out
}

func rec(category, name, sales, price string) *models.Record {
	return &models.Record{
		TaskIndex:    0,
		LocationHint: "中山路88号",
		Shop:         "益丰大药房",
		Category:     category,
		ItemName:     name,
		MonthlySales: sales,
		Price:        price,
		CollectedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func testFilter(t *testing.T) *parser.ItemFilter {
	f, err := parser.NewItemFilter(5, 3, []string{`^月售`, `^满\d+减`})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	return f
}

func TestPipelineProcessValidationAndDedup(t *testing.T) {
	writer := &mockWriter{}
	p := NewPipeline(writer, nil, Options{Filter: testFilter(t), StripPrefixes: []string{"健康年"}})

	valid := rec("感冒用药", "[999]感冒灵颗粒10袋", "月售 35", "¥12.50")
	invalid := rec("感冒用药", "", "月售1", "¥1")
	duplicate := rec("感冒用药", "[999]感冒灵颗粒10袋", "月售36", "￥12.50")
	label := rec("感冒用药", "月售100以上", "", "¥3")
	prefixed := rec("感冒用药", "健康年 连花清瘟胶囊24粒", "", "¥20")

	accepted, err := p.Process([]*models.Record{valid, invalid, duplicate, label, prefixed})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(accepted) != 2 {
		t.Fatalf("accepted = %d, want 2", len(accepted))
	}
	if accepted[0].Price != "12.50" || accepted[0].MonthlySales != "月售35" {
		t.Fatalf("record not normalized: %+v", accepted[0])
	}
	if accepted[1].ItemName != "连花清瘟胶囊24粒" || accepted[1].MonthlySales != "月售0" {
		t.Fatalf("record not cleaned: %+v", accepted[1])
	}
	if valid.Price != "¥12.50" {
		t.Fatalf("caller's record must not be modified")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !writer.closed {
		t.Fatalf("writer not closed")
	}
	if got := writer.totalWritten(); got != 2 {
		t.Fatalf("written records = %d, want 2", got)
	}

	metrics := p.GetMetrics()
	validation, ok := metrics["validation_errors"].(map[string]int)
	if !ok {
		t.Fatalf("expected validation errors map")
	}
	if validation["invalid_record"] != 1 || validation["duplicate_key"] != 1 || validation["invalid_name"] != 1 {
		t.Fatalf("validation = %v", validation)
	}
	if processed := metrics["processed_records"].(int64); processed != 2 {
		t.Fatalf("processed = %d, want 2", processed)
	}
}

func TestPipelineScrollBatchesEmitEachItemOnce(t *testing.T) {
	writer := &mockWriter{}
	p := NewPipeline(writer, NewDeduplicator(nil), Options{})

	pages := [][]string{
		{"[A]阿莫西林胶囊", "[B]布洛芬缓释胶囊", "[C]头孢克肟分散片"},
		{"[C]头孢克肟分散片", "[D]地塞米松片"},
		{},
		{},
	}
	for _, page := range pages {
		var batch []*models.Record
		for _, name := range page {
			batch = append(batch, rec("消炎", name, "月售1", "¥9.9"))
		}
		if _, err := p.Process(batch); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	want := []string{"[A]阿莫西林胶囊", "[B]布洛芬缓释胶囊", "[C]头孢克肟分散片", "[D]地塞米松片"}
	if got := writer.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("written = %v, want %v", got, want)
	}
	if len(writer.batches) != 2 {
		t.Fatalf("empty pages must not produce batches: %d", len(writer.batches))
	}
}

func TestPipelineWriteFailureForgetsKeys(t *testing.T) {
	writer := &mockWriter{writeErr: errors.New("disk full")}
	dedup := NewDeduplicator(nil)
	p := NewPipeline(writer, dedup, Options{})

	r := rec("消炎", "[A]阿莫西林胶囊", "月售1", "¥9.9")
	if _, err := p.Process([]*models.Record{r}); err == nil {
		t.Fatalf("expected write error")
	}
	if dedup.Seen(r.Key()) {
		t.Fatalf("key of an unwritten record must not stay in the set")
	}
	if _, err := p.Process([]*models.Record{r}); err == nil || !errors.Is(p.Err(), writer.writeErr) {
		t.Fatalf("pipeline should stay failed, got %v / %v", err, p.Err())
	}
}

func TestPipelineClosed(t *testing.T) {
	p := NewPipeline(&mockWriter{}, nil, Options{})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Process([]*models.Record{rec("a", "[A]阿莫西林胶囊", "", "1")}); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
}

func TestDeduplicatorRestoresFromKeys(t *testing.T) {
	first := NewDeduplicator(nil)
	a := rec("消炎", "[A]阿莫西林胶囊", "月售1", "9.9")
	b := rec("消炎", "[B]布洛芬缓释胶囊", "月售1", "12")
	if !first.Accept(a.Key()) || !first.Accept(b.Key()) {
		t.Fatalf("fresh keys must be accepted")
	}
	if first.Accept(a.Key()) {
		t.Fatalf("repeated key accepted")
	}

	saved := first.Keys()
	restored := NewDeduplicator(saved)
	if restored.Len() != 2 {
		t.Fatalf("restored len = %d", restored.Len())
	}
	if restored.Accept(a.Key()) || restored.Accept(b.Key()) {
		t.Fatalf("restored set accepted a saved key")
	}
	if !restored.Accept(rec("消炎", "[C]头孢克肟分散片", "", "1").Key()) {
		t.Fatalf("restored set rejected a new key")
	}

	restored.Reset(nil)
	if restored.Len() != 0 || restored.Seen(a.Key()) {
		t.Fatalf("Reset did not clear the set")
	}
}
