package worker

import (
	"context"
	"errors"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/checkpoint"
	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/device"
	"github.com/aluiziolira/go-scrape-catalog/history"
	"github.com/aluiziolira/go-scrape-catalog/logging"
	"github.com/aluiziolira/go-scrape-catalog/metrics"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
)

const (
	itemA = "阿莫西林胶囊"
	itemB = "布洛芬缓释胶囊"
	itemC = "头孢克肟分散片"
	itemD = "地塞米松片"
	itemE = "维生素C咀嚼片"
	itemF = "碳酸钙D3片"
	itemG = "复合维生素B片"

	catAnti = "消炎用药"
	catVita = "维生素类"
	shop    = "益丰大药房"
)

type recorder struct {
	mu   sync.Mutex
	runs []history.ShopRun
}

func (r *recorder) RecordRun(ctx context.Context, run *history.ShopRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *recorder) snapshot() []history.ShopRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.ShopRun(nil), r.runs...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.OutputFormat = "csv"
	cfg.Timeouts = config.TimeoutConfig{
		Default:   20 * time.Millisecond,
		Long:      20 * time.Millisecond,
		Short:     5 * time.Millisecond,
		Candidate: time.Millisecond,
		Poll:      time.Millisecond,
	}
	cfg.Retry = config.RetryConfig{MaxRetries: 1, Delay: time.Millisecond}
	cfg.Scroll = config.ScrollConfig{
		MaxScrollTimes:     10,
		NoNewDataThreshold: 2,
		CategoryRounds:     2,
	}
	cfg.Device.LaunchWait = 0
	return cfg
}

func page(names ...string) []device.Node {
	var nodes []device.Node
	for i, name := range names {
		nodes = append(nodes, device.ItemRow(name, "月售10", "¥12.5", 400+i*220)...)
	}
	return nodes
}

// twoCategoryScript is the demo storefront with the shop screen replaced:
// the first category scrolls through [a b c], [c d] and two empty pages.
func twoCategoryScript() device.Script {
	s := device.DemoScript()
	s.Screens["shop"] = &device.Screen{
		Nodes: []device.Node{
			{Text: "全部商品", ResourceID: "com.sankuai.meituan:id/tab_all", Bounds: device.Rect{Right: 300, Top: 300, Bottom: 380}},
			device.CategoryNode(catAnti, 0),
			device.CategoryNode(catVita, 1),
		},
		Lists: map[string][][]device.Node{
			catAnti: {page(itemA, itemB, itemC), page(itemC, itemD), nil, nil},
			catVita: {page(itemE, itemF, itemG)},
		},
		List: catAnti,
	}
	return s
}

type harness struct {
	cfg     *config.Config
	session *device.ScriptedSession
	store   *checkpoint.FileStore
	history *recorder
	worker  *Worker

	mu     sync.Mutex
	states []models.RunState
}

func newHarness(t *testing.T, serial string, session device.Session, scripted *device.ScriptedSession, tasks ...models.Task) *harness {
	t.Helper()
	cfg := testConfig(t)
	h := &harness{
		cfg:     cfg,
		session: scripted,
		store:   checkpoint.NewFileStore(cfg.OutputDir),
		history: &recorder{},
	}
	w, err := New(Deps{
		Session: session,
		Store:   h.store,
		History: h.history,
		Metrics: metrics.New(),
		Logger:  logging.Discard(),
		Config:  cfg,
		RunID:   "run-1",
		Listener: ListenerFunc(func(s string, st Status) {
			if s != serial {
				t.Errorf("listener serial = %s", s)
			}
			h.mu.Lock()
			h.states = append(h.states, st.State)
			h.mu.Unlock()
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(tasks) == 0 {
		tasks = []models.Task{{LocationHint: "中山路88号", TargetName: shop}}
	}
	if err := w.SetTasks(tasks); err != nil {
		t.Fatalf("SetTasks: %v", err)
	}
	h.worker = w
	return h
}

func (h *harness) seenStates() []models.RunState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.RunState(nil), h.states...)
}

func (h *harness) journal(t *testing.T, target string, taskIndex int) []*models.Record {
	t.Helper()
	records, err := pipeline.ReadJournal(pipeline.ShopBase(h.cfg.PathsFor(h.worker.Serial()).Results(), target, taskIndex) + ".jsonl")
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	return records
}

func namesByCategory(records []*models.Record) map[string][]string {
	out := make(map[string][]string)
	for _, r := range records {
		out[r.Category] = append(out[r.Category], r.ItemName)
	}
	return out
}

func countSwipes(swipes []device.Direction, dir device.Direction) int {
	n := 0
	for _, d := range swipes {
		if d == dir {
			n++
		}
	}
	return n
}

func TestWorkerCollectsUntilNoNewData(t *testing.T) {
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	h := newHarness(t, "MOCK-1", session, session)

	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := h.worker.Wait()

	if res.FinalState != models.RunFinished {
		t.Fatalf("final state = %s", res.FinalState)
	}
	if res.TasksCompleted != 1 || res.Records != 7 {
		t.Fatalf("result = %+v", res)
	}
	if res.Duplicates == 0 {
		t.Fatalf("repeated rows should be counted as duplicates")
	}

	got := namesByCategory(h.journal(t, shop, 0))
	want := map[string][]string{
		catAnti: {itemA, itemB, itemC, itemD},
		catVita: {itemE, itemF, itemG},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("collected = %v, want %v", got, want)
	}

	// [a b c] -> [c d] -> [] -> []: three scrolls, then two for the single-page category
	if n := countSwipes(session.Swipes(), device.ListUp); n != 5 {
		t.Fatalf("list scrolls = %d, want 5", n)
	}
	if typed := session.Typed(); len(typed) != 2 || typed[0] != "中山路88号" || typed[1] != shop {
		t.Fatalf("typed = %v", typed)
	}

	cp, err := h.store.Load("MOCK-1")
	if err != nil || cp != nil {
		t.Fatalf("checkpoint after finish = %+v, %v", cp, err)
	}

	runs := h.history.snapshot()
	if len(runs) != 1 || runs[0].Status != history.StatusCompleted || runs[0].Records != 7 {
		t.Fatalf("history = %+v", runs)
	}
	if states := h.seenStates(); !reflect.DeepEqual(states, []models.RunState{models.RunRunning, models.RunFinished}) {
		t.Fatalf("states = %v", states)
	}
	if st := h.worker.Status(); st.Phase != models.PhaseFinished || st.TaskIndex != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestWorkerPauseResumeIsIdempotent(t *testing.T) {
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	h := newHarness(t, "MOCK-1", session, session)

	// swipes 1 and 2 move the sidebar during category discovery; the third
	// is the first scroll of the item list
	var swipes atomic.Int32
	session.Fault = func(op string) error {
		if op == "swipe" && swipes.Add(1) == 3 {
			if err := h.worker.Pause(); err != nil {
				t.Errorf("Pause: %v", err)
			}
		}
		return nil
	}

	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := h.worker.Wait()
	if res.FinalState != models.RunPaused {
		t.Fatalf("final state = %s, want paused", res.FinalState)
	}
	if st := h.worker.Status(); st.State != models.RunPaused || st.Phase != models.PhasePaused {
		t.Fatalf("status = %+v", st)
	}

	cp, err := h.store.Load("MOCK-1")
	if err != nil || cp == nil {
		t.Fatalf("checkpoint = %+v, %v", cp, err)
	}
	if cp.Status != models.RunPaused || cp.CategoryIndex != 0 || len(cp.Categories) != 2 {
		t.Fatalf("checkpoint = %+v", cp)
	}
	written := h.journal(t, shop, 0)
	if len(cp.Keys) < len(written) {
		t.Fatalf("checkpoint keys %d must cover written records %d", len(cp.Keys), len(written))
	}

	if err := h.worker.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res = h.worker.Wait()
	if res.FinalState != models.RunFinished {
		t.Fatalf("final state after resume = %s", res.FinalState)
	}

	var names []string
	for _, r := range h.journal(t, shop, 0) {
		names = append(names, r.ItemName)
	}
	sort.Strings(names)
	want := []string{itemA, itemB, itemC, itemD, itemE, itemF, itemG}
	sort.Strings(want)
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("records after resume = %v, want %v", names, want)
	}
}

func TestWorkerResumeRequiresPause(t *testing.T) {
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	h := newHarness(t, "MOCK-1", session, session)

	if err := h.worker.Resume(context.Background()); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("Resume on stopped worker = %v", err)
	}
	if err := h.worker.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Pause on stopped worker = %v", err)
	}

	var swipes atomic.Int32
	session.Fault = func(op string) error {
		if op == "swipe" && swipes.Add(1) == 3 {
			_ = h.worker.Pause()
		}
		return nil
	}
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.worker.Wait()

	if h.worker.Running() {
		t.Fatalf("paused worker must not keep a run alive")
	}
	if err := h.worker.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res := h.worker.Wait(); res.FinalState != models.RunFinished {
		t.Fatalf("final state = %s", res.FinalState)
	}
	if got := len(h.journal(t, shop, 0)); got != 7 {
		t.Fatalf("records = %d, want 7", got)
	}
}

func TestWorkerStopPersistsCheckpoint(t *testing.T) {
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	h := newHarness(t, "MOCK-1", session, session)

	var swipes atomic.Int32
	session.Fault = func(op string) error {
		if op == "swipe" && swipes.Add(1) == 4 {
			_ = h.worker.Stop()
		}
		return nil
	}
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res := h.worker.Wait(); res.FinalState != models.RunStopped {
		t.Fatalf("final state = %s, want stopped", res.FinalState)
	}

	cp, err := h.store.Load("MOCK-1")
	if err != nil || cp == nil || cp.Status != models.RunStopped {
		t.Fatalf("checkpoint = %+v, %v", cp, err)
	}
	if len(cp.Keys) == 0 {
		t.Fatalf("stopped checkpoint lost its keys")
	}
}

func TestWorkerSkipsTaskOnNavigationFailure(t *testing.T) {
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	var typed atomic.Int32
	session.Fault = func(op string) error {
		if op == "type_text" && typed.Add(1) == 1 {
			return errors.New("input method crashed")
		}
		return nil
	}
	h := newHarness(t, "MOCK-1", session, session,
		models.Task{LocationHint: "北京路", TargetName: "老百姓大药房"},
		models.Task{LocationHint: "中山路88号", TargetName: "大参林"},
	)

	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := h.worker.Wait()
	if res.FinalState != models.RunFinished || res.TasksSkipped != 1 || res.TasksCompleted != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.ErrorsByType["task"] != 1 {
		t.Fatalf("errors by type = %v", res.ErrorsByType)
	}

	runs := h.history.snapshot()
	if len(runs) != 2 {
		t.Fatalf("history = %+v", runs)
	}
	if runs[0].Status != history.StatusSkipped || runs[0].TaskIndex != 0 || runs[0].ErrorType != "task" {
		t.Fatalf("first run = %+v", runs[0])
	}
	if !strings.Contains(runs[0].Message, config.StepLocationSearchInput) {
		t.Fatalf("skip message should name the step: %q", runs[0].Message)
	}
	if runs[1].Status != history.StatusCompleted || runs[1].Records != 7 {
		t.Fatalf("second run = %+v", runs[1])
	}

	if got := len(h.journal(t, "大参林", 1)); got != 7 {
		t.Fatalf("second shop records = %d", got)
	}
	skipped := pipeline.ShopBase(h.cfg.PathsFor("MOCK-1").Results(), "老百姓大药房", 0) + ".jsonl"
	if _, err := os.Stat(skipped); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("skipped shop left output behind")
	}
	if st := h.worker.Status(); st.ErrorType != "task" || st.LastError == "" {
		t.Fatalf("status should keep the skip message: %+v", st)
	}
}

func TestWorkerFailsOnDisconnect(t *testing.T) {
	session := device.NewScriptedSession("MOCK-2", twoCategoryScript())
	monitor := device.NewMonitor(session, 2)

	var swipes atomic.Int32
	var broken atomic.Bool
	session.Fault = func(op string) error {
		if op == "swipe" && swipes.Add(1) == 3 {
			broken.Store(true)
		}
		if broken.Load() {
			return errors.New("usb reset")
		}
		return nil
	}
	h := newHarness(t, "MOCK-2", monitor, session)

	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := h.worker.Wait()
	if res.FinalState != models.RunFailed {
		t.Fatalf("final state = %s, want failed", res.FinalState)
	}
	if !monitor.Disconnected() {
		t.Fatalf("monitor should report the device disconnected")
	}

	st := h.worker.Status()
	if st.State != models.RunFailed || st.ErrorType != "disconnected" || !strings.Contains(st.LastError, "MOCK-2") {
		t.Fatalf("status = %+v", st)
	}

	cp, err := h.store.Load("MOCK-2")
	if err != nil || cp == nil {
		t.Fatalf("checkpoint = %+v, %v", cp, err)
	}
	if cp.Status != models.RunFailed || len(cp.Keys) != 3 {
		t.Fatalf("checkpoint = %+v", cp)
	}

	runs := h.history.snapshot()
	if len(runs) != 1 || runs[0].Status != history.StatusFailed || runs[0].ErrorType != "disconnected" {
		t.Fatalf("history = %+v", runs)
	}
}

func TestWorkerRetriesTimedOutDriverCall(t *testing.T) {
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	var locates atomic.Int32
	session.Fault = func(op string) error {
		if op == "locate" && locates.Add(1) == 3 {
			return &url.Error{Op: "Post", URL: "http://127.0.0.1:7912/jsonrpc/0", Err: context.DeadlineExceeded}
		}
		return nil
	}
	h := newHarness(t, "MOCK-1", device.NewMonitor(session, 5), session)

	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := h.worker.Wait()
	if res.FinalState != models.RunFinished || res.Records != 7 {
		t.Fatalf("result = %+v", res)
	}
	if st := h.worker.Status(); st.ErrorType != "" {
		t.Fatalf("status = %+v", st)
	}
}

// brokenDiskStore fails every save from the first one that carries record
// keys until healed.
type brokenDiskStore struct {
	*checkpoint.FileStore
	tripped atomic.Bool
	broken  atomic.Bool
}

func (s *brokenDiskStore) Save(serial string, cp *models.Checkpoint) error {
	if s.broken.Load() {
		return errors.New("no space left on device")
	}
	if len(cp.Keys) > 0 && s.tripped.CompareAndSwap(false, true) {
		s.broken.Store(true)
		return errors.New("no space left on device")
	}
	return s.FileStore.Save(serial, cp)
}

func TestWorkerFailsWhenCheckpointCannotBeSaved(t *testing.T) {
	cfg := testConfig(t)
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	store := &brokenDiskStore{FileStore: checkpoint.NewFileStore(cfg.OutputDir)}
	w, err := New(Deps{
		Session: session,
		Store:   store,
		Metrics: metrics.New(),
		Logger:  logging.Discard(),
		Config:  cfg,
		RunID:   "run-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.SetTasks([]models.Task{{LocationHint: "中山路88号", TargetName: shop}}); err != nil {
		t.Fatalf("SetTasks: %v", err)
	}

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res := w.Wait(); res.FinalState != models.RunFailed {
		t.Fatalf("final state = %s, want failed", res.FinalState)
	}
	if st := w.Status(); st.State != models.RunFailed || st.ErrorType != "persistence" {
		t.Fatalf("status = %+v", st)
	}

	journal := pipeline.ShopBase(cfg.PathsFor("MOCK-1").Results(), shop, 0) + ".jsonl"
	written, err := pipeline.ReadJournal(journal)
	if err != nil || len(written) == 0 {
		t.Fatalf("journal before restart = %d records, %v", len(written), err)
	}

	store.broken.Store(false)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if res := w.Wait(); res.FinalState != models.RunFinished {
		t.Fatalf("final state after restart = %s", res.FinalState)
	}
	records, err := pipeline.ReadJournal(journal)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	assertUniqueItems(t, records, itemA, itemB, itemC, itemD, itemE, itemF, itemG)
}

func TestWorkerMergesJournalAheadOfCheckpoint(t *testing.T) {
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	h := newHarness(t, "MOCK-1", session, session)

	// the journal holds the first page while the checkpoint still has no keys
	journal := pipeline.ShopBase(h.cfg.PathsFor("MOCK-1").Results(), shop, 0) + ".jsonl"
	jw, err := pipeline.NewJournalWriter(journal)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	var seeded []*models.Record
	for _, name := range []string{itemA, itemB, itemC} {
		seeded = append(seeded, &models.Record{
			LocationHint: "中山路88号",
			Shop:         shop,
			Category:     catAnti,
			ItemName:     name,
			MonthlySales: parser.NormalizeSales("月售10"),
			Price:        parser.NormalizePrice("¥12.5"),
		})
	}
	if err := jw.Write(seeded); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	if err := jw.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}
	err = h.store.Save("MOCK-1", &models.Checkpoint{
		Serial:     "MOCK-1",
		ShopName:   shop,
		Categories: []string{catAnti, catVita},
		Status:     models.RunRunning,
	})
	if err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := h.worker.Wait()
	if res.FinalState != models.RunFinished {
		t.Fatalf("final state = %s", res.FinalState)
	}
	if res.Records != 4 {
		t.Fatalf("new records = %d, want 4", res.Records)
	}
	assertUniqueItems(t, h.journal(t, shop, 0), itemA, itemB, itemC, itemD, itemE, itemF, itemG)
}

func assertUniqueItems(t *testing.T, records []*models.Record, want ...string) {
	t.Helper()
	var names []string
	for _, r := range records {
		names = append(names, r.ItemName)
	}
	sort.Strings(names)
	want = append([]string(nil), want...)
	sort.Strings(want)
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("records = %v, want %v", names, want)
	}
}

func TestWorkerPausesWhenCategoryIsMissing(t *testing.T) {
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	h := newHarness(t, "MOCK-1", session, session)

	err := h.store.Save("MOCK-1", &models.Checkpoint{
		Serial:     "MOCK-1",
		TaskIndex:  0,
		ShopName:   shop,
		Categories: []string{"不存在的分类"},
		Status:     models.RunRunning,
	})
	if err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := h.worker.Wait()
	if res.FinalState != models.RunPaused {
		t.Fatalf("final state = %s, want paused", res.FinalState)
	}

	st := h.worker.Status()
	if st.ErrorType != "not_found" || !strings.Contains(st.LastError, config.StepCategoryEntry) {
		t.Fatalf("status = %+v", st)
	}
	if session.Screenshots() != 1 {
		t.Fatalf("screenshots = %d, want 1", session.Screenshots())
	}
	entries, err := os.ReadDir(h.cfg.PathsFor("MOCK-1").Screenshots())
	if err != nil || len(entries) != 1 {
		t.Fatalf("screenshot files = %v, %v", entries, err)
	}

	cp, err := h.store.Load("MOCK-1")
	if err != nil || cp == nil || cp.Status != models.RunPaused {
		t.Fatalf("checkpoint = %+v, %v", cp, err)
	}
}

func TestWorkerStartRejectsEmptyQueue(t *testing.T) {
	session := device.NewScriptedSession("MOCK-1", twoCategoryScript())
	w, err := New(Deps{Session: session, Config: testConfig(t), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrNoTasks) {
		t.Fatalf("Start = %v, want ErrNoTasks", err)
	}
}

func TestErrorTypeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{ErrPersistence{Err: errors.New("disk full")}, "persistence"},
		{checkpoint.ErrCorrupt, "persistence"},
		{device.ErrDisconnected, "disconnected"},
		{TaskError{Step: "x", Err: errors.New("boom")}, "task"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := errorTypeLabel(tt.err); got != tt.want {
			t.Fatalf("errorTypeLabel(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
