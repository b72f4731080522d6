package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/device"
	"github.com/aluiziolira/go-scrape-catalog/history"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/aluiziolira/go-scrape-catalog/selector"
)

// allProducts is collected as the only category of a shop whose sidebar
// shows none.
const allProducts = "全部商品"

// job is one run of a worker: from Start or Resume until it pauses, stops,
// fails or runs out of tasks.
type job struct {
	w         *Worker
	ctx       context.Context
	r         *selector.Resolver
	tasks     []models.Task
	interrupt <-chan struct{}

	cp          *models.Checkpoint
	taskStarted time.Time
}

func (j *job) loop() error {
	for j.cp.TaskIndex < len(j.tasks) {
		if err := j.w.requested(); err != nil {
			return err
		}
		err := j.runTask()
		var taskErr TaskError
		if errors.As(err, &taskErr) {
			j.skip(taskErr)
		} else if err != nil {
			return err
		}
		if err := j.advance(); err != nil {
			return err
		}
	}
	return nil
}

func (j *job) advance() error {
	next := j.cp.TaskIndex + 1
	shop := ""
	if next < len(j.tasks) {
		shop = j.tasks[next].TargetName
	}
	j.cp.ResetForTask(next, shop)
	return j.save()
}

func (j *job) save() error {
	if err := j.w.store.Save(j.w.serial, j.cp); err != nil {
		return ErrPersistence{Err: err}
	}
	cp := j.cp
	j.w.update(func(s *Status) {
		s.TaskIndex = cp.TaskIndex
		s.Shop = cp.ShopName
		s.CategoryIndex = cp.CategoryIndex
		s.CategoryTotal = len(cp.Categories)
		s.Collected = cp.CollectedCount
	})
	return nil
}

func (j *job) skip(taskErr TaskError) {
	w := j.w
	task := j.tasks[taskErr.TaskIndex]
	msg := w.describe(taskErr.TaskIndex, taskErr)

	w.logger.Warn("task skipped",
		slog.Int("task", taskErr.TaskIndex+1),
		slog.String("shop", task.TargetName),
		slog.String("message", msg),
		slog.Any("error", taskErr.Err),
	)
	w.metrics.IncTask(w.serial, "skipped")
	w.metrics.IncError(w.serial, "task")
	w.addResult(func(r *models.RunResult) {
		r.TasksSkipped++
		r.ErrorsByType["task"]++
	})
	w.update(func(s *Status) {
		s.LastError = msg
		s.ErrorType = "task"
	})
	w.recordRun(j.ctx, &history.ShopRun{
		RunID:     w.runID,
		Serial:    w.serial,
		TaskIndex: taskErr.TaskIndex,
		Shop:      task.TargetName,
		Status:    history.StatusSkipped,
		ErrorType: "task",
		Message:   msg,
		StartedAt: j.taskStarted,
	})
}

func (j *job) runTask() (err error) {
	w := j.w
	idx := j.cp.TaskIndex
	task := j.tasks[idx]
	j.taskStarted = time.Now().UTC()
	logger := w.logger.With(slog.Int("task", idx+1), slog.String("shop", task.TargetName))
	logger.Info("task started", slog.String("location", task.LocationHint))

	cp := j.cp
	w.update(func(s *Status) {
		s.TaskIndex = idx
		s.Shop = task.TargetName
		s.Category = cp.CategoryName
		s.CategoryIndex = cp.CategoryIndex
		s.CategoryTotal = len(cp.Categories)
		s.Collected = cp.CollectedCount
	})

	if err := j.navigate(task); err != nil {
		return err
	}

	w.setPhase(models.PhaseSelectingCategory)
	if len(j.cp.Categories) == 0 {
		categories, err := j.enumerateCategories()
		if err != nil {
			return err
		}
		logger.Info("categories found", slog.Int("count", len(categories)), slog.Any("categories", categories))
		j.cp.Categories = categories
		j.cp.CategoryIndex = 0
		if err := j.save(); err != nil {
			return err
		}
	}

	out, existing, err := pipeline.OpenShopOutput(w.paths.Results(), task.TargetName, idx, w.cfg.OutputFormat)
	if err != nil {
		return ErrPersistence{Err: err}
	}
	dedup := pipeline.NewDeduplicator(j.cp.Keys)
	for _, rec := range existing {
		dedup.Accept(rec.Key())
	}
	pipe := pipeline.NewPipeline(out, dedup, pipeline.Options{
		Filter:        w.filter,
		StripPrefixes: w.cfg.Filters.StripPrefixes,
	})
	defer func() {
		j.countDuplicates(pipe)
		if cerr := pipe.Close(); cerr != nil {
			if err == nil {
				err = ErrPersistence{Err: cerr}
			} else {
				logger.Warn("failed to close shop output", slog.Any("error", cerr))
			}
		}
	}()
	if len(existing) > 0 {
		logger.Info("continuing shop output", slog.Int("existing_records", len(existing)))
		j.cp.Keys = dedup.Keys()
		j.cp.CollectedCount = out.Total()
		if err := j.save(); err != nil {
			return err
		}
	}

	for j.cp.CategoryIndex < len(j.cp.Categories) {
		if err := w.requested(); err != nil {
			return err
		}
		name := j.cp.Categories[j.cp.CategoryIndex]
		j.cp.CategoryName = name
		catIdx := j.cp.CategoryIndex
		w.update(func(s *Status) {
			s.Phase = models.PhaseSelectingCategory
			s.Category = name
			s.CategoryIndex = catIdx
		})

		if err := j.selectCategory(name); err != nil {
			return err
		}
		w.setPhase(models.PhaseCollectingCategory)
		added, err := j.collect(task, name, pipe, out)
		if err != nil {
			return err
		}
		logger.Info("category collected",
			slog.String("category", name),
			slog.Int("new_records", added),
			slog.Int("shop_records", out.Total()),
		)

		j.cp.CategoryIndex++
		j.cp.CategoryName = ""
		j.cp.Keys = dedup.Keys()
		j.cp.CollectedCount = out.Total()
		if err := j.save(); err != nil {
			return err
		}
	}

	w.setPhase(models.PhaseShopDone)
	records := out.Total()
	logger.Info("shop completed",
		slog.Int("records", records),
		slog.Duration("elapsed", time.Since(j.taskStarted)),
	)
	w.metrics.IncTask(w.serial, "completed")
	w.addResult(func(r *models.RunResult) { r.TasksCompleted++ })
	w.recordRun(j.ctx, &history.ShopRun{
		RunID:     w.runID,
		Serial:    w.serial,
		TaskIndex: idx,
		Shop:      task.TargetName,
		Status:    history.StatusCompleted,
		Records:   records,
		StartedAt: j.taskStarted,
	})
	return nil
}

func (j *job) countDuplicates(pipe *pipeline.Pipeline) {
	validation, ok := pipe.GetMetrics()["validation_errors"].(map[string]int)
	if !ok {
		return
	}
	if n := validation["duplicate_key"]; n > 0 {
		j.w.metrics.AddRecords(j.w.serial, "duplicate", n)
		j.w.addResult(func(r *models.RunResult) { r.Duplicates += n })
	}
	if n := validation["invalid_record"] + validation["invalid_name"]; n > 0 {
		j.w.metrics.AddRecords(j.w.serial, "rejected", n)
	}
}

// navigate drives the app from launch to the shop's product list. A step
// that cannot be found ends the task.
func (j *job) navigate(task models.Task) error {
	w := j.w
	cfg := w.cfg
	w.setPhase(models.PhaseNavigating)

	if pkg := cfg.Device.AppPackage; pkg != "" {
		err := device.LaunchApp(j.ctx, w.session, pkg)
		switch {
		case errors.Is(err, errors.ErrUnsupported):
		case err != nil:
			if interrupts(j.ctx, err) {
				return err
			}
			return TaskError{TaskIndex: j.cp.TaskIndex, Step: "launch_app", Err: err}
		default:
			if err := j.sleep(cfg.Device.LaunchWait); err != nil {
				return err
			}
		}
	}

	for _, step := range cfg.EntrySteps {
		if err := j.navStep(step, func() error {
			return j.r.Tap(j.ctx, step, cfg.Timeouts.Long)
		}); err != nil {
			return err
		}
	}

	location := []navAction{
		{config.StepLocationEntry, func() error {
			return j.r.Tap(j.ctx, config.StepLocationEntry, cfg.Timeouts.Default)
		}},
		{config.StepLocationSearchInput, func() error {
			return j.r.TypeInto(j.ctx, config.StepLocationSearchInput, task.LocationHint, cfg.Timeouts.Default)
		}},
		{config.StepLocationSearchResult, func() error {
			return j.r.Tap(j.ctx, config.StepLocationSearchResult, cfg.Timeouts.Long)
		}},
	}
	if err := j.navSteps(location); err != nil {
		return err
	}

	w.setPhase(models.PhaseSearchingShop)
	shop := []navAction{
		{config.StepShopSearchBtn, func() error {
			return j.r.Tap(j.ctx, config.StepShopSearchBtn, cfg.Timeouts.Default)
		}},
		{config.StepShopSearchInput, func() error {
			return j.r.TypeInto(j.ctx, config.StepShopSearchInput, task.TargetName, cfg.Timeouts.Default)
		}},
		{config.StepShopSearchSubmit, func() error {
			return j.r.Tap(j.ctx, config.StepShopSearchSubmit, cfg.Timeouts.Default)
		}},
		{config.StepShopSearchResult, func() error {
			// results naming the target win over generic shop entries
			candidates := append([]device.Descriptor{
				device.Text(task.TargetName),
				device.TextContains(task.TargetName),
			}, j.r.Catalog().Candidates(config.StepShopSearchResult)...)
			h, err := j.r.ResolveWith(j.ctx, config.StepShopSearchResult, candidates, cfg.Timeouts.Long)
			if err != nil {
				return err
			}
			return w.session.Tap(j.ctx, h)
		}},
	}
	if err := j.navSteps(shop); err != nil {
		return err
	}

	// the all-products tab is optional; some storefronts open on it
	h, ok, err := j.r.Probe(j.ctx, config.StepAllProductsTab, cfg.Timeouts.Short)
	if err != nil {
		return err
	}
	if ok {
		if err := j.navStep(config.StepAllProductsTab, func() error {
			return w.session.Tap(j.ctx, h)
		}); err != nil {
			return err
		}
	}
	return nil
}

type navAction struct {
	step string
	fn   func() error
}

func (j *job) navSteps(actions []navAction) error {
	for _, a := range actions {
		if err := j.navStep(a.step, a.fn); err != nil {
			return err
		}
	}
	return nil
}

// navStep clears a reload prompt, then runs fn. Misses become a TaskError.
func (j *job) navStep(step string, fn func() error) error {
	j.dismissReload()
	err := j.asMiss(step, fn())
	if err == nil {
		return nil
	}
	if errors.Is(err, selector.ErrNotFound) {
		return TaskError{TaskIndex: j.cp.TaskIndex, Step: step, Err: err}
	}
	return err
}

func (j *job) dismissReload() {
	if !j.r.Catalog().Has(config.StepErrorReload) {
		return
	}
	h, ok, err := j.r.Probe(j.ctx, config.StepErrorReload, 0)
	if err != nil || !ok {
		return
	}
	j.w.logger.Info("dismissing reload prompt")
	if err := j.w.session.Tap(j.ctx, h); err != nil {
		j.w.logger.Debug("reload tap failed", slog.Any("error", err))
		return
	}
	_ = j.sleep(j.w.cfg.Scroll.Pause)
}

// asMiss turns a failed action on a resolved element into a miss of step.
func (j *job) asMiss(step string, err error) error {
	if err == nil || interrupts(j.ctx, err) || errors.Is(err, selector.ErrNotFound) {
		return err
	}
	if device.IsTransport(err) || errors.Is(err, device.ErrStaleHandle) {
		return selector.NotFoundError{Serial: j.w.serial, Step: step, Attempts: 1, Err: err}
	}
	return err
}

// enumerateCategories reads the sidebar top to bottom, swiping it forward up
// to CategoryRounds times, and swipes it back afterwards.
func (j *job) enumerateCategories() ([]string, error) {
	w := j.w
	rounds := max(1, w.cfg.Scroll.CategoryRounds)
	seen := make(map[string]struct{})
	var names []string
	swipes := 0

	for round := 0; round < rounds; round++ {
		handles, err := j.all(config.StepCategoryEntry)
		if err != nil {
			return nil, err
		}
		added := 0
		for _, h := range handles {
			name := strings.TrimSpace(j.text(h))
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			if _, skip := w.blacklist[name]; skip {
				continue
			}
			names = append(names, name)
			added++
		}
		if round > 0 && added == 0 {
			break
		}
		if round == rounds-1 {
			break
		}
		if err := j.swipe(device.SidebarUp); err != nil {
			return nil, err
		}
		swipes++
		if err := j.sleep(w.cfg.Scroll.Pause); err != nil {
			return nil, err
		}
	}
	for i := 0; i < swipes; i++ {
		if err := j.swipe(device.SidebarDown); err != nil {
			return nil, err
		}
	}

	if len(names) == 0 {
		w.logger.Warn("no categories found, collecting the product list as a whole")
		names = []string{allProducts}
	}
	return names, nil
}

// selectCategory taps the sidebar entry called name, swiping the sidebar
// forward while it is not visible.
func (j *job) selectCategory(name string) error {
	w := j.w
	candidates := []device.Descriptor{device.Text(name)}
	timeout := w.cfg.Timeouts.Short
	rounds := max(1, w.cfg.Scroll.CategoryRounds)

	for round := 0; round < rounds; round++ {
		h, ok, err := j.r.ProbeWith(j.ctx, config.StepCategoryEntry, candidates, timeout)
		if err != nil {
			return err
		}
		if ok {
			return j.asMiss(config.StepCategoryEntry, w.session.Tap(j.ctx, h))
		}
		if err := j.swipe(device.SidebarUp); err != nil {
			return err
		}
	}

	h, err := j.r.ResolveWith(j.ctx, config.StepCategoryEntry, candidates, timeout)
	if err != nil {
		return err
	}
	return j.asMiss(config.StepCategoryEntry, w.session.Tap(j.ctx, h))
}

// collect scrolls the item list of the selected category until the scroll
// limit is reached or NoNewDataThreshold consecutive reads add nothing.
// Every batch is written and checkpointed before the next scroll.
func (j *job) collect(task models.Task, category string, pipe *pipeline.Pipeline, out *pipeline.ShopOutput) (int, error) {
	w := j.w
	sc := w.cfg.Scroll
	threshold := max(1, sc.NoNewDataThreshold)
	added, idle, scrolls := 0, 0, 0

	for {
		records, err := j.readItems(task, category)
		if err != nil {
			return added, err
		}
		accepted, err := pipe.Process(records)
		if err != nil {
			return added, ErrPersistence{Err: err}
		}

		if n := len(accepted); n > 0 {
			idle = 0
			added += n
			j.cp.Keys = pipe.Dedup().Keys()
			j.cp.CollectedCount = out.Total()
			if err := j.save(); err != nil {
				return added, err
			}
			w.metrics.AddRecords(w.serial, "accepted", n)
			w.addResult(func(r *models.RunResult) { r.Records += n })
		} else {
			idle++
		}

		if idle >= threshold {
			w.logger.Debug("no new items", slog.String("category", category), slog.Int("scrolls", scrolls))
			return added, nil
		}
		if scrolls >= sc.MaxScrollTimes {
			w.logger.Info("scroll limit reached", slog.String("category", category), slog.Int("scrolls", scrolls))
			return added, nil
		}

		if err := w.requested(); err != nil {
			return added, err
		}
		if err := j.swipe(device.ListUp); err != nil {
			return added, err
		}
		scrolls++
		w.metrics.IncScrolls(w.serial)
		if err := j.sleep(sc.Pause); err != nil {
			return added, err
		}
	}
}

// readItems reads the visible rows, pairing each name with the price and
// sales label in the vertical band between it and the next name.
func (j *job) readItems(task models.Task, category string) ([]*models.Record, error) {
	names, err := j.all(config.StepItemName)
	if err != nil || len(names) == 0 {
		return nil, err
	}
	prices, err := j.all(config.StepItemPrice)
	if err != nil {
		return nil, err
	}
	sales, err := j.all(config.StepItemSales)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(names, func(a, b int) bool { return names[a].Bounds.Top < names[b].Bounds.Top })
	now := time.Now()
	records := make([]*models.Record, 0, len(names))
	for i, n := range names {
		top := n.Bounds.Top
		bottom := math.MaxInt
		if i+1 < len(names) {
			bottom = names[i+1].Bounds.Top
		}
		rec := &models.Record{
			TaskIndex:    j.cp.TaskIndex,
			LocationHint: task.LocationHint,
			Shop:         task.TargetName,
			Category:     category,
			ItemName:     j.text(n),
			CollectedAt:  now,
		}
		if h, ok := inBand(prices, top, bottom); ok {
			rec.Price = j.text(h)
		}
		if h, ok := inBand(sales, top, bottom); ok {
			rec.MonthlySales = j.text(h)
		}
		records = append(records, rec)
	}
	return records, nil
}

func inBand(handles []device.Handle, top, bottom int) (device.Handle, bool) {
	for _, h := range handles {
		if h.Bounds.Top >= top && h.Bounds.Top < bottom {
			return h, true
		}
	}
	return device.Handle{}, false
}

// all lists every element of step. Transport errors read as an empty screen.
func (j *job) all(step string) ([]device.Handle, error) {
	handles, err := j.r.ResolveAll(j.ctx, step)
	if err != nil {
		if interrupts(j.ctx, err) || errors.Is(err, selector.ErrUnknownStep) {
			return nil, err
		}
		j.w.logger.Debug("element listing failed", slog.String("step", step), slog.Any("error", err))
		return nil, nil
	}
	return handles, nil
}

func (j *job) text(h device.Handle) string {
	if h.Text != "" {
		return h.Text
	}
	text, err := j.w.session.ReadText(j.ctx, h)
	if err != nil {
		return ""
	}
	return text
}

// swipe ignores transport failures; the next read shows whether it moved.
func (j *job) swipe(dir device.Direction) error {
	err := j.w.session.Swipe(j.ctx, dir)
	if err == nil || !interrupts(j.ctx, err) {
		if err != nil {
			j.w.logger.Debug("swipe failed", slog.String("direction", dir.String()), slog.Any("error", err))
		}
		return nil
	}
	return err
}

// sleep waits d unless the run is interrupted or canceled first.
func (j *job) sleep(d time.Duration) error {
	select {
	case <-j.interrupt:
		return selector.ErrInterrupted
	default:
	}
	if d <= 0 {
		return j.ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-j.ctx.Done():
		return j.ctx.Err()
	case <-j.interrupt:
		return selector.ErrInterrupted
	case <-timer.C:
		return nil
	}
}

// interrupts reports errors that end the run instead of the current step.
// Only the run's own context counts; a timed-out driver call is a transport
// failure like any other.
func interrupts(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, device.ErrDisconnected) ||
		errors.Is(err, selector.ErrInterrupted)
}
