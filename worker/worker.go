// Package worker runs one device's task queue: it drives the app to each
// shop, walks the shop's categories in order and streams the items it reads
// to disk, persisting a checkpoint after every batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/checkpoint"
	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/device"
	"github.com/aluiziolira/go-scrape-catalog/history"
	"github.com/aluiziolira/go-scrape-catalog/i18n"
	"github.com/aluiziolira/go-scrape-catalog/metrics"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
	"github.com/aluiziolira/go-scrape-catalog/selector"
)

// Status is a point-in-time view of a worker.
type Status struct {
	Serial        string          `json:"serial"`
	RunID         string          `json:"run_id,omitempty"`
	State         models.RunState `json:"state"`
	Phase         models.Phase    `json:"phase"`
	TaskIndex     int             `json:"task_index"`
	TaskTotal     int             `json:"task_total"`
	Shop          string          `json:"shop,omitempty"`
	Category      string          `json:"category,omitempty"`
	CategoryIndex int             `json:"category_index"`
	CategoryTotal int             `json:"category_total"`
	Collected     int             `json:"collected"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorType     string          `json:"error_type,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Listener is told about every run state change. It is called from the
// worker's goroutine and must not block.
type Listener interface {
	OnStateChange(serial string, status Status)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(serial string, status Status)

func (f ListenerFunc) OnStateChange(serial string, status Status) {
	f(serial, status)
}

// Deps are the collaborators of a worker. Session is required; everything
// else falls back to a default derived from Config.
type Deps struct {
	Session  device.Session
	Catalog  *selector.Catalog
	Store    checkpoint.Store
	History  history.Recorder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Config   *config.Config
	Paths    config.Paths
	RunID    string
	Listener Listener
}

// Worker owns one device. At most one run is active at a time.
type Worker struct {
	serial    string
	session   device.Session
	catalog   *selector.Catalog
	store     checkpoint.Store
	history   history.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       *config.Config
	paths     config.Paths
	runID     string
	listener  Listener
	filter    *parser.ItemFilter
	blacklist map[string]struct{}

	mu        sync.Mutex
	tasks     []models.Task
	status    Status
	running   bool
	pauseReq  bool
	stopReq   bool
	interrupt chan struct{}
	done      chan struct{}
	result    models.RunResult
}

// New builds a stopped worker.
func New(d Deps) (*Worker, error) {
	if d.Session == nil {
		return nil, errors.New("worker: nil session")
	}
	serial := d.Session.Serial()
	cfg := d.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if d.Catalog == nil {
		d.Catalog = selector.NewCatalog(cfg.Selectors)
	}
	if d.Store == nil {
		d.Store = checkpoint.NewFileStore(cfg.OutputDir)
	}
	if d.Logger == nil {
		d.Logger = slog.Default().With(slog.String("device", serial))
	}
	if d.Paths.Serial == "" {
		d.Paths = cfg.PathsFor(serial)
	}
	filter, err := parser.NewItemFilter(cfg.Filters.MinNameRunes, cfg.Filters.MinCJK, cfg.Filters.InvalidPatterns)
	if err != nil {
		return nil, fmt.Errorf("item filter: %w", err)
	}
	blacklist := make(map[string]struct{}, len(cfg.Filters.CategoryBlacklist))
	for _, name := range cfg.Filters.CategoryBlacklist {
		blacklist[strings.TrimSpace(name)] = struct{}{}
	}

	return &Worker{
		serial:    serial,
		session:   d.Session,
		catalog:   d.Catalog,
		store:     d.Store,
		history:   d.History,
		metrics:   d.Metrics,
		logger:    d.Logger,
		cfg:       cfg,
		paths:     d.Paths,
		runID:     d.RunID,
		listener:  d.Listener,
		filter:    filter,
		blacklist: blacklist,
		status: Status{
			Serial:    serial,
			RunID:     d.RunID,
			State:     models.RunStopped,
			Phase:     models.PhaseIdle,
			UpdatedAt: time.Now(),
		},
	}, nil
}

// Serial returns the device serial.
func (w *Worker) Serial() string {
	return w.serial
}

// SetTasks replaces the task queue. It is rejected during a run.
func (w *Worker) SetTasks(tasks []models.Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrRunning
	}
	w.tasks = append([]models.Task(nil), tasks...)
	w.status.TaskTotal = len(tasks)
	return nil
}

// Tasks returns a copy of the task queue.
func (w *Worker) Tasks() []models.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.Task(nil), w.tasks...)
}

// Start runs the task queue in the background, continuing from the
// device's checkpoint when one matches the queue.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrRunning
	}
	if len(w.tasks) == 0 {
		w.mu.Unlock()
		return ErrNoTasks
	}
	w.result = models.RunResult{
		Serial:       w.serial,
		RunID:        w.runID,
		StartTime:    time.Now(),
		TasksTotal:   len(w.tasks),
		ErrorsByType: make(map[string]int),
	}
	w.launchLocked(ctx)
	return nil
}

// Resume starts a new run from the checkpoint of a paused worker.
func (w *Worker) Resume(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrRunning
	}
	if w.status.State != models.RunPaused {
		w.mu.Unlock()
		return ErrNotPaused
	}
	w.launchLocked(ctx)
	return nil
}

// launchLocked is called with mu held and releases it.
func (w *Worker) launchLocked(ctx context.Context) {
	w.running = true
	w.pauseReq = false
	w.stopReq = false
	w.interrupt = make(chan struct{})
	w.done = make(chan struct{})
	if w.result.ErrorsByType == nil {
		w.result.ErrorsByType = make(map[string]int)
	}
	tasks := append([]models.Task(nil), w.tasks...)
	interrupt, done := w.interrupt, w.done
	w.mu.Unlock()

	w.transition(models.RunRunning, models.PhaseIdle, func(s *Status) {
		s.LastError = ""
		s.ErrorType = ""
	})
	go w.run(ctx, tasks, interrupt, done)
}

// Pause asks the active run to persist its progress and exit at the next
// suspension point.
func (w *Worker) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return ErrNotRunning
	}
	w.pauseReq = true
	w.signalLocked()
	return nil
}

// Stop asks the active run to persist its progress and stop. A paused
// worker becomes stopped immediately.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.running {
		w.stopReq = true
		w.signalLocked()
		w.mu.Unlock()
		return nil
	}
	if w.status.State != models.RunPaused {
		w.mu.Unlock()
		return nil
	}

	// mu stays held until the stopped state is set so Resume cannot launch
	// a run in between.
	if cp, err := w.store.Load(w.serial); err == nil && cp != nil {
		cp.Status = models.RunStopped
		if err := w.store.Save(w.serial, cp); err != nil {
			w.logger.Warn("failed to persist checkpoint", slog.Any("error", err))
		}
	}
	snapshot := w.setStateLocked(models.RunStopped, models.PhaseIdle, nil)
	w.mu.Unlock()
	w.publish(snapshot)
	return nil
}

func (w *Worker) signalLocked() {
	select {
	case <-w.interrupt:
	default:
		close(w.interrupt)
	}
}

// Wait blocks until the active run, if any, has exited and returns the
// result accumulated since Start.
func (w *Worker) Wait() models.RunResult {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	res := w.result
	res.ErrorsByType = make(map[string]int, len(w.result.ErrorsByType))
	for k, v := range w.result.ErrorsByType {
		res.ErrorsByType[k] = v
	}
	return res
}

// Status returns the worker's current status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Running reports whether a run is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) requested() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.stopReq:
		return errStopRequested
	case w.pauseReq:
		return errPauseRequested
	}
	return nil
}

func (w *Worker) update(fn func(*Status)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.status)
	w.status.UpdatedAt = time.Now()
}

func (w *Worker) setPhase(phase models.Phase) {
	w.update(func(s *Status) { s.Phase = phase })
}

func (w *Worker) transition(state models.RunState, phase models.Phase, fn func(*Status)) {
	w.mu.Lock()
	snapshot := w.setStateLocked(state, phase, fn)
	w.mu.Unlock()
	w.publish(snapshot)
}

func (w *Worker) setStateLocked(state models.RunState, phase models.Phase, fn func(*Status)) Status {
	w.status.State = state
	w.status.Phase = phase
	if fn != nil {
		fn(&w.status)
	}
	w.status.UpdatedAt = time.Now()
	return w.status
}

// publish reports a state change; it must be called without mu.
func (w *Worker) publish(st Status) {
	w.metrics.SetState(w.serial, string(st.State))
	w.logger.Info("worker state changed",
		slog.String("state", string(st.State)),
		slog.String("phase", string(st.Phase)),
	)
	if w.listener != nil {
		w.listener.OnStateChange(w.serial, st)
	}
}

func (w *Worker) addResult(fn func(*models.RunResult)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.result)
}

func (w *Worker) describe(taskIndex int, err error) string {
	task := 0
	if taskIndex >= 0 {
		task = taskIndex + 1
	}
	return i18n.Describe(w.cfg.Locale, i18n.Failure{
		Serial: w.serial,
		Task:   task,
		Step:   stepOf(err),
		Kind:   kindOf(err),
		Detail: err.Error(),
	})
}

func (w *Worker) recordRun(ctx context.Context, row *history.ShopRun) {
	if w.history == nil {
		return
	}
	if err := w.history.RecordRun(context.WithoutCancel(ctx), row); err != nil {
		w.logger.Warn("failed to record shop run", slog.Any("error", err))
	}
}

func (w *Worker) run(ctx context.Context, tasks []models.Task, interrupt <-chan struct{}, done chan struct{}) {
	defer close(done)
	ctx = device.WithInterrupt(ctx, interrupt)

	opts := selector.OptionsFrom(w.cfg, w.paths)
	opts.Interrupt = interrupt
	j := &job{
		w:         w,
		ctx:       ctx,
		r:         selector.New(w.session, w.catalog, opts, w.logger, w.metrics),
		tasks:     tasks,
		interrupt: interrupt,
	}

	var err error
	if perr := w.paths.Ensure(); perr != nil {
		err = ErrPersistence{Err: perr}
	} else {
		j.cp, err = w.loadCheckpoint(tasks)
	}
	if err == nil {
		err = j.loop()
	}
	w.finish(j, err)
}

func (w *Worker) loadCheckpoint(tasks []models.Task) (*models.Checkpoint, error) {
	cp, err := w.store.Load(w.serial)
	if err != nil {
		return nil, ErrPersistence{Err: err}
	}
	if cp != nil {
		stale := cp.TaskIndex >= len(tasks) ||
			(cp.ShopName != "" && cp.ShopName != tasks[cp.TaskIndex].TargetName)
		if stale {
			w.logger.Warn("checkpoint does not match the assigned tasks, starting over",
				slog.Int("task", cp.TaskIndex+1),
				slog.String("shop", cp.ShopName),
			)
			cp = nil
		} else {
			w.logger.Info("resuming from checkpoint", slog.String("progress", cp.Summary()))
		}
	}
	if cp == nil {
		cp = &models.Checkpoint{Serial: w.serial}
		cp.ResetForTask(0, tasks[0].TargetName)
	}
	cp.Serial = w.serial
	cp.RunID = w.runID
	cp.Status = models.RunRunning
	return cp, nil
}

// finish persists the outcome of a run and publishes the final state.
func (w *Worker) finish(j *job, err error) {
	ctx := j.ctx
	if errors.Is(err, selector.ErrInterrupted) {
		if req := w.requested(); req != nil {
			err = req
		} else {
			err = errPauseRequested
		}
	}
	if err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = errStopRequested
	}

	taskIndex := -1
	if j.cp != nil {
		taskIndex = j.cp.TaskIndex
	}
	persist := func(state models.RunState) error {
		if j.cp == nil {
			return nil
		}
		j.cp.Status = state
		return j.save()
	}

	var (
		state = models.RunFinished
		phase = models.PhaseFinished
		msg   string
		label string
	)
	switch {
	case err == nil:
		if cerr := w.store.Clear(w.serial); cerr != nil {
			err = ErrPersistence{Err: cerr}
			state, phase = models.RunFailed, models.PhaseFailed
		}
	case errors.Is(err, errStopRequested):
		state, phase = models.RunStopped, models.PhaseIdle
		if perr := persist(models.RunStopped); perr != nil {
			err = perr
			state, phase = models.RunFailed, models.PhaseFailed
		}
	case errors.Is(err, errPauseRequested), errors.Is(err, selector.ErrNotFound):
		state, phase = models.RunPaused, models.PhasePaused
		if perr := persist(models.RunPaused); perr != nil {
			err = perr
			state, phase = models.RunFailed, models.PhaseFailed
		}
	default:
		state, phase = models.RunFailed, models.PhaseFailed
		if !errors.As(err, new(ErrPersistence)) {
			if perr := persist(models.RunFailed); perr != nil {
				w.logger.Warn("failed to persist checkpoint", slog.Any("error", perr))
			}
		}
	}

	if err != nil && !errors.Is(err, errStopRequested) && !errors.Is(err, errPauseRequested) {
		label = errorTypeLabel(err)
		msg = w.describe(taskIndex, err)
		w.metrics.IncError(w.serial, label)
		w.addResult(func(r *models.RunResult) { r.ErrorsByType[label]++ })
		if state == models.RunFailed {
			w.logger.Error("worker failed", slog.String("message", msg), slog.Any("error", err))
			w.metrics.IncTask(w.serial, "failed")
			if taskIndex >= 0 && taskIndex < len(j.tasks) {
				w.recordRun(ctx, &history.ShopRun{
					RunID:     w.runID,
					Serial:    w.serial,
					TaskIndex: taskIndex,
					Shop:      j.tasks[taskIndex].TargetName,
					Status:    history.StatusFailed,
					Records:   j.cp.CollectedCount,
					ErrorType: label,
					Message:   msg,
					StartedAt: j.taskStarted,
				})
			}
		} else {
			w.logger.Warn("worker paused after a failed step", slog.String("message", msg))
		}
	}

	w.addResult(func(r *models.RunResult) {
		r.EndTime = time.Now()
		r.FinalState = state
	})

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.transition(state, phase, func(s *Status) {
		if msg != "" {
			s.LastError = msg
			s.ErrorType = label
		}
		if state == models.RunFinished {
			s.TaskIndex = len(j.tasks)
			s.Category = ""
		}
	})
}
