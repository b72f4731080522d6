// Package orchestrator tracks attached devices and runs at most one worker
// per device, relaying operator commands to it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/aluiziolira/go-scrape-catalog/checkpoint"
	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/device"
	"github.com/aluiziolira/go-scrape-catalog/history"
	"github.com/aluiziolira/go-scrape-catalog/logging"
	"github.com/aluiziolira/go-scrape-catalog/metrics"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/selector"
	"github.com/aluiziolira/go-scrape-catalog/worker"
)

var (
	// ErrUnknownDevice is returned for serials that were never listed.
	ErrUnknownDevice = errors.New("orchestrator: unknown device")
	// ErrBusy is returned when a command needs the device's worker to be idle.
	ErrBusy = errors.New("orchestrator: device is busy")
	// ErrUnavailable is returned when starting a device that is not online.
	ErrUnavailable = errors.New("orchestrator: device is not available")
)

const listKey = "devices"

// Options configure an Orchestrator. Lister and Factory are required.
type Options struct {
	Config  *config.Config
	Lister  device.Lister
	Factory SessionFactory
	Store   checkpoint.Store
	History history.Recorder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Level gates the per-device log files.
	Level slog.Leveler
	RunID string
}

// DeviceView is a device together with the status of its latest worker.
type DeviceView struct {
	models.Device
	Worker *worker.Status `json:"worker,omitempty"`
}

type slot struct {
	worker  *worker.Worker
	session device.Session
	logs    io.Closer
}

// Orchestrator owns the device table and the workers.
type Orchestrator struct {
	cfg     *config.Config
	lister  device.Lister
	factory SessionFactory
	store   checkpoint.Store
	history history.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	level   slog.Leveler
	runID   string
	catalog *selector.Catalog
	list    *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc

	// startMu serializes commands that create, relaunch or stop workers.
	// Worker listeners never take it.
	startMu sync.Mutex

	mu      sync.Mutex
	devices map[string]*models.Device
	tasks   map[string][]models.Task
	slots   map[string]*slot
	workers map[string]*worker.Worker
}

// New returns an orchestrator. Workers run until Shutdown or until their
// own queue ends; they are not tied to the context of the call that
// started them.
func New(opts Options) (*Orchestrator, error) {
	if opts.Lister == nil {
		return nil, errors.New("orchestrator: nil lister")
	}
	if opts.Factory == nil {
		return nil, errors.New("orchestrator: nil session factory")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Store == nil {
		opts.Store = checkpoint.NewFileStore(cfg.OutputDir)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	var list *cache.Cache
	if ttl := cfg.Device.ListCacheTTL; ttl > 0 {
		list = cache.New(ttl, 2*ttl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		lister:  opts.Lister,
		factory: opts.Factory,
		store:   opts.Store,
		history: opts.History,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		level:   opts.Level,
		runID:   opts.RunID,
		catalog: selector.NewCatalog(cfg.Selectors),
		list:    list,
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]*models.Device),
		tasks:   make(map[string][]models.Task),
		slots:   make(map[string]*slot),
		workers: make(map[string]*worker.Worker),
	}, nil
}

// RunID identifies this orchestrator session in checkpoints and history.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// ListDevices merges the lister's view into the device table. Devices that
// disappeared become disconnected. When the lister fails, known devices
// keep their status and carry the error; the error is only returned when
// no device is known at all.
func (o *Orchestrator) ListDevices(ctx context.Context) ([]models.Device, error) {
	if o.list != nil {
		if cached, ok := o.list.Get(listKey); ok {
			return cloneDevices(cached.([]models.Device)), nil
		}
	}

	infos, err := o.lister.ListConnectedDevices(ctx)

	o.mu.Lock()
	now := time.Now()
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		seen[info.Serial] = struct{}{}
		d, ok := o.devices[info.Serial]
		if !ok {
			d = &models.Device{Serial: info.Serial, Status: models.DeviceIdle}
			o.devices[info.Serial] = d
		}
		if info.Model != "" {
			d.Model = info.Model
		}
		d.LastSeen = now
		_, active := o.slots[info.Serial]
		switch {
		case active:
		case !info.Online():
			d.Status = models.DeviceDisconnected
			d.Error = "adb reports " + info.State
		case d.Status == models.DeviceDisconnected:
			d.Status = models.DeviceIdle
			d.Error = ""
		}
	}
	if err == nil {
		for serial, d := range o.devices {
			if _, ok := seen[serial]; ok {
				continue
			}
			if d.Status != models.DeviceDisconnected {
				o.logger.Warn("device is no longer attached", slog.String("device", serial))
			}
			d.Status = models.DeviceDisconnected
			d.Error = "device is no longer attached"
		}
	} else {
		for _, d := range o.devices {
			d.Error = fmt.Sprintf("enumerate devices: %v", err)
		}
	}
	devices := o.deviceListLocked()
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("device enumeration failed", slog.Any("error", err))
		if len(devices) == 0 {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		return devices, nil
	}
	if o.list != nil {
		o.list.SetDefault(listKey, cloneDevices(devices))
	}
	return devices, nil
}

func (o *Orchestrator) deviceListLocked() []models.Device {
	devices := make([]models.Device, 0, len(o.devices))
	for _, d := range o.devices {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	return devices
}

func cloneDevices(in []models.Device) []models.Device {
	return append([]models.Device(nil), in...)
}

func (o *Orchestrator) invalidate() {
	if o.list != nil {
		o.list.Delete(listKey)
	}
}

// AssignTasks replaces the task queue of a device. It is rejected while
// the device's worker is running or paused.
func (o *Orchestrator) AssignTasks(serial string, tasks []models.Task) error {
	if len(tasks) == 0 {
		return worker.ErrNoTasks
	}
	o.startMu.Lock()
	defer o.startMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.devices[serial]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	if _, active := o.slots[serial]; active {
		return fmt.Errorf("%w: %s is %s", ErrBusy, serial, d.Status)
	}
	o.tasks[serial] = append([]models.Task(nil), tasks...)
	d.TaskCount = len(tasks)
	o.invalidate()
	o.logger.Info("tasks assigned", slog.String("device", serial), slog.Int("tasks", len(tasks)))
	return nil
}

// Tasks returns the queue assigned to a device.
func (o *Orchestrator) Tasks(serial string) ([]models.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.devices[serial]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	return append([]models.Task(nil), o.tasks[serial]...), nil
}

// Start opens a session for the device and runs its queue, continuing from
// a checkpoint that matches the queue.
func (o *Orchestrator) Start(ctx context.Context, serial string) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	return o.start(ctx, serial)
}

func (o *Orchestrator) start(ctx context.Context, serial string) error {
	o.mu.Lock()
	d, ok := o.devices[serial]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	if _, active := o.slots[serial]; active {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrBusy, serial, d.Status)
	}
	if d.Status == models.DeviceDisconnected {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is disconnected", ErrUnavailable, serial)
	}
	tasks := append([]models.Task(nil), o.tasks[serial]...)
	o.mu.Unlock()
	if len(tasks) == 0 {
		return worker.ErrNoTasks
	}

	sl, err := o.spawn(ctx, serial, tasks)
	if err != nil {
		o.mu.Lock()
		d.Status = models.DeviceError
		d.Error = err.Error()
		o.mu.Unlock()
		o.invalidate()
		return err
	}

	o.mu.Lock()
	o.slots[serial] = sl
	o.workers[serial] = sl.worker
	o.mu.Unlock()

	if err := sl.worker.Start(o.ctx); err != nil {
		o.reclaim(serial)
		return err
	}
	return nil
}

// spawn builds the session, device logger and worker of one run.
func (o *Orchestrator) spawn(ctx context.Context, serial string, tasks []models.Task) (*slot, error) {
	paths := o.cfg.PathsFor(serial)
	if err := paths.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare output for %s: %w", serial, err)
	}

	session, err := o.factory.Open(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", serial, err)
	}

	logger, logs, err := logging.ForDevice(o.logger, o.level, paths.LogFile(), serial)
	if err != nil {
		o.logger.Warn("device log file unavailable", slog.String("device", serial), slog.Any("error", err))
		logger = o.logger.With(slog.String("device", serial))
		logs = nil
	}

	w, err := worker.New(worker.Deps{
		Session:  session,
		Catalog:  o.catalog,
		Store:    o.store,
		History:  o.history,
		Metrics:  o.metrics,
		Logger:   logger,
		Config:   o.cfg,
		Paths:    paths,
		RunID:    o.runID,
		Listener: o,
	})
	if err == nil {
		err = w.SetTasks(tasks)
	}
	if err != nil {
		session.Close()
		if logs != nil {
			logs.Close()
		}
		return nil, fmt.Errorf("create worker for %s: %w", serial, err)
	}
	return &slot{worker: w, session: session, logs: logs}, nil
}

// Pause asks the device's worker to stop at its next suspension point,
// keeping its session for Resume.
func (o *Orchestrator) Pause(serial string) error {
	sl, err := o.slot(serial)
	if err != nil {
		return err
	}
	if sl == nil {
		return worker.ErrNotRunning
	}
	return sl.worker.Pause()
}

// Resume continues a paused device. After a restart of the process a
// device whose checkpoint is paused is started again from that checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, serial string) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	sl, err := o.slot(serial)
	if err != nil {
		return err
	}
	if sl != nil {
		return sl.worker.Resume(o.ctx)
	}

	cp, err := o.store.Load(serial)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", serial, err)
	}
	if cp == nil || cp.Status != models.RunPaused {
		return worker.ErrNotPaused
	}
	return o.start(ctx, serial)
}

// Stop asks the device's worker to persist its progress and stop. Stopping
// an idle device is a no-op.
func (o *Orchestrator) Stop(serial string) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	sl, err := o.slot(serial)
	if err != nil || sl == nil {
		return err
	}
	return sl.worker.Stop()
}

// StopAll stops every active worker.
func (o *Orchestrator) StopAll() {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	o.mu.Lock()
	workers := make([]*worker.Worker, 0, len(o.slots))
	for _, sl := range o.slots {
		workers = append(workers, sl.worker)
	}
	o.mu.Unlock()

	for _, w := range workers {
		if err := w.Stop(); err != nil {
			o.logger.Warn("stop worker", slog.String("device", w.Serial()), slog.Any("error", err))
		}
	}
}

// Wait blocks until no worker is running and returns the latest result of
// every device that was started.
func (o *Orchestrator) Wait() map[string]models.RunResult {
	o.mu.Lock()
	workers := make(map[string]*worker.Worker, len(o.workers))
	for serial, w := range o.workers {
		workers[serial] = w
	}
	o.mu.Unlock()

	results := make(map[string]models.RunResult, len(workers))
	for serial, w := range workers {
		results[serial] = w.Wait()
	}
	return results
}

// Shutdown stops every worker and waits for them until ctx is done. Paused
// sessions are released.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.StopAll()

	done := make(chan struct{})
	go func() {
		o.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: %w", ctx.Err())
	}
	o.cancel()

	o.mu.Lock()
	serials := make([]string, 0, len(o.slots))
	for serial := range o.slots {
		serials = append(serials, serial)
	}
	o.mu.Unlock()
	for _, serial := range serials {
		o.reclaim(serial)
	}
	return err
}

// Snapshot returns every known device with its worker status.
func (o *Orchestrator) Snapshot() []DeviceView {
	o.mu.Lock()
	defer o.mu.Unlock()
	views := make([]DeviceView, 0, len(o.devices))
	for _, d := range o.deviceListLocked() {
		views = append(views, o.viewLocked(d))
	}
	return views
}

// Device returns one device with its worker status.
func (o *Orchestrator) Device(serial string) (DeviceView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.devices[serial]
	if !ok {
		return DeviceView{}, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	return o.viewLocked(*d), nil
}

func (o *Orchestrator) viewLocked(d models.Device) DeviceView {
	view := DeviceView{Device: d}
	if w, ok := o.workers[d.Serial]; ok {
		st := w.Status()
		view.Worker = &st
	}
	return view
}

// Checkpoint returns the persisted progress of a device, or nil.
func (o *Orchestrator) Checkpoint(serial string) (*models.Checkpoint, error) {
	if _, err := o.slot(serial); err != nil {
		return nil, err
	}
	return o.store.Load(serial)
}

// ClearCheckpoint discards the progress of an idle device so that its next
// Start begins at the first task.
func (o *Orchestrator) ClearCheckpoint(serial string) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	sl, err := o.slot(serial)
	if err != nil {
		return err
	}
	if sl != nil {
		return fmt.Errorf("%w: %s has an active worker", ErrBusy, serial)
	}
	if err := o.store.Clear(serial); err != nil {
		return err
	}
	o.logger.Info("checkpoint cleared", slog.String("device", serial))
	return nil
}

// slot returns the active slot of a known device, or nil.
func (o *Orchestrator) slot(serial string) (*slot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.devices[serial]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	return o.slots[serial], nil
}

// OnStateChange maps worker states onto device statuses and reclaims the
// device once its worker is done with it.
func (o *Orchestrator) OnStateChange(serial string, st worker.Status) {
	o.mu.Lock()
	d, ok := o.devices[serial]
	if !ok {
		d = &models.Device{Serial: serial}
		o.devices[serial] = d
	}
	switch st.State {
	case models.RunRunning:
		d.Status = models.DeviceRunning
		d.Error = ""
	case models.RunPaused:
		d.Status = models.DevicePaused
		d.Error = st.LastError
	case models.RunFailed:
		d.Status = models.DeviceError
		if st.ErrorType == "disconnected" {
			d.Status = models.DeviceDisconnected
		}
		d.Error = st.LastError
	default:
		d.Status = models.DeviceIdle
		d.Error = st.LastError
	}
	release := st.State != models.RunRunning && st.State != models.RunPaused
	o.mu.Unlock()
	o.invalidate()

	if release {
		o.reclaim(serial)
	}
}

// reclaim closes the session and log file of a device's worker.
func (o *Orchestrator) reclaim(serial string) {
	o.mu.Lock()
	sl := o.slots[serial]
	delete(o.slots, serial)
	o.mu.Unlock()
	if sl == nil {
		return
	}

	if err := sl.session.Close(); err != nil {
		o.logger.Debug("close session", slog.String("device", serial), slog.Any("error", err))
	}
	if sl.logs != nil {
		if err := sl.logs.Close(); err != nil {
			o.logger.Debug("close device log", slog.String("device", serial), slog.Any("error", err))
		}
	}
}
