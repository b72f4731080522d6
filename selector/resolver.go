// Package selector turns named UI steps into on-screen elements by trying
// an ordered list of candidate descriptors with bounded waits and retries.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/device"
	"github.com/aluiziolira/go-scrape-catalog/metrics"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("selector: element not found")
	// ErrInterrupted is returned when the interrupt channel closes during a
	// wait. Paced sessions report the same error.
	ErrInterrupted = device.ErrInterrupted
	// ErrUnknownStep is returned for steps without candidates.
	ErrUnknownStep = errors.New("selector: unknown step")
)

// NotFoundError reports a step that no candidate matched within every attempt.
type NotFoundError struct {
	Serial     string
	Step       string
	Attempts   int
	Screenshot string
	Err        error // last transport error, if any
}

func (e NotFoundError) Error() string {
	msg := fmt.Sprintf("step %q not found on %s after %d attempts", e.Step, e.Serial, e.Attempts)
	if e.Screenshot != "" {
		msg += " (screenshot " + e.Screenshot + ")"
	}
	if e.Err != nil {
		return fmt.Errorf("%s: %w", msg, e.Err).Error()
	}
	return msg
}

func (e NotFoundError) Unwrap() error {
	return e.Err
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Catalog maps step names to ordered candidate descriptors. It is never
// mutated after construction and may be shared by every worker.
type Catalog struct {
	steps map[string][]device.Descriptor
}

// NewCatalog copies steps into a Catalog.
func NewCatalog(steps map[string][]device.Descriptor) *Catalog {
	c := &Catalog{steps: make(map[string][]device.Descriptor, len(steps))}
	for step, candidates := range steps {
		c.steps[step] = append([]device.Descriptor(nil), candidates...)
	}
	return c
}

// Candidates returns the candidates of step in priority order.
func (c *Catalog) Candidates(step string) []device.Descriptor {
	return append([]device.Descriptor(nil), c.steps[step]...)
}

// Has reports whether step has at least one candidate.
func (c *Catalog) Has(step string) bool {
	return len(c.steps[step]) > 0
}

// Options bound the resolver's waits.
type Options struct {
	// Candidate is the wait given to each candidate within a pass.
	Candidate time.Duration
	// Poll separates passes within one attempt.
	Poll       time.Duration
	MaxRetries int
	RetryDelay time.Duration
	// ScreenshotDir receives a capture when a step is exhausted; empty disables it.
	ScreenshotDir string
	// Interrupt, when closed, aborts any wait with ErrInterrupted.
	Interrupt <-chan struct{}
}

// OptionsFrom derives resolver options from the configuration.
func OptionsFrom(cfg *config.Config, paths config.Paths) Options {
	return Options{
		Candidate:     cfg.Timeouts.Candidate,
		Poll:          cfg.Timeouts.Poll,
		MaxRetries:    cfg.Retry.MaxRetries,
		RetryDelay:    cfg.Retry.Delay,
		ScreenshotDir: paths.Screenshots(),
	}
}

// Resolver resolves steps on one device session.
type Resolver struct {
	session device.Session
	catalog *Catalog
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns a resolver for session.
func New(session device.Session, catalog *Catalog, opts Options, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Resolver{
		session: session,
		catalog: catalog,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Catalog returns the catalog the resolver reads.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// Resolve finds the first catalog candidate of step present on screen.
func (r *Resolver) Resolve(ctx context.Context, step string, timeout time.Duration) (device.Handle, error) {
	candidates := r.catalog.Candidates(step)
	if len(candidates) == 0 {
		return device.Handle{}, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
	return r.ResolveWith(ctx, step, candidates, timeout)
}

// ResolveWith resolves step against caller-supplied candidates, used when
// the descriptors depend on task data such as the shop name.
func (r *Resolver) ResolveWith(ctx context.Context, step string, candidates []device.Descriptor, timeout time.Duration) (device.Handle, error) {
	attempts := 1 + r.opts.MaxRetries
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			r.metrics.IncRetries(step)
			r.logger.Debug("retrying step",
				slog.String("step", step),
				slog.Int("attempt", attempt),
				slog.Duration("delay", r.opts.RetryDelay),
			)
			if err := r.wait(ctx, r.opts.RetryDelay); err != nil {
				return device.Handle{}, err
			}
		}

		h, ok, err := r.attempt(ctx, step, candidates, timeout)
		if ok {
			r.metrics.IncResolve(step, "hit")
			return h, nil
		}
		if err != nil {
			if aborts(ctx, err) {
				return device.Handle{}, err
			}
			lastErr = err
		}
	}

	r.metrics.IncResolve(step, "miss")
	shot := r.capture(ctx, step)
	r.logger.Warn("step not found",
		slog.String("step", step),
		slog.Int("attempts", attempts),
		slog.String("screenshot", shot),
	)
	return device.Handle{}, NotFoundError{
		Serial:     r.session.Serial(),
		Step:       step,
		Attempts:   attempts,
		Screenshot: shot,
		Err:        lastErr,
	}
}

// Probe runs a single attempt without retries or screenshots.
func (r *Resolver) Probe(ctx context.Context, step string, timeout time.Duration) (device.Handle, bool, error) {
	return r.ProbeWith(ctx, step, r.catalog.Candidates(step), timeout)
}

// ProbeWith is Probe over caller-supplied candidates.
func (r *Resolver) ProbeWith(ctx context.Context, step string, candidates []device.Descriptor, timeout time.Duration) (device.Handle, bool, error) {
	h, ok, err := r.attempt(ctx, step, candidates, timeout)
	if err != nil && aborts(ctx, err) {
		return device.Handle{}, false, err
	}
	return h, ok, nil
}

// attempt makes passes over candidates until one matches or timeout elapses.
// A transport error on one candidate is a miss for that candidate.
func (r *Resolver) attempt(ctx context.Context, step string, candidates []device.Descriptor, timeout time.Duration) (device.Handle, bool, error) {
	deadline := r.now().Add(timeout)
	var lastErr error
	for {
		for i, d := range candidates {
			h, ok, err := r.session.Locate(ctx, d, r.opts.Candidate)
			if err != nil {
				if aborts(ctx, err) {
					return device.Handle{}, false, err
				}
				r.logger.Debug("candidate lookup failed",
					slog.String("step", step),
					slog.String("candidate", d.String()),
					slog.Any("error", err),
				)
				lastErr = err
				continue
			}
			if ok {
				r.logger.Debug("step resolved",
					slog.String("step", step),
					slog.Int("candidate", i),
					slog.String("descriptor", d.String()),
				)
				return h, true, nil
			}
		}
		if !r.now().Before(deadline) {
			return device.Handle{}, false, lastErr
		}
		if err := r.wait(ctx, r.opts.Poll); err != nil {
			return device.Handle{}, false, err
		}
	}
}

// ResolveAll returns every element matching the first candidate of step
// that matches anything. An empty result is not an error.
func (r *Resolver) ResolveAll(ctx context.Context, step string) ([]device.Handle, error) {
	candidates := r.catalog.Candidates(step)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
	var lastErr error
	for _, d := range candidates {
		handles, err := r.session.LocateAll(ctx, d)
		if err != nil {
			if aborts(ctx, err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if len(handles) > 0 {
			return handles, nil
		}
	}
	return nil, lastErr
}

// Tap resolves step and taps it. A handle that went stale between lookup
// and tap is resolved once more.
func (r *Resolver) Tap(ctx context.Context, step string, timeout time.Duration) error {
	h, err := r.Resolve(ctx, step, timeout)
	if err != nil {
		return err
	}
	err = r.session.Tap(ctx, h)
	if errors.Is(err, device.ErrStaleHandle) {
		if h, err = r.Resolve(ctx, step, timeout); err != nil {
			return err
		}
		err = r.session.Tap(ctx, h)
	}
	if err != nil {
		return fmt.Errorf("tap %s: %w", step, err)
	}
	return nil
}

// TypeInto resolves step and replaces its text.
func (r *Resolver) TypeInto(ctx context.Context, step, text string, timeout time.Duration) error {
	h, err := r.Resolve(ctx, step, timeout)
	if err != nil {
		return err
	}
	if err := r.session.TypeText(ctx, h, text); err != nil {
		return fmt.Errorf("type into %s: %w", step, err)
	}
	return nil
}

func (r *Resolver) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-r.opts.Interrupt:
		return ErrInterrupted
	default:
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.opts.Interrupt:
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}

func (r *Resolver) capture(ctx context.Context, step string) string {
	if r.opts.ScreenshotDir == "" {
		return ""
	}
	img, err := r.session.Screenshot(ctx)
	if err != nil {
		r.logger.Warn("screenshot failed", slog.String("step", step), slog.Any("error", err))
		return ""
	}
	if err := os.MkdirAll(r.opts.ScreenshotDir, 0o755); err != nil {
		r.logger.Warn("screenshot dir", slog.Any("error", err))
		return ""
	}
	name := fmt.Sprintf("%s_%s_%s.png",
		parser.SanitizeFilename(r.session.Serial()),
		r.now().Format("20060102_150405.000"),
		parser.SanitizeFilename(step),
	)
	path := filepath.Join(r.opts.ScreenshotDir, name)
	if err := os.WriteFile(path, img, 0o644); err != nil {
		r.logger.Warn("write screenshot", slog.String("path", path), slog.Any("error", err))
		return ""
	}
	r.metrics.IncScreenshots(r.session.Serial())
	return path
}

// aborts reports errors that end resolution immediately instead of
// counting as a miss. A transport failure, including a driver call that ran
// past its own deadline, is always a miss while ctx is live.
func aborts(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, device.ErrDisconnected) ||
		errors.Is(err, ErrInterrupted)
}
