package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Monitor wraps a Session and declares it disconnected after limit
// consecutive transport failures. Any successful call resets the count.
type Monitor struct {
	Session
	limit int

	mu           sync.Mutex
	failures     int
	disconnected bool
}

// NewMonitor returns s wrapped with a consecutive-failure limit (minimum 1).
func NewMonitor(s Session, limit int) *Monitor {
	if limit < 1 {
		limit = 1
	}
	return &Monitor{Session: s, limit: limit}
}

// Disconnected reports whether the limit has been reached.
func (m *Monitor) Disconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

func (m *Monitor) guard() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected {
		return ErrDisconnected
	}
	return nil
}

func (m *Monitor) observe(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil || !IsTransport(err) {
		if err == nil {
			m.failures = 0
		}
		return err
	}
	m.failures++
	if m.failures >= m.limit {
		m.disconnected = true
		return fmt.Errorf("%w after %d transport failures: %w", ErrDisconnected, m.failures, err)
	}
	return err
}

func (m *Monitor) Locate(ctx context.Context, d Descriptor, timeout time.Duration) (Handle, bool, error) {
	if err := m.guard(); err != nil {
		return Handle{}, false, err
	}
	h, ok, err := m.Session.Locate(ctx, d, timeout)
	return h, ok, m.observe(err)
}

func (m *Monitor) LocateAll(ctx context.Context, d Descriptor) ([]Handle, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	hs, err := m.Session.LocateAll(ctx, d)
	return hs, m.observe(err)
}

func (m *Monitor) Tap(ctx context.Context, h Handle) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.observe(m.Session.Tap(ctx, h))
}

func (m *Monitor) Swipe(ctx context.Context, dir Direction) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.observe(m.Session.Swipe(ctx, dir))
}

func (m *Monitor) TypeText(ctx context.Context, h Handle, text string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.observe(m.Session.TypeText(ctx, h, text))
}

func (m *Monitor) ReadText(ctx context.Context, h Handle) (string, error) {
	if err := m.guard(); err != nil {
		return "", err
	}
	text, err := m.Session.ReadText(ctx, h)
	return text, m.observe(err)
}

func (m *Monitor) Screenshot(ctx context.Context) ([]byte, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	img, err := m.Session.Screenshot(ctx)
	return img, m.observe(err)
}

func (m *Monitor) Back(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.observe(m.Session.Back(ctx))
}

func (m *Monitor) LaunchApp(ctx context.Context, pkg string) error {
	if err := m.guard(); err != nil {
		return err
	}
	err := LaunchApp(ctx, m.Session, pkg)
	if errors.Is(err, errors.ErrUnsupported) {
		return err
	}
	return m.observe(err)
}

// Paced throttles gestures and text input on a Session. Lookups are not paced.
type Paced struct {
	Session
	limiter *rate.Limiter
}

// NewPaced wraps s so that at most perSecond actions are issued. A
// non-positive rate returns s unchanged.
func NewPaced(s Session, perSecond float64, burst int) Session {
	if perSecond <= 0 {
		return s
	}
	if burst < 1 {
		burst = 1
	}
	return &Paced{Session: s, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// wait blocks until the limiter admits an action. Closing the context's
// interrupt channel gives the reservation back and returns ErrInterrupted.
func (p *Paced) wait(ctx context.Context) error {
	interrupt := InterruptFrom(ctx)
	select {
	case <-interrupt:
		return ErrInterrupted
	default:
	}
	r := p.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("pace: burst %d too small", p.limiter.Burst())
	}
	d := r.Delay()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-interrupt:
		r.Cancel()
		return ErrInterrupted
	}
}

func (p *Paced) Tap(ctx context.Context, h Handle) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.Session.Tap(ctx, h)
}

func (p *Paced) Swipe(ctx context.Context, dir Direction) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.Session.Swipe(ctx, dir)
}

func (p *Paced) TypeText(ctx context.Context, h Handle, text string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.Session.TypeText(ctx, h, text)
}

func (p *Paced) Back(ctx context.Context) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.Session.Back(ctx)
}

func (p *Paced) LaunchApp(ctx context.Context, pkg string) error {
	return LaunchApp(ctx, p.Session, pkg)
}
