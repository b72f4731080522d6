package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/device"
	"github.com/aluiziolira/go-scrape-catalog/metrics"
)

// SessionFactory opens a driver session for a device.
type SessionFactory interface {
	Open(ctx context.Context, serial string) (device.Session, error)
}

// FactoryFunc adapts a function to SessionFactory.
type FactoryFunc func(ctx context.Context, serial string) (device.Session, error)

func (f FactoryFunc) Open(ctx context.Context, serial string) (device.Session, error) {
	return f(ctx, serial)
}

// DeviceFactory connects to the uiautomator2 server of a handset through an
// adb port forward. Demo serials get the built-in scripted session instead.
// Every session is paced and wrapped in a disconnect monitor.
type DeviceFactory struct {
	Config  *config.Config
	ADB     *device.ADBClient
	Metrics *metrics.Metrics
	Client  *http.Client
}

func (f *DeviceFactory) Open(ctx context.Context, serial string) (device.Session, error) {
	cfg := f.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var raw device.Session
	if device.IsDemo(serial) {
		raw = device.NewScriptedSession(serial, device.DemoScript())
	} else {
		if f.ADB == nil {
			return nil, errors.New("no adb client configured")
		}
		port, err := f.ADB.Forward(ctx, serial, cfg.Device.U2Port)
		if err != nil {
			return nil, fmt.Errorf("forward u2 port for %s: %w", serial, err)
		}
		u2 := device.NewU2Session(serial, fmt.Sprintf("http://127.0.0.1:%d", port), f.Client)
		u2.ADB = f.ADB
		if f.Metrics != nil {
			u2.Observe = f.Metrics.ObserveDriver
		}
		raw = u2
	}

	paced := device.NewPaced(raw, cfg.Device.ActionRate, cfg.Device.ActionBurst)
	return device.NewMonitor(paced, cfg.Device.TransportFailureLimit), nil
}

// DemoLister reports Count online demo devices (MOCK-1 ... MOCK-n) after
// whatever Inner lists.
type DemoLister struct {
	Inner device.Lister
	Count int
}

func (l DemoLister) ListConnectedDevices(ctx context.Context) ([]device.Info, error) {
	var (
		infos []device.Info
		err   error
	)
	if l.Inner != nil {
		infos, err = l.Inner.ListConnectedDevices(ctx)
	}
	for i := 1; i <= l.Count; i++ {
		infos = append(infos, device.Info{
			Serial: fmt.Sprintf("%s%d", device.DemoPrefix, i),
			State:  device.StateOnline,
			Model:  "demo",
		})
	}
	return infos, err
}
