// Package device abstracts the handset automation binding: element lookup,
// gestures, text input, screenshots and device enumeration.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDisconnected is returned once a session has seen too many consecutive transport failures.
	ErrDisconnected = errors.New("device: disconnected")
	// ErrStaleHandle is returned when a handle no longer resolves to an element on screen.
	ErrStaleHandle = errors.New("device: element no longer on screen")
	// ErrInterrupted is returned when a wait ends because the run was asked to pause or stop.
	ErrInterrupted = errors.New("device: interrupted")
)

type interruptKey struct{}

// WithInterrupt attaches a channel whose closing ends pacing waits made
// with the returned context.
func WithInterrupt(ctx context.Context, interrupt <-chan struct{}) context.Context {
	return context.WithValue(ctx, interruptKey{}, interrupt)
}

// InterruptFrom returns the channel attached by WithInterrupt, or nil.
func InterruptFrom(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(interruptKey{}).(<-chan struct{})
	return ch
}

// ErrTransport indicates the driver could not complete a call.
type ErrTransport struct {
	Serial string
	Op     string
	Err    error
}

func (e ErrTransport) Error() string {
	return fmt.Errorf("transport %s %s: %w", e.Serial, e.Op, e.Err).Error()
}

func (e ErrTransport) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is, or wraps, a transport failure.
func IsTransport(err error) bool {
	var te ErrTransport
	return errors.As(err, &te)
}

// Rect is an element's on-screen bounds in pixels.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Center returns the midpoint of r.
func (r Rect) Center() (int, int) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Node is one element of a UI tree.
type Node struct {
	Text        string
	ResourceID  string
	ClassName   string
	Description string
	Bounds      Rect

	// Goto names the screen shown after the node is tapped (scripted sessions only).
	Goto string
	// Select names the list activated after the node is tapped (scripted sessions only).
	Select string
}

// Handle refers to the Instance-th element matching Descriptor at lookup time.
type Handle struct {
	Descriptor Descriptor
	Instance   int
	Bounds     Rect
	Text       string
}

// Direction is a swipe gesture.
type Direction int

const (
	// ListUp scrolls the item list forward.
	ListUp Direction = iota
	ListDown
	// SidebarUp scrolls the category sidebar forward.
	SidebarUp
	SidebarDown
)

func (d Direction) String() string {
	switch d {
	case ListUp:
		return "list_up"
	case ListDown:
		return "list_down"
	case SidebarUp:
		return "sidebar_up"
	case SidebarDown:
		return "sidebar_down"
	}
	return "unknown"
}

// Session drives one device. Every call may fail with ErrTransport.
type Session interface {
	Serial() string
	// Locate waits up to timeout for the first element matching d.
	Locate(ctx context.Context, d Descriptor, timeout time.Duration) (Handle, bool, error)
	// LocateAll returns every element currently matching d, top to bottom.
	LocateAll(ctx context.Context, d Descriptor) ([]Handle, error)
	Tap(ctx context.Context, h Handle) error
	Swipe(ctx context.Context, dir Direction) error
	TypeText(ctx context.Context, h Handle, text string) error
	ReadText(ctx context.Context, h Handle) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Back(ctx context.Context) error
	Close() error
}

// AppLauncher is implemented by sessions that can (re)start the target app.
type AppLauncher interface {
	LaunchApp(ctx context.Context, pkg string) error
}

// LaunchApp restarts pkg when s supports it and returns errors.ErrUnsupported otherwise.
func LaunchApp(ctx context.Context, s Session, pkg string) error {
	l, ok := s.(AppLauncher)
	if !ok {
		return errors.ErrUnsupported
	}
	return l.LaunchApp(ctx, pkg)
}

// Info describes an attached device as reported by the bridge.
type Info struct {
	Serial string
	State  string
	Model  string
}

// Online reports whether the bridge can talk to the device.
func (i Info) Online() bool {
	return i.State == StateOnline
}

// Device states reported by Lister.
const (
	StateOnline       = "online"
	StateOffline      = "offline"
	StateUnauthorized = "unauthorized"
	StateUnknown      = "unknown"
)

// Lister enumerates connected devices.
type Lister interface {
	ListConnectedDevices(ctx context.Context) ([]Info, error)
}
