package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"
)

// Screen is one page of a scripted UI. Lists hold the pages a list shows as
// it is scrolled; the active list is chosen by the screen's List or by
// tapping a node with Select.
type Screen struct {
	Nodes []Node
	Lists map[string][][]Node
	List  string
}

// Script is a replayable UI: a set of named screens and the one shown first.
type Script struct {
	Start   string
	Screens map[string]*Screen
}

// ScriptedSession replays a Script instead of talking to a handset.
type ScriptedSession struct {
	serial string
	script Script

	// Fault, when set, is consulted before every call; a non-nil result is
	// returned as a transport error for that call.
	Fault func(op string) error

	mu          sync.Mutex
	screen      string
	history     []string
	list        string
	pages       map[string]int
	taps        []string
	swipes      []Direction
	typed       []string
	launches    int
	screenshots int
	closed      bool
}

// NewScriptedSession starts s on the script's Start screen.
func NewScriptedSession(serial string, s Script) *ScriptedSession {
	ss := &ScriptedSession{serial: serial, script: s, pages: make(map[string]int)}
	ss.enterLocked(s.Start, false)
	return ss
}

func (s *ScriptedSession) Serial() string { return s.serial }

func (s *ScriptedSession) fault(op string) error {
	if s.closed {
		return ErrTransport{Serial: s.serial, Op: op, Err: fmt.Errorf("session closed")}
	}
	if s.Fault == nil {
		return nil
	}
	if err := s.Fault(op); err != nil {
		return ErrTransport{Serial: s.serial, Op: op, Err: err}
	}
	return nil
}

func (s *ScriptedSession) enterLocked(name string, push bool) {
	if push && s.screen != "" {
		s.history = append(s.history, s.screen)
	}
	s.screen = name
	s.list = ""
	if sc := s.script.Screens[name]; sc != nil {
		s.list = sc.List
	}
	if s.list != "" {
		s.pages[s.list] = 0
	}
}

func (s *ScriptedSession) visibleLocked() []Node {
	sc := s.script.Screens[s.screen]
	if sc == nil {
		return nil
	}
	nodes := append([]Node(nil), sc.Nodes...)
	if pages := sc.Lists[s.list]; len(pages) > 0 {
		nodes = append(nodes, pages[s.pages[s.list]]...)
	}
	return nodes
}

func (s *ScriptedSession) matchesLocked(d Descriptor) []Node {
	var out []Node
	for _, n := range s.visibleLocked() {
		if d.Matches(n) {
			out = append(out, n)
		}
	}
	return out
}

func (s *ScriptedSession) resolveLocked(h Handle) (Node, error) {
	matches := s.matchesLocked(h.Descriptor)
	if h.Instance < 0 || h.Instance >= len(matches) {
		return Node{}, fmt.Errorf("%s #%d: %w", h.Descriptor, h.Instance, ErrStaleHandle)
	}
	return matches[h.Instance], nil
}

func (s *ScriptedSession) Locate(ctx context.Context, d Descriptor, timeout time.Duration) (Handle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("locate"); err != nil {
		return Handle{}, false, err
	}
	matches := s.matchesLocked(d)
	if len(matches) == 0 {
		return Handle{}, false, nil
	}
	return Handle{Descriptor: d, Bounds: matches[0].Bounds, Text: matches[0].Text}, true, nil
}

func (s *ScriptedSession) LocateAll(ctx context.Context, d Descriptor) ([]Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("locate_all"); err != nil {
		return nil, err
	}
	matches := s.matchesLocked(d)
	out := make([]Handle, 0, len(matches))
	for i, n := range matches {
		out = append(out, Handle{Descriptor: d, Instance: i, Bounds: n.Bounds, Text: n.Text})
	}
	return out, nil
}

func (s *ScriptedSession) Tap(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("tap"); err != nil {
		return err
	}
	n, err := s.resolveLocked(h)
	if err != nil {
		return err
	}
	s.taps = append(s.taps, n.Text)
	if n.Goto != "" {
		s.enterLocked(n.Goto, true)
	}
	if n.Select != "" {
		s.list = n.Select
		s.pages[n.Select] = 0
	}
	return nil
}

func (s *ScriptedSession) Swipe(ctx context.Context, dir Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("swipe"); err != nil {
		return err
	}
	s.swipes = append(s.swipes, dir)
	sc := s.script.Screens[s.screen]
	if sc == nil {
		return nil
	}
	pages := sc.Lists[s.list]
	switch dir {
	case ListUp:
		if s.pages[s.list] < len(pages)-1 {
			s.pages[s.list]++
		}
	case ListDown:
		if s.pages[s.list] > 0 {
			s.pages[s.list]--
		}
	}
	return nil
}

func (s *ScriptedSession) TypeText(ctx context.Context, h Handle, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("type_text"); err != nil {
		return err
	}
	if _, err := s.resolveLocked(h); err != nil {
		return err
	}
	s.typed = append(s.typed, text)
	return nil
}

func (s *ScriptedSession) ReadText(ctx context.Context, h Handle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("read_text"); err != nil {
		return "", err
	}
	n, err := s.resolveLocked(h)
	if err != nil {
		return "", err
	}
	return n.Text, nil
}

func (s *ScriptedSession) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("screenshot"); err != nil {
		return nil, err
	}
	s.screenshots++
	return placeholderPNG()
}

func (s *ScriptedSession) Back(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("back"); err != nil {
		return err
	}
	if n := len(s.history); n > 0 {
		prev := s.history[n-1]
		s.history = s.history[:n-1]
		s.enterLocked(prev, false)
	}
	return nil
}

// LaunchApp returns the session to the script's start screen.
func (s *ScriptedSession) LaunchApp(ctx context.Context, pkg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("launch"); err != nil {
		return err
	}
	s.launches++
	s.history = nil
	s.enterLocked(s.script.Start, false)
	return nil
}

func (s *ScriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Screen returns the name of the screen currently shown.
func (s *ScriptedSession) Screen() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

// Taps returns the texts of every tapped node, in order.
func (s *ScriptedSession) Taps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.taps...)
}

// Swipes returns every swipe issued, in order.
func (s *ScriptedSession) Swipes() []Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Direction(nil), s.swipes...)
}

// Typed returns every text typed, in order.
func (s *ScriptedSession) Typed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.typed...)
}

// Screenshots returns the number of captures taken.
func (s *ScriptedSession) Screenshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenshots
}

// Launches returns the number of app restarts.
func (s *ScriptedSession) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

func placeholderPNG() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 0x44, G: 0x72, B: 0xc4, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode placeholder: %w", err)
	}
	return buf.Bytes(), nil
}
