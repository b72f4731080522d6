package device

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Field masks understood by the uiautomator2 server selector.
const (
	maskText         = 0x01
	maskTextContains = 0x02
	maskTextMatches  = 0x04
	maskClassName    = 0x10
	maskDescription  = 0x40
	maskResourceID   = 0x200000
	maskInstance     = 0x01000000
)

// callSlack is added on top of on-device waits when bounding an HTTP call.
const callSlack = 10 * time.Second

// U2Session talks JSON-RPC to a uiautomator2 server running on the handset,
// usually reached through an adb port forward.
type U2Session struct {
	serial   string
	endpoint string
	client   *http.Client

	// ADB, when set, is used to restart the target app.
	ADB *ADBClient
	// Observe, when set, receives the latency of every RPC.
	Observe func(method string, d time.Duration)

	nextID atomic.Int64

	sizeMu sync.Mutex
	width  int
	height int
}

// NewU2Session returns a session for the server at baseURL (for example
// http://127.0.0.1:9008). A nil client uses a private http.Client.
func NewU2Session(serial, baseURL string, client *http.Client) *U2Session {
	if client == nil {
		client = &http.Client{}
	}
	return &U2Session{
		serial:   serial,
		endpoint: strings.TrimSuffix(baseURL, "/") + "/jsonrpc/0",
		client:   client,
	}
}

func (s *U2Session) Serial() string { return s.serial }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (s *U2Session) call(ctx context.Context, wait time.Duration, method string, out any, params ...any) error {
	ctx, cancel := context.WithTimeout(ctx, wait+callSlack)
	defer cancel()

	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: s.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if s.Observe != nil {
		s.Observe(method, time.Since(start))
	}
	if err != nil {
		return ErrTransport{Serial: s.serial, Op: method, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrTransport{Serial: s.serial, Op: method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return ErrTransport{Serial: s.serial, Op: method, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var rpc rpcResponse
	if err := json.Unmarshal(payload, &rpc); err != nil {
		return ErrTransport{Serial: s.serial, Op: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if rpc.Error != nil {
		if strings.Contains(rpc.Error.Message, "UiObjectNotFound") || strings.Contains(string(rpc.Error.Data), "UiObjectNotFound") {
			return fmt.Errorf("%s: %w", method, ErrStaleHandle)
		}
		return ErrTransport{Serial: s.serial, Op: method, Err: fmt.Errorf("rpc error %d: %s", rpc.Error.Code, rpc.Error.Message)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpc.Result, out); err != nil {
		return ErrTransport{Serial: s.serial, Op: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

func selectorFor(d Descriptor, instance int) map[string]any {
	sel := map[string]any{
		"childOrSibling":         []any{},
		"childOrSiblingSelector": []any{},
	}
	mask := 0
	switch d.Kind {
	case ByText:
		mask, sel["text"] = maskText, d.Value
	case ByTextContains:
		mask, sel["textContains"] = maskTextContains, d.Value
	case ByRegex:
		mask, sel["textMatches"] = maskTextMatches, d.Value
	case ByID:
		mask, sel["resourceId"] = maskResourceID, d.Value
	case ByClass:
		mask, sel["className"] = maskClassName, d.Value
	case ByDescription:
		mask, sel["description"] = maskDescription, d.Value
	}
	if instance > 0 {
		mask |= maskInstance
		sel["instance"] = instance
	}
	sel["mask"] = mask
	return sel
}

type objInfo struct {
	Bounds Rect   `json:"bounds"`
	Text   string `json:"text"`
}

func (s *U2Session) info(ctx context.Context, d Descriptor, instance int) (Handle, error) {
	var info objInfo
	if err := s.call(ctx, 0, "objInfo", &info, selectorFor(d, instance)); err != nil {
		return Handle{}, err
	}
	return Handle{Descriptor: d, Instance: instance, Bounds: info.Bounds, Text: info.Text}, nil
}

func (s *U2Session) Locate(ctx context.Context, d Descriptor, timeout time.Duration) (Handle, bool, error) {
	var exists bool
	if err := s.call(ctx, timeout, "waitForExists", &exists, selectorFor(d, 0), timeout.Milliseconds()); err != nil {
		return Handle{}, false, err
	}
	if !exists {
		return Handle{}, false, nil
	}
	h, err := s.info(ctx, d, 0)
	if errors.Is(err, ErrStaleHandle) {
		return Handle{}, false, nil
	}
	if err != nil {
		return Handle{}, false, err
	}
	return h, true, nil
}

func (s *U2Session) LocateAll(ctx context.Context, d Descriptor) ([]Handle, error) {
	var n int
	if err := s.call(ctx, 0, "count", &n, selectorFor(d, 0)); err != nil {
		return nil, err
	}
	out := make([]Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := s.info(ctx, d, i)
		if errors.Is(err, ErrStaleHandle) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bounds.Top < out[j].Bounds.Top })
	return out, nil
}

func (s *U2Session) Tap(ctx context.Context, h Handle) error {
	x, y := h.Bounds.Center()
	return s.call(ctx, 0, "click", nil, x, y)
}

func (s *U2Session) displaySize(ctx context.Context) (int, int, error) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	if s.width > 0 && s.height > 0 {
		return s.width, s.height, nil
	}
	var info struct {
		DisplayWidth  int `json:"displayWidth"`
		DisplayHeight int `json:"displayHeight"`
	}
	if err := s.call(ctx, 0, "deviceInfo", &info); err != nil {
		return 0, 0, err
	}
	s.width, s.height = info.DisplayWidth, info.DisplayHeight
	return s.width, s.height, nil
}

func (s *U2Session) Swipe(ctx context.Context, dir Direction) error {
	w, h, err := s.displaySize(ctx)
	if err != nil {
		return err
	}
	x := w * 6 / 10
	if dir == SidebarUp || dir == SidebarDown {
		x = w / 10
	}
	from, to := h*75/100, h*35/100
	if dir == ListDown || dir == SidebarDown {
		from, to = to, from
	}
	return s.call(ctx, 0, "swipe", nil, x, from, x, to, 20)
}

func (s *U2Session) TypeText(ctx context.Context, h Handle, text string) error {
	sel := selectorFor(h.Descriptor, h.Instance)
	if err := s.call(ctx, 0, "clearTextField", nil, sel); err != nil {
		return err
	}
	return s.call(ctx, 0, "setText", nil, sel, text)
}

func (s *U2Session) ReadText(ctx context.Context, h Handle) (string, error) {
	var text string
	if err := s.call(ctx, 0, "getText", &text, selectorFor(h.Descriptor, h.Instance)); err != nil {
		return "", err
	}
	return text, nil
}

func (s *U2Session) Screenshot(ctx context.Context) ([]byte, error) {
	var encoded string
	if err := s.call(ctx, 0, "takeScreenshot", &encoded, 1, 80); err != nil {
		return nil, err
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrTransport{Serial: s.serial, Op: "takeScreenshot", Err: fmt.Errorf("decode image: %w", err)}
	}
	return img, nil
}

func (s *U2Session) Back(ctx context.Context) error {
	return s.call(ctx, 0, "pressKey", nil, "back")
}

// LaunchApp force-stops and relaunches pkg through adb.
func (s *U2Session) LaunchApp(ctx context.Context, pkg string) error {
	if s.ADB == nil {
		return errors.ErrUnsupported
	}
	cmd := fmt.Sprintf("am force-stop %s; monkey -p %s -c android.intent.category.LAUNCHER 1", pkg, pkg)
	if _, err := s.ADB.Shell(ctx, s.serial, cmd); err != nil {
		return ErrTransport{Serial: s.serial, Op: "launch", Err: err}
	}
	return nil
}

func (s *U2Session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
