package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ADBClient speaks the adb server host protocol.
type ADBClient struct {
	Addr        string
	DialTimeout time.Duration
}

// NewADBClient returns a client for the adb server at addr (default 127.0.0.1:5037).
func NewADBClient(addr string) *ADBClient {
	if addr == "" {
		addr = "127.0.0.1:5037"
	}
	return &ADBClient{Addr: addr, DialTimeout: 5 * time.Second}
}

func (c *ADBClient) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial adb server %s: %w", c.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

func send(conn net.Conn, req string) error {
	if _, err := fmt.Fprintf(conn, "%04x%s", len(req), req); err != nil {
		return fmt.Errorf("send %q: %w", req, err)
	}
	return readStatus(conn, req)
}

func readStatus(r io.Reader, req string) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(r, status); err != nil {
		return fmt.Errorf("read status for %q: %w", req, err)
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := readLengthPrefixed(r)
		if err != nil {
			return fmt.Errorf("adb %q failed: %w", req, err)
		}
		return fmt.Errorf("adb %q failed: %s", req, msg)
	default:
		return fmt.Errorf("adb %q: unexpected status %q", req, status)
	}
}

func readLengthPrefixed(r io.Reader) (string, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(head), 16, 32)
	if err != nil {
		return "", fmt.Errorf("bad length %q: %w", head, err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ListConnectedDevices implements Lister using host:devices-l.
func (c *ADBClient) ListConnectedDevices(ctx context.Context) ([]Info, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := send(conn, "host:devices-l"); err != nil {
		return nil, err
	}
	payload, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, fmt.Errorf("read device list: %w", err)
	}
	return parseDeviceList(payload), nil
}

func parseDeviceList(payload string) []Info {
	var out []Info
	scanner := bufio.NewScanner(strings.NewReader(payload))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		info := Info{Serial: fields[0], State: deviceState(fields[1])}
		for _, f := range fields[2:] {
			if model, ok := strings.CutPrefix(f, "model:"); ok {
				info.Model = strings.ReplaceAll(model, "_", " ")
			}
		}
		out = append(out, info)
	}
	return out
}

func deviceState(s string) string {
	switch s {
	case "device":
		return StateOnline
	case "offline":
		return StateOffline
	case "unauthorized":
		return StateUnauthorized
	default:
		return StateUnknown
	}
}

// Forward maps a free local TCP port to remotePort on the device and returns it.
func (c *ADBClient) Forward(ctx context.Context, serial string, remotePort int) (int, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	req := fmt.Sprintf("host-serial:%s:forward:tcp:0;tcp:%d", serial, remotePort)
	if err := send(conn, req); err != nil {
		return 0, err
	}
	// the server acknowledges twice, then reports the allocated port
	if err := readStatus(conn, req); err != nil {
		return 0, err
	}
	port, err := readLengthPrefixed(conn)
	if err != nil {
		return 0, fmt.Errorf("read forwarded port: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil {
		return 0, fmt.Errorf("parse forwarded port %q: %w", port, err)
	}
	return n, nil
}

// Shell runs cmd on the device and returns its combined output.
func (c *ADBClient) Shell(ctx context.Context, serial, cmd string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := send(conn, "host:transport:"+serial); err != nil {
		return "", err
	}
	if err := send(conn, "shell:"+cmd); err != nil {
		return "", err
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read shell output: %w", err)
	}
	return string(out), nil
}
