package controlchannel

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/banshee-ips/banshee/internal/errkind"
	"github.com/banshee-ips/banshee/internal/wire"
)

const (
	waitBackoffStart = 6250 * time.Microsecond
	waitBackoffCap   = 500 * time.Millisecond
	defaultTimeout   = 30 * time.Second
)

// Client sends framed commands to a Server over its UNIX-domain socket.
type Client struct {
	path    string
	verbose int
}

// NewClient returns a Client targeting the socket at path. verbose > 1
// enables the ANSI wait progress bar.
func NewClient(path string, verbose int) *Client {
	return &Client{path: path, verbose: verbose}
}

// Send transmits one command and returns its Reply.
func (c *Client) Send(args []string) (Reply, error) {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return Reply{}, &errkind.SocketUnavailable{Path: c.path, Err: err}
	}
	defer conn.Close()

	if err := wire.WriteCommand(conn, args); err != nil {
		return Reply{}, err
	}
	resp, err := wire.ReadCommand(conn)
	if err != nil {
		return Reply{}, err
	}
	if len(resp) != 2 {
		return Reply{}, fmt.Errorf("controlchannel: malformed reply %v", resp)
	}
	status, err := strconv.Atoi(resp[0])
	if err != nil {
		return Reply{}, fmt.Errorf("controlchannel: non-numeric status %q", resp[0])
	}
	return Reply{Status: status, Payload: resp[1]}, nil
}

// Ping reports whether the server answers "ping" successfully.
func (c *Client) Ping() bool {
	reply, err := c.Send([]string{"ping"})
	return err == nil && reply.Status == 0
}

// socketExists reports whether the socket file is present on disk.
func (c *Client) socketExists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

// waitFor blocks, polling with exponential backoff (6.25ms doubling to a
// 500ms cap), until test() matches desiredAlive or timeout elapses.
func (c *Client) waitFor(desiredAlive bool, timeout time.Duration, heartbeat func(elapsed, timeout time.Duration)) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	delay := waitBackoffStart
	deadline := time.Now().Add(timeout)

	for {
		alive := c.socketExists() && c.Ping()
		if alive == desiredAlive {
			return nil
		}
		if time.Now().After(deadline) {
			return &errkind.StartTimeout{Timeout: timeout.String()}
		}
		if heartbeat != nil {
			heartbeat(timeout-time.Until(deadline), timeout)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > waitBackoffCap {
			delay = waitBackoffCap
		}
	}
}

// WaitAlive blocks until the server answers ping or timeout elapses,
// drawing the ANSI progress bar when verbosity > 1.
func (c *Client) WaitAlive(timeout time.Duration) error {
	return c.waitFor(true, timeout, c.heartbeat)
}

// WaitGone blocks until the socket disappears (used by Restart between
// stop and start).
func (c *Client) WaitGone(timeout time.Duration) error {
	return c.waitFor(false, timeout, c.heartbeat)
}

func (c *Client) heartbeat(elapsed, timeout time.Duration) {
	if c.verbose <= 1 {
		return
	}
	const width = 10
	frac := 0.0
	if timeout > 0 {
		frac = float64(elapsed) / float64(timeout)
	}
	filled := int(frac * width)
	if filled > width {
		filled = width
	}
	bar := "["
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "#"
		} else {
			bar += " "
		}
	}
	bar += "]"
	fmt.Fprintf(os.Stderr, "\r%s Waiting on the server...", bar)
}

// Start verifies no server is running, then sends the config stream
// followed by ["echo","Server ready"]. The caller is responsible for
// actually forking/starting the daemon process; Start only drives the
// handshake once it is reachable.
func (c *Client) Start(configStream [][]string, timeout time.Duration) error {
	if c.Ping() {
		return fmt.Errorf("controlchannel: a server is already running at %s", c.path)
	}
	if err := c.WaitAlive(timeout); err != nil {
		return err
	}
	for _, cmd := range configStream {
		if _, err := c.Send(cmd); err != nil {
			return err
		}
	}
	_, err := c.Send([]string{"echo", "Server ready"})
	if c.verbose > 1 {
		fmt.Fprintln(os.Stderr)
	}
	return err
}

// Stop sends "stop" and waits for the socket to disappear.
func (c *Client) Stop(timeout time.Duration) error {
	if _, err := c.Send([]string{"stop"}); err != nil {
		return err
	}
	return c.WaitGone(timeout)
}

// Reload requires the server to be live, then sends "stop <jail>" (or plain
// "stop" for all jails) followed by the config stream.
func (c *Client) Reload(jail string, configStream [][]string) error {
	if !c.Ping() {
		return fmt.Errorf("controlchannel: no server running at %s", c.path)
	}
	stopCmd := []string{"stop"}
	if jail != "" {
		stopCmd = append(stopCmd, jail)
	}
	if _, err := c.Send(stopCmd); err != nil {
		return err
	}
	for _, cmd := range configStream {
		if _, err := c.Send(cmd); err != nil {
			return err
		}
	}
	return nil
}
