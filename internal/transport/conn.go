package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"nhooyr.io/websocket"
)

// Conn is a Transport over any byte stream. A background read loop splits
// incoming bytes into lines and queues them for ReadLine.
type Conn struct {
	name   string
	rw     io.ReadWriteCloser
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	lines   []string
	readErr error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConn wraps rw and starts its read loop.
func NewConn(name string, rw io.ReadWriteCloser, logger *slog.Logger) *Conn {
	c := &Conn{
		name:   name,
		rw:     rw,
		logger: logger.With("component", "transport", "conn", name),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop(bufio.NewReader(rw))
	return c
}

// OpenSerial opens a serial port at 8N1.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*Conn, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", portName, err)
	}
	return NewConn("serial:"+portName, port, logger), nil
}

// DialWebSocket connects to a websocket gateway that relays text frames to
// and from the node.
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	nc := websocket.NetConn(context.Background(), ws, websocket.MessageText)
	return NewConn("ws:"+url, nc, logger), nil
}

// DialTCP connects to a raw socket port of a LAN node.
func DialTCP(ctx context.Context, addr string, logger *slog.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return NewConn("tcp:"+addr, nc, logger), nil
}

func (c *Conn) readLoop(r *bufio.Reader) {
	defer c.wg.Done()
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" || err == nil {
			c.mu.Lock()
			c.lines = append(c.lines, line)
			c.mu.Unlock()
			c.logger.Debug("rx", "line", line)
		}
		if err != nil {
			select {
			case <-c.done:
				err = ErrClosed
			default:
				if err != io.EOF {
					c.logger.Error("read error", "err", err)
				}
			}
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// WriteLine sends cmd terminated by LF.
func (c *Conn) WriteLine(ctx context.Context, cmd string) error {
	if c.closed() {
		return &Error{Op: "write", Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	_, err := io.WriteString(c.rw, cmd+"\n")
	c.writeMu.Unlock()
	if err != nil {
		return &Error{Op: "write", Err: err}
	}
	c.logger.Debug("tx", "line", cmd)
	return nil
}

// ReadLine pops the oldest queued line.
func (c *Conn) ReadLine(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) > 0 {
		line := c.lines[0]
		c.lines = c.lines[1:]
		return line, nil
	}
	if c.readErr != nil {
		return "", &Error{Op: "read", Err: c.readErr}
	}
	return "", ErrNoMessage
}

// MessagePending reports whether a line is queued.
func (c *Conn) MessagePending() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) > 0 {
		return true, nil
	}
	if c.readErr != nil {
		return false, &Error{Op: "read", Err: c.readErr}
	}
	return false, nil
}

// Exists asks the node whether the global name is defined.
func (c *Conn) Exists(ctx context.Context, name string) (bool, error) {
	reply, err := Query(ctx, c, name+" ~= nil", DefaultQueryTimeout)
	if err != nil {
		return false, err
	}
	return reply == "true", nil
}

// DrainErrors reads and clears the node error queue.
func (c *Conn) DrainErrors(ctx context.Context) error {
	reply, err := Query(ctx, c, "errorqueue.count", DefaultQueryTimeout)
	if err != nil {
		return err
	}
	n, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return &Error{Op: "drain errors", Err: fmt.Errorf("unexpected count %q", reply)}
	}
	if n <= 0 {
		return nil
	}
	nodeErr := &NodeError{}
	for i := 0; i < int(n); i++ {
		msg, err := Query(ctx, c, "errorqueue.next()", DefaultQueryTimeout)
		if err != nil {
			return err
		}
		nodeErr.Messages = append(nodeErr.Messages, msg)
	}
	return nodeErr
}

// Close stops the read loop and closes the stream.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rw.Close()
		c.wg.Wait()
	})
	return err
}

// String returns the connection name.
func (c *Conn) String() string { return c.name }

// Flush discards queued replies after waiting settle for in-flight output.
func (c *Conn) Flush(settle time.Duration) int {
	time.Sleep(settle)
	c.mu.Lock()
	n := len(c.lines)
	c.lines = nil
	c.mu.Unlock()
	if n > 0 {
		c.logger.Debug("flushed stale replies", "count", n)
	}
	return n
}
