package xpc

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Conn is a pipe to launchd.
type Conn struct {
	mu     sync.Mutex
	pipe   *Object
	closed bool
}

// Dial opens a new pipe over the bootstrap port.
func Dial(rt Runtime) (*Conn, error) {
	h, err := rt.BootstrapPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap pipe: %w", err)
	}
	pipe, err := adopt(rt, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap pipe: %w", err)
	}
	return &Conn{pipe: pipe}, nil
}

// Close invalidates and releases the pipe. Calls waiting on it fail with a
// transport error.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.pipe.rt.InvalidatePipe(c.pipe.handle)
	c.pipe.Close()
}

// acquire takes a reference on the pipe for the duration of one call.
func (c *Conn) acquire() (*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		code := int(unix.EPIPE)
		return nil, &TransportError{Code: code, Reason: c.pipe.rt.Strerror(code)}
	}
	return c.pipe.Retain()
}

// Transport exchanges request dictionaries with launchd. The bootstrap pipe
// is resolved on first use and shared by every call on the Transport.
type Transport struct {
	rt     Runtime
	logger *zap.Logger

	mu      sync.Mutex
	conn    *Conn
	connErr error
	once    *sync.Once
}

// NewTransport creates a transport over rt.
func NewTransport(rt Runtime, logger *zap.Logger) *Transport {
	return &Transport{
		rt:     rt,
		logger: logger,
		once:   new(sync.Once),
	}
}

// Runtime returns the runtime messages are built with.
func (t *Transport) Runtime() Runtime {
	return t.rt
}

func (t *Transport) bootstrap() (*Conn, error) {
	t.mu.Lock()
	once := t.once
	t.mu.Unlock()

	once.Do(func() {
		conn, err := Dial(t.rt)
		t.mu.Lock()
		t.conn, t.connErr = conn, err
		t.mu.Unlock()
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.connErr
}

// Reset closes the shared pipe so the next call dials a new one. A call
// blocked on the old pipe is aborted with a transport error.
func (t *Transport) Reset() {
	t.mu.Lock()
	conn := t.conn
	t.conn, t.connErr = nil, nil
	t.once = new(sync.Once)
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Send performs a round trip on the shared pipe.
func (t *Transport) Send(msg Message) (*Object, error) {
	return t.SendWithFlags(msg, 0)
}

// SendWithFlags performs a round trip passing a routine-specific flag mask.
func (t *Transport) SendWithFlags(msg Message, flags uint64) (*Object, error) {
	conn, err := t.bootstrap()
	if err != nil {
		return nil, err
	}
	return t.SendOn(conn, msg, flags)
}

// SendOn performs a round trip on an explicitly supplied pipe.
func (t *Transport) SendOn(conn *Conn, msg Message, flags uint64) (*Object, error) {
	req, err := msg.Build(t.rt)
	if err != nil {
		return nil, err
	}
	defer req.Close()

	pipe, err := conn.acquire()
	if err != nil {
		return nil, err
	}
	defer pipe.Close()

	routine, _ := msg.Lookup("routine")
	reply, status := t.rt.PipeRoutine(pipe.handle, req.handle, flags)
	if status != 0 {
		if reply != 0 {
			t.rt.Release(reply)
		}
		t.logger.Debug("pipe routine failed",
			zap.Any("routine", routine),
			zap.Int("status", status))
		return nil, &TransportError{Code: status, Reason: t.rt.Strerror(status)}
	}
	if reply == 0 {
		return nil, ErrEmptyReply
	}

	t.logger.Debug("pipe routine completed", zap.Any("routine", routine))
	return adopt(t.rt, reply)
}
