// Package connection implements the duplex message channel between two peers.
package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/listeners"
	"github.com/rudransh-shrivastava/transfile/internal/logger"
	"github.com/rudransh-shrivastava/transfile/internal/metrics"
	"github.com/rudransh-shrivastava/transfile/internal/peer"
	"github.com/rudransh-shrivastava/transfile/internal/protocol"
	"github.com/rudransh-shrivastava/transfile/internal/transport"
	"github.com/sirupsen/logrus"
)

const DefaultWriteTimeout = 10 * time.Second

var (
	ErrIllegalState = errors.New("illegal connection state")
	ErrNotConnected = errors.New("not connected")
	ErrNoRemotePeer = errors.New("remote peer not set")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	Establisher transport.Establisher
	Local       peer.URL
	Remote      peer.URL
	// WriteTimeout bounds a single message write; zero uses the default.
	WriteTimeout time.Duration
	Logger       *logrus.Logger
	Metrics      metrics.Recorder
}

type Connection struct {
	establisher  transport.Establisher
	writeTimeout time.Duration
	logger       *logrus.Logger
	metrics      metrics.Recorder
	codec        *protocol.Codec
	listeners    listeners.Set[Listener]

	writeMu sync.Mutex

	mu          sync.Mutex
	state       State
	local       peer.URL
	remote      peer.URL
	conn        net.Conn
	cancel      context.CancelFunc
	attempt     uint64
	lastErr     error
	lastMessage time.Time
	events      listeners.Dispatcher
}

func New(cfg Config) *Connection {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}

	return &Connection{
		establisher:  cfg.Establisher,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		codec:        protocol.NewCodec(),
		local:        cfg.Local,
		remote:       cfg.Remote,
	}
}

func (c *Connection) AddListener(l Listener) { c.listeners.Add(l) }

func (c *Connection) RemoveListener(l Listener) { c.listeners.Remove(l) }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LocalPeer() peer.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Connection) RemotePeer() peer.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// LastError is the most recent establish, read or write failure.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) LastMessageTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage
}

// SetLocalPeer and SetRemotePeer are only allowed while disconnected.
func (c *Connection) SetLocalPeer(u peer.URL) error {
	return c.setPeer(eventLocalPeer, u)
}

func (c *Connection) SetRemotePeer(u peer.URL) error {
	return c.setPeer(eventRemotePeer, u)
}

func (c *Connection) setPeer(kind eventKind, u peer.URL) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrIllegalState
	}
	target := &c.local
	if kind == eventRemotePeer {
		target = &c.remote
	}
	if target.Equal(u) {
		c.mu.Unlock()
		return nil
	}
	*target = u
	c.emitLocked(event{kind: kind, url: u})
	c.mu.Unlock()

	c.flush()
	return nil
}

// Connect starts an asynchronous attempt and returns once the connection is
// CONNECTING. Calling it in any other state than DISCONNECTED is a programming
// error reported as ErrIllegalState.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrIllegalState
	}
	if c.remote.IsZero() || c.establisher == nil {
		c.mu.Unlock()
		return ErrNoRemotePeer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.attempt++
	attempt := c.attempt
	c.cancel = cancel
	c.lastErr = nil
	local, remote := c.local, c.remote
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	c.flush()
	go c.establish(ctx, attempt, local, remote)
	return nil
}

func (c *Connection) establish(ctx context.Context, attempt uint64, local, remote peer.URL) {
	log := c.logger.WithField("peer", remote.String())
	conn, err := c.establisher.Establish(ctx, local, remote)
	c.metrics.ConnectionAttempt(err == nil)

	c.mu.Lock()
	if c.attempt != attempt || c.state != Connecting {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	if err != nil {
		c.lastErr = err
		c.setStateLocked(Disconnected)
		c.mu.Unlock()
		log.WithField("error", err).Warn("connection attempt failed")
		c.flush()
		return
	}

	c.conn = conn
	c.lastMessage = time.Now()
	c.setStateLocked(Connected)
	c.mu.Unlock()

	log.Info("connected")
	c.flush()
	go c.readLoop(conn)
}

// Disconnect sends a Disconnect message and closes the channel when
// connected, or aborts a pending attempt when connecting.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	switch c.state {
	case Connecting:
		c.attempt++
		cancel := c.cancel
		c.cancel = nil
		c.setStateLocked(Disconnected)
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.flush()

	case Connected:
		conn := c.conn
		c.mu.Unlock()

		if _, err := c.write(conn, protocol.Disconnect{}); err != nil {
			c.logger.WithField("error", err).Debug("failed to send disconnect")
		}

		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		c.teardownLocked(nil)
		c.mu.Unlock()

		c.closeConn(conn)
		c.flush()

	default:
		c.mu.Unlock()
	}
}

// SendMessage writes msg when connected and is a no-op returning
// ErrNotConnected otherwise. A write failure that sent nothing is recorded and
// returned without changing the state; one that left a partial frame on the
// wire disconnects.
func (c *Connection) SendMessage(msg protocol.Message) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	if n, err := c.write(conn, msg); err != nil {
		log := c.logger.WithFields(logrus.Fields{"type": msg.Type(), "error": err})
		if n == 0 {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			log.Warn("failed to send message")
			return err
		}

		// Part of the frame is on the wire. The peer can no longer find the
		// next frame boundary, so the stream is unusable.
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return err
		}
		c.teardownLocked(err)
		c.mu.Unlock()

		log.WithField("written", n).Warn("partial write, dropping connection")
		c.closeConn(conn)
		c.flush()
		return err
	}

	c.metrics.MessageSent(msg.Type(), metrics.PayloadSize(msg))
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()
	return nil
}

// write sends one frame and reports how many of its bytes reached conn.
func (c *Connection) write(conn net.Conn, msg protocol.Message) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return 0, err
	}
	w := &countingWriter{w: conn}
	err := c.codec.Encode(w, msg)
	return w.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (c *Connection) readLoop(conn net.Conn) {
	for {
		msg, err := c.codec.Decode(conn)
		if err != nil {
			c.mu.Lock()
			if c.conn != conn {
				c.mu.Unlock()
				return
			}
			c.teardownLocked(err)
			c.mu.Unlock()

			c.logger.WithField("error", err).Info("connection lost")
			c.closeConn(conn)
			c.flush()
			return
		}

		c.metrics.MessageReceived(msg.Type(), metrics.PayloadSize(msg))
		_, bye := msg.(protocol.Disconnect)

		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		c.lastMessage = time.Now()
		if bye {
			c.teardownLocked(nil)
		}
		c.emitLocked(event{kind: eventMessage, msg: msg})
		c.mu.Unlock()

		if bye {
			c.logger.WithField("peer", c.RemotePeer().String()).Info("peer disconnected")
			c.closeConn(conn)
		}
		c.flush()
		if bye {
			return
		}
	}
}

// teardownLocked moves a connected channel to DISCONNECTED. The caller closes
// the socket after releasing the lock.
func (c *Connection) teardownLocked(cause error) {
	if cause != nil {
		c.lastErr = cause
	}
	c.conn = nil
	c.setStateLocked(Disconnected)
	c.metrics.ConnectionClosed()
}

func (c *Connection) closeConn(conn net.Conn) {
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.mu.Lock()
		if c.lastErr == nil {
			c.lastErr = &transport.CloseError{CloseErr: err}
		} else {
			c.lastErr = &transport.CloseError{Cause: c.lastErr, CloseErr: err}
		}
		c.mu.Unlock()
		c.logger.WithField("error", err).Warn("failed to close connection")
	}
}

func (c *Connection) setStateLocked(s State) {
	c.state = s
	c.emitLocked(event{kind: eventState, state: s})
}

// emitLocked queues ev under c.mu so notifications keep transition order.
func (c *Connection) emitLocked(ev event) {
	c.events.Enqueue(func() { c.deliver(ev) })
}

func (c *Connection) flush() {
	c.events.Flush()
}
