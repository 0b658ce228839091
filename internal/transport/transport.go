// Package transport establishes the TCP socket that backs a connection,
// either by dialing, by accepting, or by racing both.
package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/logger"
	"github.com/rudransh-shrivastava/transfile/internal/peer"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConnectTimeout  = 20 * time.Second
	DefaultIntervalTimeout = 500 * time.Millisecond
)

// Establisher produces a connected socket between local and remote.
type Establisher interface {
	Establish(ctx context.Context, local, remote peer.URL) (net.Conn, error)
}

type Config struct {
	// ConnectTimeout is the total budget of one Establish call.
	ConnectTimeout time.Duration
	// IntervalTimeout bounds each single dial or accept probe.
	IntervalTimeout time.Duration
	Logger          *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IntervalTimeout <= 0 {
		c.IntervalTimeout = DefaultIntervalTimeout
	}
	if c.IntervalTimeout > c.ConnectTimeout {
		c.IntervalTimeout = c.ConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	return c
}

type Mode int

const (
	ModeOutbound Mode = iota
	ModeInbound
)

func (m Mode) String() string {
	if m == ModeInbound {
		return "inbound"
	}
	return "outbound"
}

// PointToPoint retries only one direction and has no race step.
type PointToPoint struct {
	cfg  Config
	mode Mode
}

func NewPointToPoint(cfg Config, mode Mode) *PointToPoint {
	return &PointToPoint{cfg: cfg.withDefaults(), mode: mode}
}

func (p *PointToPoint) Establish(ctx context.Context, local, remote peer.URL) (net.Conn, error) {
	if ctx.Err() != nil {
		return nil, interrupted(ctx)
	}
	if p.mode == ModeInbound {
		return acceptLoop(ctx, p.cfg, local, remote)
	}
	return dialLoop(ctx, p.cfg, remote)
}

// dialLoop connects to remote, one probe per interval, until the total budget
// is spent.
func dialLoop(ctx context.Context, cfg Config, remote peer.URL) (net.Conn, error) {
	log := cfg.Logger.WithField("peer", remote.String())
	start := time.Now()
	deadline := start.Add(cfg.ConnectTimeout)

	var dialer net.Dialer
	var last error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		now := time.Now()
		if !now.Before(deadline) {
			return nil, &TimeoutError{Op: "dial " + remote.Addr(), Elapsed: now.Sub(start), Last: last}
		}

		probeEnd := now.Add(cfg.IntervalTimeout)
		if probeEnd.After(deadline) {
			probeEnd = deadline
		}

		probeCtx, cancel := context.WithDeadline(ctx, probeEnd)
		conn, err := dialer.DialContext(probeCtx, "tcp", remote.Addr())
		cancel()
		if err == nil {
			log.WithField("attempt", attempt).Debug("outbound connected")
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		last = err
		log.WithFields(logrus.Fields{"attempt": attempt, "error": err}).Trace("dial probe failed")

		if wait := time.Until(probeEnd); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, interrupted(ctx)
			case <-timer.C:
			}
		}
	}
}

// acceptLoop listens on local's port and returns the first socket whose
// remote address is remote's resolved address. Foreign sockets are closed.
func acceptLoop(ctx context.Context, cfg Config, local, remote peer.URL) (net.Conn, error) {
	log := cfg.Logger.WithField("peer", remote.String())
	start := time.Now()
	deadline := start.Add(cfg.ConnectTimeout)

	ln, err := listen(ctx, local.Port())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ln.Close(); err != nil {
			log.WithField("error", err).Warn("failed to close listener")
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.SetDeadline(time.Now()) })
	defer stop()

	var last error
	for {
		now := time.Now()
		if !now.Before(deadline) {
			return nil, &TimeoutError{Op: "accept on port " + strconv.Itoa(int(local.Port())), Elapsed: now.Sub(start), Last: last}
		}

		probeEnd := now.Add(cfg.IntervalTimeout)
		if probeEnd.After(deadline) {
			probeEnd = deadline
		}
		if err := ln.SetDeadline(probeEnd); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}

		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil, interrupted(ctx)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				last = err
				continue
			}
			return nil, err
		}

		addr, _ := conn.RemoteAddr().(*net.TCPAddr)
		if addr == nil || !remote.Matches(addr.IP) {
			last = &UnexpectedPeerError{Expected: remote.IP().String(), Got: conn.RemoteAddr().String()}
			log.WithField("from", conn.RemoteAddr().String()).Warn("rejected inbound connection")
			_ = conn.Close()
			continue
		}

		log.WithField("from", addr.String()).Debug("inbound connected")
		return conn, nil
	}
}

func listen(ctx context.Context, port uint16) (*net.TCPListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(int(port)))
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, &SecurityError{Port: port, Err: err}
		}
		return nil, &BindError{Port: port, Err: err}
	}
	return ln.(*net.TCPListener), nil
}

// discard closes conn after cause made it unusable.
func discard(conn net.Conn, cause error) error {
	if err := conn.Close(); err != nil {
		return &CloseError{Cause: cause, CloseErr: err}
	}
	return cause
}
