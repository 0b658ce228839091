package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/peer"
	"github.com/sirupsen/logrus"
)

const (
	frameHello  byte = 'H'
	frameSelect byte = 'S'
	frameLen         = 9
)

var (
	errNonceCollision  = errors.New("handshake nonce collision")
	errUnexpectedFrame = errors.New("unexpected handshake frame")
)

// Bilateral races an outbound dial against an inbound accept. When both
// succeed the two peers agree on a single socket: each writes a hello frame
// carrying a random nonce on every candidate, the peer with the larger nonce
// selects one candidate and the other commits to whichever socket carries the
// select frame. Both peers must use Bilateral.
type Bilateral struct {
	cfg Config
}

func NewBilateral(cfg Config) *Bilateral {
	return &Bilateral{cfg: cfg.withDefaults()}
}

type direction int

const (
	outbound direction = iota
	inbound
)

func (d direction) String() string {
	if d == inbound {
		return "inbound"
	}
	return "outbound"
}

type taskResult struct {
	dir  direction
	conn net.Conn
	err  error
}

type candidate struct {
	dir  direction
	conn net.Conn
}

type frameEvent struct {
	c     *candidate
	kind  byte
	nonce uint64
	err   error
}

func (b *Bilateral) Establish(ctx context.Context, local, remote peer.URL) (net.Conn, error) {
	if ctx.Err() != nil {
		return nil, interrupted(ctx)
	}
	log := b.cfg.Logger.WithFields(logrus.Fields{"local": local.String(), "peer": remote.String()})

	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	results := make(chan taskResult, 2)
	go func() {
		conn, err := dialLoop(raceCtx, b.cfg, remote)
		results <- taskResult{dir: outbound, conn: conn, err: err}
	}()
	go func() {
		conn, err := acceptLoop(raceCtx, b.cfg, local, remote)
		results <- taskResult{dir: inbound, conn: conn, err: err}
	}()

	events := make(chan frameEvent)
	pending := 2
	var live []*candidate
	var causes [2]error

	drop := func(c *candidate, cause error) {
		causes[c.dir] = discard(c.conn, cause)
		for i, other := range live {
			if other == c {
				live = append(live[:i], live[i+1:]...)
				break
			}
		}
		log.WithFields(logrus.Fields{"direction": c.dir, "error": cause}).Debug("dropped candidate socket")
	}

	commit := func(c *candidate) (net.Conn, error) {
		for _, other := range live {
			if other != c {
				_ = other.conn.Close()
			}
		}
		cancel()
		go closeLate(results, pending)

		if err := c.conn.SetDeadline(time.Time{}); err != nil {
			return nil, discard(c.conn, err)
		}
		log.WithField("direction", c.dir).Info("connection established")
		return c.conn, nil
	}

	for {
		if pending == 0 && len(live) == 0 {
			return nil, &BilateralConnectError{Outbound: causes[outbound], Inbound: causes[inbound]}
		}

		select {
		case <-ctx.Done():
			for _, c := range live {
				_ = c.conn.Close()
			}
			cancel()
			go closeLate(results, pending)
			return nil, interrupted(ctx)

		case r := <-results:
			pending--
			if r.err != nil {
				causes[r.dir] = r.err
				continue
			}
			c := &candidate{dir: r.dir, conn: r.conn}
			live = append(live, c)
			if err := c.conn.SetDeadline(time.Now().Add(b.cfg.ConnectTimeout)); err != nil {
				drop(c, err)
				continue
			}
			if err := writeFrame(c.conn, frameHello, nonce); err != nil {
				drop(c, fmt.Errorf("send hello: %w", err))
				continue
			}
			go readHandshake(c, nonce, events, done)

		case ev := <-events:
			if !containsCandidate(live, ev.c) {
				continue
			}
			if ev.err != nil {
				drop(ev.c, fmt.Errorf("handshake: %w", ev.err))
				continue
			}

			switch ev.kind {
			case frameHello:
				if ev.nonce == nonce {
					drop(ev.c, errNonceCollision)
					continue
				}
				if ev.nonce > nonce {
					continue
				}
				if err := writeFrame(ev.c.conn, frameSelect, nonce); err != nil {
					drop(ev.c, fmt.Errorf("send select: %w", err))
					continue
				}
				return commit(ev.c)
			case frameSelect:
				return commit(ev.c)
			}
		}
	}
}

// readHandshake reads the peer's hello and, when the peer decides, its
// select frame. It never reads past the handshake so the socket is clean
// once the winner is committed.
func readHandshake(c *candidate, nonce uint64, events chan<- frameEvent, done <-chan struct{}) {
	send := func(ev frameEvent) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		}
	}

	kind, peerNonce, err := readFrame(c.conn)
	if err == nil && kind != frameHello {
		err = errUnexpectedFrame
	}
	if !send(frameEvent{c: c, kind: kind, nonce: peerNonce, err: err}) || err != nil {
		return
	}
	if peerNonce <= nonce {
		return
	}

	kind, _, err = readFrame(c.conn)
	if err == nil && kind != frameSelect {
		err = errUnexpectedFrame
	}
	send(frameEvent{c: c, kind: kind, err: err})
}

// closeLate closes sockets produced by tasks that finish after the race was
// decided.
func closeLate(results <-chan taskResult, pending int) {
	for ; pending > 0; pending-- {
		if r := <-results; r.conn != nil {
			_ = r.conn.Close()
		}
	}
}

func containsCandidate(list []*candidate, c *candidate) bool {
	for _, other := range list {
		if other == c {
			return true
		}
	}
	return false
}

func writeFrame(w io.Writer, kind byte, nonce uint64) error {
	var frame [frameLen]byte
	frame[0] = kind
	binary.BigEndian.PutUint64(frame[1:], nonce)
	_, err := w.Write(frame[:])
	return err
}

func readFrame(r io.Reader) (byte, uint64, error) {
	var frame [frameLen]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return 0, 0, err
	}
	return frame[0], binary.BigEndian.Uint64(frame[1:]), nil
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
